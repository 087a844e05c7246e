package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"concierge/internal/otelutil"
	"concierge/internal/paths"
	"concierge/internal/server"
	"concierge/internal/web"
)

func main() {
	addr := pflag.String("addr", server.DefaultAddr, "TCP listen address for sentinel and host connections")
	httpAddr := pflag.String("http-addr", "", "HTTP status API listen address (disabled when empty)")
	baseDir := pflag.String("base-dir", "", "base data directory (defaults to the user config dir)")
	eventCapacity := pflag.Int("event-capacity", 0, "in-memory event window size (0 uses the default)")
	trafficLog := pflag.Bool("traffic-log", false, "log every frame to tcp_traffic.log")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := otelutil.Init(); err != nil {
		logger.Debug("tracing disabled", "reason", err)
	}
	defer otelutil.Flush()

	p, err := paths.Resolve(*baseDir)
	if err != nil {
		logger.Error("failed to resolve data directories", "error", err)
		os.Exit(1)
	}
	if err := p.EnsureDirs(); err != nil {
		logger.Error("failed to create data directories", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Config{
		Addr:          *addr,
		Paths:         p,
		EventCapacity: *eventCapacity,
		TrafficLog:    *trafficLog,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("concierge listening", "addr", srv.Addr())

	var httpSrv *http.Server
	if *httpAddr != "" {
		handler := web.New(srv, logger)
		handler.Start()
		httpSrv = &http.Server{
			Addr:    *httpAddr,
			Handler: handler.Router(),
		}
		go func() {
			logger.Info("status API listening", "addr", *httpAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status API failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case <-srv.Done():
		logger.Info("server stopped")
	}

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("status API shutdown failed", "error", err)
		}
	}
	srv.Shutdown()
}
