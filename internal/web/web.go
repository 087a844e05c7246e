// Package web exposes the concierge status surface over HTTP: health and
// stats endpoints for supervision tooling, profile state lookups, and a
// read-only websocket event feed for dashboard clients. It observes the
// server; nothing here mutates registry or profile state.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"concierge/internal/cid"
	"concierge/internal/profilestate"
	"concierge/internal/server"
)

// Handler bundles the gin router and the event-feed hub.
type Handler struct {
	srv    *server.Server
	hub    *Hub
	logger *slog.Logger
}

func New(srv *server.Server, logger *slog.Logger) *Handler {
	return &Handler{
		srv:    srv,
		hub:    NewHub(logger.With("component", "event_feed")),
		logger: logger,
	}
}

// Start begins pumping the server's event feed into the hub.
func (h *Handler) Start() {
	go h.hub.Run(h.srv.Events(), h.srv.Done())
}

// Router builds the HTTP routes.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.cidMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "concierge",
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.srv.Stats())
	})

	r.GET("/api/profiles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connected": h.srv.Stats().ConnectedProfiles})
	})

	r.GET("/api/profiles/:id/state", func(c *gin.Context) {
		state, err := h.srv.ProfileState(c.Param("id"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"profile_id": c.Param("id"), "state": state})
		case errors.Is(err, profilestate.ErrProfileNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	r.GET("/ws", h.handleEventFeed)

	return r
}

// cidMiddleware propagates or generates a correlation id for each request
// and records it on the request span.
func (h *Handler) cidMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("concierge/web")
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = cid.New()
		}
		ctx, span := tracer.Start(cid.WithCID(c.Request.Context(), id), c.FullPath())
		span.SetAttributes(attribute.String(cid.AttributeName, id))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Header(cid.HeaderName, id)
		c.Next()
	}
}

// handleEventFeed upgrades to websocket and streams emitted events as
// JSON text messages until the client goes away or the server shuts down.
func (h *Handler) handleEventFeed(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	ctx := c.Request.Context()

	// Drain client frames so control frames are processed; the feed is
	// read-only, inbound data is discarded.
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				cancelRead()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("event marshal failed", "type", ev.Type, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				h.logger.Debug("event feed write failed", "error", err)
				return
			}
		case <-readCtx.Done():
			return
		case <-h.srv.Done():
			return
		}
	}
}
