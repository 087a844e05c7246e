package client

import "time"

// Config holds connection settings for a concierge client.
type Config struct {
	// Addr is the concierge TCP address. Defaults to 127.0.0.1:5678.
	Addr string
	// DialTimeout bounds connection establishment. Zero means the
	// context deadline alone applies.
	DialTimeout time.Duration
	// RequestTimeout bounds each synchronous request/reply exchange.
	// Defaults to 10 seconds.
	RequestTimeout time.Duration
}

// HostInfo identifies a host registration.
type HostInfo struct {
	ProfileID string
	PID       int
	LaunchID  string
}
