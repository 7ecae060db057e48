// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPongWait is how long a signaling connection may stay silent
	WebSocketPongWait = 60 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// NotificationTimeout bounds a single fire-and-forget fan-out
	NotificationTimeout = 5 * time.Second
)

// Database connection constants
const (
	MaxConnLifetime   = 1 * time.Hour
	MaxConnIdleTime   = 30 * time.Minute
	HealthCheckPeriod = 1 * time.Minute
)

// Redis key constants
const (
	// PresenceTTL is how long a user stays online without a heartbeat
	PresenceTTL = 5 * time.Minute

	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour

	// SignalingChannel carries notifications between call-service instances
	SignalingChannel = "signaling:events"
)

// Pagination constants
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Signaling limits
const (
	// MaxSignalingMessageSize bounds one inbound WebSocket frame
	MaxSignalingMessageSize = 64 * 1024

	// ClientSendBuffer is the per-connection outbound queue length
	ClientSendBuffer = 64
)
