// Package observability provides chat metrics, tracing and WebSocket lifecycle logging.
package observability

import (
	"context"
	"log/slog"
)

// WSLogger logs WebSocket lifecycle events for one hub with consistent fields.
type WSLogger struct {
	hub    string
	logger func() *slog.Logger
}

// NewWSLogger returns a WSLogger that resolves its slog.Logger lazily so a
// logger swapped at startup is picked up.
func NewWSLogger(hub string, logger func() *slog.Logger) *WSLogger {
	if logger == nil {
		logger = slog.Default
	}
	return &WSLogger{hub: hub, logger: logger}
}

func (l *WSLogger) LogConnect(ctx context.Context, userID uint, conns int) {
	l.logger().InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hub),
		slog.Uint64("user_id", uint64(userID)),
		slog.Int("user_connections", conns),
	)
}

func (l *WSLogger) LogDisconnect(ctx context.Context, userID uint, reason string) {
	l.logger().InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hub),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("reason", reason),
	)
}

func (l *WSLogger) LogError(ctx context.Context, userID uint, eventType string, err error) {
	l.logger().WarnContext(ctx, "websocket event failed",
		slog.String("hub", l.hub),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("event", eventType),
		slog.String("error", err.Error()),
	)
}

// LogEvent counts an inbound event and logs it at debug level.
func (l *WSLogger) LogEvent(ctx context.Context, userID uint, eventType string) {
	WebSocketEventsTotal.WithLabelValues(eventType).Inc()
	l.logger().DebugContext(ctx, "websocket event",
		slog.String("hub", l.hub),
		slog.Uint64("user_id", uint64(userID)),
		slog.String("event", eventType),
	)
}
