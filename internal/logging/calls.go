// Package logging sets up the process logger and records supervision
// protocol calls.
package logging

import (
	"context"
	"log/slog"
)

// Call directions.
const (
	Received = "received"
	Sent     = "sent"
)

// CallLogger emits one structured record per Watch/UnWatch/Shutdown call.
// A nil *CallLogger logs nothing.
type CallLogger struct {
	*slog.Logger
	name string
}

// NewCallLogger returns a CallLogger for the service name, writing through l.
// A nil l means slog.Default().
func NewCallLogger(l *slog.Logger, name string) *CallLogger {
	if l == nil {
		l = slog.Default()
	}
	return &CallLogger{Logger: l, name: name}
}

// LogCall logs a protocol call exchanged with peer.
func (l *CallLogger) LogCall(ctx context.Context, direction, method, peer string, err error, args ...slog.Attr) {
	if l == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", l.name),
		slog.String("direction", direction),
		slog.String("method", method),
		slog.String("peer", peer),
	}
	attrs = append(attrs, args...)
	level := slog.LevelDebug
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelWarn
	}

	l.LogAttrs(ctx, level, "bus_call", attrs...)
}

// LogWatch logs a Watch call and the version pair exchanged.
func (l *CallLogger) LogWatch(ctx context.Context, direction, peer string, api, iface uint32, err error) {
	l.LogCall(ctx, direction, "Watch", peer, err,
		slog.Uint64("api_version", uint64(api)),
		slog.Uint64("interface_version", uint64(iface)))
}

// LogUnWatch logs an UnWatch call.
func (l *CallLogger) LogUnWatch(ctx context.Context, direction, peer string, err error) {
	l.LogCall(ctx, direction, "UnWatch", peer, err)
}

// LogShutdown logs a Shutdown call.
func (l *CallLogger) LogShutdown(ctx context.Context, direction, peer string, err error) {
	l.LogCall(ctx, direction, "Shutdown", peer, err)
}
