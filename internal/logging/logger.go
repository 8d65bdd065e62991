// Package logging provides a thin global wrapper around zap.Logger so that
// background components that don't flow through gin's per-request context
// (the connection pool, the event forwarder, reconnect loops) can log
// without threading a logger through every constructor.
package logging

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var l atomic.Pointer[zap.Logger]

// Set installs the given zap.Logger as the global logger. A nil logger
// installs a no-op logger instead of panicking.
func Set(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l.Store(logger)
}

// L returns the globally registered *zap.Logger, defaulting to a no-op
// logger if none has been set yet (e.g. in tests that don't call Set).
func L() *zap.Logger {
	if logger := l.Load(); logger != nil {
		return logger
	}
	nop := zap.NewNop()
	l.Store(nop)
	return nop
}
