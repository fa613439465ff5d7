package tchannel

import "log"

// Logger is the ambient logging seam the core dispatch loop writes
// through when it logs and drops a message (spec.md §4.6 step 5) or logs
// a residual inbound message during shutdown (spec.md §3 lifecycle).
//
// No library package in the reference pack embeds a logging framework;
// cmd/example layers use the standard library's log package, so that is
// the default here. Callers that want structured logging implement this
// one-method interface over their own logger.
type Logger interface {
	Printf(format string, args ...any)
}

// stdLogger adapts the standard library's log package to Logger.
type stdLogger struct{}

func (stdLogger) Printf(format string, args ...any) { log.Printf(format, args...) }

// defaultLogger is used by Options when the caller does not supply one.
var defaultLogger Logger = stdLogger{}
