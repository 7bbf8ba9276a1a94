package notify

import (
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
)

// Logger is the logging interface used by the sinks.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Subscriber is the part of the event bus the sinks attach to.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) (unsubscribe func())
}
