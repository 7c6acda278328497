package log

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// EngineLogger satisfies the engine's logging interface on top of zerolog.
type EngineLogger struct {
	l zerolog.Logger
}

// Pebble returns a logger for the storage engine writing through Engine.
func Pebble() EngineLogger {
	return EngineLogger{l: Engine}
}

// NewEngineLogger wraps an arbitrary zerolog logger.
func NewEngineLogger(l zerolog.Logger) EngineLogger {
	return EngineLogger{l: l}
}

func (e EngineLogger) Infof(format string, args ...interface{}) {
	e.l.Info().Msg(strings.TrimSuffix(fmt.Sprintf(format, args...), "\n"))
}

// Fatalf logs at error level and panics instead of calling os.Exit. The engine
// calls it from its own goroutines too, where nothing recovers the panic and
// the process still dies; the log line is written before that happens.
func (e EngineLogger) Fatalf(format string, args ...interface{}) {
	msg := strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
	e.l.Error().Bool("fatal", true).Msg(msg)
	panic(msg)
}
