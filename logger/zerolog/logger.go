package zerolog

import (
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/rs/zerolog"
)

// zerolog implementation of gtbx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ gtbx.Logger = (*Logger)(nil)

// New returns a Logger whose entries are tagged with the given component
// (for instance "relay" or "notifier").
func New(l zerolog.Logger, component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

// Error always logs at error level, even when err is nil.
func (l *Logger) Error(msg string, err error) {
	l.Logger.Error().Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
