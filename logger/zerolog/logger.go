package zerolog

import (
	"fmt"
	"io"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/rs/zerolog"
)

// zerolog implementation of gtbx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ gtbx.Logger = (*Logger)(nil)

// New builds a logger writing to w at the given level ("debug", "info"...).
// Lines are JSON unless console is set.
func New(w io.Writer, level string, console bool) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{
		Logger: zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "outbox-relay").Logger(),
	}, nil
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
