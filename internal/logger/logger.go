package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and the outputs
type Config struct {
	Level   string // trace, debug, info, warn, error
	Console bool   // human readable output on stderr
	File    string // optional rotated log file
}

type Logger struct {
	logger *zerolog.Logger
}

// New builds a logger from cfg. An unknown level falls back to info.
func New(cfg Config) *Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
		}
		out = zerolog.MultiLevelWriter(out, rotated)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{logger: &l}
}

// Nop discards everything. Used by tests and as a nil-safe default.
func Nop() *Logger {
	l := zerolog.Nop()
	return &Logger{logger: &l}
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *zerolog.Event { return l.logger.Info() }

func (l *Logger) Warn() *zerolog.Event { return l.logger.Warn() }

func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// WithLevel starts a new message with level.
func (l *Logger) WithLevel(level zerolog.Level) *zerolog.Event { return l.logger.WithLevel(level) }

// With creates a child logger context with the field added to it.
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// Level returns a copy of the logger with the minimum accepted level set.
func (l *Logger) Level(level zerolog.Level) zerolog.Logger { return l.logger.Level(level) }

// Extend adds some additional context to the existing logger.
func (l *Logger) Extend(ctx zerolog.Context) *Logger {
	logger := ctx.Logger()
	return &Logger{logger: &logger}
}

// Module returns a child logger tagged with the component name.
func (l *Logger) Module(name string) *Logger { return l.Extend(l.With().Str("mod", name)) }

// Writer exposes the logger as an io.Writer for libraries that want one (gin).
func (l *Logger) Writer() io.Writer { return l.logger }
