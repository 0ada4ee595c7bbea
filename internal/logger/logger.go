package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Pretty  bool
	Service string
	Version string

	// Output defaults to os.Stdout.
	Output io.Writer
}

func New(service string) zerolog.Logger {
	return NewWithConfig(Config{
		Level:   "info",
		Service: service,
	})
}

// NewWithConfig builds a JSON logger, or a console logger when Pretty is set.
// Unknown levels fall back to info.
func NewWithConfig(config Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if config.Service != "" {
		ctx = ctx.Str("service", config.Service)
	}
	if config.Version != "" {
		ctx = ctx.Str("version", config.Version)
	}
	return ctx.Logger()
}
