package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// One of trace, debug, info, warn, error.  Unknown levels fall back to
	// info.
	Level string

	// Human readable console output instead of json lines.
	Pretty bool

	// Defaults to os.Stderr.
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Pretty: true,
		Output: os.Stderr,
	}
}

func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

func New(config Config) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	if config.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.TimeOnly,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Logger()
}

func NewWithComponent(config Config, component string) zerolog.Logger {
	return New(config).With().Str("component", component).Logger()
}
