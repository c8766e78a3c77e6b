// Package logging builds the zerolog loggers shared by the relay service.
package logging

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	ComponentField     = "component"
	PipelineField      = "pipeline"
	StageField         = "stage"
	QueueField         = "queue"
	MessageIDField     = "message_id"
	CorrelationIDField = "correlation_id"
	AttemptField       = "attempt"
	HostField          = "host"
)

// Format selects the output encoding of the logger.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
}

// New returns a logger writing to stdout with the given level and format.
func New(level string, format Format) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	return zerolog.New(writer(format)).
		With().
		Timestamp().
		Logger().
		Level(lvl), nil
}

// Fallback returns an info level JSON logger on stderr, for use before the
// configured logger exists.
func Fallback() zerolog.Logger {
	return zerolog.New(os.Stderr).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
}

// ParseLevel parses a level name, defaulting to info for an empty string.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "unsupported log level %q", level)
	}
	return lvl, nil
}

// Nop returns a disabled logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Test returns a logger that writes through t.Log.
func Test(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// WithComponent attaches the component field to every entry of logger.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	if component == "" {
		return logger
	}
	return logger.With().Str(ComponentField, component).Logger()
}

func writer(f Format) io.Writer {
	if f == FormatConsole {
		cw := zerolog.NewConsoleWriter()
		cw.TimeFormat = time.RFC3339
		return cw
	}
	return os.Stdout
}
