package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologAdapter bridges the gateway Logger interface onto a zerolog logger.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerolog builds a production logger. Console output is human-readable
// when pretty is set, JSON otherwise.
func NewZerolog(service, level string, pretty bool) *ZerologAdapter {
	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger()
	return &ZerologAdapter{logger: logger}
}

// NewZerologWriter builds an adapter over an arbitrary writer, used by tests.
func NewZerologWriter(w io.Writer) *ZerologAdapter {
	return &ZerologAdapter{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (z *ZerologAdapter) Debug(msg string, fields ...Field) { z.emit(z.logger.Debug(), msg, fields) }
func (z *ZerologAdapter) Info(msg string, fields ...Field)  { z.emit(z.logger.Info(), msg, fields) }
func (z *ZerologAdapter) Warn(msg string, fields ...Field)  { z.emit(z.logger.Warn(), msg, fields) }
func (z *ZerologAdapter) Error(msg string, fields ...Field) { z.emit(z.logger.Error(), msg, fields) }

func (z *ZerologAdapter) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
