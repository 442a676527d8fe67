// Package logging supplies the injectable structured logger design note
// spec §9 calls for: no process-wide logger singleton, every component
// takes a Logger at construction. Wraps github.com/rs/zerolog, grounded on
// web3guy0-polybot's project-wide zerolog usage (every package logs
// through log.Info()/log.Warn()/log.Error() with chained .Str()/.Err()
// fields rather than formatted strings), and applies a redaction
// middleware before fields reach the underlying writer.
package logging

import (
	"io"
	"os"
	"regexp"

	"github.com/rs/zerolog"
)

// sensitiveField matches any field name that must never reach a log sink
// in the clear.
var sensitiveField = regexp.MustCompile(`(?i)(account|password|token|secret|auth|credential|api[_-]?key)`)

// Logger is the structured logging surface every component is constructed
// with. No component reaches for a package-level logger.
type Logger interface {
	Debug() *Event
	Info() *Event
	Warn() *Event
	Error() *Event
	With(key string, value any) Logger
}

// Event is a chainable structured log record, mirroring zerolog's
// *zerolog.Event chaining style but routed through the redaction filter.
type Event struct {
	ev *zerolog.Event
}

func (e *Event) Str(key, val string) *Event {
	if e == nil {
		return nil
	}
	e.ev.Str(key, redactString(key, val))
	return e
}

func (e *Event) Int(key string, val int) *Event {
	if e == nil {
		return nil
	}
	e.ev.Int(key, val)
	return e
}

func (e *Event) Err(err error) *Event {
	if e == nil {
		return nil
	}
	e.ev.Err(err)
	return e
}

func (e *Event) Any(key string, val any) *Event {
	if e == nil {
		return nil
	}
	if sensitiveField.MatchString(key) {
		e.ev.Str(key, "[redacted]")
		return e
	}
	e.ev.Interface(key, val)
	return e
}

func (e *Event) Msg(msg string) {
	if e == nil {
		return
	}
	e.ev.Msg(msg)
}

func (e *Event) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.ev.Msgf(format, args...)
}

func redactString(key, val string) string {
	if sensitiveField.MatchString(key) {
		return "[redacted]"
	}
	return val
}

// zlog is the concrete Logger backed by zerolog.
type zlog struct {
	logger zerolog.Logger
}

// New creates a Logger writing zerolog's JSON lines to w at the given
// minimum level.
func New(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &zlog{logger: l}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger {
	return &zlog{logger: zerolog.Nop()}
}

func (z *zlog) Debug() *Event           { return &Event{ev: z.logger.Debug()} }
func (z *zlog) Info() *Event            { return &Event{ev: z.logger.Info()} }
func (z *zlog) Warn() *Event            { return &Event{ev: z.logger.Warn()} }
func (z *zlog) Error() *Event           { return &Event{ev: z.logger.Error()} }
func (z *zlog) With(key string, value any) Logger {
	ctx := z.logger.With()
	if sensitiveField.MatchString(key) {
		ctx = ctx.Str(key, "[redacted]")
	} else {
		ctx = ctx.Interface(key, value)
	}
	return &zlog{logger: ctx.Logger()}
}
