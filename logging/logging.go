// Package logging is ridgemq's structured-logging collaborator: the
// concrete logiface-backed logger the broker takes as a constructor option
// (broker.WithLogger) instead of reaching for a global singleton.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through ridgemq's
// constructors. It is a type alias rather than a wrapper so callers can use
// the full logiface.Logger[*stumpy.Event] API (Info(), Err(), fields, ...)
// directly.
type Logger = logiface.Logger[*stumpy.Event]

// New constructs a JSON-emitting Logger writing to w (os.Stderr if nil) at
// the given minimum level. A category-stamped child logger can be derived
// from it via WithCategory.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](level),
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
	)
}

// Nop returns a Logger with logging disabled, for tests and callers that
// don't want a logging collaborator wired in.
func Nop() *Logger {
	return logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
		stumpy.L.WithStumpy(),
	)
}

// WithCategory returns a child logger that stamps every event with a
// "category" field (e.g. "queue", "cluster", "dlq", "transaction"),
// giving each subsystem a categorized logger without
// ridgemq needing its own category enumeration type.
func WithCategory(l *Logger, category string) *Logger {
	return l.Clone().Str("category", category).Logger()
}
