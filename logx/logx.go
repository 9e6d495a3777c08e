// Package logx is the structured-logging layer named in SPEC_FULL.md
// §11.1: one zerolog logger per engine component (network thread, each
// worker, the tracker), tagged with a component name and, for workers,
// a numeric index, so a multi-threaded log stream can be filtered back
// apart per component. The teacher carries no logger of its own; this
// follows the retrieval pack's logiface family's leveled-facade-over-
// zerolog idiom without pulling in the whole logiface module tree, by
// going straight to zerolog.
package logx

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level type, kept narrow so callers never need
// to import zerolog themselves just to set a verbosity.
type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// out is the shared destination every component logger writes to; set
// once at startup by SetOutput (the CLI wires it to --log-dir or stderr).
var out io.Writer = os.Stderr

// level is the process-wide minimum level; -x/--verbose lowers it.
var level = zerolog.InfoLevel

// SetOutput redirects every subsequently created component logger. It
// does not retarget loggers already handed out by New.
func SetOutput(w io.Writer) { out = w }

// SetLevel sets the process-wide minimum log level.
func SetLevel(l Level) { level = l }

// New returns a logger tagged with component (e.g. "network", "tracker")
// and, for components with more than one instance, an index.
func New(component string, index int) zerolog.Logger {
	l := zerolog.New(out).With().Timestamp().Str("component", component)
	if index >= 0 {
		l = l.Int("index", index)
	}
	return l.Logger().Level(level)
}
