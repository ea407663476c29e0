// Package logctx builds the structured logger the bus uses for debug-level
// diagnostics (open-bus reads and writes). A disabled logger is used by default so
// the core stays silent and allocation-free unless a caller opts in.
package logctx

import (
	"io"

	"github.com/rs/zerolog"
)

// Disabled returns a logger that drops everything, the default for
// components constructed without an explicit logger.
func Disabled() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

// New builds a console-friendly logger at the given level, writing to w.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
