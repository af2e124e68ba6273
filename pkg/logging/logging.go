// Package logging provides the driver's pluggable logger.
//
// Components receive a Logger at construction instead of writing to a
// process-wide sink, so embedding applications can route driver output into
// their own logging setup. The default implementation is a thin wrapper
// around zerolog; Nop discards everything.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal leveled interface the driver logs through.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// New returns a zerolog-backed Logger writing to w at the given level.
// Accepted levels: "debug", "info", "warn", "error". Anything else means
// "info".
func New(w io.Writer, level string) Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "nornic").Logger()
	return &zeroLogger{zl: zl}
}

// Nop returns a Logger that discards all output.
func Nop() Logger {
	return &zeroLogger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

type zeroLogger struct {
	zl zerolog.Logger
}

func (l *zeroLogger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *zeroLogger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *zeroLogger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *zeroLogger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }
