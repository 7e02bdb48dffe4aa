// Package logging builds the someip.Logger the runtime logs through: a
// zerolog console/JSON sink with optional lumberjack file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eshenhu/someip/someip"
)

// Options configures New.
type Options struct {
	Component string // tagged on every line, e.g. "reactor", "sd"
	Console bool // human-readable ConsoleWriter instead of JSON
	Debug bool // emit debug-level lines in addition to info/warn/error
	FilePath string // non-empty enables lumberjack rotation to this path
	MaxSizeMB int
	MaxBackups int
	MaxAgeDays int
}

// zerologAdapter satisfies someip.Logger over a zerolog.Logger, matching
// the runtime's level+component+message logging contract rather than
// zerolog's structured-field API directly.
type zerologAdapter struct {
	z zerolog.Logger
}

// New builds a someip.Logger backed by zerolog. When opts.FilePath is set,
// output is rotated through lumberjack instead of written straight to
// stdout.
func New(opts Options) someip.Logger {
	var w io.Writer = os.Stdout
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if opts.FilePath != "" {
		w = &lumberjack.Logger{
			Filename: opts.FilePath,
			MaxSize: nonZero(opts.MaxSizeMB, 50),
			MaxBackups: nonZero(opts.MaxBackups, 3),
			MaxAge: nonZero(opts.MaxAgeDays, 14),
		}
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	// A fresh run_id per process lets log aggregation tell two restarts of
	// the same component apart once lumberjack has rotated the file out
	// from under a naive "same file = same run" assumption.
	z := zerolog.New(w).Level(level).With().Timestamp().Str("component", opts.Component).Str("run_id", uuid.NewString()).Logger()
	return zerologAdapter{z: z}
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (a zerologAdapter) Debug(v ...interface{}) { a.z.Debug().Msg(sprint(v...)) }
func (a zerologAdapter) Debugf(format string, v ...interface{}) { a.z.Debug().Msgf(format, v...) }
func (a zerologAdapter) Info(v ...interface{}) { a.z.Info().Msg(sprint(v...)) }
func (a zerologAdapter) Infof(format string, v ...interface{}) { a.z.Info().Msgf(format, v...) }
func (a zerologAdapter) Warnf(format string, v ...interface{}) { a.z.Warn().Msgf(format, v...) }
func (a zerologAdapter) Errorf(format string, v ...interface{}) { a.z.Error().Msgf(format, v...) }

func sprint(v ...interface{}) string {
	if len(v) == 1 {
		if s, ok := v[0].(string); ok {
			return s
		}
	}
	return fmt.Sprint(v...)
}
