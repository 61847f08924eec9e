// Package logging builds the process logger: JSON on stdout, a console writer in
// development, and an optional size-rotated file copy.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Development bool
	Level       zerolog.Level
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// New returns a logger and a closer that flushes the rotating file, if any.
func New(opts Options) (zerolog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	if opts.Development {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closer = rotator
	}

	return newLogger(out, opts.Level), closer
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
