// Package logging sets up the log output shared by agentdesk components.
//
// Components log through their own *log.Logger with a bracketed prefix,
// e.g. "[coordinator] ". All of them write to the same Output.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Output.
type Options struct {
	// File receives a copy of every line when set. It is rotated by size.
	File string

	// MaxSizeMB is the size at which File is rotated (default 10).
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default 3).
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept (default 28).
	MaxAgeDays int

	// Console is the primary writer (default os.Stderr). Set to io.Discard
	// to log to File only.
	Console io.Writer
}

// Output is the writer shared by all component loggers.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// NewOutput creates the log output described by opts.
func NewOutput(opts Options) (*Output, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if opts.File == "" {
		return &Output{w: console}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	return &Output{w: io.MultiWriter(console, file), file: file}, nil
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger for component, e.g. Logger("sync") prefixes lines
// with "[sync] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
