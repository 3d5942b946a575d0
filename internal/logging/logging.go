// Package logging builds the worker's root hclog logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options select the log level, format and sink.
type Options struct {
	Name  string
	Level string // trace, debug, info, warn, error
	JSON  bool
	// File appends logs to this path in addition to stderr.
	File string
}

// New returns the root logger. The returned closer flushes the file sink,
// if any.
func New(opts Options) (hclog.Logger, io.Closer, error) {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		if opts.Level != "" {
			return nil, nil, fmt.Errorf("unknown log level %q", opts.Level)
		}
		level = hclog.Info
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	name := opts.Name
	if name == "" {
		name = "hdr-transcoder"
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})
	return logger, closer, nil
}

// OrNull returns l, or a discarding logger when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
