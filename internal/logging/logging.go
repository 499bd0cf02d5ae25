// Package logging builds the structured loggers used across the replication core.
//
// All components take an hclog.Logger and derive named sub-loggers from it, so a
// single process writes one consistent stream:
//
//	log := logging.New(logging.Config{Level: "debug", Format: "json"})
//	rlog := log.Named("raft")
//	rlog.Info("became leader", "term", 3)
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Config holds the logger configuration.
type Config struct {
	Name   string
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output string // stdout, stderr or a file path
}

// ParseLevel parses a level string, defaulting to info.
func ParseLevel(s string) hclog.Level {
	lvl := hclog.LevelFromString(strings.TrimSpace(s))
	if lvl == hclog.NoLevel {
		return hclog.Info
	}
	return lvl
}

// New creates a logger from the given configuration.
func New(cfg Config) hclog.Logger {
	return NewWithWriter(cfg, openOutput(cfg.Output))
}

// NewWithWriter creates a logger writing to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       cfg.Name,
		Level:      ParseLevel(cfg.Level),
		Output:     w,
		JSONFormat: strings.EqualFold(cfg.Format, "json"),
	})
}

// NewNop creates a logger that discards all output.
func NewNop() hclog.Logger {
	return hclog.NewNullLogger()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l hclog.Logger) hclog.Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

func openOutput(out string) io.Writer {
	switch out {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	// Fall back to stdout rather than refusing to start over a log file.
	f, err := os.OpenFile(out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return os.Stdout
	}
	return f
}
