// Package logger builds the process-wide hclog root logger. Components
// derive named sub-loggers from it rather than constructing their own.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options control how the root logger is built.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output string // stderr, stdout, or a file path
}

var (
	mu   sync.RWMutex
	root hclog.Logger
)

// New builds a logger from the given options.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "skydeck",
		Level:      level,
		JSONFormat: opts.Format == "json",
		Output:     output(opts.Output),
	})
}

func output(target string) io.Writer {
	switch target {
	case "", "stderr":
		return os.Stderr
	case "stdout":
		return os.Stdout
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return os.Stderr
		}
		return f
	}
}

// SetRoot installs the process-wide root logger.
func SetRoot(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Root returns the process-wide root logger, building an info-level
// default when none was installed.
func Root() hclog.Logger {
	mu.RLock()
	if root != nil {
		defer mu.RUnlock()
		return root
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = New(Options{Level: "info"})
	}
	return root
}
