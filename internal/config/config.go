// Package config handles application configuration and setup
package config

import (
	"github.com/retroenv/retroee/internal/options"
	"github.com/retroenv/retroee/internal/statestore"
	"github.com/retroenv/retrogolib/log"
)

// CreateLogger creates a logger with appropriate settings
func CreateLogger(debug, quiet bool) *log.Logger {
	cfg := log.DefaultConfig()
	if debug {
		cfg.Level = log.DebugLevel
	} else if quiet {
		cfg.Level = log.ErrorLevel
	}
	return log.NewWithConfig(cfg)
}

// OpenStore opens the snapshot store configured by the program options.
// It returns nil without a configured state directory.
func OpenStore(opts options.Program, runnerOptions options.Runner) (*statestore.Store, error) {
	if opts.StateDir == "" {
		return nil, nil
	}
	return statestore.Open(opts.StateDir, statestore.Options{
		HistorySize: runnerOptions.HistorySize,
	})
}
