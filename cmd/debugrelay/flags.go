package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/debugrelay/host/internal/config"
)

// configFlags are the flags that override config file and environment
// values. Only flags the user actually set take effect.
type configFlags struct {
	configPath    string
	addr          string
	chromeURL     string
	batchInterval time.Duration
	logLevel      string
}

// register adds the flags named in names to cmd. --config is always added.
func (f *configFlags) register(cmd *cobra.Command, names ...string) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "config file (default ~/.debugrelay/config.toml)")
	for _, name := range names {
		switch name {
		case "addr":
			cmd.Flags().StringVar(&f.addr, "addr", "", "messaging server listen address (default "+config.DefaultAddr+")")
		case "chrome-url":
			cmd.Flags().StringVar(&f.chromeURL, "chrome-url", "", "Chrome remote debugging endpoint (default "+config.DefaultChromeURL+")")
		case "batch-interval":
			cmd.Flags().DurationVar(&f.batchInterval, "batch-interval", 0, "debug event batch window (default 1s)")
		case "log-level":
			cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
		}
	}
}

// load reads the config file, applies DEBUGRELAY_* overrides, then flags,
// then defaults, and validates the result.
func (f *configFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("chrome-url") {
		cfg.ChromeURL = f.chromeURL
	}
	if changed("batch-interval") {
		cfg.BatchInterval = f.batchInterval
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
