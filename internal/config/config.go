// Package config provides TOML configuration file loading for the relay host.
// The configuration file lives at ~/.debugrelay/config.toml by default, but can be
// overridden with the --config flag. Environment variables override file values,
// and CLI flags override both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/debugrelay/host/internal/wire"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags. Durations are written as strings such as "1s" or "250ms".
type Config struct {
	// Addr is the host:port for the extension messaging server.
	// Default: 127.0.0.1:7071
	Addr string `toml:"addr"`

	// ChromeURL is the Chrome remote debugging HTTP endpoint.
	// Default: http://127.0.0.1:9222
	ChromeURL string `toml:"chrome_url"`

	// ProtocolVersion is the CDP version required when attaching.
	// Default: 1.3
	ProtocolVersion string `toml:"protocol_version"`

	// BatchInterval is how long CDP events are coalesced before a flush.
	// Default: 1s
	BatchInterval time.Duration `toml:"batch_interval"`

	// ReconnectCeiling bounds the randomized delay before a reconnect.
	// Default: 5s
	ReconnectCeiling time.Duration `toml:"reconnect_ceiling"`

	// ReconnectAttempts is the number of reconnects tried after an
	// unrequested transport close before the session is torn down.
	// Default: 1
	ReconnectAttempts int `toml:"reconnect_attempts"`

	// SendAttempts is the number of POST attempts the SSE transport makes
	// for one message before it closes.
	// Default: 3
	SendAttempts int `toml:"send_attempts"`

	// WireFormat selects the dev server encoding: "object" or "list".
	// Default: object
	WireFormat string `toml:"wire_format"`

	// TabPollInterval is how often the tab list is refreshed to detect
	// closed tabs.
	// Default: 1s
	TabPollInterval time.Duration `toml:"tab_poll_interval"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat selects "console" or "json" log output.
	// Default: console
	LogFormat string `toml:"log_format"`

	// DesktopNotifications also raises OS notifications for user-visible
	// messages such as "Lost app connection.".
	// Default: false
	DesktopNotifications bool `toml:"desktop_notifications"`

	// LaunchDevTools sends a DevToolsRequest after the session handshake.
	// Default: true
	LaunchDevTools *bool `toml:"launch_devtools"`

	// ForwardEvents lists CDP methods broadcast to external listeners.
	// Default: ["Overlay.inspectNodeRequested"]
	ForwardEvents []string `toml:"forward_events"`

	// AllowedExtensions restricts the external messaging surface to these
	// sender ids. Empty allows every sender.
	AllowedExtensions []string `toml:"allowed_extensions"`

	// BatchedMethods lists CDP methods that go through the batch buffer.
	// Other events are sent at once. Empty batches every event.
	// ["Debugger.scriptParsed"] reproduces the extension's own batching.
	// Default: []
	BatchedMethods []string `toml:"batched_methods"`
}

// DefaultConfigPath returns the default config file location: ~/.debugrelay/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".debugrelay", "config.toml"), nil
}

// WriteDefault creates a config file with local defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, chromeURL string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# debugrelay configuration
# Created by 'debugrelay start'

# Messaging server for panel scripts and other extensions (loopback only)
addr = %q

# Chrome started with --remote-debugging-port
chrome_url = %q

batch_interval = "1s"
reconnect_ceiling = "5s"
`, DefaultAddr, chromeURL)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
// Defaults are not applied; call ApplyDefaults once all overrides are in.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.debugrelay/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ChromeURL == "" {
		c.ChromeURL = DefaultChromeURL
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.BatchInterval == 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	if c.ReconnectCeiling == 0 {
		c.ReconnectCeiling = DefaultReconnectCeiling
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.SendAttempts == 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.WireFormat == "" {
		c.WireFormat = string(wire.FormatObject)
	}
	if c.TabPollInterval == 0 {
		c.TabPollInterval = DefaultTabPollInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.LaunchDevTools == nil {
		launch := true
		c.LaunchDevTools = &launch
	}
	if c.ForwardEvents == nil {
		c.ForwardEvents = []string{DefaultForwardEvent}
	}
}

// LaunchesDevTools reports whether a DevToolsRequest follows the handshake.
func (c *Config) LaunchesDevTools() bool {
	return c.LaunchDevTools == nil || *c.LaunchDevTools
}

// Validate checks the configuration for invalid values.
// Returns nil if the configuration is valid.
func (c *Config) Validate() error {
	if c.BatchInterval < 0 {
		return fmt.Errorf("batch_interval must not be negative, got %s", c.BatchInterval)
	}
	if c.ReconnectCeiling < 0 {
		return fmt.Errorf("reconnect_ceiling must not be negative, got %s", c.ReconnectCeiling)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative, got %d", c.ReconnectAttempts)
	}
	if c.SendAttempts < 0 {
		return fmt.Errorf("send_attempts must not be negative, got %d", c.SendAttempts)
	}
	if c.TabPollInterval < 0 {
		return fmt.Errorf("tab_poll_interval must not be negative, got %s", c.TabPollInterval)
	}
	if _, err := wire.ParseFormat(c.WireFormat); err != nil {
		return fmt.Errorf("wire_format: %w", err)
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	return nil
}
