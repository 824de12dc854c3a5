package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEBUGRELAY_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from DEBUGRELAY_* variables using os.LookupEnv.
func (c *Config) ApplyEnv() error {
	return c.ApplyEnvFrom(os.LookupEnv)
}

// ApplyEnvFrom overrides fields from variables returned by lookup.
// Lists are comma separated.
func (c *Config) ApplyEnvFrom(lookup LookupFunc) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	strs := map[string]*string{
		"ADDR":             &c.Addr,
		"CHROME_URL":       &c.ChromeURL,
		"PROTOCOL_VERSION": &c.ProtocolVersion,
		"WIRE_FORMAT":      &c.WireFormat,
		"LOG_LEVEL":        &c.LogLevel,
		"LOG_FORMAT":       &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"BATCH_INTERVAL":    &c.BatchInterval,
		"RECONNECT_CEILING": &c.ReconnectCeiling,
		"TAB_POLL_INTERVAL": &c.TabPollInterval,
	}
	for name, dst := range durations {
		v, ok := get(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"RECONNECT_ATTEMPTS": &c.ReconnectAttempts,
		"SEND_ATTEMPTS":      &c.SendAttempts,
	}
	for name, dst := range ints {
		v, ok := get(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := get("DESKTOP_NOTIFICATIONS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDESKTOP_NOTIFICATIONS: %w", EnvPrefix, err)
		}
		c.DesktopNotifications = b
	}
	if v, ok := get("LAUNCH_DEVTOOLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLAUNCH_DEVTOOLS: %w", EnvPrefix, err)
		}
		c.LaunchDevTools = &b
	}

	lists := map[string]*[]string{
		"FORWARD_EVENTS":     &c.ForwardEvents,
		"ALLOWED_EXTENSIONS": &c.AllowedExtensions,
		"BATCHED_METHODS":    &c.BatchedMethods,
	}
	for name, dst := range lists {
		if v, ok := get(name); ok {
			*dst = splitList(v)
		}
	}
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
