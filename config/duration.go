package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCallTimeout       = 15 * time.Second
	defaultSubmitTimeout     = 2 * time.Minute
	defaultContentTimeout    = 30 * time.Second
	defaultNotifyTimeout     = 15 * time.Second
	defaultBurstInterval     = 30 * time.Second
	defaultSteadyInterval    = time.Minute
	defaultHealthInterval    = 5 * time.Minute
	defaultConfirmationGrace = time.Hour
	defaultLeaseTTL          = 2 * time.Minute
	defaultShutdownGrace     = 10 * time.Second
)

// Duration wraps time.Duration so human readable strings ("90s", "1h")
// decode from TOML, YAML and the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, used by toml and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

func (d *Duration) orDefault(def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}
