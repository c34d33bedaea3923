package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tollbooth-dev/tollbooth"
)

// envRef matches ${NAME} environment references. The runtime rewrite
// placeholders ${params.*} and ${query.*} contain dots and never match.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-interpolates, parses, and validates a config file. JSON
// configs parse through the YAML decoder (JSON is a YAML subset).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw config bytes.
func Parse(raw []byte) (*Config, error) {
	interpolated := envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	var cfg Config
	if err := yaml.Unmarshal(interpolated, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 4021
	}
	if c.Gateway.Hostname == "" {
		c.Gateway.Hostname = "0.0.0.0"
	}
	if c.Defaults.TimeoutSeconds == 0 {
		c.Defaults.TimeoutSeconds = 30
	}
	if c.Stores.Backend == "" {
		c.Stores.Backend = "memory"
	}
}

var windowRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseWindow parses a window string ("1s", "5m", "1h", "1d") into a
// duration. Anything else is a configuration error.
func ParseWindow(s string) (time.Duration, error) {
	m := windowRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", tollbooth.ErrInvalidWindow, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", tollbooth.ErrInvalidWindow, s)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}
