package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "3s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the bridge configuration
type Config struct {
	// Data directory (~/.tabbridge)
	DataDir string `yaml:"data_dir"`

	// Gateway connection settings
	Gateway GatewayConfig `yaml:"gateway"`

	// Local status endpoint
	Status StatusConfig `yaml:"status"`

	// Browser (DevTools) settings
	Browser BrowserConfig `yaml:"browser"`

	// Automatic tab grouping
	Group GroupConfig `yaml:"group"`
}

// GatewayConfig holds the control-channel connection settings
type GatewayConfig struct {
	URL            string   `yaml:"url"`             // ws:// endpoint of the automation daemon
	Token          string   `yaml:"token,omitempty"` // Optional bearer token
	ReconnectDelay Duration `yaml:"reconnect_delay"` // Wait between reconnect attempts
	Backoff        float64  `yaml:"backoff"`         // Multiplier applied after each failed attempt (1.0 = fixed)
	MaxDelay       Duration `yaml:"max_delay"`       // Cap when backoff > 1.0
}

// StatusConfig holds the loopback HTTP status endpoint settings
type StatusConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// BrowserConfig holds the DevTools attachment settings
type BrowserConfig struct {
	CDPURL  string   `yaml:"cdp_url"` // Chrome DevTools endpoint
	Timeout Duration `yaml:"timeout"` // Per-operation deadline
}

// GroupConfig holds the managed tab group settings
type GroupConfig struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Gateway: GatewayConfig{
			URL:            "ws://127.0.0.1:9223",
			ReconnectDelay: Duration(3 * time.Second),
			Backoff:        1.0,
			MaxDelay:       Duration(30 * time.Second),
		},
		Status: StatusConfig{
			Addr:    "127.0.0.1:9224",
			Enabled: true,
		},
		Browser: BrowserConfig{
			CDPURL:  "http://127.0.0.1:9222",
			Timeout: Duration(15 * time.Second),
		},
		Group: GroupConfig{
			Name:  "Assistant",
			Color: "blue",
		},
	}
}

// DefaultDataDir returns the default data directory (~/.tabbridge)
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabbridge"
	}
	return filepath.Join(home, ".tabbridge")
}

// Load loads config from ~/.tabbridge/config.yaml, falling back to
// defaults when the file does not exist.
func Load() (*Config, error) {
	cfg := Default()

	configPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	cfg.expand()
	return cfg, cfg.validate()
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expand()
	return cfg, cfg.validate()
}

// Save writes the config to ~/.tabbridge/config.yaml
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "tabbridge.db")
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}

func (c *Config) expand() {
	c.Gateway.URL = os.ExpandEnv(c.Gateway.URL)
	c.Gateway.Token = os.ExpandEnv(c.Gateway.Token)
	c.Browser.CDPURL = os.ExpandEnv(c.Browser.CDPURL)
	c.DataDir = os.ExpandEnv(c.DataDir)
}

func (c *Config) validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url must not be empty")
	}
	if c.Gateway.ReconnectDelay <= 0 {
		return fmt.Errorf("gateway.reconnect_delay must be positive, got %s", c.Gateway.ReconnectDelay.Std())
	}
	if c.Gateway.Backoff < 1.0 {
		return fmt.Errorf("gateway.backoff must be >= 1.0, got %v", c.Gateway.Backoff)
	}
	if c.Gateway.MaxDelay < c.Gateway.ReconnectDelay {
		return fmt.Errorf("gateway.max_delay must be >= gateway.reconnect_delay")
	}
	return nil
}
