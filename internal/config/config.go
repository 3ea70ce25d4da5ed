package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHeartbeat = 1 * time.Second
	minHeartbeat     = 1 * time.Second
)

type Config struct {
	// UserID is the numeric account id used for password login.
	UserID string
	// Password is the account password; its MD5 hash is sent, never the
	// cleartext.
	Password string
	// PassToken is a previously minted login artifact; when set, login
	// succeeds without the password.
	PassToken string
	// Device selects the target speaker by display name, alias, device
	// id, or MAC address.
	Device string

	// Heartbeat is the delay between conversation poll ticks.
	Heartbeat time.Duration
	// Timeout bounds every protocol call.
	Timeout time.Duration

	// Home is the directory where login state is persisted.
	Home string
	// Debug enables verbose logging.
	Debug bool
}

// fileConfig is the YAML shape; durations travel as strings ("2s").
type fileConfig struct {
	UserID    string `yaml:"userId"`
	Password  string `yaml:"password"`
	PassToken string `yaml:"passToken"`
	Device    string `yaml:"did"`
	Heartbeat string `yaml:"heartbeat"`
	Timeout   string `yaml:"timeout"`
	Debug     bool   `yaml:"debug"`
}

// Load loads configuration from an optional YAML file in the state
// directory, overridden by environment variables.
func Load() (*Config, error) {
	home := os.Getenv("MIGPT_HOME_DIR")
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		home = filepath.Join(homeDir, ".migpt")
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	cfg := &Config{Home: home, Heartbeat: defaultHeartbeat}

	path := os.Getenv("MIGPT_CONFIG")
	if path == "" {
		path = filepath.Join(home, "config.yaml")
	}
	if data, err := os.ReadFile(path); err == nil {
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.UserID = file.UserID
		cfg.Password = file.Password
		cfg.PassToken = file.PassToken
		cfg.Device = file.Device
		cfg.Debug = file.Debug
		if file.Heartbeat != "" {
			d, err := time.ParseDuration(file.Heartbeat)
			if err != nil {
				return nil, fmt.Errorf("invalid heartbeat in %s: %w", path, err)
			}
			cfg.Heartbeat = d
		}
		if file.Timeout != "" {
			d, err := time.ParseDuration(file.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout in %s: %w", path, err)
			}
			cfg.Timeout = d
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if v := os.Getenv("MIGPT_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("MIGPT_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MIGPT_PASS_TOKEN"); v != "" {
		cfg.PassToken = v
	}
	if v := os.Getenv("MIGPT_DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := os.Getenv("MIGPT_HEARTBEAT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MIGPT_HEARTBEAT %q: %w", v, err)
		}
		cfg.Heartbeat = d
	}
	if v := os.Getenv("MIGPT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MIGPT_TIMEOUT %q: %w", v, err)
		}
		cfg.Timeout = d
	}
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1" ||
		os.Getenv("MIGPT_DEBUG") == "true" || os.Getenv("MIGPT_DEBUG") == "1" {
		cfg.Debug = true
	}

	// Ticking faster than once a second just hammers the log endpoint.
	if cfg.Heartbeat < minHeartbeat {
		cfg.Heartbeat = minHeartbeat
	}
	return cfg, nil
}

// StateFile returns the path of the persisted login state.
func (c *Config) StateFile() string {
	return filepath.Join(c.Home, "accounts.json")
}
