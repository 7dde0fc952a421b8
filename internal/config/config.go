package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	dirName  = ".flutter-mcp"
	fileName = "config.toml"
)

// Duration is a time.Duration written as a string ("10s", "2m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}

type Config struct {
	// Debuggee endpoint: either a URI file written by `flutter run
	// --vmservice-out-file`, or host and port.
	VMHost    string `toml:"vm_host"`
	VMPort    int    `toml:"vm_port"`
	VMURIFile string `toml:"vm_uri_file"`

	Transport       string `toml:"transport"`
	HTTPAddr        string `toml:"http_addr"`
	DiagnosticsAddr string `toml:"diagnostics_addr"`

	RegistrationTimeout Duration `toml:"registration_timeout"`
	CallTimeout         Duration `toml:"call_timeout"`
	SettleDelay         Duration `toml:"settle_delay"`
	PollInterval        Duration `toml:"poll_interval"`
	StaleAfter          Duration `toml:"stale_after"`
	SweepSchedule       string   `toml:"sweep_schedule"`

	CatalogFile     string `toml:"catalog_file"`
	Debug           bool   `toml:"debug"`
	ErrorBufferSize int    `toml:"error_buffer_size"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		VMHost:              "127.0.0.1",
		VMPort:              8181,
		Transport:           TransportStdio,
		HTTPAddr:            "127.0.0.1:7778",
		RegistrationTimeout: Dur(10 * time.Second),
		CallTimeout:         Dur(30 * time.Second),
		SettleDelay:         Dur(2 * time.Second),
		PollInterval:        Dur(2 * time.Second),
		StaleAfter:          Dur(5 * time.Minute),
		SweepSchedule:       "@every 1m",
		ErrorBufferSize:     100,
	}
}

// GetConfigPath returns the path to the user config file
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dirName, fileName), nil
}

// Load reads the config at path on top of the defaults. An empty path means
// the user config file; a missing user config file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := GetConfigPath()
		if err != nil {
			return cfg, nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Encode writes the config as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
