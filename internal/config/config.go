// Package config loads NotePulse settings from a YAML file, environment
// overrides and defaults, in increasing order of precedence: defaults,
// file, environment. Command-line flags are applied by the caller after
// Load.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NOTEPULSE_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete process configuration.
type Config struct {
	Relay       Relay       `yaml:"relay"`
	Awareness   Awareness   `yaml:"awareness"`
	Store       Store       `yaml:"store"`
	Redis       Redis       `yaml:"redis"`
	Persistence Persistence `yaml:"persistence"`
	Client      Client      `yaml:"client"`
}

// Relay configures the session relay.
type Relay struct {
	Listen           string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendQueue        int           `yaml:"send_queue"`
	RoomGrace        time.Duration `yaml:"room_grace"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
}

// Awareness configures presence timing.
type Awareness struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
	Expiry    time.Duration `yaml:"expiry"`
}

// Store selects the durable store.
type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Redis enables cross-instance fan-out when URL is set.
type Redis struct {
	URL string `yaml:"url"`
}

// Persistence bounds store calls.
type Persistence struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Client configures the client provider.
type Client struct {
	RelayURL    string `yaml:"relay_url"`
	OfflinePath string `yaml:"offline_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: Relay{
			Listen:           ":1234",
			HandshakeTimeout: 10 * time.Second,
			SendQueue:        256,
			RoomGrace:        30 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			AutosaveInterval: 5 * time.Second,
		},
		Awareness: Awareness{
			Heartbeat: 15 * time.Second,
			Expiry:    30 * time.Second,
		},
		Store: Store{
			Driver: DriverSQLite,
			DSN:    "notepulse.db",
		},
		Persistence: Persistence{
			Timeout: 10 * time.Second,
		},
		Client: Client{
			RelayURL:    "ws://localhost:1234",
			OfflinePath: "notepulse-offline.db",
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// binding maps one environment variable onto a field.
type binding struct {
	name string
	set  func(string) error
}

func (c *Config) bindings() []binding {
	return []binding{
		{"RELAY_LISTEN", setString(&c.Relay.Listen)},
		{"RELAY_HANDSHAKE_TIMEOUT", setDuration(&c.Relay.HandshakeTimeout)},
		{"RELAY_SEND_QUEUE", setInt(&c.Relay.SendQueue)},
		{"RELAY_ROOM_GRACE", setDuration(&c.Relay.RoomGrace)},
		{"RELAY_WRITE_TIMEOUT", setDuration(&c.Relay.WriteTimeout)},
		{"RELAY_PING_INTERVAL", setDuration(&c.Relay.PingInterval)},
		{"RELAY_AUTOSAVE_INTERVAL", setDuration(&c.Relay.AutosaveInterval)},
		{"AWARENESS_HEARTBEAT", setDuration(&c.Awareness.Heartbeat)},
		{"AWARENESS_EXPIRY", setDuration(&c.Awareness.Expiry)},
		{"STORE_DRIVER", setString(&c.Store.Driver)},
		{"STORE_DSN", setString(&c.Store.DSN)},
		{"REDIS_URL", setString(&c.Redis.URL)},
		{"PERSISTENCE_TIMEOUT", setDuration(&c.Persistence.Timeout)},
		{"CLIENT_RELAY_URL", setString(&c.Client.RelayURL)},
		{"CLIENT_OFFLINE_PATH", setString(&c.Client.OfflinePath)},
	}
}

// ApplyEnv overrides fields from NOTEPULSE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func setString(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setDuration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Relay.Listen == "":
		return errors.New("relay.listen is required")
	case c.Relay.HandshakeTimeout <= 0:
		return errors.New("relay.handshake_timeout must be positive")
	case c.Relay.SendQueue <= 0:
		return fmt.Errorf("relay.send_queue must be positive, got %d", c.Relay.SendQueue)
	case c.Relay.RoomGrace < 0:
		return errors.New("relay.room_grace must not be negative")
	case c.Relay.WriteTimeout <= 0:
		return errors.New("relay.write_timeout must be positive")
	case c.Relay.PingInterval <= 0:
		return errors.New("relay.ping_interval must be positive")
	case c.Relay.AutosaveInterval <= 0:
		return errors.New("relay.autosave_interval must be positive")
	case c.Awareness.Heartbeat <= 0:
		return errors.New("awareness.heartbeat must be positive")
	case c.Awareness.Heartbeat >= c.Awareness.Expiry:
		return fmt.Errorf("awareness.heartbeat (%s) must be shorter than awareness.expiry (%s)",
			c.Awareness.Heartbeat, c.Awareness.Expiry)
	case c.Store.Driver != DriverSQLite && c.Store.Driver != DriverPostgres:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver)
	case c.Store.DSN == "":
		return errors.New("store.dsn is required")
	case c.Persistence.Timeout < time.Second || c.Persistence.Timeout > time.Minute:
		return fmt.Errorf("persistence.timeout must be between 1s and 60s, got %s", c.Persistence.Timeout)
	}
	return nil
}
