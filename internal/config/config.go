package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Network   NetworkConfig   `yaml:"network"`
	Queue     QueueConfig     `yaml:"queue"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains agent HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverS3     = "s3"
)

// StorageConfig selects the persistent key/value backend.
type StorageConfig struct {
	Driver string   `yaml:"driver"`
	Path   string   `yaml:"path"`
	S3     S3Config `yaml:"s3"`
}

// S3Config contains S3-compatible object storage settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
	UseSSL    *bool  `yaml:"use_ssl"`
}

// TransportConfig points the agent at the backend it replays against.
type TransportConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Timeout   Duration `yaml:"timeout"`
	AuthToken string   `yaml:"-"` // env-only
}

// Network monitor modes.
const (
	NetworkProbe  = "probe"
	NetworkSocket = "socket"
	NetworkStatic = "static"
)

// NetworkConfig selects how connectivity is detected.
type NetworkConfig struct {
	Mode          string   `yaml:"mode"`
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	SocketURL     string   `yaml:"socket_url"`
	InitialOnline bool     `yaml:"initial_online"`
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	Squash bool `yaml:"squash"`
	// RetryInterval re-drains a non-empty queue while online. Zero disables it.
	RetryInterval Duration `yaml:"retry_interval"`
}

// ConflictConfig selects resolution strategies.
type ConflictConfig struct {
	Strategy      string            `yaml:"strategy"`
	IgnoredFields []string          `yaml:"ignored_fields"`
	StateField    string            `yaml:"state_field"`
	Operations    map[string]string `yaml:"operations"`
	NumericFields []string          `yaml:"numeric_fields"`
}

// Conflict strategy names.
const (
	StrategyClientWins   = "client_wins"
	StrategyServerWins   = "server_wins"
	StrategyNumericMerge = "numeric_merge"
	StrategyManual       = "manual"
)

// AuthConfig contains agent API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OFFSYNC_CONFIG_PATH", "config/offsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadStorageConfig resolves only the storage section, with the same
// precedence as Load. Offline tools use it so they can open the agent's
// store without the server's credentials.
func LoadStorageConfig() (StorageConfig, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, getEnv("OFFSYNC_CONFIG_PATH", "config/offsync.yaml")); err != nil {
		return StorageConfig{}, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Storage.validate(); err != nil {
		return StorageConfig{}, err
	}
	return cfg.Storage, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8686,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "data/offsync.db",
		},
		Transport: TransportConfig{
			Endpoint: "http://localhost:4000/graphql",
			Timeout:  Duration(10 * time.Second),
		},
		Network: NetworkConfig{
			Mode:          NetworkProbe,
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(3 * time.Second),
		},
		Queue: QueueConfig{
			Squash:        true,
			RetryInterval: Duration(30 * time.Second),
		},
		Conflict: ConflictConfig{
			Strategy:      StrategyClientWins,
			IgnoredFields: []string{"id", "version"},
			StateField:    "version",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("OFFSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OFFSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Storage
	if v := os.Getenv("OFFSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("OFFSYNC_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OFFSYNC_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("OFFSYNC_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("OFFSYNC_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("OFFSYNC_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}
	if v := os.Getenv("OFFSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("OFFSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("OFFSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Storage.S3.UseSSL = &useSSL
	}

	// Transport
	if v := os.Getenv("OFFSYNC_ENDPOINT"); v != "" {
		cfg.Transport.Endpoint = v
	}
	if v := os.Getenv("OFFSYNC_TRANSPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transport.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_AUTH_TOKEN"); v != "" {
		cfg.Transport.AuthToken = v
	}

	// Network
	if v := os.Getenv("OFFSYNC_NETWORK_MODE"); v != "" {
		cfg.Network.Mode = v
	}
	if v := os.Getenv("OFFSYNC_PROBE_URL"); v != "" {
		cfg.Network.ProbeURL = v
	}
	if v := os.Getenv("OFFSYNC_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("OFFSYNC_SOCKET_URL"); v != "" {
		cfg.Network.SocketURL = v
	}

	// Queue
	if v := os.Getenv("OFFSYNC_SQUASH"); v != "" {
		cfg.Queue.Squash = v == "true" || v == "1"
	}
	if v := os.Getenv("OFFSYNC_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.RetryInterval = Duration(d)
		}
	}

	// Conflict
	if v := os.Getenv("OFFSYNC_CONFLICT_STRATEGY"); v != "" {
		cfg.Conflict.Strategy = v
	}

	// Auth
	if v := os.Getenv("OFFSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("OFFSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OFFSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are usable.
// In dev mode (OFFSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if err := c.Storage.validate(); err != nil {
		return err
	}

	switch c.Network.Mode {
	case NetworkProbe, NetworkStatic:
	case NetworkSocket:
		if c.Network.SocketURL == "" {
			return errors.New("network.socket_url is required for socket mode")
		}
	default:
		return fmt.Errorf("unknown network mode %q", c.Network.Mode)
	}

	if !isStrategy(c.Conflict.Strategy) {
		return fmt.Errorf("unknown conflict strategy %q", c.Conflict.Strategy)
	}
	for op, name := range c.Conflict.Operations {
		if !isStrategy(name) {
			return fmt.Errorf("unknown conflict strategy %q for operation %s", name, op)
		}
	}

	if c.Transport.Endpoint == "" {
		return errors.New("transport.endpoint is required")
	}

	if os.Getenv("OFFSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("OFFSYNC_API_KEY is required")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Driver {
	case DriverSQLite:
		if s.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case DriverMemory:
	case DriverS3:
		if s.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", s.Driver)
	}
	return nil
}

func isStrategy(name string) bool {
	switch strings.ToLower(name) {
	case StrategyClientWins, StrategyServerWins, StrategyNumericMerge, StrategyManual:
		return true
	}
	return false
}

// ProbeTarget returns the URL the probe monitor polls, defaulting to the
// transport endpoint.
func (c *Config) ProbeTarget() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}
	return c.Transport.Endpoint
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
