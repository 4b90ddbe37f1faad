package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// defaultSecret is the placeholder token secret shipped in DefaultConfig
const defaultSecret = "change-me-in-production"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Control   ControlConfig   `yaml:"control"`
	Storage   StorageConfig   `yaml:"storage"`
	Router    RouterConfig    `yaml:"router"`
	Registry  RegistryConfig  `yaml:"registry"`
	Gate      GateConfig      `yaml:"gate"`
	Auth      AuthConfig      `yaml:"auth"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains the surface gateway settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodySize  int    `yaml:"max_body_size"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// ControlConfig contains the control API settings
type ControlConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig contains feed store settings
type StorageConfig struct {
	// badger or memory
	StorageType string `yaml:"storage_type"`

	DataDir                string  `yaml:"data_dir"`
	InMemory               bool    `yaml:"in_memory"`
	SyncWrites             bool    `yaml:"sync_writes"`
	CacheEnabled           bool    `yaml:"cache_enabled"`
	RecordCacheSize        int     `yaml:"record_cache_size"`
	CacheExpirationSeconds int     `yaml:"cache_expiration_seconds"`
	WatchBufferSize        int     `yaml:"watch_buffer_size"`
	GCIntervalMinutes      int     `yaml:"gc_interval_minutes"`
	GCDiscardRatio         float64 `yaml:"gc_discard_ratio"`
}

// RouterConfig contains coordinator settings
type RouterConfig struct {
	SessionTimeout int  `yaml:"session_timeout"`
	SilentResume   bool `yaml:"silent_resume"`
}

// RegistryConfig contains subscription registry settings
type RegistryConfig struct {
	OpenTimeout int `yaml:"open_timeout"`
}

// GateConfig contains auth gate settings
type GateConfig struct {
	BootstrapIdentities []string `yaml:"bootstrap_identities"`
	BootstrapRole       string   `yaml:"bootstrap_role"`
	BootstrapTimeout    int      `yaml:"bootstrap_timeout"`

	// suspend or teardown
	LogoutPolicy string `yaml:"logout_policy"`
}

// AuthConfig contains auth provider settings
type AuthConfig struct {
	JWTSecret            string `yaml:"jwt_secret"`
	Issuer               string `yaml:"issuer"`
	JWTExpirationMinutes int    `yaml:"jwt_expiration_minutes"`
	CredentialPath       string `yaml:"credential_path"`

	// memory or redis
	RoleStore     string `yaml:"role_store"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// NotifierConfig contains surface transport settings
type NotifierConfig struct {
	MaxIdleTime       int `yaml:"max_idle_time"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	OutboxSize        int `yaml:"outbox_size"`
	DispatchTimeout   int `yaml:"dispatch_timeout"`
	WriteTimeout      int `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MaxBodySize: 64 * 1024,
			ReadTimeout: 5,
			IdleTimeout: 120,
		},
		Control: ControlConfig{
			Enabled:        true,
			Addr:           ":8081",
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			RequestTimeout: 30,
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			StorageType:            "badger",
			DataDir:                "./data",
			CacheEnabled:           true,
			RecordCacheSize:        10000,
			CacheExpirationSeconds: 30,
			WatchBufferSize:        256,
			GCIntervalMinutes:      10,
			GCDiscardRatio:         0.5,
		},
		Router: RouterConfig{
			SessionTimeout: 10,
			SilentResume:   true,
		},
		Registry: RegistryConfig{
			OpenTimeout: 5,
		},
		Gate: GateConfig{
			BootstrapRole:    "superadmin",
			BootstrapTimeout: 10,
			LogoutPolicy:     "suspend",
		},
		Auth: AuthConfig{
			JWTSecret:            defaultSecret,
			Issuer:               "feedhub",
			JWTExpirationMinutes: 24 * 60,
			CredentialPath:       "./data/credential.yaml",
			RoleStore:            "memory",
			RedisAddr:            "localhost:6379",
			RedisPrefix:          "feedhub:",
		},
		Notifier: NotifierConfig{
			MaxIdleTime:       90,
			HeartbeatInterval: 15,
			OutboxSize:        1024,
			DispatchTimeout:   10,
			WriteTimeout:      5,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "feedhub",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: 15,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Empty flag values leave the lower layers alone.
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	switch c.Storage.StorageType {
	case "", "badger", "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.StorageType)
	}

	switch c.Gate.LogoutPolicy {
	case "", "suspend", "teardown":
	default:
		return fmt.Errorf("unknown logout policy %q", c.Gate.LogoutPolicy)
	}

	switch c.Auth.RoleStore {
	case "", "memory":
	case "redis":
		if c.Auth.RedisAddr == "" {
			return fmt.Errorf("auth.redis_addr is required for the redis role store")
		}
	default:
		return fmt.Errorf("unknown role store %q", c.Auth.RoleStore)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret == defaultSecret {
		log.Warn().Msg("Using the default token secret; set auth.jwt_secret or FEEDHUB_AUTH_JWT_SECRET")
	}
	return nil
}

// applyEnvOverrides applies FEEDHUB_* environment variables to the configuration
func applyEnvOverrides(config *Config) {
	envString("FEEDHUB_SERVER_ADDR", &config.Server.Addr)
	envString("FEEDHUB_CONTROL_ADDR", &config.Control.Addr)
	envBool("FEEDHUB_CONTROL_ENABLED", &config.Control.Enabled)

	envString("FEEDHUB_STORAGE_TYPE", &config.Storage.StorageType)
	envString("FEEDHUB_STORAGE_DATA_DIR", &config.Storage.DataDir)
	envBool("FEEDHUB_STORAGE_SYNC_WRITES", &config.Storage.SyncWrites)
	envInt("FEEDHUB_STORAGE_RECORD_CACHE_SIZE", &config.Storage.RecordCacheSize)

	envInt("FEEDHUB_REGISTRY_OPEN_TIMEOUT", &config.Registry.OpenTimeout)
	envBool("FEEDHUB_ROUTER_SILENT_RESUME", &config.Router.SilentResume)

	envString("FEEDHUB_GATE_LOGOUT_POLICY", &config.Gate.LogoutPolicy)
	envString("FEEDHUB_GATE_BOOTSTRAP_ROLE", &config.Gate.BootstrapRole)
	if ids := os.Getenv("FEEDHUB_GATE_BOOTSTRAP_IDENTITIES"); ids != "" {
		config.Gate.BootstrapIdentities = splitList(ids)
	}

	envString("FEEDHUB_AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	envString("FEEDHUB_AUTH_CREDENTIAL_PATH", &config.Auth.CredentialPath)
	envString("FEEDHUB_AUTH_ROLE_STORE", &config.Auth.RoleStore)
	envString("FEEDHUB_AUTH_REDIS_ADDR", &config.Auth.RedisAddr)
	envString("FEEDHUB_AUTH_REDIS_PASSWORD", &config.Auth.RedisPassword)

	envInt("FEEDHUB_NOTIFIER_MAX_IDLE_TIME", &config.Notifier.MaxIdleTime)
	envInt("FEEDHUB_NOTIFIER_OUTBOX_SIZE", &config.Notifier.OutboxSize)

	envString("FEEDHUB_LOG_LEVEL", &config.Logging.Level)
	envString("FEEDHUB_LOG_FORMAT", &config.Logging.Format)

	envBool("FEEDHUB_TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	envString("FEEDHUB_TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("env", name).Str("value", v).Msg("Ignoring non-integer environment override")
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Warn().Str("env", name).Str("value", v).Msg("Ignoring non-boolean environment override")
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
