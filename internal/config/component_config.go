package config

import (
	"time"

	"github.com/nkkko/feedhub/internal/api"
	controlapi "github.com/nkkko/feedhub/internal/api/chi"
	"github.com/nkkko/feedhub/internal/auth"
	"github.com/nkkko/feedhub/internal/authgate"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/nkkko/feedhub/internal/notifier"
	"github.com/nkkko/feedhub/internal/registry"
	"github.com/nkkko/feedhub/internal/router"
	"github.com/nkkko/feedhub/internal/storage"
	"github.com/nkkko/feedhub/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToStorageFactoryConfig converts to storage factory config
func (c *Config) ToStorageFactoryConfig() storage.FactoryConfig {
	metricsInterval := seconds(c.Metrics.Interval)
	if !c.Metrics.Enabled {
		metricsInterval = time.Hour
	}

	return storage.FactoryConfig{
		Type: storage.StorageType(c.Storage.StorageType),
		Config: storage.Config{
			DataDir:         c.Storage.DataDir,
			InMemory:        c.Storage.InMemory,
			SyncWrites:      c.Storage.SyncWrites,
			CacheEnabled:    c.Storage.CacheEnabled,
			RecordCacheSize: c.Storage.RecordCacheSize,
			CacheExpiration: seconds(c.Storage.CacheExpirationSeconds),
			WatchBufferSize: c.Storage.WatchBufferSize,
			GCInterval:      time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
			GCDiscardRatio:  c.Storage.GCDiscardRatio,
			MetricsInterval: metricsInterval,
		},
	}
}

// ToRouterConfig converts to router config, including the registry and gate
func (c *Config) ToRouterConfig() router.Config {
	registryConfig := registry.DefaultConfig()
	registryConfig.OpenTimeout = seconds(c.Registry.OpenTimeout)

	return router.Config{
		Registry: registryConfig,
		Gate: authgate.Config{
			BootstrapIdentities: c.Gate.BootstrapIdentities,
			BootstrapRole:       c.Gate.BootstrapRole,
			BootstrapTimeout:    seconds(c.Gate.BootstrapTimeout),
			LogoutPolicy:        authgate.LogoutPolicy(c.Gate.LogoutPolicy),
		},
		SessionTimeout: seconds(c.Router.SessionTimeout),
		SilentResume:   c.Router.SilentResume,
	}
}

// ToAuthConfig converts to auth provider config
func (c *Config) ToAuthConfig() auth.Config {
	return auth.Config{
		Secret:         c.Auth.JWTSecret,
		Issuer:         c.Auth.Issuer,
		TokenTTL:       time.Duration(c.Auth.JWTExpirationMinutes) * time.Minute,
		CredentialPath: c.Auth.CredentialPath,
	}
}

// ToRedisOptions converts to redis client options for the role store
func (c *Config) ToRedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Auth.RedisAddr,
		Password: c.Auth.RedisPassword,
		DB:       c.Auth.RedisDB,
	}
}

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:       seconds(c.Notifier.MaxIdleTime),
		HeartbeatInterval: seconds(c.Notifier.HeartbeatInterval),
		OutboxSize:        c.Notifier.OutboxSize,
		DispatchTimeout:   seconds(c.Notifier.DispatchTimeout),
		WriteTimeout:      seconds(c.Notifier.WriteTimeout),
	}
}

// ToAPIConfig converts to surface gateway config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:         c.Server.Addr,
		ReadTimeout:  seconds(c.Server.ReadTimeout),
		WriteTimeout: seconds(c.Server.WriteTimeout),
		IdleTimeout:  seconds(c.Server.IdleTimeout),
		BodyLimit:    c.Server.MaxBodySize,
		ServeMetrics: c.Metrics.Enabled,
	}
}

// ToControlConfig converts to control API config
func (c *Config) ToControlConfig() controlapi.Config {
	return controlapi.Config{
		Addr:           c.Control.Addr,
		ReadTimeout:    seconds(c.Control.ReadTimeout),
		WriteTimeout:   seconds(c.Control.WriteTimeout),
		IdleTimeout:    seconds(c.Control.IdleTimeout),
		RequestTimeout: seconds(c.Control.RequestTimeout),
		AllowedOrigins: c.Control.AllowedOrigins,
		ServeMetrics:   c.Metrics.Enabled,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	fields := map[string]string{"service": "feedhub"}
	for k, v := range c.Logging.GlobalFields {
		fields[k] = v
	}

	return logging.Config{
		Level:               level,
		Format:              format,
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		GlobalFields:        fields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
