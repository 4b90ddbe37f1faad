package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/feedhub/internal/authgate"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/nkkko/feedhub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":8081", cfg.Control.Addr)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "badger", cfg.Storage.StorageType)
	assert.Equal(t, "suspend", cfg.Gate.LogoutPolicy)
	assert.Equal(t, 5, cfg.Registry.OpenTimeout)
	assert.True(t, cfg.Router.SilentResume)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
storage:
  data_dir: "./test-data"
  storage_type: memory
gate:
  bootstrap_identities: ["root@example.com"]
  logout_policy: teardown
logging:
  level: "debug"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "./test-data", cfg.Storage.DataDir)
	assert.Equal(t, "memory", cfg.Storage.StorageType)
	assert.Equal(t, []string{"root@example.com"}, cfg.Gate.BootstrapIdentities)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unspecified fields keep their defaults
	assert.Equal(t, 10000, cfg.Storage.RecordCacheSize)
	assert.Equal(t, "superadmin", cfg.Gate.BootstrapRole)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_Precedence(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
storage:
  data_dir: "./test-data"
logging:
  level: "debug"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	t.Setenv("FEEDHUB_SERVER_ADDR", ":8888")
	t.Setenv("FEEDHUB_GATE_BOOTSTRAP_IDENTITIES", "a@example.com, b@example.com,")
	t.Setenv("FEEDHUB_ROUTER_SILENT_RESUME", "false")
	t.Setenv("FEEDHUB_NOTIFIER_OUTBOX_SIZE", "not-a-number")

	cfg, err := LoadConfig(configFile, "./cli-data", "", "warn")
	require.NoError(t, err)

	// Flags beat environment and file
	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Storage.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Environment beats file
	assert.Equal(t, ":8888", cfg.Server.Addr)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Gate.BootstrapIdentities)
	assert.False(t, cfg.Router.SilentResume)

	// Malformed overrides are ignored
	assert.Equal(t, 1024, cfg.Notifier.OutboxSize)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.StorageType = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Gate.LogoutPolicy = "forget"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Auth.RoleStore = "redis"
	cfg.Auth.RedisAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Auth.JWTSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.StorageType = "memory"
	cfg.Gate.BootstrapIdentities = []string{"root@example.com"}
	cfg.Gate.LogoutPolicy = "teardown"
	cfg.Logging.Format = "console"
	cfg.Logging.GlobalFields = map[string]string{"env": "test"}

	sc := cfg.ToStorageFactoryConfig()
	assert.Equal(t, storage.MemoryStorage, sc.Type)
	assert.Equal(t, 30*time.Second, sc.Config.CacheExpiration)
	assert.Equal(t, 10*time.Minute, sc.Config.GCInterval)

	rc := cfg.ToRouterConfig()
	assert.Equal(t, 5*time.Second, rc.Registry.OpenTimeout)
	assert.NotNil(t, rc.Registry.QueryFor)
	assert.Equal(t, authgate.LogoutTeardown, rc.Gate.LogoutPolicy)
	assert.Equal(t, []string{"root@example.com"}, rc.Gate.BootstrapIdentities)
	assert.Equal(t, 10*time.Second, rc.SessionTimeout)

	ac := cfg.ToAuthConfig()
	assert.Equal(t, 24*time.Hour, ac.TokenTTL)
	assert.Equal(t, "feedhub", ac.Issuer)

	nc := cfg.ToNotifierConfig()
	assert.Equal(t, 90*time.Second, nc.MaxIdleTime)
	assert.Equal(t, 1024, nc.OutboxSize)

	assert.Equal(t, ":8080", cfg.ToAPIConfig().Addr)
	assert.True(t, cfg.ToControlConfig().ServeMetrics)
	assert.Equal(t, "localhost:6379", cfg.ToRedisOptions().Addr)

	lc := cfg.ToLoggingConfig()
	assert.Equal(t, logging.LevelInfo, lc.Level)
	assert.Equal(t, logging.FormatConsole, lc.Format)
	assert.Equal(t, map[string]string{"service": "feedhub", "env": "test"}, lc.GlobalFields)

	assert.Equal(t, "feedhub", cfg.ToTelemetryConfig().ServiceName)
}
