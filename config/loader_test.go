// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证存储默认值
	assert.Equal(t, "database", cfg.Store.Type)
	assert.Equal(t, "execflow:", cfg.Store.KeyPrefix)

	// 验证 Database 默认值
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 3, cfg.Database.TransactionRetries)

	// 验证 Redis 默认值
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	// 验证发布策略默认值
	assert.True(t, cfg.Publish.StrictTransitions)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "database", cfg.Store.Type)
	assert.Equal(t, "execflow", cfg.Metrics.Namespace)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
store:
  type: "redis"
  key_prefix: "mlmd:"

database:
  driver: "sqlite"
  name: "/var/lib/execflow/mlmd.db"
  conn_max_lifetime: 10m

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

publish:
  strict_transitions: false

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "mlmd:", cfg.Store.KeyPrefix)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.False(t, cfg.Publish.StrictTransitions)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"EXECFLOW_STORE_TYPE":                    "memory",
		"EXECFLOW_DATABASE_PORT":                 "6543",
		"EXECFLOW_DATABASE_HEALTH_CHECK_INTERVAL": "1m",
		"EXECFLOW_REDIS_ADDR":                    "env-redis:6379",
		"EXECFLOW_PUBLISH_STRICT_TRANSITIONS":    "false",
		"EXECFLOW_TELEMETRY_SAMPLE_RATE":         "0.5",
		"EXECFLOW_LOG_OUTPUT_PATHS":              "stdout, /tmp/execflow.log",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, time.Minute, cfg.Database.HealthCheckInterval)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Publish.StrictTransitions)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.Equal(t, []string{"stdout", "/tmp/execflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
store:
  type: "redis"
redis:
  addr: "yaml-redis:6379"
  pool_size: 42
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("EXECFLOW_REDIS_ADDR", "env-redis:6379")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量应该覆盖 YAML
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	// YAML 值应该保留
	assert.Equal(t, 42, cfg.Redis.PoolSize)
	assert.Equal(t, "redis", cfg.Store.Type)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_STORE_TYPE", "redis")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Type)
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("EXECFLOW_STORE_TYPE", "mongo")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error { return cfg.Validate() }).
		Load()
	assert.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("EXECFLOW_DATABASE_PORT", "not-a-port")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECFLOW_DATABASE_PORT")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "database", cfg.Store.Type)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
store:
  type: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "memory store", modify: func(c *Config) { c.Store.Type = "memory" }},
		{name: "redis store", modify: func(c *Config) { c.Store.Type = "redis" }},
		{name: "sqlite database", modify: func(c *Config) { c.Database.Driver = "sqlite" }},
		{
			name:    "unknown store",
			modify:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: "unsupported store type",
		},
		{
			name:    "unknown driver",
			modify:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.Database.TransactionRetries = -1 },
			wantErr: "transaction_retries",
		},
		{
			name: "push gateway with job",
			modify: func(c *Config) {
				c.Metrics.PushGateway = "http://pushgateway:9091"
			},
		},
		{
			name: "push gateway without job",
			modify: func(c *Config) {
				c.Metrics.PushGateway = "http://pushgateway:9091"
				c.Metrics.PushJob = ""
			},
			wantErr: "push_job",
		},
		{
			name:    "sample rate out of range",
			modify:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true&clientFoundRows=true",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/path/to/db.sqlite",
			},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("store:\n  type: memory\n"), 0644))

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, "memory", cfg.Store.Type)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("invalid: [yaml"), 0644))

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("EXECFLOW_METRICS_NAMESPACE", "mlmd")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "mlmd", cfg.Metrics.Namespace)
}
