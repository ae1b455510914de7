package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load(New(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "crmsync.db", cfg.DB)
	assert.Equal(t, "mappings", cfg.MappingsDir)
	assert.Equal(t, 200, cfg.Push.Limit)
	assert.Equal(t, 10, cfg.Push.MaxFails)
	assert.Equal(t, 300*time.Second, cfg.Push.Lease)
	assert.Equal(t, "rest", cfg.Push.Processor)
	assert.Equal(t, 100000, cfg.Pull.MaxQueueSize)
	assert.Equal(t, 200, cfg.Pull.Limit)
	assert.Equal(t, 10, cfg.Revisions.Limit)
	assert.Equal(t, RemoteModeREST, cfg.Remote.Mode)
	assert.Equal(t, "v59.0", cfg.Remote.APIVersion)
	assert.Equal(t, time.Minute, cfg.Schedule.Interval)
}

func TestLoad_ConfigFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sync.yaml", `
db: /var/lib/crmsync/state.db
push:
  limit: 50
  lease: 90s
remote:
  mode: memory
schedule:
  interval: 5m
`)
	t.Setenv("CRMSYNC_PUSH_LIMIT", "75")
	t.Setenv("CRMSYNC_REVISIONS_LIMIT", "0")

	cfg, err := Load(New(), Options{ConfigFile: path, EnvFile: filepath.Join(dir, "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/crmsync/state.db", cfg.DB)
	assert.Equal(t, 75, cfg.Push.Limit)
	assert.Equal(t, 90*time.Second, cfg.Push.Lease)
	assert.Equal(t, RemoteModeMemory, cfg.Remote.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, 0, cfg.Revisions.Limit)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "CRMSYNC_REMOTE_CLIENT_ID=from-dotenv\n")
	t.Setenv("CRMSYNC_REMOTE_CLIENT_ID", "")
	require.NoError(t, os.Unsetenv("CRMSYNC_REMOTE_CLIENT_ID"))

	cfg, err := Load(New(), Options{
		ConfigFile: writeFile(t, dir, "crmsync.yaml", "db: test.db\n"),
		EnvFile:    envFile,
	})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Remote.ClientID)
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(New(), Options{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "crmsync.yaml", "remote:\n  mode: soap\n")

	_, err := Load(New(), Options{ConfigFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.mode")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		v := New()
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return cfg
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"push limit", func(c *Config) { c.Push.Limit = 0 }, "push.limit"},
		{"processor", func(c *Config) { c.Push.Processor = "batch" }, "push.processor"},
		{"queue size", func(c *Config) { c.Pull.MaxQueueSize = -1 }, "pull.max_queue_size"},
		{"revisions", func(c *Config) { c.Revisions.Limit = -1 }, "revisions.limit"},
		{"interval", func(c *Config) { c.Schedule.Interval = 0 }, "schedule.interval"},
		{"db", func(c *Config) { c.DB = "" }, "db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
