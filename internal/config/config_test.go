package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Tasks.MaxTasks)
	assert.Equal(t, 24*time.Hour, cfg.Tasks.MaxAge.Std())
	assert.Equal(t, 5*time.Second, cfg.Gen.PollInterval.Std())
	assert.Equal(t, 300*time.Second, cfg.Gen.MaxWait.Std())
	assert.Equal(t, int64(30*1024*1024), cfg.Upload.MaxFileSize)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9001
tasks:
  max_tasks: 5
  max_age: 1h
image_gen:
  poll_interval: 1s
  max_wait: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Tasks.MaxTasks)
	assert.Equal(t, time.Hour, cfg.Tasks.MaxAge.Std())
	assert.Equal(t, time.Second, cfg.Gen.PollInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Gen.MaxWait.Std())
	// Untouched sections keep defaults.
	assert.Equal(t, "wan2.6-image", cfg.Gen.Model)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  max_tasks: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DASHSCOPE_API_KEY", "sk-test")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.VL.APIKey)
	assert.Equal(t, "sk-test", cfg.Gen.APIKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestEnvDoesNotClobberFileAPIKey(t *testing.T) {
	t.Setenv("DASHSCOPE_API_KEY", "sk-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vl_model:\n  api_key: sk-file\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-file", cfg.VL.APIKey)
	assert.Equal(t, "sk-env", cfg.Gen.APIKey)
}

func TestAllowedExtension(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.AllowedExtension(".jpg"))
	assert.True(t, cfg.AllowedExtension(".JPEG"))
	assert.True(t, cfg.AllowedExtension(".webp"))
	assert.False(t, cfg.AllowedExtension(".gif"))
	assert.False(t, cfg.AllowedExtension("jpg"))
}

func TestEnsureTasksDir(t *testing.T) {
	cfg := Default()
	cfg.Tasks.Dir = filepath.Join(t.TempDir(), "nested", "tasks")

	abs, err := cfg.EnsureTasksDir()
	require.NoError(t, err)
	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
