package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
job:
  thread_count: 8
  batch_size: 50
  fail_on_error: true
upstream:
  uris:
    - http://db-1:8000
    - http://db-2:8000
  policy: load
  retry_limit: 5
  retry_interval: 2s
loader:
  type: file
  file: uris.txt
task:
  process: invoke
  process_module: /process.xqy
queue:
  max_in_memory: 1000
properties:
  collection: orders
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Job.ThreadCount)
	assert.Equal(t, 50, cfg.Job.BatchSize)
	assert.True(t, cfg.Job.FailOnError)
	assert.Equal(t, []string{"http://db-1:8000", "http://db-2:8000"}, cfg.Upstream.URIs)
	assert.Equal(t, "load", cfg.Upstream.Policy)
	assert.Equal(t, 5, cfg.Upstream.RetryLimit)
	assert.Equal(t, 2*time.Second, cfg.Upstream.RetryInterval)
	assert.Equal(t, "uris.txt", cfg.Loader.File)
	assert.Equal(t, "/process.xqy", cfg.Task.ProcessModule)
	assert.Equal(t, 1000, cfg.Queue.MaxInMemory)
	assert.Equal(t, "orders", cfg.Properties["collection"])

	// untouched keys keep their defaults
	assert.Equal(t, 0.75, cfg.Queue.RefillThreshold)
	assert.Equal(t, 10, cfg.Monitor.TPSWindow)
	assert.Equal(t, 5, cfg.Job.SlowLimit)
}

func TestLoadFile_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
upstream:
  uris: [sim://a]
job:
  thread_count: 2
`)
	t.Setenv("BEAVER_JOB_THREAD_COUNT", "16")
	t.Setenv("BEAVER_JOB_BATCH_SIZE", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Job.ThreadCount)
	assert.Equal(t, 7, cfg.Job.BatchSize)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFile_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
job:
  thread_count: 0
upstream:
  uris: [sim://a]
`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_count")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Upstream.URIs = []string{"sim://a"}
		return c
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no upstream", func(c *Config) { c.Upstream.URIs = nil }, "upstream uri"},
		{"bad policy", func(c *Config) { c.Upstream.Policy = "fastest" }, "policy"},
		{"zero batch", func(c *Config) { c.Job.BatchSize = 0 }, "batch_size"},
		{"negative retry", func(c *Config) { c.Upstream.RetryLimit = -1 }, "retry_limit"},
		{"no loader", func(c *Config) { c.Loader.Type = "" }, "loader"},
		{"no task", func(c *Config) { c.Task.Process = "" }, "process"},
		{"threshold", func(c *Config) { c.Queue.RefillThreshold = 1.5 }, "refill_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEffectiveQueueCapacity(t *testing.T) {
	c := Default()
	c.Job.ThreadCount = 6
	assert.Equal(t, 6, c.EffectiveQueueCapacity())

	c.Job.QueueCapacity = 20
	assert.Equal(t, 20, c.EffectiveQueueCapacity())
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, WriteDefault(path))

	// refuses to overwrite
	assert.Error(t, WriteDefault(path))

	v, err := NewViper(path)
	require.NoError(t, err)
	v.Set("upstream.uris", []string{"sim://a"})

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Default().Upstream.RetryInterval, cfg.Upstream.RetryInterval)
	assert.Equal(t, Default().Monitor.ProgressInterval, cfg.Monitor.ProgressInterval)
	assert.Equal(t, Default().Queue.MaxInMemory, cfg.Queue.MaxInMemory)
}
