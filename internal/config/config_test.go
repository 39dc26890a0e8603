package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediagrid/dispatch/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Host)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.DispatchInterval)
	assert.Equal(t, "0 3 * * *", cfg.JanitorSchedule)
	assert.Equal(t, 7*24*time.Hour, cfg.JobLifetime)
	assert.Equal(t, "prod", cfg.LogMode)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	content := `
host: node1:9000
max_concurrent_jobs: 8
dispatch_interval: 2s
log_mode: dev
services:
  - service_type: encode
    path: /encode
    job_producer: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node1:9000", cfg.Host)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.Equal(t, 2*time.Second, cfg.DispatchInterval)
	assert.Equal(t, "dev", cfg.LogMode)
	require.Len(t, cfg.Services, 1)
	assert.Equal(t, "encode", cfg.Services[0].ServiceType)
	assert.True(t, cfg.Services[0].JobProducer)
}

func TestLoad_RejectsZeroCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 0\n"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
