package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("MAX_ATTEMPTS", "")
	t.Setenv("BACKOFF_INITIAL", "")

	cfg := Load()
	assert.Equal(t, 3, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.BackoffInitial)
	assert.Equal(t, 10, cfg.ProgressEvery)
	assert.Equal(t, 1000, cfg.RegistryCapacity)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("BACKOFF_INITIAL", "250ms")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffInitial)
	assert.True(t, cfg.ArchiveS3PathStyle)
	assert.Equal(t, 3, cfg.MaxAttempts, "unparseable values fall back to defaults")
}
