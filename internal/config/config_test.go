package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPassesValidate(t *testing.T) {
	cfg := Default("normalizer")
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptyRedisAddr(t *testing.T) {
	cfg := Default("normalizer")
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadSampleRate(t *testing.T) {
	cfg := Default("projector")
	cfg.Reconcile.SampleRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnrecognizedInterval(t *testing.T) {
	cfg := Default("aggregator")
	cfg.Window.Intervals = []string{"bogus"}
	assert.Error(t, cfg.Validate())
}

func TestParsedIntervalsOrderPreserved(t *testing.T) {
	cfg := Default("aggregator")
	cfg.Window.Intervals = []string{"1h", "1m", "5m"}
	got, err := cfg.Window.ParsedIntervals()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Hour, time.Minute, 5 * time.Minute}, got)
}

func TestParseIntervalFallsBackToGoDuration(t *testing.T) {
	d, err := ParseInterval("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestBandForFallsBackToDefault(t *testing.T) {
	v := ValidationConfig{
		Default: PriceBand{Min: "0", Max: "100"},
		Bands:   map[string]PriceBand{"NG": {Min: "1", Max: "50"}},
	}
	assert.Equal(t, PriceBand{Min: "1", Max: "50"}, v.BandFor("NG"))
	assert.Equal(t, PriceBand{Min: "0", Max: "100"}, v.BandFor("WTI"))
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aggregator.yaml")
	yamlBody := "worker_name: aggregator\nbus:\n  shards: 8\n  consumer_group: agg\n  consumer_name: agg-0\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load("aggregator", path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Bus.Shards)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr) // untouched default survives merge
}

func TestLoadRejectsUnknownYAMLFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not_a_real_field: true\n"), 0o644))

	_, err := Load("normalizer", path)
	assert.Error(t, err)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	cfg, err := Load("normalizer", "")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load("normalizer", filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "normalizer", cfg.WorkerName)
}
