package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultOptions(t *testing.T) {
	opts := NewDefaultOptions()

	assert.Equal(t, ":8080", opts.ListenAddr)
	assert.Empty(t, opts.RedisAddr, "defaults to the in-process profile")
	assert.Equal(t, 30*time.Second, opts.AutoscalerInterval)
	assert.Equal(t, 180*time.Second, opts.GroupLockTTL)
	assert.Equal(t, 40, opts.MaxThrottleThreshold)
	assert.Equal(t, []string{"local"}, opts.CloudProviders)
	assert.False(t, opts.DryRun)
	assert.Equal(t, []int{429, 500, 502, 503, 504}, opts.ReportExtCallRetryableStatusCodes)
	assert.Equal(t, "info", opts.LogLevel)
}

func TestDefaultOptionsAreValid(t *testing.T) {
	assert.NoError(t, NewDefaultOptions().Validate())
}

func TestLoad_NoConfigFile(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultOptions(), opts)
}

func TestLoad_ConfigFile(t *testing.T) {
	content := `
listen-addr: ":9090"
redis-addr: "redis:6379"
autoscaler-interval: 15s
max-throttle-threshold: 20
cloud-providers:
  - local
  - pool
dry-run: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", opts.ListenAddr)
	assert.Equal(t, "redis:6379", opts.RedisAddr)
	assert.Equal(t, 15*time.Second, opts.AutoscalerInterval)
	assert.Equal(t, 20, opts.MaxThrottleThreshold)
	assert.Equal(t, []string{"local", "pool"}, opts.CloudProviders)
	assert.True(t, opts.DryRun)

	// Unset keys keep their defaults.
	assert.Equal(t, 180*time.Second, opts.GroupLockTTL)
	assert.Equal(t, "info", opts.LogLevel)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AUTOSCALER_LISTEN_ADDR", ":7070")
	t.Setenv("AUTOSCALER_DRY_RUN", "true")
	t.Setenv("AUTOSCALER_JOB_TIMEOUT", "45s")

	opts, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", opts.ListenAddr)
	assert.True(t, opts.DryRun)
	assert.Equal(t, 45*time.Second, opts.JobTimeout)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{
			name:    "empty listen address",
			mutate:  func(o *Options) { o.ListenAddr = "" },
			wantErr: "listen address",
		},
		{
			name:    "zero autoscaler interval",
			mutate:  func(o *Options) { o.AutoscalerInterval = 0 },
			wantErr: "autoscaler interval",
		},
		{
			name:    "zero group lock TTL",
			mutate:  func(o *Options) { o.GroupLockTTL = 0 },
			wantErr: "group lock TTL",
		},
		{
			name:    "zero metric TTL",
			mutate:  func(o *Options) { o.MetricTTL = 0 },
			wantErr: "metric TTL",
		},
		{
			name:    "zero throttle threshold",
			mutate:  func(o *Options) { o.MaxThrottleThreshold = 0 },
			wantErr: "max throttle threshold",
		},
		{
			name:    "no cloud providers",
			mutate:  func(o *Options) { o.CloudProviders = nil },
			wantErr: "cloud provider",
		},
		{
			name:    "zero worker count",
			mutate:  func(o *Options) { o.WorkerCount = 0 },
			wantErr: "worker count",
		},
		{
			name:    "invalid log level",
			mutate:  func(o *Options) { o.LogLevel = "verbose" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewDefaultOptions()
			tt.mutate(opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
