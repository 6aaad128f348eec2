// Package config holds the process options and their viper-based loading:
// defaults, an optional config file, and AUTOSCALER_ environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// AUTOSCALER_LISTEN_ADDR for listen-addr.
const EnvPrefix = "AUTOSCALER"

// Options holds the full process configuration.
type Options struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string `mapstructure:"listen-addr"`

	// AuthToken, when set, is required as a bearer token on the side-car
	// and admin endpoints
	AuthToken string `mapstructure:"auth-token"`

	// RedisAddr selects the durable profile. Empty means the in-process
	// store, lock and queue profiles (single-replica mode)
	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`

	// AutoscalerInterval is the producer tick for autoscaler and launcher jobs
	AutoscalerInterval time.Duration `mapstructure:"autoscaler-interval"`

	// SanityInterval is the producer tick for sanity jobs
	SanityInterval time.Duration `mapstructure:"sanity-interval"`

	// MetricsLoopInterval is the gauge refresh tick
	MetricsLoopInterval time.Duration `mapstructure:"metrics-loop-interval"`

	// GroupJobsCreationGracePeriod suppresses job batches across replicas
	// after a successful production pass
	GroupJobsCreationGracePeriod time.Duration `mapstructure:"group-jobs-creation-grace-period"`

	// SanityJobsCreationGracePeriod is the sanity producer's own grace
	SanityJobsCreationGracePeriod time.Duration `mapstructure:"sanity-jobs-creation-grace-period"`

	// GroupLockTTL bounds the per-group processing lock
	GroupLockTTL time.Duration `mapstructure:"group-lock-ttl"`

	// JobCreationLockTTL bounds the producer singleton lock
	JobCreationLockTTL time.Duration `mapstructure:"job-creation-lock-ttl"`

	// State retention tiers
	IdleTTL                time.Duration `mapstructure:"idle-ttl"`
	ProvisioningTTL        time.Duration `mapstructure:"provisioning-ttl"`
	ShutdownStatusTTL      time.Duration `mapstructure:"shutdown-status-ttl"`
	MetricTTL              time.Duration `mapstructure:"metric-ttl"`
	AuditTTL               time.Duration `mapstructure:"audit-ttl"`
	ShutdownTTL            time.Duration `mapstructure:"shutdown-ttl"`
	ReconfigureTTL         time.Duration `mapstructure:"reconfigure-ttl"`
	ServiceLevelMetricsTTL time.Duration `mapstructure:"service-level-metrics-ttl"`

	// MaxThrottleThreshold caps the untracked-instance launch throttle
	MaxThrottleThreshold int `mapstructure:"max-throttle-threshold"`

	// CloudProviders are the enabled adapters, keyed by group.cloud
	CloudProviders []string `mapstructure:"cloud-providers"`

	// DryRun makes the scaling manager record intent without touching any
	// provider
	DryRun bool `mapstructure:"dry-run"`

	// Cloud enumeration retry policy for the report and sanity paths
	ReportExtCallMaxTimeInSeconds     int   `mapstructure:"report-ext-call-max-time-in-seconds"`
	ReportExtCallMaxDelayInSeconds    int   `mapstructure:"report-ext-call-max-delay-in-seconds"`
	ReportExtCallRetryableStatusCodes []int `mapstructure:"report-ext-call-retryable-status-codes"`

	// Job execution
	QueueSize   int           `mapstructure:"queue-size"`
	WorkerCount int           `mapstructure:"worker-count"`
	JobTimeout  time.Duration `mapstructure:"job-timeout"`

	// SeedsFile is a JSON file with the initial group definitions, applied
	// when no groups exist and re-applied by POST /groups/reset
	SeedsFile string `mapstructure:"seeds-file"`

	// LogLevel is the log verbosity level (debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// Development enables console encoding and debug-friendly output
	Development bool `mapstructure:"development"`
}

// NewDefaultOptions returns Options with default values.
func NewDefaultOptions() *Options {
	return &Options{
		ListenAddr:                        ":8080",
		AuthToken:                         "",
		RedisAddr:                         "",
		RedisDB:                           0,
		AutoscalerInterval:                30 * time.Second,
		SanityInterval:                    60 * time.Second,
		MetricsLoopInterval:               30 * time.Second,
		GroupJobsCreationGracePeriod:      30 * time.Second,
		SanityJobsCreationGracePeriod:     60 * time.Second,
		GroupLockTTL:                      180 * time.Second,
		JobCreationLockTTL:                60 * time.Second,
		IdleTTL:                           90 * time.Second,
		ProvisioningTTL:                   15 * time.Minute,
		ShutdownStatusTTL:                 5 * time.Minute,
		MetricTTL:                         25 * time.Minute,
		AuditTTL:                          24 * time.Hour,
		ShutdownTTL:                       10 * time.Minute,
		ReconfigureTTL:                    10 * time.Minute,
		ServiceLevelMetricsTTL:            10 * time.Minute,
		MaxThrottleThreshold:              40,
		CloudProviders:                    []string{"local"},
		DryRun:                            false,
		ReportExtCallMaxTimeInSeconds:     30,
		ReportExtCallMaxDelayInSeconds:    5,
		ReportExtCallRetryableStatusCodes: []int{429, 500, 502, 503, 504},
		QueueSize:                         1024,
		WorkerCount:                       4,
		JobTimeout:                        2 * time.Minute,
		SeedsFile:                         "",
		LogLevel:                          "info",
		Development:                       false,
	}
}

// Load reads the options from an optional config file and the environment.
// File keys and env vars share the mapstructure names; env vars are
// upper-cased with dashes replaced, e.g. AUTOSCALER_REDIS_ADDR.
func Load(configFile string) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	defaults := NewDefaultOptions()
	v.SetDefault("listen-addr", defaults.ListenAddr)
	v.SetDefault("auth-token", defaults.AuthToken)
	v.SetDefault("redis-addr", defaults.RedisAddr)
	v.SetDefault("redis-password", defaults.RedisPassword)
	v.SetDefault("redis-db", defaults.RedisDB)
	v.SetDefault("autoscaler-interval", defaults.AutoscalerInterval)
	v.SetDefault("sanity-interval", defaults.SanityInterval)
	v.SetDefault("metrics-loop-interval", defaults.MetricsLoopInterval)
	v.SetDefault("group-jobs-creation-grace-period", defaults.GroupJobsCreationGracePeriod)
	v.SetDefault("sanity-jobs-creation-grace-period", defaults.SanityJobsCreationGracePeriod)
	v.SetDefault("group-lock-ttl", defaults.GroupLockTTL)
	v.SetDefault("job-creation-lock-ttl", defaults.JobCreationLockTTL)
	v.SetDefault("idle-ttl", defaults.IdleTTL)
	v.SetDefault("provisioning-ttl", defaults.ProvisioningTTL)
	v.SetDefault("shutdown-status-ttl", defaults.ShutdownStatusTTL)
	v.SetDefault("metric-ttl", defaults.MetricTTL)
	v.SetDefault("audit-ttl", defaults.AuditTTL)
	v.SetDefault("shutdown-ttl", defaults.ShutdownTTL)
	v.SetDefault("reconfigure-ttl", defaults.ReconfigureTTL)
	v.SetDefault("service-level-metrics-ttl", defaults.ServiceLevelMetricsTTL)
	v.SetDefault("max-throttle-threshold", defaults.MaxThrottleThreshold)
	v.SetDefault("cloud-providers", defaults.CloudProviders)
	v.SetDefault("dry-run", defaults.DryRun)
	v.SetDefault("report-ext-call-max-time-in-seconds", defaults.ReportExtCallMaxTimeInSeconds)
	v.SetDefault("report-ext-call-max-delay-in-seconds", defaults.ReportExtCallMaxDelayInSeconds)
	v.SetDefault("report-ext-call-retryable-status-codes", defaults.ReportExtCallRetryableStatusCodes)
	v.SetDefault("queue-size", defaults.QueueSize)
	v.SetDefault("worker-count", defaults.WorkerCount)
	v.SetDefault("job-timeout", defaults.JobTimeout)
	v.SetDefault("seeds-file", defaults.SeedsFile)
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("development", defaults.Development)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	opts := &Options{}
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return opts, nil
}

// Validate validates the options and returns an error if any option is invalid.
func (o *Options) Validate() error {
	if o.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	if o.AutoscalerInterval <= 0 {
		return fmt.Errorf("autoscaler interval must be greater than zero")
	}
	if o.SanityInterval <= 0 {
		return fmt.Errorf("sanity interval must be greater than zero")
	}
	if o.MetricsLoopInterval <= 0 {
		return fmt.Errorf("metrics loop interval must be greater than zero")
	}

	if o.GroupLockTTL <= 0 {
		return fmt.Errorf("group lock TTL must be greater than zero")
	}
	if o.JobCreationLockTTL <= 0 {
		return fmt.Errorf("job creation lock TTL must be greater than zero")
	}

	for name, ttl := range map[string]time.Duration{
		"idle":                  o.IdleTTL,
		"provisioning":          o.ProvisioningTTL,
		"shutdown status":       o.ShutdownStatusTTL,
		"metric":                o.MetricTTL,
		"audit":                 o.AuditTTL,
		"shutdown":              o.ShutdownTTL,
		"reconfigure":           o.ReconfigureTTL,
		"service level metrics": o.ServiceLevelMetricsTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s TTL must be greater than zero", name)
		}
	}

	if o.MaxThrottleThreshold <= 0 {
		return fmt.Errorf("max throttle threshold must be greater than zero")
	}

	if len(o.CloudProviders) == 0 {
		return fmt.Errorf("at least one cloud provider must be enabled")
	}

	if o.ReportExtCallMaxTimeInSeconds <= 0 {
		return fmt.Errorf("report external call max time must be greater than zero")
	}
	if o.ReportExtCallMaxDelayInSeconds <= 0 {
		return fmt.Errorf("report external call max delay must be greater than zero")
	}

	if o.QueueSize <= 0 {
		return fmt.Errorf("queue size must be greater than zero")
	}
	if o.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be greater than zero")
	}
	if o.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be greater than zero")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[o.LogLevel] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", o.LogLevel)
	}

	return nil
}
