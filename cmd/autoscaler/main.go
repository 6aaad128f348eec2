package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/internal/logging"
	"github.com/mediainfra/fleet-autoscaler/pkg/api"
	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/autoscaler"
	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/config"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/jobs"
	"github.com/mediainfra/fleet-autoscaler/pkg/launcher"
	"github.com/mediainfra/fleet-autoscaler/pkg/lock"
	"github.com/mediainfra/fleet-autoscaler/pkg/loops"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/report"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	var showVersion bool

	cmd := &cobra.Command{
		Use:          "fleet-autoscaler",
		Short:        "Media Fleet Autoscaler control plane",
		Long:         "Horizontally scalable control plane that sizes fleets of stateful media-processing workers.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("Media Fleet Autoscaler\n")
				fmt.Printf("  Version:    %s\n", Version)
				fmt.Printf("  Commit:     %s\n", Commit)
				fmt.Printf("  Build Date: %s\n", BuildDate)
				return nil
			}

			opts, err := config.Load(configFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, opts)
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to the YAML config file (optional)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "Show version information and exit")
	cmd.Flags().String("listen-addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().String("redis-addr", "", "Redis address; empty selects the in-process profile (overrides config)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	cmd.Flags().Bool("development", false, "Enable development logging")
	cmd.Flags().Bool("dry-run", false, "Record scaling intent without touching any provider")
	return cmd
}

// applyFlagOverrides lets explicitly set flags win over file and env values.
func applyFlagOverrides(cmd *cobra.Command, opts *config.Options) {
	if cmd.Flags().Changed("listen-addr") {
		opts.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if cmd.Flags().Changed("redis-addr") {
		opts.RedisAddr, _ = cmd.Flags().GetString("redis-addr")
	}
	if cmd.Flags().Changed("log-level") {
		opts.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("development") {
		opts.Development, _ = cmd.Flags().GetBool("development")
	}
	if cmd.Flags().Changed("dry-run") {
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	}
}

// loadSeeds reads the initial group definitions. An empty path means no
// seeding.
func loadSeeds(path string) ([]*model.InstanceGroup, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seeds file %s: %w", path, err)
	}
	var seeds []*model.InstanceGroup
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("failed to parse seeds file %s: %w", path, err)
	}
	return seeds, nil
}

func run(opts *config.Options) error {
	logger, err := logging.NewLoggerWithLevel(opts.Development, opts.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fleet autoscaler",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.Bool("dryRun", opts.DryRun))

	metrics.RegisterMetrics()

	ttls := store.TTLConfig{
		IdleTTL:           opts.IdleTTL,
		ProvisioningTTL:   opts.ProvisioningTTL,
		ShutdownStatusTTL: opts.ShutdownStatusTTL,
		MetricTTL:         opts.MetricTTL,
	}
	lockConfig := lock.Config{
		GroupLockTTL:       opts.GroupLockTTL,
		JobCreationLockTTL: opts.JobCreationLockTTL,
	}

	// Storage, lock and queue profiles are selected together: Redis for
	// multi-replica deployments, in-process otherwise.
	var (
		instanceStore store.Store
		locks         lock.Manager
		queue         jobs.Queue
	)
	if opts.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		defer func() { _ = client.Close() }()
		instanceStore = store.NewRedisStore(client, ttls)
		locks = lock.NewRedisManager(client, lockConfig)
		queue = jobs.NewRedisQueue(client)
		logger.Info("using redis profile", zap.String("addr", opts.RedisAddr))
	} else {
		instanceStore = store.NewMemoryStore(ttls)
		locks = lock.NewLocalManager(lockConfig)
		queue = jobs.NewMemoryQueue(opts.QueueSize)
		logger.Info("using in-process profile")
	}

	auditManager := audit.NewManager(instanceStore, opts.AuditTTL, logger)
	shutdownConfig := shutdown.Config{
		ShutdownTTL:    opts.ShutdownTTL,
		ReconfigureTTL: opts.ReconfigureTTL,
	}
	shutdowns := shutdown.NewManager(instanceStore, auditManager, shutdownConfig, logger)
	reconfigure := shutdown.NewReconfigureManager(instanceStore, auditManager, shutdownConfig, logger)
	instanceTracker := tracker.NewInstanceTracker(instanceStore, shutdowns, reconfigure, auditManager, logger)

	groupManager := groups.NewManager(instanceStore, groups.Config{
		GroupJobsCreationGracePeriod:  opts.GroupJobsCreationGracePeriod,
		SanityJobsCreationGracePeriod: opts.SanityJobsCreationGracePeriod,
	}, logger)

	selector := cloud.NewSelector()
	for _, provider := range opts.CloudProviders {
		switch provider {
		case "local":
			selector.Register("local", cloud.NewLocalManager())
		default:
			logger.Warn("no adapter available for configured cloud provider",
				zap.String("provider", provider))
		}
	}
	scaling := cloud.NewScalingManager(selector, instanceStore, shutdowns, auditManager, opts.DryRun, logger)

	strategy := cloud.RetryStrategy{
		MaxTimeInSeconds:     opts.ReportExtCallMaxTimeInSeconds,
		MaxDelayInSeconds:    opts.ReportExtCallMaxDelayInSeconds,
		RetryableStatusCodes: opts.ReportExtCallRetryableStatusCodes,
	}

	processor := autoscaler.NewProcessor(locks, groupManager, instanceTracker, auditManager, logger)
	fleetLauncher := launcher.NewLauncher(locks, groupManager, instanceTracker, scaling, instanceStore, auditManager,
		launcher.Config{MaxThrottleThreshold: opts.MaxThrottleThreshold}, logger)
	sanity := loops.NewSanityLoop(groupManager, instanceTracker, scaling, instanceStore, loops.SanityConfig{
		ServiceLevelMetricsTTL: opts.ServiceLevelMetricsTTL,
		RetryStrategy:          strategy,
	}, logger)
	metricsLoop := loops.NewMetricsLoop(groupManager, instanceTracker, scaling, instanceStore, queue,
		strategy, opts.MetricsLoopInterval, logger)
	reporter := report.NewReporter(groupManager, instanceTracker, shutdowns, reconfigure, instanceStore, logger)
	producer := jobs.NewProducer(queue, groupManager, locks, logger)

	seeds, err := loadSeeds(opts.SeedsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(seeds) > 0 {
		if err := groupManager.SeedIfEmpty(ctx, seeds); err != nil {
			return fmt.Errorf("failed to seed groups: %w", err)
		}
	}

	server := api.NewServer(api.ServerConfig{
		Addr:          opts.ListenAddr,
		AuthToken:     opts.AuthToken,
		RetryStrategy: strategy,
		Seeds:         seeds,
		Logger:        logger,
	}, instanceTracker, groupManager, shutdowns, reconfigure, reporter, auditManager, scaling)

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			serverErr <- err
			stop()
		}
	}()

	for i := 0; i < opts.WorkerCount; i++ {
		for _, consumer := range []*jobs.Consumer{
			jobs.NewConsumer(queue, jobs.QueueAutoscaler, processor.ProcessAutoscalingByGroup, opts.JobTimeout, logger),
			jobs.NewConsumer(queue, jobs.QueueLauncher, fleetLauncher.LaunchOrShutdownInstancesByGroup, opts.JobTimeout, logger),
			jobs.NewConsumer(queue, jobs.QueueSanity, sanity.ReportUntrackedInstances, opts.JobTimeout, logger),
		} {
			wg.Add(1)
			go func(c *jobs.Consumer) {
				defer wg.Done()
				c.Run(ctx)
			}(consumer)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		metricsLoop.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runProducer(ctx, producer, opts.AutoscalerInterval, opts.SanityInterval, logger.Sugar())
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	wg.Wait()

	select {
	case err := <-serverErr:
		return err
	default:
	}
	logger.Info("stopped gracefully")
	return nil
}

// runProducer drives the job-creation cadence. The grace keys keep the
// batches single-producer across replicas; the tickers only set the local
// attempt rate.
func runProducer(ctx context.Context, producer *jobs.Producer, interval, sanityInterval time.Duration, logger *zap.SugaredLogger) {
	jobTicker := time.NewTicker(interval)
	defer jobTicker.Stop()
	sanityTicker := time.NewTicker(sanityInterval)
	defer sanityTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jobTicker.C:
			if err := producer.Produce(ctx); err != nil {
				logger.Warnw("job production failed", "error", err)
			}
		case <-sanityTicker.C:
			if err := producer.ProduceSanity(ctx); err != nil {
				logger.Warnw("sanity job production failed", "error", err)
			}
		}
	}
}
