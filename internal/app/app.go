package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/maxenergy/channelcore/internal/channel"
	"github.com/maxenergy/channelcore/internal/config"
	"github.com/maxenergy/channelcore/internal/metrics"
	"github.com/maxenergy/channelcore/internal/pool"
	"github.com/maxenergy/channelcore/internal/quota"
	"github.com/maxenergy/channelcore/internal/resources"
	"github.com/maxenergy/channelcore/pkg/accel"
	"github.com/maxenergy/channelcore/pkg/perf"
	"github.com/maxenergy/channelcore/pkg/tracing"

	"github.com/sirupsen/logrus"
)

// App wires the channel state machine, quota allocator, resource pools
// and the managed resource registry behind one HTTP control surface.
type App struct {
	config *config.Config
	logger *logrus.Logger

	stateMachine    *channel.StateMachine
	synchronizer    *channel.Synchronizer
	allocator       *quota.Allocator
	poolManager     *pool.Manager
	resourceManager *resources.Manager
	blockPool       *resources.BlockPool
	accelBackend    accel.Backend
	perfMonitor     *perf.Monitor
	tracingManager  *tracing.TracingManager

	bridge *eventBridge

	// Pool handles issued over the HTTP API, released by lease id
	leaseMu    sync.Mutex
	poolLeases map[int64]poolLease
	nextLease  atomic.Int64

	httpServer    *http.Server
	metricsServer *metrics.MetricsServer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the application from a configuration file path
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeComponents builds all subsystems in dependency order
func (app *App) initializeComponents() error {
	cfg := app.config

	// Tracing
	tm, err := tracing.NewTracingManager(cfg.Tracing, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	app.tracingManager = tm

	// Channel state machine
	app.stateMachine = channel.NewStateMachine(channel.Config{
		MaxChannels:         cfg.Channels.MaxChannels,
		HistoryLimit:        cfg.Channels.HistoryLimit,
		HealthCheckInterval: cfg.Channels.HealthCheckInterval,
		FrameTimeout:        cfg.Channels.FrameTimeout,
	}, app.logger)
	app.synchronizer = channel.NewSynchronizer()

	// Quota allocator
	app.allocator = quota.NewAllocator(quota.Config{
		MonitorInterval:   cfg.Quota.MonitorInterval,
		InactivityTimeout: cfg.Quota.InactivityTimeout,
		Strategy:          cfg.Quota.Strategy,
	}, app.logger)

	for name, max := range cfg.Quota.Quotas {
		rt, ok := quota.ParseResourceType(name)
		if !ok {
			return fmt.Errorf("unknown quota resource type: %s", name)
		}
		app.allocator.SetQuota(rt, max)
	}

	// Resource pools
	app.poolManager = pool.NewManager(pool.ManagerConfig{}, app.logger)
	for _, pc := range cfg.Pools {
		ptype, ok := pool.ParseType(pc.Type)
		if !ok {
			return fmt.Errorf("unknown pool type: %s", pc.Type)
		}
		poolConfig := pool.Config{
			InitialSize:          pc.InitialSize,
			MinSize:              pc.MinSize,
			MaxSize:              pc.MaxSize,
			DynamicResize:        pc.DynamicResize,
			UtilizationThreshold: pc.UtilizationThreshold,
			Strategy:             pool.ParseSelectionStrategy(pc.Strategy),
			BufferSize:           int(pc.BufferSize),
			FrameWidth:           pc.FrameWidth,
			FrameHeight:          pc.FrameHeight,
			Workers:              pc.WorkersPerPool,
		}
		if err := app.poolManager.CreatePool(ptype, poolConfig); err != nil {
			return fmt.Errorf("failed to create %s pool: %w", pc.Type, err)
		}
	}

	// Managed resources
	app.resourceManager = resources.NewManager(resources.Config{
		MaxTotalMemory:  cfg.Resources.MaxTotalMemory,
		MaxPerChannel:   cfg.Resources.MaxPerChannel,
		CleanupInterval: cfg.Resources.CleanupInterval,
		IdleTimeout:     cfg.Resources.IdleTimeout,
	}, app.logger)
	app.blockPool = resources.NewBlockPool(app.resourceManager, resources.TypeMemoryBuffer, 0, 0, app.logger)
	app.accelBackend = accel.NewCPUBackend(app.logger)

	// Event bridge between subsystems
	grants := make(map[quota.ResourceType]int64, len(cfg.Quota.ChannelGrants))
	for name, amount := range cfg.Quota.ChannelGrants {
		rt, ok := quota.ParseResourceType(name)
		if !ok {
			return fmt.Errorf("unknown channel grant resource type: %s", name)
		}
		grants[rt] = amount
	}
	app.bridge = newEventBridge(app.allocator, app.poolManager, grants, app.logger)
	app.stateMachine.SetListener(app.bridge)
	app.allocator.SetListener(app.bridge)
	app.poolManager.SetListener(app.bridge)

	// Performance monitor
	if cfg.Perf.Enabled {
		app.perfMonitor = perf.NewMonitor(perf.Config{
			MonitoringInterval: cfg.Perf.MonitoringInterval,
			CPUWarnPercent:     cfg.Perf.CPUWarnPercent,
			CPUCriticalPercent: cfg.Perf.CPUCriticalPercent,
			MemWarnPercent:     cfg.Perf.MemWarnPercent,
			MemCriticalPercent: cfg.Perf.MemCriticalPercent,
		}, app.logger)
		app.perfMonitor.SetListener(app.bridge)
	}

	// Metrics server
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.Metrics.Port)
		app.metricsServer = metrics.NewMetricsServer(addr, app.logger)
	}

	// HTTP API server
	app.poolLeases = make(map[int64]poolLease)
	app.initializeHTTPServer()

	return nil
}

// Start starts all subsystems
func (app *App) Start() error {
	app.logger.WithFields(logrus.Fields{
		"name":    app.config.App.Name,
		"version": app.config.App.Version,
	}).Info("Starting channelcore")

	if app.metricsServer != nil {
		if err := app.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := app.stateMachine.Start(); err != nil {
		return fmt.Errorf("failed to start state machine: %w", err)
	}

	if err := app.allocator.Start(); err != nil {
		return fmt.Errorf("failed to start quota allocator: %w", err)
	}

	if err := app.poolManager.Start(); err != nil {
		return fmt.Errorf("failed to start pool manager: %w", err)
	}

	if err := app.resourceManager.StartCleanup(); err != nil {
		return fmt.Errorf("failed to start resource sweeper: %w", err)
	}

	if app.perfMonitor != nil {
		if err := app.perfMonitor.Start(); err != nil {
			return fmt.Errorf("failed to start performance monitor: %w", err)
		}
	}

	if app.httpServer != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logger.WithField("addr", app.httpServer.Addr).Info("Starting HTTP server")
			if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.WithError(err).Error("HTTP server error")
			}
		}()
	}

	app.logger.Info("channelcore started successfully")
	return nil
}

// Stop stops all subsystems in reverse order
func (app *App) Stop() error {
	app.logger.Info("Stopping channelcore")

	app.cancel()

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.httpServer.Shutdown(ctx)
	}

	if app.perfMonitor != nil {
		if err := app.perfMonitor.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop performance monitor")
		}
	}

	if err := app.stateMachine.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop state machine")
	}

	if err := app.allocator.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop quota allocator")
	}

	if err := app.poolManager.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop pool manager")
	}

	if err := app.resourceManager.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop resource manager")
	}

	if app.metricsServer != nil {
		app.metricsServer.Stop()
	}

	if app.tracingManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.tracingManager.Shutdown(ctx); err != nil {
			app.logger.WithError(err).Error("Failed to shut down tracing")
		}
	}

	app.wg.Wait()

	app.logger.Info("channelcore stopped")
	return nil
}

// Run starts the application and blocks until a shutdown signal
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	app.logger.Info("Shutdown signal received")

	return app.Stop()
}
