// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"icc.tech/dispatchd/internal/api"
	"icc.tech/dispatchd/internal/config"
	"icc.tech/dispatchd/internal/dispatch"
	logpkg "icc.tech/dispatchd/internal/log"
	"icc.tech/dispatchd/internal/metrics"
	"icc.tech/dispatchd/internal/nodestats"
	"icc.tech/dispatchd/internal/webhook"
)

// Daemon manages the dispatchd daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	dispatcher    *dispatch.Dispatcher
	apiServer     *api.Server
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New creates a new Daemon instance.
func New(configPath, pidFile string) (*Daemon, error) {
	var globalConfig *config.GlobalConfig
	var err error
	if configPath != "" {
		globalConfig, err = config.Load(configPath)
	} else {
		globalConfig, err = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting dispatchd daemon",
		"version", "0.1.0",
		"config", d.configPath,
		"listen", d.config.Server.Listen,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Create the dispatcher with optional round persistence.
	var snapshots dispatch.SnapshotStore
	if d.config.Persistence.Enabled {
		storeDir := filepath.Join(d.config.DataDir, "rounds")
		store, storeErr := dispatch.NewFileSnapshotStore(storeDir)
		if storeErr != nil {
			slog.Warn("failed to initialise snapshot store, persistence disabled",
				"dir", storeDir, "error", storeErr)
		} else {
			snapshots = store
		}
	}

	d.dispatcher = dispatch.New(dispatch.Options{
		Snapshots: snapshots,
		Notifier:  webhook.NewSink(d.config.WebhookTimeout()),
		Nodes:     nodestats.NewStore(),
		Settings: dispatch.Settings{
			DefaultBatchSize:            d.config.Dispatch.DefaultBatchSize,
			MaxBatchSize:                d.config.Dispatch.MaxBatchSize,
			FeishuWebhookURL:            d.config.Webhook.FeishuURL,
			FeishuReportIntervalMinutes: d.config.Webhook.ReportIntervalMinutes,
			TaskFailureThreshold:        d.config.Dispatch.TaskFailureThreshold,
		},
	})

	// Restore previously persisted rounds from disk.
	if snapshots != nil {
		if err := d.dispatcher.Restore(); err != nil {
			slog.Error("failed to restore rounds from disk", "error", err)
		}
	}

	// 5. Start the API server
	d.apiServer = api.NewServer(d.config.Server, d.dispatcher)
	if err := d.apiServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	// 6. Start the periodic timeout sweep
	if d.config.Sweep.Enabled {
		go d.runSweepLoop()
	}

	// 7. Start the periodic webhook progress report
	go d.runReportLoop()

	slog.Info("daemon started successfully")
	return nil
}

// runSweepLoop periodically times out stale processing tasks across rounds.
func (d *Daemon) runSweepLoop() {
	interval := d.config.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("timeout sweep scheduled",
		"interval", interval, "timeout_ms", d.config.Sweep.TimeoutMs)

	for {
		select {
		case <-ticker.C:
			if _, err := d.dispatcher.Sweep(d.config.Sweep.TimeoutMs, ""); err != nil {
				slog.Error("periodic sweep failed", "error", err)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// runReportLoop checks the progress report schedule once a minute.
func (d *Daemon) runReportLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.dispatcher.MaybePeriodicReport(d.ctx)
		case <-d.ctx.Done():
			return
		}
	}
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop the API server first (no new work arrives)
	if d.apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.apiServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping api server", "error", err)
		}
		cancel()
	}

	// 2. Flush dirty rounds to disk
	if d.dispatcher != nil {
		slog.Info("flushing rounds")
		d.dispatcher.FlushAll()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	// 4. Cancel context to signal all goroutines
	d.cancel()

	// 5. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. TriggerShutdown from an external caller
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				} else {
					slog.Info("configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format, dispatch batch sizes, webhook settings.
// Cold (requires restart): listen addresses, data_dir, sweep schedule.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return fmt.Errorf("no config file to reload")
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}

	// 1. Re-initialize logging with new config (log level + format)
	oldLevel := d.config.Log.Level
	oldFormat := d.config.Log.Format
	if err := logpkg.Init(newConfig.Log); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
		// Non-fatal: old logging continues
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Push dispatch and webhook settings through the dispatcher
	patch := dispatch.ConfigPatch{
		DefaultBatchSize:            &newConfig.Dispatch.DefaultBatchSize,
		MaxBatchSize:                &newConfig.Dispatch.MaxBatchSize,
		FeishuWebhookURL:            &newConfig.Webhook.FeishuURL,
		FeishuReportIntervalMinutes: &newConfig.Webhook.ReportIntervalMinutes,
	}
	if _, err := d.dispatcher.UpdateConfig(patch); err != nil {
		slog.Error("failed to apply dispatch settings", "error", err)
	} else {
		hotReloaded = append(hotReloaded, "dispatch", "webhook")
	}

	// 3. Warn about cold-reload items that changed
	requiresRestart := []string{}
	if newConfig.Server.Listen != d.config.Server.Listen {
		requiresRestart = append(requiresRestart, "server.listen")
	}
	if newConfig.DataDir != d.config.DataDir {
		requiresRestart = append(requiresRestart, "data_dir")
	}
	if newConfig.Sweep != d.config.Sweep {
		requiresRestart = append(requiresRestart, "sweep")
	}
	if newConfig.Metrics.Listen != d.config.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}

	d.config = newConfig

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)

	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
