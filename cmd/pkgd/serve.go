package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/config"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/gc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the install session daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// logListener writes session lifecycle events to the log.
type logListener struct{}

func (logListener) OnCreated(id int) { logger.Debug("Session %d created", id) }

func (logListener) OnActiveChanged(id int, active bool) {
	logger.Debug("Session %d active=%t", id, active)
}

func (logListener) OnProgressChanged(int, float64) {}

func (logListener) OnFinished(id int, success bool) {
	if success {
		logger.Info("Session %d finished", id)
	} else {
		logger.Warn("Session %d failed", id)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := config.InitializeMetrics(cfg, func() error {
		_, err := os.Stat(cfg.Installer.StagingDir)
		return err
	})

	d, err := openDaemon(ctx, cfg, m)
	if err != nil {
		return err
	}
	d.service.AddListener(logListener{})

	reaped, err := d.service.Recover(ctx)
	if err != nil {
		_ = d.Close(ctx)
		return err
	}
	if reaped > 0 {
		logger.Info("Reaped %d sessions left by a previous run", reaped)
	}

	var collector *gc.Collector
	if cfg.GC.Enabled {
		collector, err = gc.NewCollector(d.index, cfg.Installer.StagingDir, cfg.GC)
		if err != nil {
			_ = d.Close(ctx)
			return err
		}
		collector.Start()
	}

	metricsDone := make(chan error, 1)
	if m.Server != nil {
		go func() { metricsDone <- m.Server.Start(ctx) }()
	}

	logger.Info("pkgd running")
	logger.Info("  Settings:   %s", cfg.Settings.DataDir)
	logger.Info("  Staging:    %s", cfg.Installer.StagingDir)
	logger.Info("  Apps:       %s", cfg.Installer.AppDir)
	logger.Info("  Index:      %s", cfg.Installer.Index.Type)
	logger.Info("  Staging GC: %t", cfg.GC.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received %s, shutting down", sig)
	case err := <-metricsDone:
		if err != nil {
			logger.Error("Metrics server stopped: %v", err)
		}
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()

	if collector != nil {
		if err := collector.Stop(shutdownCtx); err != nil {
			logger.Warn("Staging collector did not stop: %v", err)
		}
	}
	if err := d.Close(shutdownCtx); err != nil {
		return err
	}
	logger.Info("pkgd stopped")
	return nil
}
