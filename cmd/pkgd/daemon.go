package main

import (
	"context"
	"fmt"
	"os"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/config"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/settings"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/workerpool"
)

// daemon is the settings registry and install service built from one
// configuration.
type daemon struct {
	cfg      *config.Config
	registry *settings.Registry
	index    index.SessionIndex
	pools    *workerpool.Registry
	service  *installer.Service
}

func openDaemon(ctx context.Context, cfg *config.Config, m *config.MetricsResult) (*daemon, error) {
	for _, dir := range []string{
		cfg.Settings.DataDir,
		cfg.Installer.StagingDir,
		cfg.Installer.AppDir,
		cfg.Installer.AppDataDir,
	} {
		if err := os.MkdirAll(dir, 0o771); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	registry := settings.New(settings.NewLock(), settings.Options{
		DataDir:                 cfg.Settings.DataDir,
		Fingerprint:             cfg.Settings.Fingerprint,
		Users:                   cfg.Settings.Users,
		PermissionWriteDelay:    cfg.Settings.PermissionWriteDelay,
		PermissionMaxWriteDelay: cfg.Settings.PermissionMaxWriteDelay,
		Metrics:                 m.Settings,
	})
	if err := readSettings(registry, cfg.Settings.DataDir); err != nil {
		return nil, err
	}

	idx, err := config.CreateSessionIndex(ctx, &cfg.Installer.Index)
	if err != nil {
		return nil, err
	}

	lookup := installer.NewRegistryLookup(registry, cfg.Installer.DeviceOwners...)
	pools := workerpool.NewRegistry()
	deps := installer.Deps{
		Index:       idx,
		Pools:       pools,
		Installer:   installer.NewLocalInstaller(registry, cfg.Installer.AppDir, cfg.Installer.AppDataDir),
		Packages:    lookup,
		Permissions: lookup,
		Metrics:     m.Sessions,
	}
	if cfg.Installer.ContainerDir != "" {
		deps.Containers = installer.NewDirContainers(cfg.Installer.ContainerDir)
	}

	svc, err := installer.New(installer.Config{
		StagingDir:        cfg.Installer.StagingDir,
		MaxActiveSessions: cfg.Installer.MaxActiveSessions,
		CreateRate:        cfg.Installer.CreateRate,
		CreateBurst:       cfg.Installer.CreateBurst,
		HistorySize:       cfg.Installer.HistorySize,
		Workers:           cfg.Installer.Workers,
	}, deps)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	return &daemon{cfg: cfg, registry: registry, index: idx, pools: pools, service: svc}, nil
}

// readSettings loads every settings document, writing a fresh packages.xml
// on first boot.
func readSettings(registry *settings.Registry, dataDir string) error {
	w := registry.Lock().Write()
	defer w.Release()

	found, err := registry.Read(w)
	if err != nil {
		return err
	}
	if msgs := registry.ReadMessages(); msgs != "" {
		logger.Warn("Settings read problems:\n%s", msgs)
	}
	if !found {
		logger.Info("No package settings in %s, starting fresh", dataDir)
		if err := registry.Write(w); err != nil {
			return fmt.Errorf("failed to write initial settings: %w", err)
		}
	}
	return nil
}

// Close drains queued commit passes, flushes pending runtime permission
// writes and shuts the service down.
func (d *daemon) Close(ctx context.Context) error {
	if err := d.pools.Shutdown(ctx); err != nil {
		logger.Warn("Worker pools did not drain: %v", err)
	}

	g := d.registry.Lock().Read()
	if err := d.registry.FlushRuntimePermissions(g); err != nil {
		logger.Error("Failed to flush runtime permissions: %v", err)
	}
	g.Release()

	return d.service.Close(ctx)
}
