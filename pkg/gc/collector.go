// Package gc reclaims staging directories that no install session owns.
//
// A stage directory becomes orphaned when the process dies between creating
// it and recording its session, when removing a finished stage fails, or
// when the session index is lost. The collector compares the directories
// under the staging root with the stages recorded in the session index and
// removes the difference.
package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/clock"
	"github.com/CyanogenMod/android-frameworks-base-sub001/internal/logger"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

// stageName matches the directories install sessions stage into.
var stageName = regexp.MustCompile(`^vmdl\d+\.tmp$`)

// Collector periodically removes orphaned stage directories.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	index      index.SessionIndex
	stagingDir string
	storage    session.Storage
	clock      clock.Clock
	config     Config

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config contains configuration for the collector.
type Config struct {
	// Enabled controls whether the background worker runs.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is how often to collect (default: 1h).
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"omitempty,gt=0"`

	// MinAge protects directories modified more recently than this
	// (default: 10m).
	MinAge time.Duration `mapstructure:"min_age" yaml:"min_age"`

	// BatchSize is how many directories are removed between cancellation
	// checks (default: 100).
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"omitempty,gte=1"`

	// DryRun logs what would be removed without removing it.
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock sets the clock used to age directories.
func WithClock(c clock.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// WithStorage sets how stage directories are removed.
func WithStorage(s session.Storage) Option {
	return func(col *Collector) { col.storage = s }
}

// NewCollector creates a collector for the stages under stagingDir. It is
// not started; call Start to run it in the background.
func NewCollector(idx index.SessionIndex, stagingDir string, config Config, opts ...Option) (*Collector, error) {
	if idx == nil {
		return nil, errors.New("gc: session index required")
	}
	if stagingDir == "" {
		return nil, errors.New("gc: staging dir required")
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.MinAge <= 0 {
		config.MinAge = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	c := &Collector{
		index:      idx,
		stagingDir: stagingDir,
		storage:    session.LocalStorage{},
		clock:      clock.Real(),
		config:     config,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins background collection. Subsequent calls are no-ops.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Staging garbage collection disabled")
		return
	}
	c.startOnce.Do(func() {
		c.started = true
		logger.Info("Starting staging collector: interval=%s min_age=%s dry_run=%v",
			c.config.Interval, c.config.MinAge, c.config.DryRun)
		go c.worker()
	})
}

// Stop stops the worker and waits for an in-progress run to end, or for ctx
// to expire. Safe to call multiple times.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	c.startOnce.Do(func() {})
	if !c.started {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		logger.Info("Staging collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Staging collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes or ctx is
// cancelled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running staging collection (manual trigger)...")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Staging collection failed: %v", err)
			} else {
				logger.Info("Staging collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect removes every stage directory that is old enough and not
// recorded in the index.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: c.clock.Now()}
	defer func() { stats.EndTime = c.clock.Now() }()

	records, err := c.index.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list sessions: %w", err)
	}
	referenced := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.StageDir != "" {
			referenced[filepath.Clean(r.StageDir)] = struct{}{}
		}
	}
	stats.ReferencedCount = uint64(len(referenced))

	entries, err := os.ReadDir(c.stagingDir)
	if errors.Is(err, os.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("failed to read %s: %w", c.stagingDir, err)
	}

	cutoff := stats.StartTime.Add(-c.config.MinAge)
	var orphaned []string
	for _, e := range entries {
		if !e.IsDir() || !stageName.MatchString(e.Name()) {
			continue
		}
		stats.ExistingCount++
		dir := filepath.Join(c.stagingDir, e.Name())
		if _, ok := referenced[dir]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			stats.YoungCount++
			continue
		}
		orphaned = append(orphaned, dir)
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		return stats, nil
	}

	if c.config.DryRun {
		logger.Info("GC: DRY RUN - Would remove %d stages:", len(orphaned))
		for i, dir := range orphaned {
			if i == 10 {
				logger.Info("  ... and %d more", len(orphaned)-10)
				break
			}
			logger.Info("  - %s", dir)
		}
		return stats, nil
	}

	for i, dir := range orphaned {
		if i%c.config.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		if err := c.storage.RemoveStageDir(dir); err != nil {
			logger.Debug("GC: Failed to remove %s: %v", dir, err)
			stats.FailedCount++
			continue
		}
		stats.DeletedCount++
	}

	logger.Info("GC: Removed %d orphaned stages, %d failed", stats.DeletedCount, stats.FailedCount)
	return stats, nil
}

// Stats contains statistics from one collection run.
type Stats struct {
	StartTime       time.Time
	EndTime         time.Time
	ReferencedCount uint64 // stages recorded in the index
	ExistingCount   uint64 // stage directories on disk
	YoungCount      uint64 // unrecorded but younger than MinAge
	OrphanedCount   uint64
	DeletedCount    uint64
	FailedCount     uint64
}

// Duration returns the collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("referenced=%d existing=%d young=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.ReferencedCount, s.ExistingCount, s.YoungCount, s.OrphanedCount,
		s.DeletedCount, s.FailedCount, s.Duration())
}
