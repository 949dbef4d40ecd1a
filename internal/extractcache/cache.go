// Package extractcache manages the on-disk extraction cache: per-mount
// directories, retention-based expiration, orphan removal and size-cap
// eviction.
package extractcache

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/javi11/nzbstream/internal/mount"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = time.Hour
	startupSweepDelay    = time.Minute
)

// StateStore clears persisted download progress when a mount's files are
// removed.
type StateStore interface {
	DeleteDownloadStates(ctx context.Context, mountID string) error
}

// Config tunes the cache manager.
type Config struct {
	CacheDir      string
	Retention     time.Duration
	MaxCacheSize  int64 // total bytes across all mount dirs, 0 = unlimited
	SweepInterval time.Duration
}

// Manager owns the extraction cache directory.
type Manager struct {
	store     mount.Store
	states    StateStore
	cfg       Config
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// New creates a cache manager and ensures the cache directory exists.
func New(store mount.Store, states StateStore, cfg Config) (*Manager, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Manager{
		store:  store,
		states: states,
		cfg:    cfg,
		log:    slog.Default().With("component", "extract-cache"),
	}, nil
}

// MountDir returns the cache directory of one mount.
func (m *Manager) MountDir(id string) string {
	return filepath.Join(m.cfg.CacheDir, id)
}

// Start schedules the periodic cleanup sweep plus one delayed startup sweep
// that clears leftovers from a previous run.
func (m *Manager) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create cleanup scheduler: %w", err)
	}
	m.scheduler = scheduler

	runSweep := func() {
		if err := m.RunCleanup(ctx); err != nil {
			m.log.ErrorContext(ctx, "Cache cleanup sweep failed", "error", err)
		}
	}

	if _, err := scheduler.NewJob(gocron.DurationJob(m.cfg.SweepInterval), gocron.NewTask(runSweep)); err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(startupSweepDelay))),
		gocron.NewTask(runSweep),
	); err != nil {
		return fmt.Errorf("failed to schedule startup cleanup: %w", err)
	}

	scheduler.Start()
	m.log.InfoContext(ctx, "Cache cleanup scheduled",
		"interval", m.cfg.SweepInterval,
		"retention", m.cfg.Retention)
	return nil
}

// Stop shuts the scheduler down.
func (m *Manager) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}

// ScheduleExpiration stamps a mount with now+retention.
func (m *Manager) ScheduleExpiration(ctx context.Context, id string) error {
	return m.store.SetExpiration(ctx, id, time.Now().Add(m.cfg.Retention))
}

// RefreshExpiration extends a mount's lifetime on access.
func (m *Manager) RefreshExpiration(ctx context.Context, id string) error {
	now := time.Now()
	if err := m.store.TouchMount(ctx, id, now); err != nil {
		return err
	}
	return m.store.SetExpiration(ctx, id, now.Add(m.cfg.Retention))
}

// RemoveMountFiles deletes a mount's cache directory and download state.
func (m *Manager) RemoveMountFiles(ctx context.Context, id string) error {
	if err := os.RemoveAll(m.MountDir(id)); err != nil {
		return fmt.Errorf("failed to remove cache directory: %w", err)
	}
	if err := m.states.DeleteDownloadStates(ctx, id); err != nil {
		return err
	}
	return nil
}

// RunCleanup expires overdue mounts, removes orphaned cache directories and
// evicts least-recently-used mounts while the cache exceeds its size cap.
// It is safe to run concurrently with streaming; expiration is re-checked
// against the store before anything is deleted.
func (m *Manager) RunCleanup(ctx context.Context) error {
	mounts, err := m.store.ListMounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mounts for cleanup: %w", err)
	}

	now := time.Now()
	known := make(map[string]*mount.Mount, len(mounts))
	for _, mt := range mounts {
		known[mt.ID] = mt
		if mt.ExtractedPath == "" || !mt.Expired(now) {
			continue
		}
		m.log.InfoContext(ctx, "Expiring mount", "mount_id", mt.ID, "expired_at", mt.ExpiresAt)
		if err := m.expireMount(ctx, mt.ID); err != nil {
			m.log.WarnContext(ctx, "Failed to expire mount", "mount_id", mt.ID, "error", err)
		}
	}

	if err := m.removeOrphans(ctx, known); err != nil {
		return err
	}
	return m.enforceSizeCap(ctx)
}

// expireMount reclaims the mount's files and sends it back through the
// extraction path on next access.
func (m *Manager) expireMount(ctx context.Context, id string) error {
	if err := m.RemoveMountFiles(ctx, id); err != nil {
		return err
	}
	if err := m.store.SetExtractedFile(ctx, id, "", 0); err != nil {
		return err
	}
	return m.store.UpdateStatus(ctx, id, mount.StatusRequiresExtraction, "retention elapsed")
}

// removeOrphans deletes cache directories that no mount record references.
func (m *Manager) removeOrphans(ctx context.Context, known map[string]*mount.Mount) error {
	entries, err := os.ReadDir(m.cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := known[e.Name()]; ok {
			continue
		}
		m.log.InfoContext(ctx, "Removing orphaned cache directory", "dir", e.Name())
		if err := os.RemoveAll(filepath.Join(m.cfg.CacheDir, e.Name())); err != nil {
			m.log.WarnContext(ctx, "Failed to remove orphaned directory", "dir", e.Name(), "error", err)
		}
	}
	return nil
}

// enforceSizeCap evicts ready mounts oldest-access-first until the cache
// fits the configured cap.
func (m *Manager) enforceSizeCap(ctx context.Context) error {
	if m.cfg.MaxCacheSize <= 0 {
		return nil
	}

	mounts, err := m.store.ListMounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mounts for eviction: %w", err)
	}

	type usage struct {
		mt   *mount.Mount
		size int64
	}
	var total int64
	var candidates []usage
	for _, mt := range mounts {
		size := dirSize(m.MountDir(mt.ID))
		total += size
		if mt.Status == mount.StatusReady && size > 0 {
			candidates = append(candidates, usage{mt: mt, size: size})
		}
	}
	if total <= m.cfg.MaxCacheSize {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mt.LastAccessAt.Before(candidates[j].mt.LastAccessAt)
	})

	for _, c := range candidates {
		if total <= m.cfg.MaxCacheSize {
			break
		}
		m.log.InfoContext(ctx, "Evicting mount to enforce cache size cap",
			"mount_id", c.mt.ID,
			"size", c.size,
			"last_access", c.mt.LastAccessAt)
		if err := m.expireMount(ctx, c.mt.ID); err != nil {
			m.log.WarnContext(ctx, "Failed to evict mount", "mount_id", c.mt.ID, "error", err)
			continue
		}
		total -= c.size
	}
	return nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
