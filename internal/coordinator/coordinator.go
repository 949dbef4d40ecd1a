// Package coordinator drives the download-and-extract pipeline of a mount:
// fetch the archive volumes, extract the playable file into the cache, and
// walk the mount through its lifecycle states.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/javi11/nzbstream/internal/downloader"
	"github.com/javi11/nzbstream/internal/extractcache"
	"github.com/javi11/nzbstream/internal/extractor"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/mount"
	"github.com/javi11/nzbstream/internal/pathutil"
)

// ErrExtractionCanceled reports a pipeline stopped by CancelExtraction.
var ErrExtractionCanceled = errors.New("coordinator: extraction canceled")

// Coordinator runs extraction pipelines, one flight per mount id.
type Coordinator struct {
	store     mount.Store
	manifests *manifest.Cache
	dl        *downloader.Downloader
	cache     *extractcache.Manager
	log       *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a coordinator.
func New(store mount.Store, manifests *manifest.Cache, dl *downloader.Downloader, cache *extractcache.Manager) *Coordinator {
	return &Coordinator{
		store:     store,
		manifests: manifests,
		dl:        dl,
		cache:     cache,
		log:       slog.Default().With("component", "coordinator"),
		running:   make(map[string]context.CancelFunc),
	}
}

// StartExtraction runs the pipeline for a mount. Concurrent calls for the
// same mount join the running flight instead of starting a second one.
func (c *Coordinator) StartExtraction(ctx context.Context, mountID, password string) error {
	_, err, _ := c.group.Do(mountID, func() (any, error) {
		// The flight outlives any single caller; only CancelExtraction
		// stops it.
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.running[mountID] = cancel
		c.mu.Unlock()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.running, mountID)
			c.mu.Unlock()
		}()

		return nil, c.run(runCtx, mountID, password)
	})
	return err
}

// CancelExtraction stops a running pipeline. It reports whether one was
// running.
func (c *Coordinator) CancelExtraction(mountID string) bool {
	c.mu.Lock()
	cancel, ok := c.running[mountID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a pipeline is currently active for the mount.
func (c *Coordinator) Running(mountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[mountID]
	return ok
}

func (c *Coordinator) run(ctx context.Context, mountID, password string) error {
	mt, err := c.store.GetMount(ctx, mountID)
	if err != nil {
		return err
	}
	if mt.Status == mount.StatusReady && mt.ExtractedPath != "" {
		return nil
	}

	m, err := c.manifests.GetOrParse(mt.RawManifest)
	if err != nil {
		return c.fail(ctx, mountID, fmt.Errorf("manifest parse failed: %w", err))
	}

	if password == "" {
		password = mt.Password
	}

	err = c.execute(ctx, mountID, m, password)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		// Cooperative stop: the mount goes back to the state the
		// pipeline found it in, ready to be restarted.
		c.log.InfoContext(ctx, "Extraction canceled", "mount_id", mountID)
		if uerr := c.store.UpdateStatus(context.WithoutCancel(ctx), mountID, mount.StatusRequiresExtraction, "extraction canceled"); uerr != nil {
			c.log.WarnContext(ctx, "Failed to reset mount status", "mount_id", mountID, "error", uerr)
		}
		return fmt.Errorf("%w: %w", ErrExtractionCanceled, err)
	}
	return c.fail(ctx, mountID, err)
}

func (c *Coordinator) execute(ctx context.Context, mountID string, m *manifest.Manifest, password string) error {
	workDir := c.cache.MountDir(mountID)

	if err := c.store.UpdateStatus(ctx, mountID, mount.StatusDownloading, ""); err != nil {
		return err
	}

	onProgress := func(p downloader.Progress) {
		detail := fmt.Sprintf("downloading %s: %d/%d segments", p.FileName, p.DoneSegments, p.TotalSegments)
		if err := c.store.UpdateStatus(ctx, mountID, mount.StatusDownloading, detail); err != nil {
			c.log.DebugContext(ctx, "Failed to record download progress", "mount_id", mountID, "error", err)
		}
	}

	// A plain media file in the manifest short-circuits extraction: it is
	// downloaded as-is and served from the cache.
	if direct := largestPlainMedia(m); direct != nil {
		paths, err := c.dl.DownloadFiles(ctx, mountID, []manifest.File{*direct}, workDir, onProgress)
		if err != nil {
			return err
		}
		return c.finish(ctx, mountID, paths[0], nil)
	}

	volumes := m.ArchiveVolumes()
	if len(volumes) == 0 {
		return errors.New("no archive volumes to extract")
	}

	paths, err := c.dl.DownloadFiles(ctx, mountID, volumes, workDir, onProgress)
	if err != nil {
		return err
	}

	if err := c.store.UpdateStatus(ctx, mountID, mount.StatusExtracting, ""); err != nil {
		return err
	}

	extracted, _, err := extractor.ExtractLargestMediaFile(ctx, paths[0], workDir, extractor.Options{
		Password: password,
	})
	if err != nil {
		if errors.Is(err, extractor.ErrPasswordRequired) {
			return fmt.Errorf("archive requires a password: %w", err)
		}
		return err
	}

	return c.finish(ctx, mountID, extracted, paths)
}

// finish records the extracted file, removes the consumed archive volumes,
// clears resume state and schedules expiration.
func (c *Coordinator) finish(ctx context.Context, mountID, extractedPath string, volumePaths []string) error {
	info, err := os.Stat(extractedPath)
	if err != nil {
		return fmt.Errorf("extracted file missing: %w", err)
	}

	for _, p := range volumePaths {
		if err := os.Remove(p); err != nil {
			c.log.WarnContext(ctx, "Failed to remove archive volume", "path", p, "error", err)
		}
		pathutil.RemoveEmptyDirs(c.cache.MountDir(mountID), filepath.Dir(p))
	}

	if err := c.dl.ClearState(ctx, mountID); err != nil {
		c.log.WarnContext(ctx, "Failed to clear download state", "mount_id", mountID, "error", err)
	}
	if err := c.store.SetExtractedFile(ctx, mountID, extractedPath, info.Size()); err != nil {
		return err
	}
	if err := c.cache.ScheduleExpiration(ctx, mountID); err != nil {
		c.log.WarnContext(ctx, "Failed to schedule mount expiration", "mount_id", mountID, "error", err)
	}

	c.log.InfoContext(ctx, "Extraction complete",
		"mount_id", mountID,
		"file", extractedPath,
		"size", info.Size())
	return c.store.UpdateStatus(ctx, mountID, mount.StatusReady, "")
}

func (c *Coordinator) fail(ctx context.Context, mountID string, err error) error {
	c.log.ErrorContext(ctx, "Extraction failed", "mount_id", mountID, "error", err)
	if uerr := c.store.UpdateStatus(context.WithoutCancel(ctx), mountID, mount.StatusError, err.Error()); uerr != nil {
		c.log.WarnContext(ctx, "Failed to record mount error", "mount_id", mountID, "error", uerr)
	}
	return err
}

func largestPlainMedia(m *manifest.Manifest) *manifest.File {
	var best *manifest.File
	for i := range m.Files {
		f := &m.Files[i]
		if f.IsArchiveVolume || !pathutil.IsMediaFile(f.Name) {
			continue
		}
		if best == nil || f.TotalSize > best.TotalSize {
			best = f
		}
	}
	return best
}
