// Package downloader performs bounded-concurrency, resumable downloads of
// manifest files to local disk. Segments are fetched out of order but
// written strictly in order, so persisted progress is always a contiguous
// prefix of the file.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/javi11/nzbstream/internal/database"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/pathutil"
)

const (
	// DefaultMaxWorkers bounds concurrent segment fetches per download.
	DefaultMaxWorkers = 10

	defaultProgressInterval = 500 * time.Millisecond
	defaultPersistInterval  = 2 * time.Second
)

// SegmentFetcher fetches one decoded article body.
type SegmentFetcher interface {
	GetDecodedArticle(ctx context.Context, messageID string) ([]byte, error)
}

// StateStore persists resumable download progress.
type StateStore interface {
	GetDownloadState(ctx context.Context, mountID string, fileIndex int) (*database.DownloadState, error)
	SaveDownloadState(ctx context.Context, s *database.DownloadState) error
	DeleteDownloadStates(ctx context.Context, mountID string) error
}

// Progress is a throttled snapshot of one file download.
type Progress struct {
	MountID       string
	FileIndex     int
	FileName      string
	DoneBytes     int64
	TotalBytes    int64
	DoneSegments  int
	TotalSegments int
	Speed         float64 // bytes per second over the last interval
	ETA           time.Duration
}

// ProgressFunc receives throttled progress snapshots.
type ProgressFunc func(Progress)

// Options tune a Downloader.
type Options struct {
	MaxWorkers       int
	ProgressInterval time.Duration
}

// Downloader downloads manifest files with resume support.
type Downloader struct {
	fetcher          SegmentFetcher
	store            StateStore
	maxWorkers       int
	progressInterval time.Duration
	log              *slog.Logger
}

// New creates a downloader.
func New(fetcher SegmentFetcher, store StateStore, opts Options) *Downloader {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	return &Downloader{
		fetcher:          fetcher,
		store:            store,
		maxWorkers:       opts.MaxWorkers,
		progressInterval: opts.ProgressInterval,
		log:              slog.Default().With("component", "downloader"),
	}
}

// DownloadFiles downloads the given files one after another into targetDir
// and returns the local path of each. Progress of the file currently being
// downloaded is reported through onProgress.
func (d *Downloader) DownloadFiles(ctx context.Context, mountID string, files []manifest.File, targetDir string, onProgress ProgressFunc) ([]string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if err := pathutil.CheckDirectoryWritable(targetDir); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		target := filepath.Join(targetDir, f.Name)
		if err := d.DownloadFile(ctx, mountID, f, target, onProgress); err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", f.Name, err)
		}
		paths = append(paths, target)
	}
	return paths, nil
}

// DownloadFile downloads one file to targetPath, resuming from persisted
// state when present. On cancellation or failure the contiguous progress
// written so far is persisted before returning.
func (d *Downloader) DownloadFile(ctx context.Context, mountID string, file manifest.File, targetPath string, onProgress ProgressFunc) error {
	resumeFrom, bytesDone, err := d.loadResumePoint(ctx, mountID, file)
	if err != nil {
		return err
	}
	if resumeFrom >= len(file.Segments) {
		d.log.DebugContext(ctx, "File already downloaded", "file", file.Name)
		return nil
	}
	if resumeFrom > 0 {
		d.log.InfoContext(ctx, "Resuming download",
			"file", file.Name,
			"completed_segments", resumeFrom,
			"total_segments", len(file.Segments))
	}

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	defer out.Close()

	// Anything past the persisted contiguous prefix is untrusted.
	if err := out.Truncate(bytesDone); err != nil {
		return fmt.Errorf("failed to truncate target file: %w", err)
	}
	if _, err := out.Seek(bytesDone, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek target file: %w", err)
	}

	w := &orderedWriter{
		out:       out,
		pending:   make(map[int][]byte),
		nextIndex: resumeFrom,
		bytesDone: bytesDone,
	}

	state := &fileState{
		d:          d,
		mountID:    mountID,
		file:       file,
		targetPath: targetPath,
		writer:     w,
		onProgress: onProgress,
		lastEmit:   time.Now(),
		lastBytes:  bytesDone,
	}

	pl := concpool.New().WithErrors().WithFirstError().WithMaxGoroutines(d.maxWorkers).WithContext(ctx)
	for i := resumeFrom; i < len(file.Segments); i++ {
		seg := file.Segments[i]
		idx := i
		pl.Go(func(ctx context.Context) error {
			data, err := d.fetcher.GetDecodedArticle(ctx, seg.MessageID)
			if err != nil {
				return fmt.Errorf("segment %d (%s): %w", seg.Number, seg.MessageID, err)
			}
			return state.deliver(ctx, idx, data)
		})
	}

	downloadErr := pl.Wait()

	// Persist whatever contiguous prefix landed, also on failure, so the
	// next attempt resumes instead of starting over.
	if err := state.persist(context.WithoutCancel(ctx)); err != nil {
		d.log.WarnContext(ctx, "Failed to persist download state", "file", file.Name, "error", err)
	}

	if downloadErr != nil {
		return downloadErr
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("failed to sync target file: %w", err)
	}

	d.log.InfoContext(ctx, "Download complete", "file", file.Name, "bytes", w.doneBytes())
	return nil
}

// ClearState removes all persisted progress of a mount.
func (d *Downloader) ClearState(ctx context.Context, mountID string) error {
	return d.store.DeleteDownloadStates(ctx, mountID)
}

// loadResumePoint returns the number of contiguously completed segments and
// the byte size of that prefix.
func (d *Downloader) loadResumePoint(ctx context.Context, mountID string, file manifest.File) (int, int64, error) {
	s, err := d.store.GetDownloadState(ctx, mountID, file.Index)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load download state: %w", err)
	}
	if s == nil {
		return 0, 0, nil
	}

	// Completed segments are written in order, so the persisted set must
	// line up with the leading segment numbers of the file. Count only
	// that matching prefix.
	done := 0
	for i, n := range s.CompletedSegments {
		if i >= len(file.Segments) || file.Segments[i].Number != n {
			break
		}
		done++
	}
	if done < len(s.CompletedSegments) {
		return 0, 0, nil
	}
	return done, s.BytesDone, nil
}
