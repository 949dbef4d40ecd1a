package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/javi11/nzbstream/internal/extractcache"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/mount"
	"github.com/javi11/nzbstream/internal/pathutil"
	"github.com/javi11/nzbstream/internal/streamcheck"
)

const defaultCleanupDelay = 2 * time.Minute

// sizedReader is the common shape of the range readers the service hands
// out.
type sizedReader interface {
	io.ReadSeekCloser
	Size() int64
}

// Stream is one open streaming session. It reads the requested range and
// counts the bytes actually sent.
type Stream struct {
	SessionID   string
	MountID     string
	Name        string
	ContentType string
	TotalSize   int64
	Range       ByteRange
	Partial     bool

	body      io.Reader
	src       io.Closer
	bytesSent atomic.Int64
	closeOnce sync.Once
	onClose   func()
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	s.bytesSent.Add(int64(n))
	return n, err
}

// BytesSent returns how many bytes the consumer has read so far.
func (s *Stream) BytesSent() int64 {
	return s.bytesSent.Load()
}

// ContentLength returns the byte length of the served range.
func (s *Stream) ContentLength() int64 {
	return s.Range.Length()
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.src.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}

// mountActivity tracks the open streams of one mount and the deferred
// cleanup armed when the count drops to zero. reclaiming blocks new streams
// while cleanupMount is deleting the mount's files.
type mountActivity struct {
	streams    int
	reclaiming bool
	cleanup    *time.Timer
}

// Options tunes the service.
type Options struct {
	// ReadAhead bounds the segment readers' fetch-ahead bytes.
	ReadAhead int64
	// CleanupDelay is how long a mount with an extracted file and no open
	// streams survives before its files are reclaimed.
	CleanupDelay time.Duration
}

// Service is the streaming façade. It gates on mount state, picks the
// cheapest way to serve the content and tracks per-mount stream activity.
type Service struct {
	store     mount.Store
	manifests *manifest.Cache
	checker   *streamcheck.Checker
	fetcher   SegmentFetcher
	cache     *extractcache.Manager
	readAhead int64
	delay     time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*mountActivity
}

// NewService creates the stream service.
func NewService(store mount.Store, manifests *manifest.Cache, checker *streamcheck.Checker, fetcher SegmentFetcher, cache *extractcache.Manager, opts Options) *Service {
	if opts.ReadAhead <= 0 {
		opts.ReadAhead = DefaultReadAheadSize
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = defaultCleanupDelay
	}
	return &Service{
		store:     store,
		manifests: manifests,
		checker:   checker,
		fetcher:   fetcher,
		cache:     cache,
		readAhead: opts.ReadAhead,
		delay:     opts.CleanupDelay,
		log:       slog.Default().With("component", "streamer"),
		active:    make(map[string]*mountActivity),
	}
}

// OpenStream opens a ranged stream for a mount. fileIndex selects a
// specific manifest file for direct streaming; pass a negative index to
// let the service pick. An extracted file is always the preferred source;
// otherwise content that passed the streamability check is served straight
// from the article source.
func (s *Service) OpenStream(ctx context.Context, mountID string, fileIndex int, rangeHeader string) (*Stream, error) {
	mt, err := s.store.GetMount(ctx, mountID)
	if err != nil {
		return nil, err
	}

	if mt.Status == mount.StatusReady && mt.ExtractedPath != "" {
		fr, err := OpenFileReader(mt.ExtractedPath)
		if err != nil {
			return nil, err
		}
		if rerr := s.cache.RefreshExpiration(ctx, mountID); rerr != nil {
			s.log.DebugContext(ctx, "Failed to refresh mount expiration", "mount_id", mountID, "error", rerr)
		}
		return s.newStream(mountID, mt.ExtractedPath, fr, rangeHeader)
	}

	switch mt.Status {
	case mount.StatusDownloading, mount.StatusExtracting, mount.StatusParsing:
		return nil, fmt.Errorf("%w: extraction in progress (%s)", mount.ErrNotReady, mt.Status)
	case mount.StatusError:
		return nil, fmt.Errorf("%w: mount failed: %s", mount.ErrNotReady, mt.StatusDetail)
	}

	m, err := s.manifests.GetOrParse(mt.RawManifest)
	if err != nil {
		return nil, err
	}

	if fileIndex >= 0 {
		f := m.FileByIndex(fileIndex)
		if f == nil {
			return nil, fmt.Errorf("%w: file index %d out of range", mount.ErrNotFound, fileIndex)
		}
		if f.IsArchiveVolume {
			return nil, fmt.Errorf("%w: file %q is an archive volume", mount.ErrNotReady, f.Name)
		}
		return s.newStream(mountID, f.Name, NewSegmentReader(s.fetcher, *f, s.readAhead), rangeHeader)
	}

	res, err := s.checker.Check(ctx, m)
	if err != nil {
		return nil, err
	}
	switch res.Verdict {
	case streamcheck.VerdictDirect:
		f := res.DirectFile
		return s.newStream(mountID, f.Name, NewSegmentReader(s.fetcher, *f, s.readAhead), rangeHeader)
	case streamcheck.VerdictArchive:
		r := NewArchiveReader(s.fetcher, res.ArchiveFile, m.ArchiveVolumes(), s.readAhead)
		return s.newStream(mountID, res.ArchiveFile.Name, r, rangeHeader)
	case streamcheck.VerdictRequiresPassword:
		return nil, fmt.Errorf("%w: %s", mount.ErrNotReady, res.Reason)
	default:
		return nil, fmt.Errorf("%w: requires extraction: %s", mount.ErrNotReady, res.Reason)
	}
}

// ActiveStreams returns the number of open streams for a mount.
func (s *Service) ActiveStreams(mountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[mountID]; ok {
		return a.streams
	}
	return 0
}

func (s *Service) newStream(mountID, name string, src sizedReader, rangeHeader string) (*Stream, error) {
	size := src.Size()
	rng, partial, err := ParseRange(rangeHeader, size)
	if err != nil {
		src.Close()
		return nil, err
	}
	if sr, ok := src.(*SegmentReader); ok {
		sr.SetReadLimit(rng.End)
	}
	if rng.Start > 0 {
		if _, err := src.Seek(rng.Start, io.SeekStart); err != nil {
			src.Close()
			return nil, err
		}
	}

	if !s.acquire(mountID) {
		src.Close()
		return nil, fmt.Errorf("%w: extracted files are being reclaimed", mount.ErrNotReady)
	}
	st := &Stream{
		SessionID:   uuid.NewString(),
		MountID:     mountID,
		Name:        name,
		ContentType: pathutil.ContentTypeFor(name),
		TotalSize:   size,
		Range:       rng,
		Partial:     partial,
		body:        io.LimitReader(src, rng.Length()),
		src:         src,
		onClose:     func() { s.release(mountID) },
	}
	s.log.Debug("Stream opened",
		"session_id", st.SessionID,
		"mount_id", mountID,
		"file", name,
		"start", rng.Start,
		"end", rng.End)
	return st, nil
}

// acquire bumps the mount's stream count and disarms any pending cleanup.
// It refuses while a reclaim is deleting the mount's files; the caller
// reports that as a retryable not-ready condition.
func (s *Service) acquire(mountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[mountID]
	if !ok {
		a = &mountActivity{}
		s.active[mountID] = a
	}
	if a.reclaiming {
		return false
	}
	a.streams++
	if a.cleanup != nil {
		a.cleanup.Stop()
		a.cleanup = nil
	}
	return true
}

// release drops the stream count; the last stream out arms the deferred
// cleanup so a quick seek-driven reopen does not force re-extraction.
func (s *Service) release(mountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[mountID]
	if !ok {
		return
	}
	a.streams--
	if a.streams > 0 {
		return
	}
	a.streams = 0
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	a.cleanup = time.AfterFunc(s.delay, func() { s.cleanupMount(mountID) })
}

// cleanupMount reclaims the mount's extracted files, provided no stream
// started while the timer ran. The reclaiming mark keeps acquire from
// admitting a new stream between the count check and the file removal.
func (s *Service) cleanupMount(mountID string) {
	s.mu.Lock()
	a, ok := s.active[mountID]
	if !ok || a.streams > 0 || a.reclaiming {
		s.mu.Unlock()
		return
	}
	a.reclaiming = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, mountID)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	mt, err := s.store.GetMount(ctx, mountID)
	if err != nil {
		if !errors.Is(err, mount.ErrNotFound) {
			s.log.Warn("Failed to load mount for idle cleanup", "mount_id", mountID, "error", err)
		}
		return
	}
	if mt.ExtractedPath == "" {
		return
	}

	if err := s.cache.RemoveMountFiles(ctx, mountID); err != nil {
		s.log.Warn("Failed to remove idle mount files", "mount_id", mountID, "error", err)
		return
	}
	if err := s.store.SetExtractedFile(ctx, mountID, "", 0); err != nil {
		s.log.Warn("Failed to clear extracted file", "mount_id", mountID, "error", err)
	}
	if err := s.store.UpdateStatus(ctx, mountID, mount.StatusRequiresExtraction, "reclaimed after idle streams"); err != nil {
		s.log.Warn("Failed to reset mount status", "mount_id", mountID, "error", err)
	}
	s.log.Info("Reclaimed idle mount", "mount_id", mountID, "path", mt.ExtractedPath)
}
