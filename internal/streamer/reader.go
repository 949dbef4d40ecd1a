// Package streamer serves byte ranges of mounted content: directly from
// manifest segments, through a stored multi-volume archive, or from an
// already extracted local file.
package streamer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/rarindex"
)

// DefaultReadAheadSize bounds the bytes a reader holds in memory ahead of
// the consumer.
const DefaultReadAheadSize = 32 * 1024 * 1024

// SegmentFetcher downloads and decodes a single article body.
type SegmentFetcher interface {
	GetDecodedArticle(ctx context.Context, messageID string) ([]byte, error)
}

// segmentRead is one article window of a planned range: the decoded payload
// bytes [start, end] of messageID, both inclusive.
type segmentRead struct {
	messageID  string
	start, end int64
}

func (r segmentRead) length() int64 {
	return r.end - r.start + 1
}

// planFunc maps a logical byte range of the resource to the ordered article
// reads that cover it.
type planFunc func(start, end int64) ([]segmentRead, error)

var _ io.ReadSeekCloser = (*SegmentReader)(nil)

// SegmentReader is a seekable reader over segmented content. Reads pull
// from a background fetch pipeline that schedules articles ahead of the
// consumer, bounded by a read-ahead byte budget. Seeking discards the
// pipeline and replans from the new offset, so only the segments the
// consumer actually reaches are ever fetched.
type SegmentReader struct {
	fetcher SegmentFetcher
	plan    planFunc
	size    int64
	budget  int64
	log     *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pos       int64
	limit     int64 // last logical byte the reader will plan and serve
	slots     []*slot
	current   int
	cached    int64 // bytes fetched but not yet consumed
	inflight  int64 // estimated bytes of scheduled, unfinished fetches
	runCtx    context.Context
	cancelRun context.CancelFunc
	runWG     *sync.WaitGroup
	closed    bool
}

func newReader(fetcher SegmentFetcher, size int64, plan planFunc, readAhead int64) *SegmentReader {
	if readAhead <= 0 {
		readAhead = DefaultReadAheadSize
	}
	r := &SegmentReader{
		fetcher: fetcher,
		plan:    plan,
		size:    size,
		limit:   size - 1,
		budget:  readAhead,
		log:     slog.Default().With("component", "segment-reader"),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetReadLimit stops planning and serving past the given logical byte, so
// a bounded range request never prefetches segments it cannot deliver.
// Call it before the first Read.
func (r *SegmentReader) SetReadLimit(end int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = min(end, r.size-1)
}

// NewSegmentReader returns a seekable reader over one manifest file's
// segment list, using the declared segment sizes as the byte layout.
func NewSegmentReader(fetcher SegmentFetcher, file manifest.File, readAhead int64) *SegmentReader {
	return newReader(fetcher, file.TotalSize, func(start, end int64) ([]segmentRead, error) {
		return planFileRange(file, start, end)
	}, readAhead)
}

// NewArchiveReader returns a seekable reader over one file inside a stored
// multi-volume archive. Ranges on the inner file resolve to volume spans,
// and each span to the volume's underlying segments, so a read touches only
// the volumes that carry it.
func NewArchiveReader(fetcher SegmentFetcher, inner *rarindex.File, volumes []manifest.File, readAhead int64) *SegmentReader {
	plan := func(start, end int64) ([]segmentRead, error) {
		spans, err := inner.ResolveRange(start, end)
		if err != nil {
			return nil, err
		}
		var reads []segmentRead
		for _, sp := range spans {
			if sp.VolumeIndex < 0 || sp.VolumeIndex >= len(volumes) {
				return nil, fmt.Errorf("streamer: span references volume %d, have %d volumes", sp.VolumeIndex, len(volumes))
			}
			rr, err := planFileRange(volumes[sp.VolumeIndex], sp.VolumeOffset, sp.VolumeOffset+sp.Length-1)
			if err != nil {
				return nil, err
			}
			reads = append(reads, rr...)
		}
		return reads, nil
	}
	return newReader(fetcher, inner.Size, plan, readAhead)
}

// planFileRange maps byte range [start, end] of the concatenated segment
// payloads onto per-article windows.
func planFileRange(file manifest.File, start, end int64) ([]segmentRead, error) {
	if start > end || start < 0 {
		return nil, fmt.Errorf("streamer: invalid range [%d, %d] on %q", start, end, file.Name)
	}
	var reads []segmentRead
	var off int64
	for _, seg := range file.Segments {
		if seg.Bytes <= 0 {
			continue
		}
		segStart := off
		segEnd := off + seg.Bytes - 1
		off = segEnd + 1
		if segEnd < start {
			continue
		}
		if segStart > end {
			break
		}
		reads = append(reads, segmentRead{
			messageID: seg.MessageID,
			start:     max(start, segStart) - segStart,
			end:       min(end, segEnd) - segStart,
		})
	}
	if off <= end {
		return nil, fmt.Errorf("streamer: range [%d, %d] exceeds %q of size %d", start, end, file.Name, off)
	}
	return reads, nil
}

// Size returns the total byte size of the resource.
func (r *SegmentReader) Size() int64 {
	return r.size
}

func (r *SegmentReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if r.pos > r.limit {
		r.mu.Unlock()
		return 0, io.EOF
	}
	if err := r.ensurePipelineLocked(); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	ctx := r.runCtx

	for {
		if r.current >= len(r.slots) {
			r.mu.Unlock()
			return 0, io.EOF
		}
		s := r.slots[r.current]
		r.mu.Unlock()

		if err := s.wait(ctx); err != nil {
			return 0, err
		}
		n, done := s.read(p)

		r.mu.Lock()
		r.pos += int64(n)
		if done {
			freed := int64(s.release())
			r.cached -= freed
			if r.cached < 0 {
				r.cached = 0
			}
			r.current++
			r.cond.Signal()
		}
		if n > 0 {
			r.mu.Unlock()
			return n, nil
		}
		// Zero-length window, move to the next one.
	}
}

// Seek repositions the reader. Any in-flight pipeline is discarded; the
// next Read replans from the new offset.
func (r *SegmentReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, io.ErrClosedPipe
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		r.mu.Unlock()
		return 0, fmt.Errorf("streamer: invalid seek whence %d", whence)
	}
	if abs < 0 {
		r.mu.Unlock()
		return 0, fmt.Errorf("streamer: negative seek position %d", abs)
	}
	if abs == r.pos {
		r.mu.Unlock()
		return abs, nil
	}

	cancel, wg, slots := r.detachPipelineLocked()
	r.pos = abs
	r.mu.Unlock()

	drainPipeline(cancel, wg, slots)
	return abs, nil
}

func (r *SegmentReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, wg, slots := r.detachPipelineLocked()
	r.mu.Unlock()

	drainPipeline(cancel, wg, slots)
	return nil
}

// ensurePipelineLocked plans the range [pos, size) and starts the fetch
// pipeline for it. Caller holds r.mu.
func (r *SegmentReader) ensurePipelineLocked() error {
	if r.slots != nil {
		return nil
	}
	reads, err := r.plan(r.pos, r.limit)
	if err != nil {
		return err
	}
	slots := make([]*slot, len(reads))
	for i := range slots {
		slots[i] = newSlot()
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	r.slots = slots
	r.current = 0
	r.cached = 0
	r.inflight = 0
	r.runCtx = ctx
	r.cancelRun = cancel
	r.runWG = wg

	wg.Add(1)
	go r.fill(ctx, reads, slots, wg)
	return nil
}

// detachPipelineLocked unhooks the current pipeline for teardown outside
// the lock. Caller holds r.mu.
func (r *SegmentReader) detachPipelineLocked() (context.CancelFunc, *sync.WaitGroup, []*slot) {
	cancel, wg, slots := r.cancelRun, r.runWG, r.slots
	r.cancelRun = nil
	r.runWG = nil
	r.runCtx = nil
	r.slots = nil
	r.cond.Broadcast()
	return cancel, wg, slots
}

func drainPipeline(cancel context.CancelFunc, wg *sync.WaitGroup, slots []*slot) {
	if cancel != nil {
		cancel()
	}
	for _, s := range slots {
		s.release()
	}
	if wg != nil {
		wg.Wait()
	}
}

// fill schedules article fetches ahead of the consumer, holding back when
// fetched-but-unread bytes plus in-flight estimates would exceed the
// read-ahead budget.
func (r *SegmentReader) fill(ctx context.Context, reads []segmentRead, slots []*slot, wg *sync.WaitGroup) {
	defer wg.Done()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	for i := range reads {
		est := reads[i].length()

		r.mu.Lock()
		for ctx.Err() == nil && r.cached+r.inflight > 0 && r.cached+r.inflight+est > r.budget {
			r.cond.Wait()
		}
		if ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		r.inflight += est
		r.mu.Unlock()

		wg.Add(1)
		go func(idx int, est int64) {
			defer wg.Done()
			rd := reads[idx]
			data, err := r.fetcher.GetDecodedArticle(ctx, rd.messageID)
			var window []byte
			if err == nil {
				window = articleWindow(data, rd.start, rd.end)
			}

			r.mu.Lock()
			r.inflight -= est
			if err == nil {
				r.cached += int64(len(window))
			}
			r.cond.Signal()
			r.mu.Unlock()

			if err != nil {
				slots[idx].setErr(err)
				return
			}
			slots[idx].setData(window)
		}(i, est)
	}
}

// articleWindow clips [start, end] to the decoded payload. Articles shorter
// than their declared size yield a short window rather than an error.
func articleWindow(data []byte, start, end int64) []byte {
	if start >= int64(len(data)) {
		return nil
	}
	stop := min(end+1, int64(len(data)))
	return data[start:stop]
}
