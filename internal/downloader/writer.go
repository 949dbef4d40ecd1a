package downloader

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/javi11/nzbstream/internal/database"
	"github.com/javi11/nzbstream/internal/manifest"
)

// orderedWriter buffers out-of-order segment payloads and flushes them to
// the underlying file strictly in segment order.
type orderedWriter struct {
	mu        sync.Mutex
	out       io.Writer
	pending   map[int][]byte
	nextIndex int // 0-based index of the next segment to write
	bytesDone int64
}

// add stores one completed segment and flushes the contiguous run it may
// have completed. It returns the number of segments written so far.
func (w *orderedWriter) add(index int, data []byte) (int, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[index] = data
	for {
		chunk, ok := w.pending[w.nextIndex]
		if !ok {
			break
		}
		if _, err := w.out.Write(chunk); err != nil {
			return w.nextIndex, w.bytesDone, err
		}
		delete(w.pending, w.nextIndex)
		w.nextIndex++
		w.bytesDone += int64(len(chunk))
	}
	return w.nextIndex, w.bytesDone, nil
}

func (w *orderedWriter) progress() (int, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextIndex, w.bytesDone
}

func (w *orderedWriter) doneBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesDone
}

// fileState tracks one running file download: the ordered writer plus
// throttled progress reporting and state persistence.
type fileState struct {
	d          *Downloader
	mountID    string
	file       manifest.File
	targetPath string
	writer     *orderedWriter
	onProgress ProgressFunc

	mu          sync.Mutex
	lastEmit    time.Time
	lastBytes   int64
	lastPersist time.Time
}

// deliver hands one fetched segment to the ordered writer and emits
// throttled progress and persistence.
func (s *fileState) deliver(ctx context.Context, index int, data []byte) error {
	done, bytesDone, err := s.writer.add(index, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := time.Now()
	emit := s.onProgress != nil && now.Sub(s.lastEmit) >= s.d.progressInterval
	persist := now.Sub(s.lastPersist) >= defaultPersistInterval

	var p Progress
	if emit {
		elapsed := now.Sub(s.lastEmit).Seconds()
		speed := float64(bytesDone-s.lastBytes) / elapsed
		var eta time.Duration
		if speed > 0 {
			remaining := float64(s.file.TotalSize - bytesDone)
			eta = time.Duration(remaining / speed * float64(time.Second))
		}
		p = Progress{
			MountID:       s.mountID,
			FileIndex:     s.file.Index,
			FileName:      s.file.Name,
			DoneBytes:     bytesDone,
			TotalBytes:    s.file.TotalSize,
			DoneSegments:  done,
			TotalSegments: len(s.file.Segments),
			Speed:         speed,
			ETA:           eta,
		}
		s.lastEmit = now
		s.lastBytes = bytesDone
	}
	if persist {
		s.lastPersist = now
	}
	s.mu.Unlock()

	if emit {
		s.onProgress(p)
	}
	if persist {
		if err := s.persist(ctx); err != nil {
			s.d.log.WarnContext(ctx, "Failed to persist download state",
				"file", s.file.Name, "error", err)
		}
	}
	return nil
}

// persist writes the current contiguous progress prefix.
func (s *fileState) persist(ctx context.Context) error {
	done, bytesDone := s.writer.progress()

	completed := make([]int, done)
	for i := 0; i < done; i++ {
		completed[i] = s.file.Segments[i].Number
	}

	return s.d.store.SaveDownloadState(ctx, &database.DownloadState{
		MountID:           s.mountID,
		FileIndex:         s.file.Index,
		TargetPath:        s.targetPath,
		TotalSegments:     len(s.file.Segments),
		CompletedSegments: completed,
		BytesDone:         bytesDone,
	})
}
