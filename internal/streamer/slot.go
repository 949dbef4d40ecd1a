package streamer

import (
	"context"
	"io"
	"sync"
)

// slot carries one article window from the fetch pipeline to the reader.
// Data or an error is set exactly once by the fetch goroutine; the reader
// blocks on wait until then.
type slot struct {
	ready chan struct{}
	once  sync.Once

	mu   sync.Mutex
	data []byte
	off  int
	err  error
}

func newSlot() *slot {
	return &slot{ready: make(chan struct{})}
}

func (s *slot) setData(data []byte) {
	s.mu.Lock()
	if s.err == nil {
		s.data = data
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
}

func (s *slot) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.data = nil
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
}

// wait blocks until data or an error arrives, or the context ends.
func (s *slot) wait(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// read copies from the unconsumed part of the window. done reports the
// window is fully consumed.
func (s *slot) read(p []byte) (n int, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = copy(p, s.data[s.off:])
	s.off += n
	return n, s.off >= len(s.data)
}

// release frees the window and returns the number of bytes it held.
func (s *slot) release() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := len(s.data)
	s.data = nil
	if s.err == nil {
		s.err = io.ErrClosedPipe
	}
	s.once.Do(func() { close(s.ready) })
	return freed
}
