package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbstream/internal/database"
	"github.com/javi11/nzbstream/internal/manifest"
)

type fakeFetcher struct {
	mu       sync.Mutex
	articles map[string][]byte
	delays   map[string]time.Duration
	fetched  []string
}

func (f *fakeFetcher) GetDecodedArticle(ctx context.Context, messageID string) ([]byte, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, messageID)
	delay := f.delays[messageID]
	data, ok := f.articles[messageID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.New("article not found in any provider")
	}
	return data, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type memStateStore struct {
	mu     sync.Mutex
	states map[string]*database.DownloadState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*database.DownloadState)}
}

func (m *memStateStore) key(mountID string, fileIndex int) string {
	return fmt.Sprintf("%s/%d", mountID, fileIndex)
}

func (m *memStateStore) GetDownloadState(_ context.Context, mountID string, fileIndex int) (*database.DownloadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[m.key(mountID, fileIndex)]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.CompletedSegments = append([]int(nil), s.CompletedSegments...)
	return &cp, nil
}

func (m *memStateStore) SaveDownloadState(_ context.Context, s *database.DownloadState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.CompletedSegments = append([]int(nil), s.CompletedSegments...)
	m.states[m.key(s.MountID, s.FileIndex)] = &cp
	return nil
}

func (m *memStateStore) DeleteDownloadStates(_ context.Context, mountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.states {
		if len(k) > len(mountID) && k[:len(mountID)] == mountID {
			delete(m.states, k)
		}
	}
	return nil
}

// testFile builds a manifest file whose segment payloads spell out their
// position, so ordering mistakes corrupt the result visibly.
func testFile(fetcher *fakeFetcher, name string, segCount int) (manifest.File, []byte) {
	f := manifest.File{Name: name, Index: 0}
	var want []byte
	for i := 1; i <= segCount; i++ {
		id := fmt.Sprintf("seg%d@test", i)
		payload := []byte(fmt.Sprintf("[segment-%02d]", i))
		fetcher.articles[id] = payload
		f.Segments = append(f.Segments, manifest.Segment{
			MessageID: id, Number: i, Bytes: int64(len(payload)),
		})
		f.TotalSize += int64(len(payload))
		want = append(want, payload...)
	}
	return f, want
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		articles: make(map[string][]byte),
		delays:   make(map[string]time.Duration),
	}
}

func TestDownloadFile_InOrderResult(t *testing.T) {
	fetcher := newFakeFetcher()
	file, want := testFile(fetcher, "movie.part01.rar", 8)

	// Earlier segments finish last; the writer must still produce ordered
	// output.
	for i := 1; i <= 8; i++ {
		fetcher.delays[fmt.Sprintf("seg%d@test", i)] = time.Duration(9-i) * 5 * time.Millisecond
	}

	d := New(fetcher, newMemStateStore(), Options{MaxWorkers: 4})
	target := filepath.Join(t.TempDir(), "movie.part01.rar")
	require.NoError(t, d.DownloadFile(context.Background(), "m1", file, target, nil))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownloadFile_Resume(t *testing.T) {
	fetcher := newFakeFetcher()
	file, want := testFile(fetcher, "movie.part01.rar", 6)

	store := newMemStateStore()
	target := filepath.Join(t.TempDir(), "movie.part01.rar")

	// Simulate an earlier run that completed the first three segments.
	prefix := want[:3*len("[segment-01]")]
	require.NoError(t, os.WriteFile(target, prefix, 0o644))
	require.NoError(t, store.SaveDownloadState(context.Background(), &database.DownloadState{
		MountID:           "m1",
		FileIndex:         0,
		TargetPath:        target,
		TotalSegments:     6,
		CompletedSegments: []int{1, 2, 3},
		BytesDone:         int64(len(prefix)),
	}))

	d := New(fetcher, store, Options{MaxWorkers: 2})
	require.NoError(t, d.DownloadFile(context.Background(), "m1", file, target, nil))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Only the remaining segments were fetched.
	assert.Equal(t, 3, fetcher.fetchCount())
}

func TestDownloadFile_AlreadyComplete(t *testing.T) {
	fetcher := newFakeFetcher()
	file, want := testFile(fetcher, "movie.rar", 3)

	store := newMemStateStore()
	target := filepath.Join(t.TempDir(), "movie.rar")
	require.NoError(t, os.WriteFile(target, want, 0o644))
	require.NoError(t, store.SaveDownloadState(context.Background(), &database.DownloadState{
		MountID: "m1", FileIndex: 0, TargetPath: target,
		TotalSegments: 3, CompletedSegments: []int{1, 2, 3}, BytesDone: int64(len(want)),
	}))

	d := New(fetcher, store, Options{})
	require.NoError(t, d.DownloadFile(context.Background(), "m1", file, target, nil))
	assert.Zero(t, fetcher.fetchCount())
}

func TestDownloadFile_FailurePersistsProgress(t *testing.T) {
	fetcher := newFakeFetcher()
	file, _ := testFile(fetcher, "movie.rar", 5)

	// Segment 4 is gone from all providers.
	delete(fetcher.articles, "seg4@test")

	store := newMemStateStore()
	d := New(fetcher, store, Options{MaxWorkers: 1})
	target := filepath.Join(t.TempDir(), "movie.rar")

	err := d.DownloadFile(context.Background(), "m1", file, target, nil)
	require.Error(t, err)

	// With one worker the first three segments landed in order before the
	// failure, and that prefix must be persisted.
	s, err := store.GetDownloadState(context.Background(), "m1", 0)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, []int{1, 2, 3}, s.CompletedSegments)

	// A later run picks up from there.
	fetcher.articles["seg4@test"] = []byte("[segment-04]")
	before := fetcher.fetchCount()
	require.NoError(t, d.DownloadFile(context.Background(), "m1", file, target, nil))
	assert.Equal(t, 2, fetcher.fetchCount()-before)
}

func TestDownloadFile_Progress(t *testing.T) {
	fetcher := newFakeFetcher()
	file, _ := testFile(fetcher, "movie.rar", 4)

	var mu sync.Mutex
	var snapshots []Progress
	onProgress := func(p Progress) {
		mu.Lock()
		snapshots = append(snapshots, p)
		mu.Unlock()
	}

	d := New(fetcher, newMemStateStore(), Options{MaxWorkers: 2, ProgressInterval: time.Nanosecond})
	target := filepath.Join(t.TempDir(), "movie.rar")
	require.NoError(t, d.DownloadFile(context.Background(), "m1", file, target, onProgress))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, "m1", last.MountID)
	assert.Equal(t, 4, last.TotalSegments)
	assert.LessOrEqual(t, last.DoneBytes, file.TotalSize)
}

func TestDownloadFiles_WritesAllTargets(t *testing.T) {
	fetcher := newFakeFetcher()
	f1, want1 := testFile(fetcher, "a.rar", 2)

	f2 := manifest.File{Name: "b.rar", Index: 1}
	payload := []byte("second-file-data")
	fetcher.articles["b1@test"] = payload
	f2.Segments = []manifest.Segment{{MessageID: "b1@test", Number: 1, Bytes: int64(len(payload))}}
	f2.TotalSize = int64(len(payload))

	d := New(fetcher, newMemStateStore(), Options{})
	dir := t.TempDir()
	paths, err := d.DownloadFiles(context.Background(), "m1", []manifest.File{f1, f2}, dir, nil)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	got1, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, want1, got1)
	got2, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, payload, got2)
}

func TestDownloadFile_Cancellation(t *testing.T) {
	fetcher := newFakeFetcher()
	file, _ := testFile(fetcher, "movie.rar", 4)
	for i := 1; i <= 4; i++ {
		fetcher.delays[fmt.Sprintf("seg%d@test", i)] = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := New(fetcher, newMemStateStore(), Options{MaxWorkers: 2})
	target := filepath.Join(t.TempDir(), "movie.rar")
	err := d.DownloadFile(ctx, "m1", file, target, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
