package streamer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/rarindex"
)

type mapFetcher struct {
	mu       sync.Mutex
	articles map[string][]byte
	fetched  []string
}

func newMapFetcher() *mapFetcher {
	return &mapFetcher{articles: make(map[string][]byte)}
}

func (f *mapFetcher) GetDecodedArticle(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	data, ok := f.articles[id]
	if !ok {
		return nil, fmt.Errorf("article %s not found", id)
	}
	return data, nil
}

func (f *mapFetcher) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// segmentedFile registers content as fixed-size articles and returns the
// matching manifest file.
func segmentedFile(f *mapFetcher, name string, content []byte, segSize int) manifest.File {
	file := manifest.File{Name: name}
	for i := 0; len(content) > 0; i++ {
		n := min(segSize, len(content))
		id := fmt.Sprintf("%s-%d@test", name, i+1)
		f.mu.Lock()
		f.articles[id] = content[:n]
		f.mu.Unlock()
		file.Segments = append(file.Segments, manifest.Segment{
			MessageID: id,
			Number:    i + 1,
			Bytes:     int64(n),
		})
		file.TotalSize += int64(n)
		content = content[n:]
	}
	return file
}

func testContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i * 31)
	}
	return content
}

func TestSegmentReader_FullRead(t *testing.T) {
	fetcher := newMapFetcher()
	content := testContent(2500)
	file := segmentedFile(fetcher, "movie.mkv", content, 400)

	r := NewSegmentReader(fetcher, file, 0)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Reading past the end keeps returning EOF.
	n, err := r.Read(make([]byte, 10))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSegmentReader_SeekSkipsUnneededSegments(t *testing.T) {
	fetcher := newMapFetcher()
	content := testContent(4000)
	file := segmentedFile(fetcher, "movie.mkv", content, 1000)

	r := NewSegmentReader(fetcher, file, 0)
	defer r.Close()

	pos, err := r.Seek(2100, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(2100), pos)

	buf := make([]byte, 500)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, content[2100:2600], buf)

	for _, id := range fetcher.fetchedIDs() {
		assert.NotContains(t, []string{"movie.mkv-1@test", "movie.mkv-2@test"}, id)
	}
}

func TestSegmentReader_SeekCurrentAndEnd(t *testing.T) {
	fetcher := newMapFetcher()
	content := testContent(1000)
	file := segmentedFile(fetcher, "movie.mkv", content, 300)

	r := NewSegmentReader(fetcher, file, 0)
	defer r.Close()

	pos, err := r.Seek(-100, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(900), pos)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content[900:], got)

	pos, err = r.Seek(-1000, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestSegmentReader_TinyBudgetStillDeliversInOrder(t *testing.T) {
	fetcher := newMapFetcher()
	content := testContent(3000)
	file := segmentedFile(fetcher, "movie.mkv", content, 250)

	// A budget below one segment forces strictly serial fetching.
	r := NewSegmentReader(fetcher, file, 1)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSegmentReader_MissingArticleSurfacesError(t *testing.T) {
	fetcher := newMapFetcher()
	content := testContent(900)
	file := segmentedFile(fetcher, "movie.mkv", content, 300)
	fetcher.mu.Lock()
	delete(fetcher.articles, "movie.mkv-2@test")
	fetcher.mu.Unlock()

	r := NewSegmentReader(fetcher, file, 0)
	defer r.Close()

	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSegmentReader_ReadAfterClose(t *testing.T) {
	fetcher := newMapFetcher()
	file := segmentedFile(fetcher, "movie.mkv", testContent(100), 50)

	r := NewSegmentReader(fetcher, file, 0)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Read(make([]byte, 10))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	_, err = r.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

// volumeBytes builds a fake volume: junk header bytes followed by payload.
func volumeBytes(headerLen int, payload []byte) []byte {
	return append(bytes.Repeat([]byte{0xEE}, headerLen), payload...)
}

func TestArchiveReader_RangeTouchesOnlyNeededVolumes(t *testing.T) {
	fetcher := newMapFetcher()
	payload1 := testContent(1000)
	payload2 := testContent(1500)
	const headerLen = 61

	vol1 := segmentedFile(fetcher, "show.part1.rar", volumeBytes(headerLen, payload1), 400)
	vol2 := segmentedFile(fetcher, "show.part2.rar", volumeBytes(headerLen, payload2), 400)

	inner := &rarindex.File{
		Name: "episode.mkv",
		Size: 2500,
		Spans: []rarindex.Span{
			{VolumeIndex: 0, VolumeOffset: headerLen, LogicalOffset: 0, Length: 1000},
			{VolumeIndex: 1, VolumeOffset: headerLen, LogicalOffset: 1000, Length: 1500},
		},
	}

	r := NewArchiveReader(fetcher, inner, []manifest.File{vol1, vol2}, 0)
	r.SetReadLimit(999)
	buf := make([]byte, 1000)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, payload1, buf)
	require.NoError(t, r.Close())

	for _, id := range fetcher.fetchedIDs() {
		assert.NotContains(t, id, "part2", "range [0, 999] must not touch volume 2")
	}
}

func TestArchiveReader_BoundaryCrossingRead(t *testing.T) {
	fetcher := newMapFetcher()
	payload1 := testContent(1000)
	payload2 := testContent(1500)
	const headerLen = 61

	vol1 := segmentedFile(fetcher, "show.part1.rar", volumeBytes(headerLen, payload1), 400)
	vol2 := segmentedFile(fetcher, "show.part2.rar", volumeBytes(headerLen, payload2), 400)

	inner := &rarindex.File{
		Name: "episode.mkv",
		Size: 2500,
		Spans: []rarindex.Span{
			{VolumeIndex: 0, VolumeOffset: headerLen, LogicalOffset: 0, Length: 1000},
			{VolumeIndex: 1, VolumeOffset: headerLen, LogicalOffset: 1000, Length: 1500},
		},
	}

	r := NewArchiveReader(fetcher, inner, []manifest.File{vol1, vol2}, 0)
	defer r.Close()

	_, err := r.Seek(900, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 200)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)

	want := append(append([]byte(nil), payload1[900:]...), payload2[:100]...)
	assert.Equal(t, want, buf)
}

func TestPlanFileRange(t *testing.T) {
	file := manifest.File{
		Name: "a.bin",
		Segments: []manifest.Segment{
			{MessageID: "s1", Number: 1, Bytes: 100},
			{MessageID: "s2", Number: 2, Bytes: 100},
			{MessageID: "s3", Number: 3, Bytes: 50},
		},
		TotalSize: 250,
	}

	reads, err := planFileRange(file, 0, 249)
	require.NoError(t, err)
	require.Len(t, reads, 3)
	assert.Equal(t, segmentRead{messageID: "s1", start: 0, end: 99}, reads[0])

	reads, err = planFileRange(file, 150, 220)
	require.NoError(t, err)
	require.Len(t, reads, 2)
	assert.Equal(t, segmentRead{messageID: "s2", start: 50, end: 99}, reads[0])
	assert.Equal(t, segmentRead{messageID: "s3", start: 0, end: 20}, reads[1])

	_, err = planFileRange(file, 100, 250)
	assert.Error(t, err)
}
