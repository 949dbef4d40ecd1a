package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbstream/internal/coordinator"
	"github.com/javi11/nzbstream/internal/database"
	"github.com/javi11/nzbstream/internal/downloader"
	"github.com/javi11/nzbstream/internal/extractcache"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/mount"
	"github.com/javi11/nzbstream/internal/rarindex"
	"github.com/javi11/nzbstream/internal/streamcheck"
	"github.com/javi11/nzbstream/internal/streamer"
)

type memStore struct {
	mu     sync.Mutex
	mounts map[string]*mount.Mount
}

func newMemStore() *memStore {
	return &memStore{mounts: make(map[string]*mount.Mount)}
}

func (s *memStore) CreateMount(_ context.Context, m *mount.Mount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mounts[m.ID] = &cp
	return nil
}

func (s *memStore) GetMount(_ context.Context, id string) (*mount.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mounts[id]
	if !ok {
		return nil, mount.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) ListMounts(_ context.Context) ([]*mount.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*mount.Mount, 0, len(s.mounts))
	for _, m := range s.mounts {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status mount.Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mounts[id]
	if !ok {
		return mount.ErrNotFound
	}
	m.Status = status
	m.StatusDetail = detail
	return nil
}

func (s *memStore) SetExtractedFile(_ context.Context, id, path string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mounts[id]
	if !ok {
		return mount.ErrNotFound
	}
	m.ExtractedPath = path
	m.ExtractedSize = size
	return nil
}

func (s *memStore) SetExpiration(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mounts[id]
	if !ok {
		return mount.ErrNotFound
	}
	m.ExpiresAt = expiresAt
	return nil
}

func (s *memStore) TouchMount(_ context.Context, id string, accessedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mounts[id]
	if !ok {
		return mount.ErrNotFound
	}
	m.LastAccessAt = accessedAt
	return nil
}

func (s *memStore) DeleteMount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[id]; !ok {
		return mount.ErrNotFound
	}
	delete(s.mounts, id)
	return nil
}

type memStates struct{}

func (memStates) GetDownloadState(context.Context, string, int) (*database.DownloadState, error) {
	return nil, nil
}
func (memStates) SaveDownloadState(context.Context, *database.DownloadState) error { return nil }
func (memStates) DeleteDownloadStates(context.Context, string) error               { return nil }

type mapFetcher struct {
	mu       sync.Mutex
	articles map[string][]byte
}

func (f *mapFetcher) GetDecodedArticle(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.articles[id]
	if !ok {
		return nil, fmt.Errorf("article %s not found", id)
	}
	return data, nil
}

func nzbDoc(fetcher *mapFetcher, name string, content []byte) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
`)
	fmt.Fprintf(&b, ` <file poster="p@example.com" date="123456789" subject="&quot;%s&quot; yEnc (1/1)">
  <groups><group>alt.binaries.test</group></groups>
  <segments>
`, name)
	const segSize = 1000
	for i := 0; len(content) > 0; i++ {
		n := min(segSize, len(content))
		id := fmt.Sprintf("%s-%d@test", name, i+1)
		fetcher.mu.Lock()
		fetcher.articles[id] = content[:n]
		fetcher.mu.Unlock()
		fmt.Fprintf(&b, `   <segment bytes="%d" number="%d">%s</segment>`+"\n", n, i+1, id)
		content = content[n:]
	}
	b.WriteString("  </segments>\n </file>\n</nzb>")
	return []byte(b.String())
}

type testServer struct {
	store   *memStore
	fetcher *mapFetcher
	cache   *extractcache.Manager
	srv     *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := newMemStore()
	fetcher := &mapFetcher{articles: map[string][]byte{}}

	cache, err := extractcache.New(store, memStates{}, extractcache.Config{
		CacheDir:  t.TempDir(),
		Retention: time.Hour,
	})
	require.NoError(t, err)

	manifests := manifest.NewCache(0)
	checker := streamcheck.NewChecker(rarindex.NewAssembler(fetcher, 0), streamcheck.NewArchiveCache(0))
	dl := downloader.New(fetcher, memStates{}, downloader.Options{MaxWorkers: 2})
	coord := coordinator.New(store, manifests, dl, cache)
	streams := streamer.NewService(store, manifests, checker, fetcher, cache, streamer.Options{
		CleanupDelay: time.Hour,
	})

	srv := NewServer(Deps{
		Store:       store,
		Manifests:   manifests,
		Checker:     checker,
		Streams:     streams,
		Coordinator: coord,
		Cache:       cache,
	})
	return &testServer{store: store, fetcher: fetcher, cache: cache, srv: srv}
}

func decodeResponse(t *testing.T, body io.Reader) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

func TestRespondServiceUnavailable(t *testing.T) {
	app := fiber.New()
	app.Get("/test", func(c *fiber.Ctx) error {
		return RespondServiceUnavailable(c, "Service is initializing", "Please wait")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Retry-After"))

	body := decodeResponse(t, resp.Body)
	assert.False(t, body.Success)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
}

func TestServerReadiness(t *testing.T) {
	env := newTestServer(t)
	assert.False(t, env.srv.IsReady())

	resp, err := env.srv.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)

	env.srv.SetReady(true)
	resp, err = env.srv.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestCreateMount(t *testing.T) {
	env := newTestServer(t)
	raw := nzbDoc(env.fetcher, "movie.mkv", bytes.Repeat([]byte("x"), 2500))

	req := httptest.NewRequest("POST", "/api/mounts", bytes.NewReader(raw))
	resp, err := env.srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	body := decodeResponse(t, resp.Body)
	require.True(t, body.Success)
	data := body.Data.(map[string]any)
	assert.Equal(t, "movie.mkv", data["name"])
	assert.Equal(t, string(mount.StatusPending), data["status"])
	assert.Equal(t, "direct", data["verdict"])
	assert.Equal(t, float64(2500), data["total_size"])
	assert.NotEmpty(t, data["id"])
}

func TestCreateMount_InvalidBody(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/mounts", strings.NewReader("not xml at all"))
	resp, err := env.srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = env.srv.App().Test(httptest.NewRequest("POST", "/api/mounts", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGetMount_NotFound(t *testing.T) {
	env := newTestServer(t)
	resp, err := env.srv.App().Test(httptest.NewRequest("GET", "/api/mounts/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestStream_RangeFromExtractedFile(t *testing.T) {
	env := newTestServer(t)

	content := make([]byte, 5000)
	for i := range content {
		content[i] = byte(i)
	}
	dir := env.cache.MountDir("m1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, env.store.CreateMount(context.Background(), &mount.Mount{
		ID:            "m1",
		Status:        mount.StatusReady,
		ExtractedPath: path,
		ExtractedSize: 5000,
	}))

	req := httptest.NewRequest("GET", "/stream/m1", nil)
	req.Header.Set("Range", "bytes=1000-1999")
	resp, err := env.srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 206, resp.StatusCode)
	assert.Equal(t, "bytes 1000-1999/5000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "video/x-matroska", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content[1000:2000], got)
}

func TestStream_DirectFromSegments(t *testing.T) {
	env := newTestServer(t)
	content := bytes.Repeat([]byte("stream me "), 250)
	raw := nzbDoc(env.fetcher, "movie.mkv", content)
	require.NoError(t, env.store.CreateMount(context.Background(), &mount.Mount{
		ID:          "m1",
		RawManifest: raw,
		Status:      mount.StatusPending,
	}))

	resp, err := env.srv.App().Test(httptest.NewRequest("GET", "/stream/m1", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStream_Gating(t *testing.T) {
	env := newTestServer(t)

	resp, err := env.srv.App().Test(httptest.NewRequest("GET", "/stream/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)

	require.NoError(t, env.store.CreateMount(context.Background(), &mount.Mount{
		ID: "busy", Status: mount.StatusDownloading,
	}))
	resp, err = env.srv.App().Test(httptest.NewRequest("GET", "/stream/busy", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Retry-After"))
}

func TestStream_UnsatisfiableRange(t *testing.T) {
	env := newTestServer(t)

	dir := env.cache.MountDir("m1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte("tiny"), 0o644))
	require.NoError(t, env.store.CreateMount(context.Background(), &mount.Mount{
		ID:            "m1",
		Status:        mount.StatusReady,
		ExtractedPath: path,
	}))

	req := httptest.NewRequest("GET", "/stream/m1", nil)
	req.Header.Set("Range", "bytes=4000-")
	resp, err := env.srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 416, resp.StatusCode)
}

func TestCancelExtraction_NoneRunning(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, env.store.CreateMount(context.Background(), &mount.Mount{
		ID: "m1", Status: mount.StatusRequiresExtraction,
	}))

	resp, err := env.srv.App().Test(httptest.NewRequest("POST", "/api/mounts/m1/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, 409, resp.StatusCode)
}

func TestDeleteMount(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, env.store.CreateMount(context.Background(), &mount.Mount{
		ID: "m1", Status: mount.StatusReady,
	}))

	resp, err := env.srv.App().Test(httptest.NewRequest("DELETE", "/api/mounts/m1", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = env.srv.App().Test(httptest.NewRequest("DELETE", "/api/mounts/m1", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}
