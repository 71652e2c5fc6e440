package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/transport"
)

const mb = constants.BytesPerMB

// fileServer serves zero bytes; the size in MB is the last path segment,
// e.g. /art/a/4 serves 4 MiB.
type fileServer struct {
	*httptest.Server
	requests atomic.Int32
	delay    time.Duration
}

func newFileServer(t *testing.T) *fileServer {
	t.Helper()
	return newSlowFileServer(t, 0)
}

func newSlowFileServer(t *testing.T, delay time.Duration) *fileServer {
	t.Helper()
	fs := &fileServer{delay: delay}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.requests.Add(1)
		if fs.delay > 0 {
			time.Sleep(fs.delay)
		}
		parts := strings.Split(r.URL.Path, "/")
		size, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/art/") {
			w.Header().Set("Content-Type", "image/jpeg")
		}
		if r.URL.Query().Get("chunked") == "" {
			w.Header().Set("Content-Length", strconv.Itoa(size*mb))
		}
		_, _ = w.Write(make([]byte, size*mb))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fileServer) art(key string, sizeMB int) string {
	return fs.URL + "/art/" + key + "/" + strconv.Itoa(sizeMB)
}

func (fs *fileServer) song(key string, sizeMB int) string {
	return fs.URL + "/song/" + key + "/" + strconv.Itoa(sizeMB)
}

type fakeProtection struct {
	mu     sync.Mutex
	songs  map[string]bool
	albums map[string]bool
}

func newFakeProtection() *fakeProtection {
	return &fakeProtection{songs: map[string]bool{}, albums: map[string]bool{}}
}

func (p *fakeProtection) IsSongDownloaded(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.songs[id]
}

func (p *fakeProtection) IsAlbumDownloaded(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.albums[id]
}

func testOptions(dir string, limitMB int64, scope string) Options {
	return Options{
		Dir:       filepath.Join(dir, "cache"),
		IndexPath: filepath.Join(dir, "cache-index.db"),
		LimitMB:   limitMB,
		Scope:     scope,
		Logger:    logger.Discard(),
	}
}

func openTestCache(t *testing.T, opts Options, protect Protection) *Manager {
	t.Helper()
	client := transport.NewClient(transport.Options{HTTPClient: &http.Client{}, RetryBase: time.Millisecond, Retries: 1})
	c, err := Open(client, protect, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheArtwork_MissThenHit(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	ctx := context.Background()

	p, ok := c.CacheArtwork(ctx, "album_1", srv.art("a", 1))
	if !ok {
		t.Fatal("Expected artwork to be cached")
	}
	if filepath.Ext(p) != ".jpg" {
		t.Errorf("Expected .jpg extension from content type, got %s", p)
	}
	if info, err := os.Stat(p); err != nil || info.Size() != mb {
		t.Errorf("Expected 1 MiB file at %s, got %v", p, err)
	}

	p2, ok := c.CacheArtwork(ctx, "album_1", srv.art("a", 1))
	if !ok || p2 != p {
		t.Errorf("Expected hit with the same path, got %s %v", p2, ok)
	}
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("Expected a single network request, got %d", n)
	}
	if got, ok := c.ArtworkPath("album_1"); !ok || got != p {
		t.Errorf("ArtworkPath returned %s %v", got, ok)
	}
	if c.ArtworkCacheCount() != 1 || c.SongCacheCount() != 0 {
		t.Errorf("Unexpected counts: %+v", c.Stats())
	}
}

func TestCacheArtwork_FetchFailureIsMiss(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)

	if _, ok := c.CacheArtwork(context.Background(), "album_1", srv.URL+"/art/a/notfound"); ok {
		t.Error("Expected a miss for a failing fetch")
	}
	if c.ArtworkCacheCount() != 0 {
		t.Error("Expected nothing cached")
	}
}

func TestEviction_OldestGoesFirst(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	ctx := context.Background()

	first, _ := c.CacheArtwork(ctx, "A", srv.art("A", 4))
	c.CacheArtwork(ctx, "B", srv.art("B", 4))
	c.CacheArtwork(ctx, "C", srv.art("C", 4))

	stats := c.Stats()
	if stats.TotalBytes != 8*mb {
		t.Errorf("Expected 8 MiB cached, got %d", stats.TotalBytes)
	}
	if c.TotalCacheSizeMB() != 8 {
		t.Errorf("Expected TotalCacheSizeMB 8, got %v", c.TotalCacheSizeMB())
	}
	if _, ok := c.ArtworkPath("A"); ok {
		t.Error("Expected A to be evicted")
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Error("Expected A's file to be deleted")
	}
	for _, key := range []string{"B", "C"} {
		if _, ok := c.ArtworkPath(key); !ok {
			t.Errorf("Expected %s to remain cached", key)
		}
	}
}

func TestEviction_AccessRefreshesOrder(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	ctx := context.Background()

	c.CacheArtwork(ctx, "A", srv.art("A", 4))
	c.CacheArtwork(ctx, "B", srv.art("B", 4))
	if _, ok := c.ArtworkPath("A"); !ok {
		t.Fatal("Expected A to be cached")
	}
	c.CacheArtwork(ctx, "C", srv.art("C", 4))

	if _, ok := c.ArtworkPath("B"); ok {
		t.Error("Expected B, the least recently used, to be evicted")
	}
	if _, ok := c.ArtworkPath("A"); !ok {
		t.Error("Expected recently accessed A to survive")
	}
}

func TestEviction_SkipsProtectedEntries(t *testing.T) {
	srv := newFileServer(t)
	protect := newFakeProtection()
	protect.songs["s1"] = true
	protect.albums["album_1"] = true

	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), protect)
	ctx := context.Background()

	if _, ok := c.CacheSong(ctx, "s1", srv.song("s1", 4)); !ok {
		t.Fatal("Expected song to be cached")
	}
	c.CacheArtwork(ctx, "album_1", srv.art("p", 4))
	c.CacheArtwork(ctx, "A", srv.art("A", 4))
	c.CacheArtwork(ctx, "B", srv.art("B", 4))
	c.CacheArtwork(ctx, "C", srv.art("C", 4))

	if !c.IsSongCached("s1") {
		t.Error("Expected protected song to survive eviction")
	}
	if _, ok := c.ArtworkPath("album_1"); !ok {
		t.Error("Expected protected artwork to survive eviction")
	}
	if _, ok := c.ArtworkPath("A"); ok {
		t.Error("Expected oldest unprotected artwork to be evicted")
	}

	if err := c.SetCacheLimit(ctx, 0); err != nil {
		t.Fatalf("SetCacheLimit failed: %v", err)
	}
	if c.ArtworkCacheCount() != 1 || c.SongCacheCount() != 1 {
		t.Errorf("Expected only protected entries to remain, got %+v", c.Stats())
	}

	if err := c.ClearAllCache(ctx); err != nil {
		t.Fatalf("ClearAllCache failed: %v", err)
	}
	if !c.IsSongCached("s1") {
		t.Error("Expected ClearAllCache to keep protected entries")
	}
}

func TestEviction_PerKindScope(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopePerKind), nil)
	ctx := context.Background()

	c.CacheSong(ctx, "s1", srv.song("s1", 8))
	c.CacheArtwork(ctx, "A", srv.art("A", 8))

	if c.Stats().TotalBytes != 16*mb {
		t.Fatalf("Expected both kinds to fit their own budget, got %d", c.Stats().TotalBytes)
	}

	c.CacheArtwork(ctx, "B", srv.art("B", 4))
	if _, ok := c.ArtworkPath("A"); ok {
		t.Error("Expected artwork A to be evicted within the artwork budget")
	}
	if !c.IsSongCached("s1") {
		t.Error("Expected song budget to be unaffected by artwork inserts")
	}
}

func TestOversizeItemIsNotCached(t *testing.T) {
	tests := []struct {
		name string
		url  func(*fileServer) string
	}{
		{"known length", func(s *fileServer) string { return s.art("big", 2) }},
		{"unknown length", func(s *fileServer) string { return s.art("big", 2) + "?chunked=1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFileServer(t)
			opts := testOptions(t.TempDir(), 1, constants.CacheScopeShared)
			c := openTestCache(t, opts, nil)

			if _, ok := c.CacheArtwork(context.Background(), "big", tt.url(srv)); ok {
				t.Error("Expected item larger than the budget to be a miss")
			}
			if c.Stats().TotalBytes != 0 {
				t.Errorf("Expected empty cache, got %d bytes", c.Stats().TotalBytes)
			}
			files, _ := os.ReadDir(filepath.Join(opts.Dir, constants.ArtworkDirName))
			if len(files) != 0 {
				t.Errorf("Expected no leftover files, found %d", len(files))
			}
		})
	}
}

func TestSetCacheLimit_EvictsAndPersists(t *testing.T) {
	srv := newFileServer(t)
	dir := t.TempDir()
	opts := testOptions(dir, 10, constants.CacheScopeShared)
	c := openTestCache(t, opts, nil)
	ctx := context.Background()

	for _, key := range []string{"A", "B", "C"} {
		c.CacheArtwork(ctx, key, srv.art(key, 3))
	}
	if err := c.SetCacheLimit(ctx, 5); err != nil {
		t.Fatalf("SetCacheLimit failed: %v", err)
	}
	if c.CacheLimit() != 5 {
		t.Errorf("Expected limit 5, got %d", c.CacheLimit())
	}
	if c.ArtworkCacheCount() != 1 {
		t.Errorf("Expected 1 entry after lowering limit, got %d", c.ArtworkCacheCount())
	}
	if _, ok := c.ArtworkPath("C"); !ok {
		t.Error("Expected the newest entry to survive")
	}
	if err := c.SetCacheLimit(ctx, -1); err != ErrInvalidLimit {
		t.Errorf("Expected ErrInvalidLimit, got %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	reopened := openTestCache(t, opts, nil)
	if reopened.CacheLimit() != 5 {
		t.Errorf("Expected persisted limit 5, got %d", reopened.CacheLimit())
	}
	if reopened.ArtworkCacheCount() != 1 {
		t.Errorf("Expected persisted entry, got %d", reopened.ArtworkCacheCount())
	}
}

func TestOpen_DropsEntriesWithMissingFiles(t *testing.T) {
	srv := newFileServer(t)
	opts := testOptions(t.TempDir(), 10, constants.CacheScopeShared)
	c := openTestCache(t, opts, nil)
	ctx := context.Background()

	a, _ := c.CacheArtwork(ctx, "A", srv.art("A", 1))
	c.CacheArtwork(ctx, "B", srv.art("B", 1))
	_ = c.Close()

	if err := os.Remove(a); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}

	reopened := openTestCache(t, opts, nil)
	if reopened.ArtworkCacheCount() != 1 {
		t.Errorf("Expected 1 entry after reopen, got %d", reopened.ArtworkCacheCount())
	}
	if _, ok := reopened.ArtworkPath("A"); ok {
		t.Error("Expected entry with missing file to be dropped")
	}
}

func TestLookup_DropsVanishedFile(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)

	p, _ := c.CacheSong(context.Background(), "s1", srv.song("s1", 1))
	_ = os.Remove(p)

	if _, ok := c.CachedSongPath("s1"); ok {
		t.Error("Expected a miss for a vanished file")
	}
	if c.IsSongCached("s1") {
		t.Error("Expected the entry to be dropped")
	}
}

func TestCacheArtwork_DeduplicatesConcurrentFetches(t *testing.T) {
	srv := newSlowFileServer(t, 50*time.Millisecond)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.CacheArtwork(context.Background(), "album_1", srv.art("a", 1)); !ok {
				t.Error("Expected artwork to be cached")
			}
		}()
	}
	wg.Wait()

	if n := srv.requests.Load(); n != 1 {
		t.Errorf("Expected one request for concurrent fetches, got %d", n)
	}
}

func TestOnPlaybackStarted(t *testing.T) {
	srv := newFileServer(t)
	protect := newFakeProtection()
	protect.songs["downloaded"] = true
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), protect)

	c.OnPlaybackStarted("downloaded", srv.song("downloaded", 1))
	c.OnPlaybackStarted("s1", srv.song("s1", 1))

	deadline := time.Now().Add(5 * time.Second)
	for !c.IsSongCached("s1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.IsSongCached("s1") {
		t.Fatal("Expected song to be cached in the background")
	}
	if c.IsSongCached("downloaded") {
		t.Error("Expected downloaded song to be skipped")
	}

	c.OnPlaybackStarted("s1", srv.song("s1", 1))
	time.Sleep(50 * time.Millisecond)
	if n := srv.requests.Load(); n != 1 {
		t.Errorf("Expected only one request, got %d", n)
	}
}

func TestCacheSong_UnreadableIsNotCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fLaC\x00\x00"))
	}))
	defer srv.Close()

	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	if _, ok := c.CacheSong(context.Background(), "s1", srv.URL+"/s1.flac"); ok {
		t.Error("Expected unreadable song to be a miss")
	}
	if c.IsSongCached("s1") {
		t.Error("Expected nothing cached")
	}
}

func TestInvalidate(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	ctx := context.Background()

	p, _ := c.CacheSong(ctx, "s1", srv.song("s1", 1))
	if !c.Invalidate(domain.CacheKindSong, "s1") {
		t.Fatal("Expected Invalidate to report removal")
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("Expected file to be deleted")
	}
	if c.Invalidate(domain.CacheKindSong, "s1") {
		t.Error("Expected second Invalidate to report nothing removed")
	}

	if _, ok := c.CacheSong(ctx, "s1", srv.song("s1", 1)); !ok {
		t.Error("Expected the song to be fetched again")
	}
	if n := srv.requests.Load(); n != 2 {
		t.Errorf("Expected a refetch, got %d requests", n)
	}
}

func TestSubscribe_ReportsSizeAfterEviction(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	ctx := context.Background()

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for _, key := range []string{"A", "B", "C"} {
		c.CacheArtwork(ctx, key, srv.art(key, 4))
		stats := <-updates
		if stats.TotalBytes > 10*mb {
			t.Errorf("Observed %d bytes, above the 10 MiB limit", stats.TotalBytes)
		}
	}
	if stats := c.Stats(); stats.TotalBytes != 8*mb || stats.LimitMB != 10 {
		t.Errorf("Unexpected final stats %+v", stats)
	}
}

func TestRefetch_SurvivesPendingFileRemoval(t *testing.T) {
	srv := newFileServer(t)
	c := openTestCache(t, testOptions(t.TempDir(), 10, constants.CacheScopeShared), nil)
	ctx := context.Background()

	first, ok := c.CacheArtwork(ctx, "A", srv.art("A", 1))
	if !ok {
		t.Fatal("Expected A to be cached")
	}

	// Evict A in memory, leaving its file for a later removeFiles call.
	c.mu.Lock()
	n := c.nodes[domain.CacheIndexKey(domain.CacheKindArtwork, "A")]
	c.removeLocked(n)
	evicted := n.entry
	c.mu.Unlock()

	second, ok := c.CacheArtwork(ctx, "A", srv.art("A", 1))
	if !ok {
		t.Fatal("Expected A to be fetched again")
	}
	if second == first {
		t.Fatalf("Expected a new file for the refetch, got %s twice", first)
	}

	c.removeFiles([]domain.CacheEntry{evicted})
	if _, err := os.Stat(second); err != nil {
		t.Errorf("Expected refetched file to survive, got %v", err)
	}
	if p, ok := c.ArtworkPath("A"); !ok || p != second {
		t.Errorf("Expected ArtworkPath to return %s, got %s (%v)", second, p, ok)
	}
}

func TestAccessTime_FlushedInBatches(t *testing.T) {
	srv := newFileServer(t)
	opts := testOptions(t.TempDir(), 10, constants.CacheScopeShared)
	client := transport.NewClient(transport.Options{HTTPClient: &http.Client{}, RetryBase: time.Millisecond, Retries: 1})
	c, err := Open(client, nil, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()
	key := domain.CacheIndexKey(domain.CacheKindArtwork, "A")

	c.CacheArtwork(ctx, "A", srv.art("A", 1))
	stored := func() time.Time {
		t.Helper()
		entries, err := c.index.Entries()
		if err != nil || len(entries) != 1 {
			t.Fatalf("Expected one index entry, got %d (%v)", len(entries), err)
		}
		return entries[0].LastAccess
	}
	inserted := stored()

	time.Sleep(5 * time.Millisecond)
	if _, ok := c.ArtworkPath("A"); !ok {
		t.Fatal("Expected A to be cached")
	}
	c.mu.RLock()
	accessed := c.nodes[key].entry.LastAccess
	c.mu.RUnlock()

	if !stored().Equal(inserted) {
		t.Error("Expected a read hit not to write the index")
	}
	c.flushAccess()
	if !stored().Equal(accessed) {
		t.Errorf("Expected flushed access time %v, got %v", accessed, stored())
	}

	time.Sleep(5 * time.Millisecond)
	c.ArtworkPath("A")
	c.mu.RLock()
	accessed = c.nodes[key].entry.LastAccess
	c.mu.RUnlock()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openTestCache(t, opts, nil)
	reopened.mu.RLock()
	got := reopened.nodes[key].entry.LastAccess
	reopened.mu.RUnlock()
	if !got.Equal(accessed) {
		t.Errorf("Expected Close to flush access time %v, got %v", accessed, got)
	}
}

