// Package cache keeps a size-bounded LRU store of artwork and song files.
package cache

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/metrics"
	"github.com/cesargomez89/offtrack/internal/pubsub"
	"github.com/cesargomez89/offtrack/internal/storage"
	"github.com/cesargomez89/offtrack/internal/transport"
)

var ErrInvalidLimit = errors.New("cache limit must not be negative")

// Fetcher issues GETs. *transport.Client satisfies it.
type Fetcher interface {
	Get(ctx context.Context, url string, offset int64) (*transport.Response, error)
}

// Protection reports which entries belong to completed downloads.
// Protected entries are never evicted automatically.
type Protection interface {
	IsSongDownloaded(songID string) bool
	IsAlbumDownloaded(albumID string) bool
}

type Options struct {
	Dir       string
	IndexPath string
	LimitMB   int64
	Scope     string
	Logger    *logger.Logger
}

type Manager struct {
	index   *Index
	fetcher Fetcher
	protect Protection
	opts    Options
	log     *logger.Logger

	mu      sync.RWMutex
	nodes   map[string]*node
	heaps   map[domain.CacheKind]*lruHeap
	sizes   map[domain.CacheKind]int64
	limitMB int64
	seq     uint64
	// dirty holds index keys whose access time changed since the last flush.
	dirty map[string]struct{}

	group singleflight.Group
	topic *pubsub.Topic[domain.CacheStats]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// Open loads the persisted index, drops entries whose files are gone and
// evicts down to the limit. A limit stored by SetCacheLimit wins over
// opts.LimitMB.
func Open(fetcher Fetcher, protect Protection, opts Options) (*Manager, error) {
	if opts.Scope == "" {
		opts.Scope = constants.DefaultCacheScope
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	if err := storage.EnsureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	index, err := OpenIndex(opts.IndexPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Manager{
		index:   index,
		fetcher: fetcher,
		protect: protect,
		opts:    opts,
		log:     log.WithComponent("cache"),
		nodes:   make(map[string]*node),
		dirty:   make(map[string]struct{}),
		heaps: map[domain.CacheKind]*lruHeap{
			domain.CacheKindArtwork: {},
			domain.CacheKindSong:    {},
		},
		sizes:   make(map[domain.CacheKind]int64),
		limitMB: opts.LimitMB,
		topic:   pubsub.NewTopic[domain.CacheStats](),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := c.load(); err != nil {
		cancel()
		index.Close()
		return nil, err
	}

	c.bg.Add(1)
	go c.flushLoop()
	return c, nil
}

func (c *Manager) load() error {
	if mb, ok, err := c.index.LimitMB(); err != nil {
		return fmt.Errorf("read cache limit: %w", err)
	} else if ok {
		c.limitMB = mb
	}

	entries, err := c.index.Entries()
	if err != nil {
		return fmt.Errorf("read cache index: %w", err)
	}

	var missing []string
	for _, e := range entries {
		if !storage.Exists(e.Path) {
			missing = append(missing, e.IndexKey())
			continue
		}
		h, ok := c.heaps[e.Kind]
		if !ok {
			missing = append(missing, e.IndexKey())
			continue
		}
		c.seq++
		n := &node{entry: e, seq: c.seq}
		*h = append(*h, n)
		n.heapIdx = len(*h) - 1
		c.nodes[e.IndexKey()] = n
		c.sizes[e.Kind] += e.Size
	}
	for _, h := range c.heaps {
		heap.Init(h)
	}
	if len(missing) > 0 {
		c.log.Info("Dropping cache entries with missing files", "count", len(missing))
		if err := c.index.Delete(missing...); err != nil {
			return fmt.Errorf("prune cache index: %w", err)
		}
	}

	c.mu.Lock()
	evicted := c.evictAllLocked()
	c.publishLocked()
	c.mu.Unlock()
	c.removeFiles(evicted)

	c.log.Info("Cache loaded", "entries", len(c.nodes), "limit_mb", c.limitMB, "scope", c.opts.Scope)
	return nil
}

// Close waits for background caching, flushes access times and closes
// the index.
func (c *Manager) Close() error {
	c.cancel()
	c.bg.Wait()
	c.flushAccess()
	return c.index.Close()
}

func (c *Manager) flushLoop() {
	defer c.bg.Done()
	ticker := time.NewTicker(constants.AccessFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flushAccess()
		}
	}
}

// flushAccess writes the access times refreshed since the last flush in one
// index transaction.
func (c *Manager) flushAccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.dirty) == 0 {
		return
	}
	entries := make([]domain.CacheEntry, 0, len(c.dirty))
	for key := range c.dirty {
		if n, ok := c.nodes[key]; ok {
			entries = append(entries, n.entry)
		}
	}
	clear(c.dirty)
	if err := c.index.Put(entries...); err != nil {
		c.log.Warn("Failed to persist access times", "entries", len(entries), "error", err)
	}
}

// CacheArtwork returns the local path of the artwork, fetching it on a miss.
// Failures are logged and reported as a miss.
func (c *Manager) CacheArtwork(ctx context.Context, cacheID, sourceURL string) (string, bool) {
	return c.getOrFetch(ctx, domain.CacheKindArtwork, cacheID, sourceURL)
}

// CacheSong stores the song bytes unless they are already cached.
func (c *Manager) CacheSong(ctx context.Context, songID, sourceURL string) (string, bool) {
	return c.getOrFetch(ctx, domain.CacheKindSong, songID, sourceURL)
}

// OnPlaybackStarted caches the song in the background. It never blocks and
// skips songs that are already cached or downloaded.
func (c *Manager) OnPlaybackStarted(songID, sourceURL string) {
	if songID == "" || sourceURL == "" || c.ctx.Err() != nil {
		return
	}
	if c.IsSongCached(songID) || (c.protect != nil && c.protect.IsSongDownloaded(songID)) {
		return
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.CacheSong(c.ctx, songID, sourceURL)
	}()
}

func (c *Manager) ArtworkPath(cacheID string) (string, bool) {
	return c.lookup(domain.CacheKindArtwork, cacheID)
}

func (c *Manager) CachedSongPath(songID string) (string, bool) {
	return c.lookup(domain.CacheKindSong, songID)
}

// IsSongCached reports presence in the index without refreshing access.
func (c *Manager) IsSongCached(songID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[domain.CacheIndexKey(domain.CacheKindSong, songID)]
	return ok
}

// Invalidate drops an entry whose file could not be read. It is fetched
// again on next access.
func (c *Manager) Invalidate(kind domain.CacheKind, key string) bool {
	c.mu.Lock()
	n, ok := c.nodes[domain.CacheIndexKey(kind, key)]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(n)
	if err := c.index.Delete(n.entry.IndexKey()); err != nil {
		c.log.WithCacheEntry(string(kind), key).Warn("Failed to delete index entry", "error", err)
	}
	c.publishLocked()
	c.mu.Unlock()

	c.removeFiles([]domain.CacheEntry{n.entry})
	c.log.WithCacheEntry(string(kind), key).Info("Cache entry invalidated")
	return true
}

// SetCacheLimit persists the new limit and evicts down to it immediately.
func (c *Manager) SetCacheLimit(ctx context.Context, megabytes int64) error {
	if megabytes < 0 {
		return ErrInvalidLimit
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.index.SetLimitMB(megabytes); err != nil {
		c.mu.Unlock()
		return domain.PersistenceError("set cache limit", err)
	}
	c.limitMB = megabytes
	evicted := c.evictAllLocked()
	c.publishLocked()
	c.mu.Unlock()

	c.removeFiles(evicted)
	c.log.Info("Cache limit changed", "limit_mb", megabytes, "evicted", len(evicted))
	return nil
}

func (c *Manager) CacheLimit() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limitMB
}

// ClearAllCache removes every entry that is not protected.
func (c *Manager) ClearAllCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	var (
		removed []domain.CacheEntry
		keys    []string
	)
	for _, n := range c.nodes {
		if c.protectedLocked(n.entry) {
			continue
		}
		removed = append(removed, n.entry)
		keys = append(keys, n.entry.IndexKey())
	}
	if err := c.index.Delete(keys...); err != nil {
		c.mu.Unlock()
		return domain.PersistenceError("clear cache", err)
	}
	for _, e := range removed {
		c.removeLocked(c.nodes[e.IndexKey()])
	}
	c.publishLocked()
	c.mu.Unlock()

	c.removeFiles(removed)
	c.log.Info("Cache cleared", "removed", len(removed))
	return nil
}

func (c *Manager) Stats() domain.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked()
}

func (c *Manager) TotalCacheSizeMB() float64 {
	return c.Stats().TotalMB()
}

func (c *Manager) ArtworkCacheCount() int {
	return c.Stats().ArtworkCount
}

func (c *Manager) SongCacheCount() int {
	return c.Stats().SongCount
}

// Subscribe streams cache stats after every change, starting with the
// current ones.
func (c *Manager) Subscribe() (<-chan domain.CacheStats, func()) {
	return c.topic.Subscribe()
}

// lookup returns the path of a cached entry and refreshes its access time
// in memory. An entry whose file has vanished is dropped.
func (c *Manager) lookup(kind domain.CacheKind, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[domain.CacheIndexKey(kind, key)]
	if !ok {
		return "", false
	}
	if !storage.Exists(n.entry.Path) {
		c.removeLocked(n)
		if err := c.index.Delete(n.entry.IndexKey()); err != nil {
			c.log.WithCacheEntry(string(kind), key).Warn("Failed to delete index entry", "error", err)
		}
		c.publishLocked()
		return "", false
	}

	c.seq++
	n.seq = c.seq
	n.entry.LastAccess = time.Now()
	heap.Fix(c.heaps[kind], n.heapIdx)
	c.dirty[n.entry.IndexKey()] = struct{}{}
	return n.entry.Path, true
}

// insert adds or replaces an entry and evicts within its budget. The
// stats notification is published after eviction.
func (c *Manager) insert(e domain.CacheEntry) error {
	c.mu.Lock()

	var stale []domain.CacheEntry
	if old, ok := c.nodes[e.IndexKey()]; ok {
		c.removeLocked(old)
		if old.entry.Path != e.Path {
			stale = append(stale, old.entry)
		}
	}
	if err := c.index.Put(e); err != nil {
		c.mu.Unlock()
		return domain.PersistenceError("put cache entry", err)
	}

	c.seq++
	n := &node{entry: e, seq: c.seq}
	heap.Push(c.heaps[e.Kind], n)
	c.nodes[e.IndexKey()] = n
	c.sizes[e.Kind] += e.Size

	evicted := c.evictLocked(c.budgetFor(e.Kind))
	c.publishLocked()
	c.mu.Unlock()

	c.removeFiles(append(stale, evicted...))
	return nil
}

// budgetFor returns the kinds that share a limit with kind.
func (c *Manager) budgetFor(kind domain.CacheKind) []domain.CacheKind {
	if c.opts.Scope == constants.CacheScopePerKind {
		return []domain.CacheKind{kind}
	}
	return []domain.CacheKind{domain.CacheKindArtwork, domain.CacheKindSong}
}

func (c *Manager) evictAllLocked() []domain.CacheEntry {
	if c.opts.Scope == constants.CacheScopePerKind {
		evicted := c.evictLocked([]domain.CacheKind{domain.CacheKindArtwork})
		return append(evicted, c.evictLocked([]domain.CacheKind{domain.CacheKindSong})...)
	}
	return c.evictLocked([]domain.CacheKind{domain.CacheKindArtwork, domain.CacheKindSong})
}

// evictLocked pops least recently used entries of the budget until the
// evictable bytes fit the limit. Protected entries are skipped and kept.
func (c *Manager) evictLocked(budget []domain.CacheKind) []domain.CacheEntry {
	limit := c.limitMB * constants.BytesPerMB

	var evictable int64
	for _, kind := range budget {
		for _, n := range *c.heaps[kind] {
			if !c.protectedLocked(n.entry) {
				evictable += n.entry.Size
			}
		}
	}

	var (
		evicted []domain.CacheEntry
		skipped []*node
	)
	for evictable > limit {
		n := c.popOldestLocked(budget)
		if n == nil {
			break
		}
		if c.protectedLocked(n.entry) {
			skipped = append(skipped, n)
			continue
		}
		delete(c.nodes, n.entry.IndexKey())
		c.sizes[n.entry.Kind] -= n.entry.Size
		evictable -= n.entry.Size
		evicted = append(evicted, n.entry)
	}
	for _, n := range skipped {
		heap.Push(c.heaps[n.entry.Kind], n)
	}

	if len(evicted) > 0 {
		keys := make([]string, 0, len(evicted))
		for _, e := range evicted {
			keys = append(keys, e.IndexKey())
		}
		if err := c.index.Delete(keys...); err != nil {
			c.log.Warn("Failed to delete evicted entries from index", "error", err)
		}
		metrics.CacheEvictionsTotal.Add(float64(len(evicted)))
	}
	return evicted
}

func (c *Manager) popOldestLocked(budget []domain.CacheKind) *node {
	var from *lruHeap
	for _, kind := range budget {
		h := c.heaps[kind]
		top := h.peek()
		if top == nil {
			continue
		}
		if from == nil || older(top, from.peek()) {
			from = h
		}
	}
	if from == nil {
		return nil
	}
	return heap.Pop(from).(*node)
}

func (c *Manager) protectedLocked(e domain.CacheEntry) bool {
	if c.protect == nil {
		return false
	}
	switch e.Kind {
	case domain.CacheKindSong:
		return c.protect.IsSongDownloaded(e.Key)
	case domain.CacheKindArtwork:
		return c.protect.IsAlbumDownloaded(e.Key)
	}
	return false
}

func (c *Manager) removeLocked(n *node) {
	if n.heapIdx >= 0 {
		heap.Remove(c.heaps[n.entry.Kind], n.heapIdx)
	}
	delete(c.nodes, n.entry.IndexKey())
	c.sizes[n.entry.Kind] -= n.entry.Size
}

func (c *Manager) statsLocked() domain.CacheStats {
	return domain.CacheStats{
		TotalBytes:   c.sizes[domain.CacheKindArtwork] + c.sizes[domain.CacheKindSong],
		LimitMB:      c.limitMB,
		ArtworkCount: c.heaps[domain.CacheKindArtwork].Len(),
		SongCount:    c.heaps[domain.CacheKindSong].Len(),
	}
}

func (c *Manager) publishLocked() {
	stats := c.statsLocked()
	metrics.CacheSizeBytes.Set(float64(stats.TotalBytes))
	metrics.CacheEntries.WithLabelValues(string(domain.CacheKindArtwork)).Set(float64(stats.ArtworkCount))
	metrics.CacheEntries.WithLabelValues(string(domain.CacheKindSong)).Set(float64(stats.SongCount))
	c.topic.Publish(stats)
}

// removeFiles deletes files without holding the cache lock.
func (c *Manager) removeFiles(entries []domain.CacheEntry) {
	for _, e := range entries {
		if err := storage.RemoveFile(e.Path); err != nil {
			c.log.WithCacheEntry(string(e.Kind), e.Key).Warn("Failed to delete cache file", "path", e.Path, "error", err)
		}
	}
}
