package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cesargomez89/offtrack/internal/audiofile"
	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/metrics"
	"github.com/cesargomez89/offtrack/internal/storage"
)

// ErrTooLarge is returned for items that cannot fit the cache budget.
var ErrTooLarge = errors.New("item larger than the cache limit")

func (c *Manager) getOrFetch(ctx context.Context, kind domain.CacheKind, key, sourceURL string) (string, bool) {
	if key == "" || sourceURL == "" {
		return "", false
	}
	if p, ok := c.lookup(kind, key); ok {
		return p, true
	}

	log := c.log.WithCacheEntry(string(kind), key)
	v, err, _ := c.group.Do(domain.CacheIndexKey(kind, key), func() (any, error) {
		if p, ok := c.lookup(kind, key); ok {
			return p, nil
		}
		return c.fetch(ctx, kind, key, sourceURL)
	})
	if err != nil {
		metrics.CacheFetchFailuresTotal.WithLabelValues(string(kind)).Inc()
		log.Warn("Cache fetch failed", "url", sourceURL, "error", err)
		return "", false
	}
	return v.(string), true
}

// fetch downloads the item into the cache directory and inserts it.
func (c *Manager) fetch(ctx context.Context, kind domain.CacheKind, key, sourceURL string) (string, error) {
	limit := c.CacheLimit() * constants.BytesPerMB
	if limit <= 0 {
		return "", ErrTooLarge
	}

	resp, err := c.fetcher.Get(ctx, sourceURL, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.ContentLength > limit {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	now := time.Now()
	dst := c.entryPath(kind, key, now, entryExt(kind, sourceURL, resp.ContentType))
	n, err := storage.WriteStream(dst, resp.Body, limit)
	if errors.Is(err, storage.ErrTooLarge) {
		return "", ErrTooLarge
	}
	if err != nil {
		return "", fmt.Errorf("write cache file: %w", err)
	}

	if kind == domain.CacheKindSong {
		if _, err := audiofile.Probe(dst); err != nil {
			_ = storage.RemoveFile(dst)
			return "", fmt.Errorf("verify cached song: %w", err)
		}
	}

	entry := domain.CacheEntry{
		Kind:       kind,
		Key:        key,
		Path:       dst,
		Size:       n,
		LastAccess: now,
		CreatedAt:  now,
	}
	if err := c.insert(entry); err != nil {
		_ = storage.RemoveFile(dst)
		return "", err
	}
	c.log.WithCacheEntry(string(kind), key).Debug("Cached", "bytes", n)
	return dst, nil
}

// entryPath names cache files by a hash of the key and the fetch time.
// A path is never reused by a later fetch of the same key.
func (c *Manager) entryPath(kind domain.CacheKind, key string, fetched time.Time, ext string) string {
	sum := sha256.Sum256([]byte(key))
	dir := constants.SongsDirName
	if kind == domain.CacheKindArtwork {
		dir = constants.ArtworkDirName
	}
	name := hex.EncodeToString(sum[:12]) + "-" + strconv.FormatInt(fetched.UnixNano(), 36)
	return filepath.Join(c.opts.Dir, dir, name+ext)
}

func entryExt(kind domain.CacheKind, sourceURL, contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case constants.MimeTypeJPEG:
		return constants.ExtJPG
	case constants.MimeTypePNG:
		return constants.ExtPNG
	case constants.MimeTypeFLAC:
		return constants.ExtFLAC
	case constants.MimeTypeMP3:
		return constants.ExtMP3
	case constants.MimeTypeMP4:
		return constants.ExtM4A
	case constants.MimeTypeOGG:
		return constants.ExtOGG
	}

	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		switch ext {
		case constants.ExtJPG, constants.ExtPNG:
			if kind == domain.CacheKindArtwork {
				return ext
			}
		case constants.ExtFLAC, constants.ExtMP3, constants.ExtM4A, constants.ExtOGG:
			if kind == domain.CacheKindSong {
				return ext
			}
		}
	}
	return constants.ExtBin
}
