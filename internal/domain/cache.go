package domain

import "time"

type CacheKind string

const (
	CacheKindArtwork CacheKind = "artwork"
	CacheKindSong    CacheKind = "song"
)

// CacheEntry is one cached artwork image or song file.
type CacheEntry struct {
	LastAccess time.Time `json:"last_access"`
	CreatedAt  time.Time `json:"created_at"`
	Kind       CacheKind `json:"kind"`
	Key        string    `json:"key"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
}

// IndexKey is the key an entry is stored under in the cache index.
func (e *CacheEntry) IndexKey() string {
	return CacheIndexKey(e.Kind, e.Key)
}

func CacheIndexKey(kind CacheKind, key string) string {
	return string(kind) + ":" + key
}

// CacheStats aggregates the cache for observers.
type CacheStats struct {
	TotalBytes   int64 `json:"total_bytes"`
	LimitMB      int64 `json:"limit_mb"`
	ArtworkCount int   `json:"artwork_count"`
	SongCount    int   `json:"song_count"`
}

// TotalMB returns TotalBytes in megabytes.
func (s CacheStats) TotalMB() float64 {
	return float64(s.TotalBytes) / float64(1<<20)
}
