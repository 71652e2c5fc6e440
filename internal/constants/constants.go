// Package constants contains application-wide constants to avoid magic numbers and strings.
package constants

import "time"

// Application defaults
const (
	DefaultPort                = "8470"
	DefaultDBPath              = "offtrack.db"
	DefaultCacheIndexFile      = "cache-index.db"
	DefaultServerURL           = "http://127.0.0.1:4533"
	DefaultHealthPath          = "/ping"
	DefaultConcurrency         = 2
	DefaultPollInterval        = 2 * time.Second
	DefaultHTTPTimeout         = 30 * time.Second
	DefaultStallTimeout        = 30 * time.Second
	DefaultRetryBase           = 2 * time.Second
	DefaultRequestRetries      = 3
	DefaultCacheLimitMB        = 512
	DefaultCacheScope          = CacheScopeShared
	DefaultConnectivityProbe   = 10 * time.Second
	DefaultConnectivityFailure = 2
)

// Download queue
const (
	// MaxRetries bounds RetryCount on a download task.
	MaxRetries              = 3
	TransferChunkSize       = 64 * 1024
	ProgressPersistInterval = time.Second
	PartialFileExt          = ".part"
)

// AccessFlushInterval is how often refreshed cache access times are
// written to the index.
const AccessFlushInterval = 30 * time.Second

// Cache budget scopes
const (
	CacheScopeShared  = "shared"
	CacheScopePerKind = "per_kind"
)

// Settings keys
const (
	SettingPreferDownloaded = "prefer_downloaded"
)

// Sizes
const (
	BytesPerMB = 1 << 20
)

// Directory names below the data directory
const (
	DownloadsDirName = "downloads"
	CacheDirName     = "cache"
	ArtworkDirName   = "artwork"
	SongsDirName     = "songs"
)

// File Extensions
const (
	ExtFLAC = ".flac"
	ExtMP3  = ".mp3"
	ExtM4A  = ".m4a"
	ExtOGG  = ".ogg"
	ExtJPG  = ".jpg"
	ExtPNG  = ".png"
	ExtBin  = ".bin"
)

// MIME Types
const (
	MimeTypeFLAC = "audio/flac"
	MimeTypeMP3  = "audio/mpeg"
	MimeTypeMP4  = "audio/mp4"
	MimeTypeOGG  = "audio/ogg"
	MimeTypeJPEG = "image/jpeg"
	MimeTypePNG  = "image/png"
)

// File Permissions
const (
	DirPermissions  = 0755
	FilePermissions = 0644
)

// Characters to sanitize from filesystem paths
const InvalidPathChars = "<>:\"/\\|?*"
