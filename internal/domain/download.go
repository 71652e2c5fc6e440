package domain

import (
	"time"

	"github.com/cesargomez89/offtrack/internal/constants"
)

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no worker will ever pick the task up again
// without an explicit user action.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// DownloadTask is one user-requested song download.
type DownloadTask struct {
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	ID              string     `json:"id" db:"id"`
	SongID          string     `json:"song_id" db:"song_id"`
	Title           string     `json:"title" db:"title"`
	Artist          string     `json:"artist" db:"artist"`
	AlbumID         string     `json:"album_id,omitempty" db:"album_id"`
	ArtworkRef      string     `json:"artwork_ref,omitempty" db:"artwork_ref"`
	SourceURL       string     `json:"source_url" db:"source_url"`
	LocalPath       string     `json:"local_path,omitempty" db:"local_path"`
	Status          TaskStatus `json:"status" db:"status"`
	TotalBytes      int64      `json:"total_bytes" db:"total_bytes"`
	BytesDownloaded int64      `json:"bytes_downloaded" db:"bytes_downloaded"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
}

// CanRetry reports whether a failed task still has retries left.
func (t *DownloadTask) CanRetry() bool {
	return t.Status == TaskStatusFailed && t.RetryCount < constants.MaxRetries
}

// IsActive reports whether the task blocks a new download of the same song.
// Cancelled tasks and failed tasks with no retries left do not.
func (t *DownloadTask) IsActive() bool {
	switch t.Status {
	case TaskStatusCancelled:
		return false
	case TaskStatusFailed:
		return t.CanRetry()
	default:
		return true
	}
}

// Progress returns the completed fraction in [0, 1], or 0 when the size is unknown.
func (t *DownloadTask) Progress() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	p := float64(t.BytesDownloaded) / float64(t.TotalBytes)
	if p > 1 {
		return 1
	}
	return p
}

// Error returns the error message or an empty string.
func (t *DownloadTask) Error() string {
	if t.ErrorMessage == nil {
		return ""
	}
	return *t.ErrorMessage
}

// Clone returns a copy that shares no pointers with t.
func (t *DownloadTask) Clone() DownloadTask {
	c := *t
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		c.ErrorMessage = &msg
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// QueueStats aggregates the download queue.
type QueueStats struct {
	Count           int   `json:"count"`
	Active          int   `json:"active"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	TotalBytes      int64 `json:"total_bytes"`
	DownloadedBytes int64 `json:"downloaded_bytes"`
}
