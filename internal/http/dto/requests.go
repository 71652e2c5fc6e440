package dto

// CacheLimitRequest sets the cache budget in megabytes. Zero disables caching.
type CacheLimitRequest struct {
	LimitMB *int64 `json:"limit_mb"`
}

func (r CacheLimitRequest) Validate() []ValidationError {
	switch {
	case r.LimitMB == nil:
		return []ValidationError{{Field: "limit_mb", Message: "is required"}}
	case *r.LimitMB < 0:
		return []ValidationError{{Field: "limit_mb", Message: "must not be negative"}}
	}
	return nil
}

// ToggleRequest carries a single boolean switch.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (r ToggleRequest) Validate() []ValidationError {
	if r.Enabled == nil {
		return []ValidationError{{Field: "enabled", Message: "is required"}}
	}
	return nil
}

type ArtworkRequest struct {
	CacheID string `json:"cache_id"`
	URL     string `json:"url"`
}

func (r ArtworkRequest) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateRequired("cache_id", r.CacheID)...)
	errs = append(errs, validateRequired("url", r.URL)...)
	errs = append(errs, validateURL("url", r.URL)...)
	return errs
}

type PlayRequest struct {
	StreamURL string `json:"stream_url"`
}

func (r PlayRequest) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateRequired("stream_url", r.StreamURL)...)
	errs = append(errs, validateURL("stream_url", r.StreamURL)...)
	return errs
}

type EnqueueResponse struct {
	ID string `json:"id"`
}

type ArtworkResponse struct {
	Path   string `json:"path,omitempty"`
	Cached bool   `json:"cached"`
}

// SourceResponse describes where a song would play from right now.
type SourceResponse struct {
	SongID           string `json:"song_id"`
	Source           string `json:"source"`
	AvailableOffline bool   `json:"available_offline"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
