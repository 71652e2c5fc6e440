package httpapp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/downloads"
	"github.com/cesargomez89/offtrack/internal/http/dto"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Downloads.Tasks())
}

func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	task, err := h.Downloads.Task(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) EnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var req downloads.EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.Downloads.Enqueue(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.EnqueueResponse{ID: id})
}

func (h *Handler) DownloadStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Downloads.Stats())
}

// ClearDownloads removes every unfinished task, or with ?finished=true the
// cancelled and exhausted ones.
func (h *Handler) ClearDownloads(w http.ResponseWriter, r *http.Request) {
	var err error
	if r.URL.Query().Get("finished") == "true" {
		err = h.Downloads.ClearFinished(r.Context())
	} else {
		err = h.Downloads.ClearAll(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.Downloads.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DownloadAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var err error
	switch chi.URLParam(r, "action") {
	case "pause":
		err = h.Downloads.Pause(ctx, id)
	case "resume":
		err = h.Downloads.Resume(ctx, id)
	case "cancel":
		err = h.Downloads.Cancel(ctx, id)
	case "retry":
		err = h.Downloads.Retry(ctx, id)
	case "reset":
		err = h.Downloads.Reset(ctx, id)
	default:
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "unknown action"})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	task, err := h.Downloads.Task(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cache.Stats())
}

func (h *Handler) SetCacheLimit(w http.ResponseWriter, r *http.Request) {
	var req dto.CacheLimitRequest
	if !decodeJSON(w, r, &req) || !validate(w, req.Validate()) {
		return
	}
	if err := h.Cache.SetCacheLimit(r.Context(), *req.LimitMB); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Cache.Stats())
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Cache.ClearAllCache(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CacheArtwork(w http.ResponseWriter, r *http.Request) {
	var req dto.ArtworkRequest
	if !decodeJSON(w, r, &req) || !validate(w, req.Validate()) {
		return
	}
	path, ok := h.Cache.CacheArtwork(r.Context(), req.CacheID, req.URL)
	writeJSON(w, http.StatusOK, dto.ArtworkResponse{Path: path, Cached: ok})
}

func (h *Handler) OfflineState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Offline.State())
}

func (h *Handler) SetManualOffline(w http.ResponseWriter, r *http.Request) {
	var req dto.ToggleRequest
	if !decodeJSON(w, r, &req) || !validate(w, req.Validate()) {
		return
	}
	h.Offline.SetManualOfflineMode(*req.Enabled)
	writeJSON(w, http.StatusOK, h.Offline.State())
}

func (h *Handler) SetPreferDownloaded(w http.ResponseWriter, r *http.Request) {
	var req dto.ToggleRequest
	if !decodeJSON(w, r, &req) || !validate(w, req.Validate()) {
		return
	}
	if err := h.Offline.SetPreferDownloaded(r.Context(), *req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Offline.State())
}

// ConnectivityEvent lets the playback engine report a lost or restored
// connection before the next probe notices.
func (h *Handler) ConnectivityEvent(w http.ResponseWriter, r *http.Request) {
	var connected bool
	switch chi.URLParam(r, "state") {
	case "lost":
	case "restored":
		connected = true
	default:
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "state must be lost or restored"})
		return
	}

	if h.Connectivity != nil {
		h.Connectivity.Set(connected)
	}
	if connected {
		h.Offline.NotifyConnectionRestored()
	} else {
		h.Offline.NotifyConnectionLost()
	}
	writeJSON(w, http.StatusOK, h.Offline.State())
}

func (h *Handler) SongSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, dto.SourceResponse{
		SongID:           id,
		Source:           string(h.Offline.PlaybackSource(id)),
		AvailableOffline: h.Offline.IsSongAvailableOffline(id),
	})
}

func (h *Handler) PlaySong(w http.ResponseWriter, r *http.Request) {
	var req dto.PlayRequest
	if !decodeJSON(w, r, &req) || !validate(w, req.Validate()) {
		return
	}
	target := h.Offline.ResolvePlayback(chi.URLParam(r, "id"), req.StreamURL)
	status := http.StatusOK
	if target.Source == domain.SourceUnavailable {
		status = http.StatusNotFound
	}
	writeJSON(w, status, target)
}
