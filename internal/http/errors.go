package httpapp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cesargomez89/offtrack/internal/cache"
	"github.com/cesargomez89/offtrack/internal/domain"
	"github.com/cesargomez89/offtrack/internal/http/dto"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, cache.ErrInvalidLimit):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, dto.ErrorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func validate(w http.ResponseWriter, errs []dto.ValidationError) bool {
	if len(errs) == 0 {
		return true
	}
	writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: dto.ToResponse(errs), Fields: dto.ToMap(errs)})
	return false
}
