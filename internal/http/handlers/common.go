package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iago/jobbroker/internal/domain"
	"github.com/iago/jobbroker/internal/http/middleware"
	"github.com/iago/jobbroker/internal/repository"
	"github.com/iago/jobbroker/internal/service"
)

const (
	defaultMaxArtifactBytes = 512 << 20
	defaultFollowInterval   = time.Second
	maxJobBytes             = 4 << 20
	maxResultBytes          = 16 << 20
	maxOutputChunkBytes     = 4 << 20
)

type Dependencies struct {
	Jobs      *service.JobsService
	Output    *service.OutputService
	Results   *repository.ResultStore
	Artifacts *repository.ArtifactStore
	Logger    *log.Logger
	Version   string

	MaxArtifactBytes int64
	// FollowInterval is how often the websocket follower drains output.
	FollowInterval time.Duration
}

type API struct {
	jobs      *service.JobsService
	output    *service.OutputService
	results   *repository.ResultStore
	artifacts *repository.ArtifactStore
	logger    *log.Logger
	version   string

	maxArtifactBytes int64
	followInterval   time.Duration
}

func NewAPI(deps Dependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	maxArtifactBytes := deps.MaxArtifactBytes
	if maxArtifactBytes <= 0 {
		maxArtifactBytes = defaultMaxArtifactBytes
	}
	followInterval := deps.FollowInterval
	if followInterval <= 0 {
		followInterval = defaultFollowInterval
	}
	return &API{
		jobs:             deps.Jobs,
		output:           deps.Output,
		results:          deps.Results,
		artifacts:        deps.Artifacts,
		logger:           logger,
		version:          deps.Version,
		maxArtifactBytes: maxArtifactBytes,
		followInterval:   followInterval,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeRawJSON(w http.ResponseWriter, statusCode int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(payload)
}

func writeText(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = io.WriteString(w, text)
}

func writeOK(w http.ResponseWriter) {
	writeText(w, http.StatusOK, "OK")
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	middleware.WriteError(w, r, statusCode, code, message)
}

// writeServiceError maps the domain taxonomy onto HTTP. NotReady is not a
// failure: it becomes 204 so callers poll again.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidJobID):
		writeError(w, r, http.StatusBadRequest, "invalid_job_id", "job_id must be a canonical UUID")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotReady):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away; nobody is left to read a response.
		api.logger.Printf("%s canceled request_id=%s", operation, middleware.GetRequestID(r.Context()))
	default:
		api.logger.Printf("%s failed request_id=%s: %v", operation, middleware.GetRequestID(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", operation+" failed")
	}
}

func jobIDParam(r *http.Request) string {
	return chi.URLParam(r, "job_id")
}

// readBody reads at most limit bytes. ok is false when a response has
// already been written.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return nil, false
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (api *API) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "route not found")
}

func (api *API) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
