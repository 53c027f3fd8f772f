// Package api provides HTTP handlers for the deskbrain API.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/avereen/deskbrain/internal/lookup"
	"github.com/avereen/deskbrain/internal/session"
	"github.com/avereen/deskbrain/internal/store"
)

// Rate limits for chat endpoints.
const (
	rateLimitRequests = 30
	rateLimitWindow   = time.Minute
)

// Handler provides the chat API endpoints.
type Handler struct {
	registry    *session.Registry
	repo        store.Repository
	lookup      *lookup.Client
	rateLimiter *RateLimiter
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(registry *session.Registry, repo store.Repository, lookupClient *lookup.Client) *Handler {
	return &Handler{
		registry:    registry,
		repo:        repo,
		lookup:      lookupClient,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a bounded request body into v.
func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(v)
}
