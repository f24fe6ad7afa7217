package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"adsync/internal/graph"
	"adsync/internal/syncerr"
	"adsync/internal/tokens"

	"github.com/goccy/go-json"
)

const (
	reauthInstruction = "Generate a new long-lived system user token and POST it to /admin/credentials."
	scopeInstruction  = "Grant the system user the leads_retrieval, pages_manage_ads, pages_read_engagement and ads_read permissions on the page or ad account, then retry."
)

// successBody is the envelope of every successful admin response.
type successBody struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorBody is the envelope of every failed admin response.
type errorBody struct {
	Error       string `json:"error"`
	Details     string `json:"details,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successBody{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, successBody{Success: true, Message: msg})
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

// classify maps an error to its HTTP status and envelope.
func classify(err error) (int, errorBody) {
	body := errorBody{Details: err.Error()}
	switch {
	case graph.IsExpired(err), errors.Is(err, tokens.ErrTokenExpired), errors.Is(err, tokens.ErrNoToken):
		body.Error = "access token expired or invalid"
		body.Instruction = reauthInstruction
		return http.StatusUnauthorized, body
	case errors.Is(err, graph.ErrPermission):
		body.Error = "permission denied by upstream"
		body.Instruction = scopeInstruction
		return http.StatusForbidden, body
	case errors.Is(err, syncerr.ErrMalformedInput):
		body.Error = "invalid request"
		return http.StatusBadRequest, body
	case errors.Is(err, syncerr.ErrSyncInProgress):
		body.Error = "sync already in progress"
		return http.StatusConflict, body
	case graph.IsRateLimited(err):
		body.Error = "upstream rate limit reached"
		return http.StatusTooManyRequests, body
	default:
		body.Error = "internal error"
		return http.StatusInternalServerError, body
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.metrics.IncError("http")
		s.logger.Error("admin request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Warn("admin request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, body)
}

// decode reads an optional JSON body into dst and validates it. An empty
// body leaves dst at its zero value before validation.
func (s *Server) decode(r *http.Request, dst any) error {
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: decode body: %w", syncerr.ErrMalformedInput, err)
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrMalformedInput, err)
	}
	return nil
}
