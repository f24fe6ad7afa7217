package graph

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

var (
	// ErrTransient covers 5xx responses, transport failures and throttling.
	ErrTransient = errors.New("graph transient failure")
	// ErrRateLimited is the throttling subset of ErrTransient.
	ErrRateLimited = errors.New("graph rate limited")
	// ErrExpiredCredential indicates the access token is expired or invalid.
	ErrExpiredCredential = errors.New("graph expired credential")
	// ErrPermission indicates the token lacks a permission for the object.
	ErrPermission = errors.New("graph permission denied")
)

// Kind is the retry class of an upstream failure.
type Kind int

const (
	KindOther Kind = iota
	KindTransient
	KindRateLimited
	KindExpiredCredential
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindExpiredCredential:
		return "expired_credential"
	case KindPermission:
		return "permission"
	default:
		return "other"
	}
}

// APIError is the error object embedded in Graph responses.
type APIError struct {
	Status      int    `json:"-"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	UserTitle   string `json:"error_user_title"`
	IsTransient bool   `json:"is_transient"`
	TraceID     string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Subcode != 0 {
		return fmt.Sprintf("graph error: %s (status=%d code=%d subcode=%d)", msg, e.Status, e.Code, e.Subcode)
	}
	return fmt.Sprintf("graph error: %s (status=%d code=%d)", msg, e.Status, e.Code)
}

// Kind classifies the error by the documented Graph error codes.
func (e *APIError) Kind() Kind {
	switch {
	case e.Code == 190 || e.Code == 102 || e.Status == http.StatusUnauthorized:
		return KindExpiredCredential
	case isThrottleCode(e.Code) || e.Status == http.StatusTooManyRequests:
		return KindRateLimited
	case e.Code == 1 || e.Code == 2 || e.IsTransient || e.Status >= 500:
		return KindTransient
	case e.Code == 10 || (e.Code >= 200 && e.Code <= 299) || e.Status == http.StatusForbidden:
		return KindPermission
	default:
		return KindOther
	}
}

// Unwrap exposes the class sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() []error {
	switch e.Kind() {
	case KindRateLimited:
		return []error{ErrRateLimited, ErrTransient}
	case KindTransient:
		return []error{ErrTransient}
	case KindExpiredCredential:
		return []error{ErrExpiredCredential}
	case KindPermission:
		return []error{ErrPermission}
	default:
		return nil
	}
}

// App, user, page and ads-management throttling codes.
func isThrottleCode(code int) bool {
	switch code {
	case 4, 17, 32, 341, 613:
		return true
	}
	return code >= 80000 && code <= 80099
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsExpired reports whether err is an expired or invalid credential.
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpiredCredential)
}

// IsRateLimited reports whether err is an upstream throttling signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// KindOf classifies any error returned by this package.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	switch {
	case errors.Is(err, ErrExpiredCredential):
		return KindExpiredCredential
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindOther
	}
}

// errorEnvelope mirrors {"error": {...}}.
type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// embeddedError returns the error object some 2xx responses carry in place
// of data, or nil when the body holds none.
func embeddedError(status int, body []byte) *APIError {
	if !bytes.Contains(body, []byte(`"error"`)) {
		return nil
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil || env.Error.Code == 0 {
		return nil
	}
	env.Error.Status = status
	return env.Error
}

// parseError extracts an APIError from body, falling back to the HTTP status.
func parseError(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		env.Error.Status = status
		return env.Error
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	return &APIError{Status: status, Message: snippet}
}
