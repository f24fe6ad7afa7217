package graph

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"adsync/internal/metrics"

	"github.com/goccy/go-json"
)

// LeadgenEvent is a real-time notification that a page received a lead.
type LeadgenEvent struct {
	PageID     string
	FormID     string
	LeadID     string
	AdID       string
	CreatedAt  time.Time
	ReceivedAt time.Time
}

// LeadgenProcessor handles verified leadgen notifications.
type LeadgenProcessor interface {
	HandleLeadgen(ctx context.Context, events []LeadgenEvent) error
}

// WebhookHandler verifies Meta webhook deliveries and forwards leadgen events.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	verifyToken string
	appSecret   string
	processor   LeadgenProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, verifyToken, appSecret string, processor LeadgenProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "meta_webhook"),
		metrics:     metrics,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		processor:   processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verifySubscription(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *WebhookHandler) verifySubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.verifyToken == "" || q.Get("hub.verify_token") != h.verifyToken {
		h.metrics.IncError("meta_webhook_verify")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.IncError("meta_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := h.validateSignature(r.Header.Get("X-Hub-Signature-256"), body); err != nil {
		h.logger.Warn("rejected webhook delivery", "error", err)
		h.metrics.IncError("meta_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	events, err := parseLeadgenEvents(body, time.Now())
	if err != nil {
		h.metrics.IncError("meta_webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if h.processor != nil && len(events) > 0 {
		if err := h.processor.HandleLeadgen(r.Context(), events); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "events", len(events))
			h.metrics.IncError("meta_webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) validateSignature(header string, body []byte) error {
	if h.appSecret == "" {
		return fmt.Errorf("app secret not configured")
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || sig == "" {
		return fmt.Errorf("missing signature")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// SignPayload returns the X-Hub-Signature-256 value for body.
func SignPayload(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				LeadgenID   string `json:"leadgen_id"`
				PageID      string `json:"page_id"`
				FormID      string `json:"form_id"`
				AdID        string `json:"ad_id"`
				CreatedTime int64  `json:"created_time"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func parseLeadgenEvents(body []byte, receivedAt time.Time) ([]LeadgenEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Object != "page" {
		return nil, nil
	}
	var events []LeadgenEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "leadgen" {
				continue
			}
			pageID := change.Value.PageID
			if pageID == "" {
				pageID = entry.ID
			}
			ev := LeadgenEvent{
				PageID:     pageID,
				FormID:     change.Value.FormID,
				LeadID:     change.Value.LeadgenID,
				AdID:       change.Value.AdID,
				ReceivedAt: receivedAt,
			}
			if change.Value.CreatedTime > 0 {
				ev.CreatedAt = time.Unix(change.Value.CreatedTime, 0).UTC()
			}
			events = append(events, ev)
		}
	}
	return events, nil
}
