package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adsync/internal/logging"
)

type recordingProcessor struct {
	events []LeadgenEvent
}

func (p *recordingProcessor) HandleLeadgen(_ context.Context, events []LeadgenEvent) error {
	p.events = append(p.events, events...)
	return nil
}

func TestWebhookVerification(t *testing.T) {
	h := NewWebhookHandler(logging.Discard(), nil, "verify-me", "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWebhookForwardsSignedLeadgen(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewWebhookHandler(logging.Discard(), nil, "verify-me", "secret", proc)

	body := `{"object":"page","entry":[{"id":"p1","changes":[{"field":"leadgen","value":{"leadgen_id":"L1","form_id":"F1","created_time":1714550400}},{"field":"feed","value":{}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/meta", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", SignPayload("secret", []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if len(proc.events) != 1 {
		t.Fatalf("expected one leadgen event, got %d", len(proc.events))
	}
	ev := proc.events[0]
	if ev.PageID != "p1" || ev.LeadID != "L1" || ev.FormID != "F1" || ev.CreatedAt.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewWebhookHandler(logging.Discard(), nil, "verify-me", "secret", proc)

	body := `{"object":"page","entry":[]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/meta", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", SignPayload("other", []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(proc.events) != 0 {
		t.Fatal("processor must not run for unsigned payloads")
	}
}
