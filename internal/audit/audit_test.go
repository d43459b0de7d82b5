package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"medliq-cloud/internal/auth"
)

func TestFromRequestCarriesIdentity(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/adjustments", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set("User-Agent", "cli/1.0")
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleClerk, "ops@clinic"))

	entry := FromRequest(req, "adjustment.create", "adjustment", "12", map[string]any{"amount": "10.00"})
	if entry.Actor != "ops@clinic" || entry.Role != "clerk" {
		t.Fatalf("unexpected identity: %+v", entry)
	}
	if entry.IP != "10.0.0.9" || entry.UserAgent != "cli/1.0" {
		t.Fatalf("unexpected client info: %+v", entry)
	}
	if !strings.Contains(string(entry.Metadata), `"amount":"10.00"`) {
		t.Fatalf("unexpected metadata: %s", entry.Metadata)
	}
}

func TestClientIPPrefersForwarded(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.7" {
		t.Fatalf("unexpected ip %q", got)
	}
}

func TestRecorderFillsDefaults(t *testing.T) {
	var rec Recorder
	if err := rec.Log(context.Background(), Entry{Action: "settlement.close"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	entries := rec.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if !strings.HasPrefix(e.ID, "audit-") || e.CreatedAt.IsZero() || e.PayloadDigest != DigestJSON([]byte(`{}`)) {
		t.Fatalf("defaults not filled: %+v", e)
	}
}

func TestRecorderListNewestFirstWithFilter(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	for _, e := range []Entry{
		{Action: "settlement.create", ResourceType: "settlement", ResourceID: "1", Actor: "a"},
		{Action: "adjustment.create", ResourceType: "adjustment", ResourceID: "4", Actor: "a"},
		{Action: "settlement.close", ResourceType: "settlement", ResourceID: "1", Actor: "b"},
	} {
		if err := rec.Log(ctx, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	got, err := rec.List(ctx, Filter{ResourceType: "settlement", ResourceID: "1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Action != "settlement.close" || got[1].Action != "settlement.create" {
		t.Fatalf("unexpected trail: %+v", got)
	}
	got, _ = rec.List(ctx, Filter{Actor: "a", Limit: 1})
	if len(got) != 1 || got[0].Action != "adjustment.create" {
		t.Fatalf("unexpected limited trail: %+v", got)
	}
}

func TestHandlerServesTrail(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Log(context.Background(), Entry{Action: "settlement.close", ResourceType: "settlement", ResourceID: "9"})
	h, err := NewHandler(rec)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	r := chi.NewRouter()
	h.Routes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit?resource_type=settlement&resource_id=9", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"action":"settlement.close"`) {
		t.Fatalf("unexpected response %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit?limit=many", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
	if _, err := NewHandler(nil); err == nil {
		t.Fatalf("expected nil trail error")
	}
}
