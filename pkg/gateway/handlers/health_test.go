package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
)

type pingFailArchive struct {
	archive.Nop
}

func (pingFailArchive) Ping(context.Context) error { return errors.New("connection refused") }

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return rr.Code, resp
}

func TestReadyHandler_Ready(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Lifecycle: lifecycle.New(),
		Registry:  sessions.NewRegistry(),
		Archive:   archive.Nop{},
	})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %v", resp)
	}
	if resp["live_sessions"] != float64(0) {
		t.Fatalf("live_sessions=%v", resp["live_sessions"])
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	lc := lifecycle.New()
	lc.SetDraining(true)
	code, resp := serveReady(t, ReadyHandler{Lifecycle: lc, Registry: sessions.NewRegistry()})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("expected draining=true, got %v", resp)
	}
}

func TestReadyHandler_ArchiveDownNotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Lifecycle: lifecycle.New(),
		Registry:  sessions.NewRegistry(),
		Archive:   pingFailArchive{},
	})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if healthy, _ := resp["archive_healthy"].(bool); healthy {
		t.Fatalf("expected archive_healthy=false, got %v", resp)
	}
}

func TestHealthHandlers(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthCheckHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health-check", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("health-check status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp["ok"] {
		t.Fatalf("healthz body=%q", rr.Body.String())
	}
}
