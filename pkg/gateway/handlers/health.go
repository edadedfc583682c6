package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
)

const readyProbeTimeout = 2 * time.Second

// HealthCheckHandler serves the plain-text liveness probe.
type HealthCheckHandler struct{}

func (h HealthCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Archive   archive.Store
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		LiveSessions   int      `json:"live_sessions"`
		UptimeSeconds  int64    `json:"uptime_seconds"`
		ArchiveHealthy bool     `json:"archive_healthy"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	archiveHealthy := true
	if h.Archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		err := h.Archive.Ping(ctx)
		cancel()
		if err != nil {
			archiveHealthy = false
			issues = append(issues, "archive unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:             ok,
		Draining:       draining,
		LiveSessions:   h.Registry.Count(),
		UptimeSeconds:  int64(h.Lifecycle.Uptime() / time.Second),
		ArchiveHealthy: archiveHealthy,
		Issues:         issues,
	})
}
