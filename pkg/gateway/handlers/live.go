package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-live/pkg/gateway/apierror"
	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/config"
	"github.com/vango-go/intake-live/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-live/pkg/gateway/live/engine"
	"github.com/vango-go/intake-live/pkg/gateway/live/session"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-live/pkg/gateway/mw"
	"github.com/vango-go/intake-live/pkg/intake/extraction"
	"github.com/vango-go/intake-live/pkg/intake/prioritize"
)

// LiveHandler upgrades /api/intake/live and runs one session per socket.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Connector engine.Connector
	Archive   archive.Store
	Blueprint *extraction.Blueprint
	Weights   prioritize.Weights
	// BaseContext outlives the request; canceling it force-closes every
	// session started by this handler.
	BaseContext context.Context
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}
	if h.Connector == nil || h.Registry == nil {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrAPI, Message: "live sessions are not configured", RequestID: reqID})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	base := h.BaseContext
	if base == nil {
		base = context.Background()
	}
	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.logger(),
		Connector: h.Connector,
		Registry:  h.Registry,
		Archive:   h.Archive,
		Blueprint: h.Blueprint,
		Weights:   h.Weights,
		Context:   base,
		RequestID: reqID,
		Config:    h.sessionConfig(),
	})
	if err != nil {
		h.logger().Error("live session init failed", "request_id", reqID, "error", err)
		return
	}

	if err := s.Run(); err != nil {
		h.logger().Warn("live session ended with error", "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) sessionConfig() session.Config {
	return session.Config{
		HandshakeTimeout:           h.Config.HandshakeTimeout,
		IdleTimeout:                h.Config.IdleTimeout,
		MaxSessionDuration:         h.Config.MaxSessionDuration,
		PingInterval:               h.Config.WSPingInterval,
		WriteTimeout:               h.Config.WSWriteTimeout,
		MaxAudioFrameBytes:         h.Config.MaxAudioFrameBytes,
		MaxJSONMessageBytes:        h.Config.MaxJSONMessageBytes,
		LiveMaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		LiveMaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		LiveInboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
		PendingAudioFrames:         h.Config.AudioQueueSize,
		OutboundQueueSize:          h.Config.OutboundQueueSize,
		TopK:                       h.Config.TopK,
		DefaultConfidenceThreshold: h.Config.DefaultConfidenceThreshold,
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
