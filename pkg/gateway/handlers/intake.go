package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/intake-live/pkg/gateway/apierror"
	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-live/pkg/intake/batch"
	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

const multipartMemory = 8 << 20

// AudioProcessor turns one recording into a transcript and extraction.
type AudioProcessor interface {
	Process(ctx context.Context, audio []byte, mimeType string) (batch.Result, error)
}

// RecordingHandler serves POST /api/intake/recording.
type RecordingHandler struct {
	Processor      AudioProcessor
	MaxUploadBytes int64
	Logger         *slog.Logger
}

func (h RecordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Processor == nil {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrAPI, Message: "batch processing is not configured", RequestID: reqID})
		return
	}

	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			apierror.Write(w, http.StatusRequestEntityTooLarge, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "recording is too large", Param: "audio", RequestID: reqID})
			return
		}
		writeError(w, reqID, apierror.InvalidRequest("expected multipart/form-data body", "audio"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, reqID, apierror.InvalidRequest("no audio file", "audio"))
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, reqID, apierror.InvalidRequest("could not read audio file", "audio"))
		return
	}
	if len(audio) == 0 {
		writeError(w, reqID, apierror.InvalidRequest("audio file is empty", "audio"))
		return
	}

	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = batch.GuessMIME(header.Filename)
	}

	res, err := h.Processor.Process(r.Context(), audio, mimeType)
	if err != nil {
		h.logger().Error("recording processing failed", "request_id", reqID, "bytes", len(audio), "error", err)
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h RecordingHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// SessionHandler serves GET /api/intake/sessions/{id}: the live snapshot
// when the session is running, otherwise the archived one.
type SessionHandler struct {
	Registry *sessions.Registry
	Archive  archive.Store
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, reqID, apierror.InvalidRequest("session id is required", "id"))
		return
	}

	if snap, ok := h.Registry.Get(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if h.Archive == nil {
		writeError(w, reqID, apierror.NotFound("session not found"))
		return
	}
	rec, err := h.Archive.Load(r.Context(), id)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// BlueprintHandler serves the loaded question catalog.
type BlueprintHandler struct {
	Blueprint *extraction.Blueprint
}

func (h BlueprintHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	questions := h.Blueprint.Questions()
	if questions == nil {
		questions = []extraction.Question{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}
