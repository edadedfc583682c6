package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/live/engine"
	"github.com/vango-go/intake-live/pkg/gateway/live/engine/enginetest"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-live/pkg/intake/extraction"
	"github.com/vango-go/intake-live/pkg/intake/prioritize"
)

const waitTimeout = 2 * time.Second

type sessionHarness struct {
	t         *testing.T
	conn      *websocket.Conn
	connector *enginetest.Connector
	registry  *sessions.Registry
	archive   *archive.Memory
	done      chan error
}

func testBlueprint(t *testing.T) *extraction.Blueprint {
	t.Helper()
	bp, err := extraction.NewBlueprint([]extraction.Question{
		{ID: 1277, Text: "My height is _ centimetres", Type: "number", Stamp: "initial_height"},
		{ID: 1317, Text: "Are you taking any medications?", Type: "text", Stamp: "initial_medications"},
	})
	if err != nil {
		t.Fatalf("NewBlueprint: %v", err)
	}
	return bp
}

func newSessionHarness(t *testing.T, cfg Config, connector *enginetest.Connector) *sessionHarness {
	t.Helper()
	if connector == nil {
		connector = enginetest.NewConnector()
	}
	h := &sessionHarness{
		t:         t,
		connector: connector,
		registry:  sessions.NewRegistry(),
		archive:   archive.NewMemory(time.Hour),
		done:      make(chan error, 1),
	}
	bp := testBlueprint(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		s, err := New(Dependencies{
			Conn:      conn,
			Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
			Connector: connector,
			Registry:  h.registry,
			Archive:   h.archive,
			Blueprint: bp,
			Weights:   prioritize.DefaultWeights(),
			NewID:     func() string { return "generated-1" },
			Config:    cfg,
		})
		if err != nil {
			t.Errorf("New: %v", err)
			return
		}
		h.done <- s.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *sessionHarness) send(v any) {
	h.t.Helper()
	if err := h.conn.WriteJSON(v); err != nil {
		h.t.Fatalf("WriteJSON: %v", err)
	}
}

func (h *sessionHarness) sendAudio(data []byte) {
	h.t.Helper()
	if err := h.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		h.t.Fatalf("WriteMessage: %v", err)
	}
}

func (h *sessionHarness) read() map[string]any {
	h.t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := h.conn.ReadMessage()
	if err != nil {
		h.t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		h.t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

func (h *sessionHarness) readType(want string) map[string]any {
	h.t.Helper()
	msg := h.read()
	if msg["type"] != want {
		h.t.Fatalf("message type=%v, want %s (msg=%v)", msg["type"], want, msg)
	}
	return msg
}

func (h *sessionHarness) expectClosed() {
	h.t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := h.conn.ReadMessage()
	if err == nil {
		h.t.Fatalf("expected transport close, got message %s", data)
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		h.t.Fatalf("expected close frame, got %v", err)
	}
}

func (h *sessionHarness) waitRun() {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(waitTimeout):
		h.t.Fatalf("session did not finish")
	}
}

func (h *sessionHarness) bootstrapLive(sessionID string, unanswered ...int) *enginetest.Handle {
	h.t.Helper()
	refs := make([]map[string]any, 0, len(unanswered))
	for _, id := range unanswered {
		refs = append(refs, map[string]any{"question_id": id})
	}
	h.send(map[string]any{
		"type":       "bootstrap",
		"sessionId":  sessionID,
		"extraction": map[string]any{"answers": []any{}, "unanswered": refs},
	})
	h.readType("ready")
	handle := h.connector.WaitOpen(waitTimeout)
	if handle == nil {
		h.t.Fatalf("engine channel was not opened")
	}
	return handle
}

func readyIDs(t *testing.T, msg map[string]any) []int {
	t.Helper()
	raw, ok := msg["questions"].([]any)
	if !ok {
		t.Fatalf("ready.questions=%T", msg["questions"])
	}
	ids := make([]int, 0, len(raw))
	for _, q := range raw {
		m := q.(map[string]any)
		ids = append(ids, int(m["id"].(float64)))
		if m["question_text"] == "" {
			t.Fatalf("ready question without text: %v", m)
		}
	}
	return ids
}

func TestLiveSession_ReadyListsQuestionsByWeight(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.send(map[string]any{
		"type":      "bootstrap",
		"sessionId": "s-a",
		"extraction": map[string]any{
			"answers":    []any{},
			"unanswered": []any{map[string]any{"question_id": 1317}, map[string]any{"question_id": 1277}},
		},
	})
	ready := h.readType("ready")
	if ready["sessionId"] != "s-a" {
		t.Fatalf("ready.sessionId=%v", ready["sessionId"])
	}
	ids := readyIDs(t, ready)
	if len(ids) != 2 || ids[0] != 1277 || ids[1] != 1317 {
		t.Fatalf("ready ids=%v, want [1277 1317]", ids)
	}

	cfgs := h.connector.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("open calls=%d", len(cfgs))
	}
	if cfgs[0].SessionID != "s-a" || cfgs[0].ConfidenceThreshold != 0.8 || cfgs[0].Questions[0].ID != 1277 {
		t.Fatalf("engine config=%+v", cfgs[0])
	}
	snap, ok := h.registry.Get("s-a")
	if !ok || snap.Status != sessions.StatusLive {
		t.Fatalf("registry entry=%+v ok=%v", snap, ok)
	}
}

func TestLiveSession_GeneratesSessionIDAndHonorsThreshold(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.send(map[string]any{"type": "bootstrap", "extraction": map[string]any{}, "confidenceThreshold": 0.6})
	ready := h.readType("ready")
	if ready["sessionId"] != "generated-1" {
		t.Fatalf("ready.sessionId=%v", ready["sessionId"])
	}
	// Normalization adds every blueprint question the client left out.
	if ids := readyIDs(t, ready); len(ids) != 2 {
		t.Fatalf("ready ids=%v", ids)
	}
	if got := h.connector.Configs()[0].ConfidenceThreshold; got != 0.6 {
		t.Fatalf("threshold=%v", got)
	}
}

func TestLiveSession_UpdateAnswerIsReconciledAndAcked(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	handle := h.bootstrapLive("s-b", 1277, 1317)

	handle.Emit(engine.ToolCall{
		Name: "updateAnswer",
		Args: map[string]any{
			"question_id": float64(1277),
			"answer_text": "175",
			"type":        "number",
			"confidence":  0.9,
			"evidence":    "said 175",
		},
		CorrelationID: "r1",
	})

	msg := h.readType("answer_updated")
	answer := msg["answer"].(map[string]any)
	if answer["question_id"].(float64) != 1277 || answer["answer_text"] != "175" {
		t.Fatalf("answer=%v", answer)
	}

	c, ok := handle.NextControl(waitTimeout)
	if !ok {
		t.Fatalf("no tool result sent")
	}
	res, ok := c.(engine.ToolResult)
	if !ok || res.CorrelationID != "r1" || res.Payload["ok"] != true {
		t.Fatalf("control=%#v", c)
	}

	snap, _ := h.registry.Get("s-b")
	if a, ok := snap.Extraction.AnswerFor(1277); !ok || *a.AnswerText != "175" {
		t.Fatalf("answers=%+v", snap.Extraction.Answers)
	}
	if snap.Extraction.IsUnanswered(1277) || !snap.Extraction.IsUnanswered(1317) {
		t.Fatalf("unanswered=%+v", snap.Extraction.Unanswered)
	}
	if err := snap.Extraction.CheckPartition(testBlueprint(t)); err != nil {
		t.Fatalf("partition: %v", err)
	}
}

func TestLiveSession_OpenFailureSendsOneErrorAndCloses(t *testing.T) {
	connector := enginetest.NewConnector()
	connector.OpenErr = errors.New("engine unreachable")
	h := newSessionHarness(t, Config{}, connector)

	h.send(map[string]any{"type": "bootstrap", "sessionId": "s-c", "extraction": map[string]any{}})
	msg := h.readType("error")
	if msg["error"] == "" {
		t.Fatalf("error message empty: %v", msg)
	}
	h.expectClosed()
	h.waitRun()

	if h.registry.Count() != 0 {
		t.Fatalf("registry still holds %v", h.registry.IDs())
	}
	rec, err := h.archive.Load(context.Background(), "s-c")
	if err != nil || rec.Status != string(sessions.StatusError) {
		t.Fatalf("archived=%+v err=%v", rec, err)
	}
}

func TestLiveSession_AudioBeforeBootstrapIsIgnored(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.sendAudio([]byte{1, 2, 3, 4})
	handle := h.bootstrapLive("s-d", 1277)

	h.sendAudio([]byte{5, 6})
	h.send(map[string]any{"type": "stop"})
	h.readType("done")
	h.waitRun()

	audio := handle.Audio()
	if len(audio) != 1 || string(audio[0]) != string([]byte{5, 6}) {
		t.Fatalf("engine audio=%v, want only the post-bootstrap frame", audio)
	}
}

func TestLiveSession_MalformedUpdateAddsWarningWithoutAck(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	handle := h.bootstrapLive("s-e", 1277, 1317)
	before, _ := h.registry.Get("s-e")

	handle.Emit(engine.ToolCall{Name: "updateAnswer", Args: map[string]any{"answer_text": "175"}, CorrelationID: "r2"})
	handle.Emit(engine.AgentUtterance{Text: "Could you repeat that?"})

	msg := h.readType("agent_says")
	if msg["text"] != "Could you repeat that?" {
		t.Fatalf("agent_says=%v", msg)
	}
	after, _ := h.registry.Get("s-e")
	if len(after.Extraction.Warnings) != len(before.Extraction.Warnings)+1 {
		t.Fatalf("warnings=%v", after.Extraction.Warnings)
	}
	if len(after.Extraction.Answers) != 0 || len(after.Extraction.Unanswered) != len(before.Extraction.Unanswered) {
		t.Fatalf("extraction mutated: %+v", after.Extraction)
	}
	if got := handle.Controls(); len(got) != 0 {
		t.Fatalf("controls=%#v, want none", got)
	}
}

func TestLiveSession_ForwardsEngineEvents(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	handle := h.bootstrapLive("s-f", 1277)

	handle.Emit(engine.PartialTranscript{Text: "I am one"})
	handle.Emit(engine.AgentUtterance{Text: "Thanks."})
	handle.Emit(engine.ToolCall{Name: "lookupPharmacy", Args: map[string]any{"zip": "10001"}, CorrelationID: "x1"})
	handle.Emit(engine.SessionDone{})

	if msg := h.readType("partial_transcript"); msg["text"] != "I am one" {
		t.Fatalf("partial=%v", msg)
	}
	if msg := h.readType("agent_says"); msg["text"] != "Thanks." {
		t.Fatalf("agent_says=%v", msg)
	}
	if msg := h.readType("tool_call"); msg["name"] != "lookupPharmacy" || msg["correlation_id"] != "x1" {
		t.Fatalf("tool_call=%v", msg)
	}
	h.readType("done")
	h.expectClosed()
	h.waitRun()

	c, ok := handle.NextControl(waitTimeout)
	if res, isResult := c.(engine.ToolResult); !ok || !isResult || res.Payload["ok"] != false {
		t.Fatalf("unsupported tool result=%#v", c)
	}
	if !handle.Closed() {
		t.Fatalf("engine handle not closed")
	}
}

func TestLiveSession_EngineErrorIsForwarded(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	handle := h.bootstrapLive("s-g", 1277)

	handle.Emit(engine.SessionError{Message: "closed before start"})
	if msg := h.readType("error"); msg["error"] != "closed before start" {
		t.Fatalf("error=%v", msg)
	}
	h.expectClosed()
	h.waitRun()

	rec, err := h.archive.Load(context.Background(), "s-g")
	if err != nil || rec.Status != string(sessions.StatusError) {
		t.Fatalf("archived=%+v err=%v", rec, err)
	}
}

func TestLiveSession_StopClosesEngineAndArchives(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	handle := h.bootstrapLive("s-h", 1277)

	h.send(map[string]any{"type": "stop"})
	h.readType("done")
	h.expectClosed()
	h.waitRun()

	if handle.CloseCalls() == 0 {
		t.Fatalf("engine handle not closed")
	}
	if _, ok := h.registry.Get("s-h"); ok {
		t.Fatalf("registry entry not removed")
	}
	rec, err := h.archive.Load(context.Background(), "s-h")
	if err != nil || rec.Status != string(sessions.StatusDone) || !rec.Extraction.IsUnanswered(1277) {
		t.Fatalf("archived=%+v err=%v", rec, err)
	}
}

func TestLiveSession_TransportCloseTearsDown(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	handle := h.bootstrapLive("s-i", 1277)

	_ = h.conn.Close()
	h.waitRun()
	select {
	case <-handle.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("engine handle not closed after transport close")
	}
	if h.registry.Count() != 0 {
		t.Fatalf("registry=%v", h.registry.IDs())
	}
}

func TestLiveSession_IgnoresUnknownAndMalformedMessages(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.send(map[string]any{"type": "hello"})
	if err := h.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	h.bootstrapLive("s-j", 1277)

	// A second bootstrap on a live session is ignored.
	h.send(map[string]any{"type": "bootstrap", "sessionId": "other"})
	h.send(map[string]any{"type": "stop"})
	h.readType("done")
	if len(h.connector.Configs()) != 1 {
		t.Fatalf("open calls=%d", len(h.connector.Configs()))
	}
}

func TestLiveSession_BuffersAudioWhileConnecting(t *testing.T) {
	connector := enginetest.NewConnector()
	connector.OpenDelay = 100 * time.Millisecond
	h := newSessionHarness(t, Config{PendingAudioFrames: 2}, connector)

	h.send(map[string]any{"type": "bootstrap", "sessionId": "s-k", "extraction": map[string]any{}})
	h.sendAudio([]byte("a"))
	h.sendAudio([]byte("b"))
	h.sendAudio([]byte("c"))
	h.readType("ready")
	handle := connector.WaitOpen(waitTimeout)

	h.send(map[string]any{"type": "stop"})
	h.readType("done")
	h.waitRun()

	audio := handle.Audio()
	if len(audio) != 2 || string(audio[0]) != "b" || string(audio[1]) != "c" {
		t.Fatalf("engine audio=%q, want [b c]", audio)
	}
}

func TestLiveSession_DropsOversizeAudio(t *testing.T) {
	h := newSessionHarness(t, Config{MaxAudioFrameBytes: 4}, nil)
	handle := h.bootstrapLive("s-l", 1277)

	h.sendAudio([]byte("too large"))
	h.sendAudio([]byte("ok"))
	h.send(map[string]any{"type": "stop"})
	h.readType("done")
	h.waitRun()

	audio := handle.Audio()
	if len(audio) != 1 || string(audio[0]) != "ok" {
		t.Fatalf("engine audio=%q", audio)
	}
}

func TestLiveSession_BootstrapTimeout(t *testing.T) {
	h := newSessionHarness(t, Config{HandshakeTimeout: 50 * time.Millisecond}, nil)
	if msg := h.readType("error"); msg["error"] != "bootstrap timeout" {
		t.Fatalf("error=%v", msg)
	}
	h.expectClosed()
}

func TestLiveSession_IdleTimeout(t *testing.T) {
	h := newSessionHarness(t, Config{IdleTimeout: 80 * time.Millisecond}, nil)
	h.bootstrapLive("s-m", 1277)
	if msg := h.readType("error"); msg["error"] != "idle timeout" {
		t.Fatalf("error=%v", msg)
	}
	h.expectClosed()
}

func TestLiveSession_MaxDurationEndsWithDone(t *testing.T) {
	h := newSessionHarness(t, Config{MaxSessionDuration: 80 * time.Millisecond}, nil)
	h.bootstrapLive("s-n", 1277)
	h.readType("done")
	h.expectClosed()
}

func TestLiveSession_RejectsActiveSessionID(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	if err := h.registry.Create("dup", sessions.StatusLive, extraction.Extraction{}, sessions.Handle{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.send(map[string]any{"type": "bootstrap", "sessionId": "dup"})
	if msg := h.readType("error"); msg["error"] != sessions.ErrSessionExists.Error() {
		t.Fatalf("error=%v", msg)
	}
	h.expectClosed()
	h.waitRun()
	if _, ok := h.registry.Get("dup"); !ok {
		t.Fatalf("existing session entry was removed")
	}
}

func TestLiveSession_RegistryStopEndsSession(t *testing.T) {
	h := newSessionHarness(t, Config{}, nil)
	h.bootstrapLive("s-o", 1277)
	if n := h.registry.CancelAll(); n != 1 {
		t.Fatalf("canceled=%d", n)
	}
	h.readType("done")
	h.expectClosed()
	h.waitRun()
}
