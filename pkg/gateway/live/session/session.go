// Package session runs one live intake conversation: it owns the client
// socket, the engine channel and the session's extraction, and moves the
// session through idle, connecting, live and a terminal state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/live/engine"
	"github.com/vango-go/intake-live/pkg/gateway/live/protocol"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-live/pkg/intake/extraction"
	"github.com/vango-go/intake-live/pkg/intake/prioritize"
	"github.com/vango-go/intake-live/pkg/intake/reconcile"
)

const (
	defaultOutboundQueueSize   = 128
	defaultHandshakeTimeout    = 10 * time.Second
	defaultConfidenceThreshold = 0.8
	archiveTimeout             = 5 * time.Second
)

var errBackpressure = errors.New("live outbound backpressure")

type Config struct {
	HandshakeTimeout   time.Duration
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration

	MaxAudioFrameBytes         int
	MaxJSONMessageBytes        int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	PendingAudioFrames         int
	OutboundQueueSize          int

	TopK                       int
	DefaultConfidenceThreshold float64
	// Instructions overrides the engine's default system instructions.
	Instructions string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Connector engine.Connector
	Registry  *sessions.Registry
	Archive   archive.Store
	Blueprint *extraction.Blueprint
	Weights   prioritize.Weights
	// Context bounds the whole session; canceling it tears the session down
	// without a goodbye message.
	Context   context.Context
	RequestID string
	NewID     func() string
	Now       func() time.Time
	Config    Config
}

type LiveSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	connector engine.Connector
	registry  *sessions.Registry
	archive   archive.Store
	blueprint *extraction.Blueprint
	weights   prioritize.Weights
	newID     func() string
	now       func() time.Time
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once

	outbound chan outboundFrame
	status   atomic.Value // sessions.Status

	// Owned by the Run goroutine.
	id           string
	registered   bool
	startedAt    time.Time
	extraction   extraction.Extraction
	questions    []prioritize.Descriptor
	handle       engine.Handle
	limiter      *inboundAudioLimiter
	pending      *pendingAudio
	audioDropped map[string]int64
	timers       sessionTimers
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type openResult struct {
	handle engine.Handle
	err    error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Connector == nil {
		return nil, fmt.Errorf("engine connector is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Blueprint == nil {
		deps.Blueprint = extraction.DefaultBlueprint()
	}
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueueSize
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if deps.Config.TopK <= 0 {
		deps.Config.TopK = prioritize.DefaultTopK
	}
	if deps.Config.DefaultConfidenceThreshold <= 0 {
		deps.Config.DefaultConfidenceThreshold = defaultConfidenceThreshold
	}

	ctx, cancel := context.WithCancel(deps.Context)
	s := &LiveSession{
		conn:         deps.Conn,
		logger:       deps.Logger.With("request_id", deps.RequestID),
		connector:    deps.Connector,
		registry:     deps.Registry,
		archive:      deps.Archive,
		blueprint:    deps.Blueprint,
		weights:      deps.Weights,
		newID:        deps.NewID,
		now:          deps.Now,
		cfg:          deps.Config,
		ctx:          ctx,
		cancel:       cancel,
		stopCh:       make(chan struct{}),
		outbound:     make(chan outboundFrame, deps.Config.OutboundQueueSize),
		pending:      newPendingAudio(deps.Config.PendingAudioFrames),
		audioDropped: make(map[string]int64),
	}
	s.limiter = newInboundAudioLimiter(s.now, s.cfg.LiveMaxAudioFPS, s.cfg.LiveMaxAudioBytesPerSecond, s.cfg.LiveInboundBurstSeconds)
	s.status.Store(sessions.StatusIdle)
	return s, nil
}

// Status is safe to call from any goroutine.
func (s *LiveSession) Status() sessions.Status {
	return s.status.Load().(sessions.Status)
}

// Stop ends the session as if the client had sent stop.
func (s *LiveSession) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Cancel tears the session down immediately.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *LiveSession) Run() error {
	defer s.teardown()

	// Oversize audio frames below the read limit are dropped, not fatal.
	if readLimit := s.cfg.MaxJSONMessageBytes; readLimit > 0 {
		if n := int64(s.cfg.MaxAudioFrameBytes); n > readLimit {
			readLimit = n
		}
		s.conn.SetReadLimit(readLimit)
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			frames:       s.outbound,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := shutdownFlushTimeout + 50*time.Millisecond
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	openCh := make(chan openResult)
	var events <-chan engine.Event

	s.timers.handshake = time.NewTimer(s.cfg.HandshakeTimeout)
	defer s.timers.stopAll()

	for {
		select {
		case <-s.ctx.Done():
			s.finish(sessions.StatusDone, "", false)
			return nil

		case <-s.stopCh:
			s.finish(sessions.StatusDone, "", true)
			return flushAndClose()

		case err := <-writerErrCh:
			s.finish(sessions.StatusDone, "", false)
			if err != nil {
				s.logger.Debug("live writer stopped", "error", err)
			}
			return err

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				if frame.err != nil && !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("live transport closed", "error", frame.err)
				}
				s.finish(sessions.StatusDone, "", false)
				return flushAndClose()
			}
			s.timers.touch(s.cfg.IdleTimeout)
			switch frame.messageType {
			case websocket.BinaryMessage:
				s.handleAudio(frame.data)
			case websocket.TextMessage:
				if s.handleText(frame.data, openCh) {
					return flushAndClose()
				}
			}

		case res := <-openCh:
			if res.err != nil {
				s.logger.Warn("engine open failed", "error", res.err)
				s.finish(sessions.StatusError, errorMessage(res.err), true)
				return flushAndClose()
			}
			s.handle = res.handle
			events = res.handle.Events()
			if err := s.goLive(); err != nil {
				s.finishOnSendError(err)
				return flushAndClose()
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				s.finish(sessions.StatusDone, "", true)
				return flushAndClose()
			}
			s.timers.touch(s.cfg.IdleTimeout)
			terminal, err := s.handleEvent(ev)
			if err != nil {
				s.finishOnSendError(err)
				return flushAndClose()
			}
			if terminal {
				return flushAndClose()
			}

		case <-timerC(s.timers.handshake):
			s.logger.Info("live session bootstrap timeout")
			s.finish(sessions.StatusError, "bootstrap timeout", true)
			return flushAndClose()

		case <-timerC(s.timers.idle):
			s.logger.Info("live session idle timeout", "idle_timeout_ms", s.cfg.IdleTimeout.Milliseconds())
			s.finish(sessions.StatusError, "idle timeout", true)
			return flushAndClose()

		case <-timerC(s.timers.maxDuration):
			s.logger.Info("live session max duration reached", "max_session_ms", s.cfg.MaxSessionDuration.Milliseconds())
			s.finish(sessions.StatusDone, "", true)
			return flushAndClose()
		}
	}
}

func (s *LiveSession) handleText(data []byte, openCh chan<- openResult) (closing bool) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var de *protocol.DecodeError
		code := ""
		if errors.As(err, &de) {
			code = de.Code
		}
		s.logger.Debug("ignoring client message", "code", code, "error", err)
		return false
	}

	switch m := msg.(type) {
	case protocol.ClientBootstrap:
		if s.Status() != sessions.StatusIdle {
			s.logger.Debug("ignoring bootstrap", "status", s.Status())
			return false
		}
		if err := s.bootstrap(m, openCh); err != nil {
			s.logger.Warn("live session bootstrap rejected", "error", err)
			s.finish(sessions.StatusError, err.Error(), true)
			return true
		}
		return false
	case protocol.ClientStop:
		s.finish(sessions.StatusDone, "", true)
		return true
	default:
		return false
	}
}

func (s *LiveSession) bootstrap(msg protocol.ClientBootstrap, openCh chan<- openResult) error {
	id := msg.SessionID
	if id == "" {
		id = s.newID()
	}
	ext := msg.Snapshot().Normalize(s.blueprint).WithDerived(s.blueprint)
	if err := s.registry.Create(id, sessions.StatusConnecting, ext, sessions.Handle{Cancel: s.Stop}); err != nil {
		return err
	}
	s.id = id
	s.registered = true
	s.startedAt = s.now()
	s.extraction = ext
	s.logger = s.logger.With("session_id", id)

	questions, anomalies := prioritize.PickTop(ext.Unanswered, s.blueprint, s.weights, s.cfg.TopK)
	for _, a := range anomalies {
		s.logger.Warn("skipping unanswered question", "question_id", a.QuestionID, "reason", a.Reason)
	}
	s.questions = questions

	threshold := s.cfg.DefaultConfidenceThreshold
	if msg.ConfidenceThreshold != nil {
		threshold = *msg.ConfidenceThreshold
	}

	s.setStatus(sessions.StatusConnecting)
	s.timers.bootstrapped(s.cfg.IdleTimeout, s.cfg.MaxSessionDuration)
	s.logger.Info("live session bootstrapped",
		"answers", len(ext.Answers),
		"unanswered", len(ext.Unanswered),
		"questions", len(questions),
		"confidence_threshold", threshold,
	)

	cfg := engine.Config{
		SessionID:           id,
		Instructions:        s.cfg.Instructions,
		Questions:           questions,
		ConfidenceThreshold: threshold,
	}
	go s.open(cfg, openCh)
	return nil
}

// open runs on its own goroutine. A handle that arrives after the session
// has ended is closed here.
func (s *LiveSession) open(cfg engine.Config, out chan<- openResult) {
	h, err := s.connector.Open(s.ctx, cfg)
	if err != nil {
		h = nil
	}
	select {
	case out <- openResult{handle: h, err: err}:
	case <-s.ctx.Done():
		if h != nil {
			_ = h.Close()
		}
	}
}

func (s *LiveSession) goLive() error {
	s.setStatus(sessions.StatusLive)

	ready := make([]protocol.ReadyQuestion, 0, len(s.questions))
	for _, q := range s.questions {
		ready = append(ready, protocol.ReadyQuestion{ID: q.ID, QuestionText: q.Text})
	}
	if err := s.sendJSON(protocol.Ready(s.id, ready)); err != nil {
		return err
	}

	buffered := s.pending.drain()
	for _, chunk := range buffered {
		s.forwardAudio(chunk)
	}
	s.logger.Info("live session ready", "questions", len(ready), "buffered_audio_frames", len(buffered))
	return nil
}

func (s *LiveSession) handleAudio(data []byte) {
	switch s.Status() {
	case sessions.StatusIdle:
		s.logger.Debug("ignoring audio before bootstrap", "bytes", len(data))
		return
	case sessions.StatusConnecting, sessions.StatusLive:
	default:
		return
	}

	if limit := s.cfg.MaxAudioFrameBytes; limit > 0 && len(data) > limit {
		s.noteAudioDrop("oversize", len(data))
		return
	}
	if !s.limiter.Allow(len(data)) {
		s.noteAudioDrop("rate_limited", len(data))
		return
	}
	if s.handle == nil {
		if s.pending.push(data) {
			s.noteAudioDrop("pending_overflow", len(data))
		}
		return
	}
	s.forwardAudio(data)
}

func (s *LiveSession) forwardAudio(data []byte) {
	err := s.handle.SendAudio(data)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrAudioOverloaded):
		s.noteAudioDrop("engine_overloaded", len(data))
	case errors.Is(err, engine.ErrClosed):
	default:
		s.logger.Warn("engine audio send failed", "error", err)
	}
}

func (s *LiveSession) noteAudioDrop(reason string, size int) {
	s.audioDropped[reason]++
	if n := s.audioDropped[reason]; n == 1 || n%100 == 0 {
		s.logger.Warn("dropping inbound audio", "reason", reason, "bytes", size, "dropped_total", n)
	}
}

func (s *LiveSession) handleEvent(ev engine.Event) (terminal bool, err error) {
	switch e := ev.(type) {
	case engine.AgentUtterance:
		return false, s.sendJSON(protocol.AgentSays(e.Text))
	case engine.PartialTranscript:
		return false, s.sendJSON(protocol.PartialTranscript(e.Text))
	case engine.ToolCall:
		return false, s.handleToolCall(e)
	case engine.SessionDone:
		s.finish(sessions.StatusDone, "", true)
		return true, nil
	case engine.SessionError:
		s.logger.Warn("engine session error", "message", e.Message)
		s.finish(sessions.StatusError, e.Message, true)
		return true, nil
	default:
		s.logger.Warn("unknown engine event", "type", fmt.Sprintf("%T", ev))
		return false, nil
	}
}

func (s *LiveSession) handleToolCall(call engine.ToolCall) error {
	if call.Name != reconcile.ToolName {
		s.logger.Warn("unsupported tool call", "tool", call.Name, "correlation_id", call.CorrelationID)
		nack := engine.ToolResult{
			CorrelationID: call.CorrelationID,
			Name:          call.Name,
			Payload:       map[string]any{"ok": false, "error": "unsupported tool"},
		}
		if err := s.handle.SendControl(nack); err != nil {
			s.logger.Warn("tool result not delivered", "tool", call.Name, "error", err)
		}
		return s.sendJSON(protocol.ToolCall(call.Name, call.Args, call.CorrelationID))
	}

	next, out, err := reconcile.Apply(s.extraction, call.Args, s.blueprint)
	s.extraction = next
	s.registry.Update(s.id, next)
	if err != nil {
		s.logger.Warn("updateAnswer rejected", "correlation_id", call.CorrelationID, "error", err)
		return nil
	}

	ack := engine.ToolResult{CorrelationID: call.CorrelationID, Name: call.Name, Payload: out.Ack}
	if err := s.handle.SendControl(ack); err != nil {
		s.logger.Warn("tool result not delivered", "tool", call.Name, "error", err)
	}
	s.logger.Info("answer updated",
		"question_id", out.Answer.QuestionID,
		"created", out.Created,
		"unanswered", len(next.Unanswered),
	)
	return s.sendJSON(protocol.AnswerUpdated(out.Answer))
}

// finish moves the session into a terminal state once. With notify set the
// client is told with done or error before the socket closes.
func (s *LiveSession) finish(status sessions.Status, message string, notify bool) {
	if s.Status().Terminal() {
		return
	}
	s.setStatus(status)
	if notify {
		var err error
		if status == sessions.StatusError {
			err = s.sendJSON(protocol.Error(message))
		} else {
			err = s.sendJSON(protocol.Done())
		}
		if err != nil {
			s.logger.Debug("final message not queued", "status", status, "error", err)
		}
	}
	if s.handle != nil {
		_ = s.handle.Close()
	}
}

func (s *LiveSession) finishOnSendError(err error) {
	if errors.Is(err, errBackpressure) {
		s.logger.Warn("client not keeping up, closing live session")
	} else {
		s.logger.Warn("live send failed", "error", err)
	}
	s.finish(sessions.StatusError, "", false)
}

func (s *LiveSession) setStatus(status sessions.Status) {
	s.status.Store(status)
	if s.registered {
		s.registry.SetStatus(s.id, status)
	}
}

func (s *LiveSession) teardown() {
	s.cancel()
	if !s.Status().Terminal() {
		s.setStatus(sessions.StatusDone)
	}
	if s.handle != nil {
		_ = s.handle.Close()
	}
	if !s.registered {
		return
	}

	snap, ok := s.registry.Remove(s.id)
	if !ok {
		return
	}
	ended := s.now()
	s.logger.Info("live session ended",
		"status", snap.Status,
		"answers", len(snap.Extraction.Answers),
		"unanswered", len(snap.Extraction.Unanswered),
		"warnings", len(snap.Extraction.Warnings),
		"duration_ms", ended.Sub(s.startedAt).Milliseconds(),
	)
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	rec := archive.Record{
		SessionID:  snap.SessionID,
		Status:     string(snap.Status),
		Extraction: snap.Extraction,
		StartedAt:  snap.StartedAt,
		EndedAt:    ended,
	}
	if err := s.archive.Save(ctx, rec); err != nil {
		s.logger.Warn("archive session failed", "error", err)
	}
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- outboundFrame{payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func errorMessage(err error) string {
	var ie *engine.InitError
	if errors.As(err, &ie) {
		return "engine unavailable"
	}
	return err.Error()
}
