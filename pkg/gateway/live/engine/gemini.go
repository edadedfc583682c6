package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

const (
	DefaultLiveModel = "gemini-2.0-flash-exp"
	DefaultAudioMIME = "audio/pcm;rate=16000"

	defaultAudioQueueSize   = 64
	defaultEventQueueSize   = 64
	defaultControlQueueSize = 16
)

// liveSession is the subset of *genai.Session the handle drives.
type liveSession interface {
	SendClientContent(genai.LiveClientContentInput) error
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// GeminiConnector opens channels on the Gemini Live API.
type GeminiConnector struct {
	Client *genai.Client
	Model  string
	Logger *slog.Logger

	AudioMIME      string
	AudioQueueSize int
	EventQueueSize int

	// connect replaces Client.Live.Connect in tests.
	connect func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)
}

func (c *GeminiConnector) Open(ctx context.Context, cfg Config) (Handle, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(c.Model)
	if model == "" {
		model = DefaultLiveModel
	}

	connect := c.connect
	if connect == nil {
		if c.Client == nil {
			return nil, &InitError{Err: errors.New("gemini client is required")}
		}
		connect = func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
			return c.Client.Live.Connect(ctx, model, lc)
		}
	}

	seed, err := QuestionsTurn(cfg.Questions)
	if err != nil {
		return nil, &InitError{Err: fmt.Errorf("render questions: %w", err)}
	}

	sess, err := connect(ctx, model, liveConnectConfig(cfg))
	if err != nil {
		return nil, &InitError{Err: err}
	}

	h := newGeminiHandle(sess, handleOptions{
		logger:         logger.With("session_id", cfg.SessionID, "model", model),
		audioMIME:      c.AudioMIME,
		audioQueueSize: c.AudioQueueSize,
		eventQueueSize: c.EventQueueSize,
	})
	if err := h.SendControl(InjectText{Text: seed, EndTurn: true}); err != nil {
		_ = h.Close()
		return nil, &InitError{Err: err}
	}
	return h, nil
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	instructions := cfg.Instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = Instructions(cfg.ConfidenceThreshold)
	}
	return &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityText},
		SystemInstruction:       &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(instructions)}},
		Tools:                   []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{UpdateAnswerDeclaration()}}},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}

type handleOptions struct {
	logger         *slog.Logger
	audioMIME      string
	audioQueueSize int
	eventQueueSize int
}

type geminiHandle struct {
	sess      liveSession
	logger    *slog.Logger
	audioMIME string

	control chan Control
	audio   chan []byte
	events  chan Event
	stop    chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	delivered atomic.Bool
	dropped   atomic.Int64

	writeErrMu sync.Mutex
	writeErr   error
}

func newGeminiHandle(sess liveSession, opts handleOptions) *geminiHandle {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.audioMIME == "" {
		opts.audioMIME = DefaultAudioMIME
	}
	if opts.audioQueueSize <= 0 {
		opts.audioQueueSize = defaultAudioQueueSize
	}
	if opts.eventQueueSize <= 0 {
		opts.eventQueueSize = defaultEventQueueSize
	}
	h := &geminiHandle{
		sess:      sess,
		logger:    opts.logger,
		audioMIME: opts.audioMIME,
		control:   make(chan Control, defaultControlQueueSize),
		audio:     make(chan []byte, opts.audioQueueSize),
		events:    make(chan Event, opts.eventQueueSize),
		stop:      make(chan struct{}),
	}
	go h.readLoop()
	go h.writeLoop()
	return h
}

func (h *geminiHandle) Events() <-chan Event { return h.events }

// SendAudio queues a chunk for the writer. When the queue is full the oldest
// queued chunks are discarded.
func (h *geminiHandle) SendAudio(chunk []byte) error {
	if h.stopped() {
		return ErrClosed
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	for i := 0; i < 4; i++ {
		select {
		case h.audio <- buf:
			return nil
		default:
		}
		select {
		case <-h.audio:
			if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
				h.logger.Warn("engine audio queue full, dropping oldest chunk", "dropped_total", n)
			}
		default:
		}
	}
	select {
	case h.audio <- buf:
		return nil
	default:
		return ErrAudioOverloaded
	}
}

// SendControl queues a control message. Control messages are never dropped
// and are written ahead of pending audio.
func (h *geminiHandle) SendControl(c Control) error {
	if c == nil {
		return errors.New("nil control message")
	}
	if h.stopped() {
		return ErrClosed
	}
	select {
	case h.control <- c:
		return nil
	case <-h.stop:
		return ErrClosed
	}
}

func (h *geminiHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.shutdown()
		h.closeErr = h.sess.Close()
	})
	return h.closeErr
}

func (h *geminiHandle) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *geminiHandle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *geminiHandle) writeLoop() {
	for {
		select {
		case c := <-h.control:
			if !h.write(func() error { return h.writeControl(c) }) {
				return
			}
			continue
		default:
		}

		select {
		case <-h.stop:
			return
		case c := <-h.control:
			if !h.write(func() error { return h.writeControl(c) }) {
				return
			}
		case chunk := <-h.audio:
			if !h.write(func() error {
				return h.sess.SendRealtimeInput(genai.LiveRealtimeInput{Audio: &genai.Blob{Data: chunk, MIMEType: h.audioMIME}})
			}) {
				return
			}
		}
	}
}

// write runs fn and, on failure, records the error and closes the engine
// connection so the reader surfaces it as a session error.
func (h *geminiHandle) write(fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	if h.closed.Load() {
		return false
	}
	h.writeErrMu.Lock()
	if h.writeErr == nil {
		h.writeErr = err
	}
	h.writeErrMu.Unlock()
	h.logger.Warn("engine write failed", "error", err)
	_ = h.sess.Close()
	return false
}

func (h *geminiHandle) writeControl(c Control) error {
	switch m := c.(type) {
	case TurnComplete:
		return h.sess.SendClientContent(genai.LiveClientContentInput{TurnComplete: genai.Ptr(true)})
	case InjectText:
		return h.sess.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(m.Text, genai.RoleUser)},
			TurnComplete: genai.Ptr(m.EndTurn),
		})
	case ToolResult:
		payload := m.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		return h.sess.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{ID: m.CorrelationID, Name: m.Name, Response: payload}},
		})
	default:
		h.logger.Warn("unsupported engine control message", "type", fmt.Sprintf("%T", c))
		return nil
	}
}

func (h *geminiHandle) readLoop() {
	defer close(h.events)
	for {
		msg, err := h.sess.Receive()
		if err != nil {
			if h.closed.Load() {
				return
			}
			h.emit(h.terminalFor(err))
			h.shutdown()
			_ = h.sess.Close()
			return
		}
		events := normalizeServerMessage(msg)
		if len(events) == 0 {
			h.logger.Debug("dropping engine message", "fields", describeServerMessage(msg))
			continue
		}
		for _, ev := range events {
			if !h.emit(ev) {
				return
			}
		}
	}
}

func (h *geminiHandle) emit(ev Event) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.events <- ev:
		if !IsTerminal(ev) {
			h.delivered.Store(true)
		}
		return true
	case <-h.stop:
		return false
	}
}

// terminalFor maps a receive error to the final event. A close before any
// event was delivered is reported as "closed before start" since it usually
// means the engine rejected the setup.
func (h *geminiHandle) terminalFor(err error) Event {
	h.writeErrMu.Lock()
	writeErr := h.writeErr
	h.writeErrMu.Unlock()
	if writeErr != nil {
		return SessionError{Message: fmt.Sprintf("engine write failed: %v", writeErr)}
	}

	started := h.delivered.Load()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		normal := ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
		switch {
		case normal && started:
			return SessionDone{}
		case !started && strings.TrimSpace(ce.Text) == "":
			return SessionError{Message: "closed before start"}
		case !started:
			return SessionError{Message: "closed before start: " + ce.Text}
		default:
			return SessionError{Message: fmt.Sprintf("engine closed the channel (%d): %s", ce.Code, ce.Text)}
		}
	}
	if !started {
		return SessionError{Message: fmt.Sprintf("closed before start: %v", err)}
	}
	return SessionError{Message: err.Error()}
}
