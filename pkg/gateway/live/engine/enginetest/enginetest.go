// Package enginetest provides an in-memory engine.Connector for tests.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/intake-live/pkg/gateway/live/engine"
)

// Connector opens scripted handles. Each Open is recorded and its handle is
// published on Opened.
type Connector struct {
	// OpenErr, when set, makes Open fail with an *engine.InitError.
	OpenErr error
	// OpenDelay holds Open back before returning.
	OpenDelay time.Duration

	mu      sync.Mutex
	configs []engine.Config
	opened  chan *Handle
}

func NewConnector() *Connector {
	return &Connector{opened: make(chan *Handle, 16)}
}

func (c *Connector) Open(ctx context.Context, cfg engine.Config) (engine.Handle, error) {
	c.mu.Lock()
	c.configs = append(c.configs, cfg)
	c.mu.Unlock()

	if c.OpenDelay > 0 {
		select {
		case <-time.After(c.OpenDelay):
		case <-ctx.Done():
			return nil, &engine.InitError{Err: ctx.Err()}
		}
	}
	if c.OpenErr != nil {
		return nil, &engine.InitError{Err: c.OpenErr}
	}
	h := NewHandle()
	select {
	case c.opened <- h:
	default:
	}
	return h, nil
}

// Configs returns the configs passed to Open so far.
func (c *Connector) Configs() []engine.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]engine.Config(nil), c.configs...)
}

// WaitOpen returns the next opened handle, or nil after timeout.
func (c *Connector) WaitOpen(timeout time.Duration) *Handle {
	select {
	case h := <-c.opened:
		return h
	case <-time.After(timeout):
		return nil
	}
}

// Handle records everything written to it and emits whatever the test
// scripts with Emit.
type Handle struct {
	mu           sync.Mutex
	events       chan engine.Event
	eventsClosed bool
	audio        [][]byte
	controls     []engine.Control

	controlCh  chan engine.Control
	closeCalls atomic.Int32
	done       chan struct{}
	doneOnce   sync.Once
}

func NewHandle() *Handle {
	return &Handle{
		events:    make(chan engine.Event, 256),
		controlCh: make(chan engine.Control, 256),
		done:      make(chan struct{}),
	}
}

func (h *Handle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isDone() {
		return engine.ErrClosed
	}
	h.audio = append(h.audio, append([]byte(nil), chunk...))
	return nil
}

func (h *Handle) SendControl(c engine.Control) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isDone() {
		return engine.ErrClosed
	}
	h.controls = append(h.controls, c)
	select {
	case h.controlCh <- c:
	default:
	}
	return nil
}

func (h *Handle) Events() <-chan engine.Event { return h.events }

func (h *Handle) Close() error {
	h.closeCalls.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
	h.closeEvents()
	return nil
}

// Emit delivers ev unless the handle is closed. A terminal event closes the
// event channel.
func (h *Handle) Emit(ev engine.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.eventsClosed {
		return false
	}
	h.events <- ev
	if engine.IsTerminal(ev) {
		h.closeEvents()
	}
	return true
}

func (h *Handle) closeEvents() {
	if !h.eventsClosed {
		h.eventsClosed = true
		close(h.events)
	}
}

func (h *Handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Audio returns the chunks received so far.
func (h *Handle) Audio() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.audio...)
}

// Controls returns the control messages received so far.
func (h *Handle) Controls() []engine.Control {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]engine.Control(nil), h.controls...)
}

// NextControl waits for the next control message.
func (h *Handle) NextControl(timeout time.Duration) (engine.Control, bool) {
	select {
	case c := <-h.controlCh:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closeCalls.Load() > 0 }

// CloseCalls counts Close invocations.
func (h *Handle) CloseCalls() int { return int(h.closeCalls.Load()) }

// Done is closed once Close has been called.
func (h *Handle) Done() <-chan struct{} { return h.done }
