// Package engine connects a live intake session to the remote conversational
// inference engine. It turns audio and control messages into engine writes
// and normalizes everything the engine emits into a small closed set of
// events.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-go/intake-live/pkg/intake/prioritize"
)

var (
	// ErrClosed is returned by sends on a handle that has been closed.
	ErrClosed = errors.New("engine channel closed")
	// ErrAudioOverloaded is returned when an audio chunk could not be queued
	// even after discarding the oldest queued chunks.
	ErrAudioOverloaded = errors.New("engine audio queue overloaded")
)

// InitError reports a failed Open: the engine was unreachable or rejected the
// configuration. It is terminal for the session.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	if e == nil || e.Err == nil {
		return "engine init failed"
	}
	return fmt.Sprintf("engine init failed: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

type EventKind string

const (
	KindAgentUtterance    EventKind = "agent_utterance"
	KindPartialTranscript EventKind = "partial_transcript"
	KindToolCall          EventKind = "tool_call"
	KindSessionDone       EventKind = "session_done"
	KindSessionError      EventKind = "session_error"
)

// Event is one of AgentUtterance, PartialTranscript, ToolCall, SessionDone or
// SessionError.
type Event interface {
	Kind() EventKind
}

type AgentUtterance struct {
	Text string
}

type PartialTranscript struct {
	Text string
}

// ToolCall asks the session to run a tool. The engine waits for a ToolResult
// carrying the same CorrelationID before it continues.
type ToolCall struct {
	Name          string
	Args          map[string]any
	CorrelationID string
}

type SessionDone struct{}

type SessionError struct {
	Message string
}

func (AgentUtterance) Kind() EventKind    { return KindAgentUtterance }
func (PartialTranscript) Kind() EventKind { return KindPartialTranscript }
func (ToolCall) Kind() EventKind          { return KindToolCall }
func (SessionDone) Kind() EventKind       { return KindSessionDone }
func (SessionError) Kind() EventKind      { return KindSessionError }

// IsTerminal reports whether ev ends the event stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case SessionDone, SessionError:
		return true
	}
	return false
}

// Control is one of TurnComplete, InjectText or ToolResult.
type Control interface {
	controlMessage()
}

// TurnComplete tells the engine the user turn is over.
type TurnComplete struct{}

// InjectText inserts text into the conversation as if the user had said it.
// EndTurn also completes the turn.
type InjectText struct {
	Text    string
	EndTurn bool
}

// ToolResult acknowledges a ToolCall.
type ToolResult struct {
	CorrelationID string
	Name          string
	Payload       map[string]any
}

func (TurnComplete) controlMessage() {}
func (InjectText) controlMessage()   {}
func (ToolResult) controlMessage()   {}

// Config seeds a new engine channel.
type Config struct {
	SessionID string
	// Instructions overrides the default system instructions when set.
	Instructions        string
	Questions           []prioritize.Descriptor
	ConfidenceThreshold float64
}

// Connector opens engine channels.
type Connector interface {
	Open(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is one open engine channel. Writes from any goroutine are
// serialized onto the channel by a single writer. Events are delivered in
// engine order and the channel is closed after a terminal event or Close.
type Handle interface {
	SendAudio(chunk []byte) error
	SendControl(c Control) error
	Events() <-chan Event
	// Close is idempotent. No events are delivered after Close returns.
	Close() error
}
