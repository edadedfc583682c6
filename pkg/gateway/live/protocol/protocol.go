package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/vango-go/intake-live/pkg/intake/extraction"
)

const (
	TypeBootstrap = "bootstrap"
	TypeStop      = "stop"

	TypeReady             = "ready"
	TypeAgentSays         = "agent_says"
	TypePartialTranscript = "partial_transcript"
	TypeAnswerUpdated     = "answer_updated"
	TypeToolCall          = "tool_call"
	TypeDone              = "done"
	TypeError             = "error"
)

const (
	CodeBadRequest  = "bad_request"
	CodeUnknownType = "unknown_type"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// ClientBootstrap starts a session from an extraction snapshot.
type ClientBootstrap struct {
	Type                string                 `json:"type"`
	SessionID           string                 `json:"sessionId,omitempty"`
	Extraction          *extraction.Extraction `json:"extraction"`
	ConfidenceThreshold *float64               `json:"confidenceThreshold,omitempty"`
}

// Snapshot returns the bootstrap extraction, empty when none was sent.
func (b ClientBootstrap) Snapshot() extraction.Extraction {
	if b.Extraction == nil {
		return extraction.Extraction{}
	}
	return b.Extraction.Clone()
}

type ClientStop struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one text frame into ClientBootstrap or
// ClientStop. Unknown types fail with CodeUnknownType.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeBootstrap:
		var msg ClientBootstrap
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid bootstrap frame", "")
		}
		msg.Type = typ
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if t := msg.ConfidenceThreshold; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 1) {
			return nil, badRequest("bootstrap.confidenceThreshold must be within [0, 1]", "confidenceThreshold")
		}
		return msg, nil
	case TypeStop:
		return ClientStop{Type: typ}, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Message: "unsupported message type", Param: typ}
	}
}

type ReadyQuestion struct {
	ID           int    `json:"id"`
	QuestionText string `json:"question_text"`
}

type ServerReady struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Questions []ReadyQuestion `json:"questions"`
}

type ServerAgentSays struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerPartialTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAnswerUpdated struct {
	Type   string            `json:"type"`
	Answer extraction.Answer `json:"answer"`
}

// ServerToolCall relays a tool call the gateway does not handle itself.
type ServerToolCall struct {
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Args          map[string]any `json:"args"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type ServerDone struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func Ready(sessionID string, questions []ReadyQuestion) ServerReady {
	if questions == nil {
		questions = []ReadyQuestion{}
	}
	return ServerReady{Type: TypeReady, SessionID: sessionID, Questions: questions}
}

func AgentSays(text string) ServerAgentSays { return ServerAgentSays{Type: TypeAgentSays, Text: text} }

func PartialTranscript(text string) ServerPartialTranscript {
	return ServerPartialTranscript{Type: TypePartialTranscript, Text: text}
}

func AnswerUpdated(a extraction.Answer) ServerAnswerUpdated {
	return ServerAnswerUpdated{Type: TypeAnswerUpdated, Answer: a}
}

func ToolCall(name string, args map[string]any, correlationID string) ServerToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return ServerToolCall{Type: TypeToolCall, Name: name, Args: args, CorrelationID: correlationID}
}

func Done() ServerDone { return ServerDone{Type: TypeDone} }

func Error(message string) ServerError { return ServerError{Type: TypeError, Error: message} }
