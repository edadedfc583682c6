// Package apierror maps errors to the gateway's JSON error envelope.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/intake/batch"
)

// StatusOverloaded is returned while the gateway drains.
const StatusOverloaded = 529

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

func InvalidRequest(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

func NotFound(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(apiErr.Type)
	}

	if errors.Is(err, archive.ErrNotFound) {
		return &Error{Type: ErrNotFound, Message: "session not found", RequestID: requestID}, http.StatusNotFound
	}
	if errors.Is(err, batch.ErrEmptyTranscript) {
		return &Error{Type: ErrProvider, Message: err.Error(), RequestID: requestID}, http.StatusBadGateway
	}

	// Unknown errors: do not leak details.
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrOverloaded:
		return StatusOverloaded
	case ErrProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err in the envelope. A nil err writes a generic internal error.
func Write(w http.ResponseWriter, status int, err *Error) {
	if err == nil {
		err = &Error{Type: ErrAPI, Message: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}

// WriteError maps err with FromError and writes it.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	out, status := FromError(err, requestID)
	Write(w, status, out)
}
