package handlers

import (
	"net/http"

	"github.com/vango-go/intake-live/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, http.StatusNotFound, &apierror.Error{
		Type:      apierror.ErrNotFound,
		Message:   "not found",
		RequestID: requestIDFromContext(r.Context()),
	})
}

type MethodNotAllowedHandler struct{}

func (h MethodNotAllowedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
		Type:      apierror.ErrInvalidRequest,
		Message:   "method not allowed",
		Code:      "method_not_allowed",
		RequestID: requestIDFromContext(r.Context()),
	})
}
