package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/intake-live/pkg/gateway/apierror"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, reqID string, err error) {
	apierror.WriteError(w, reqID, err)
}
