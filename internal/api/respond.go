package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"mentorchat/internal/apperr"
	"mentorchat/internal/chat"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status. Unclassified errors are logged and
// reported without detail.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Kind: apperr.KindName(err)}

	switch {
	case errors.Is(err, chat.ErrRateLimited):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", "1")
	case status == http.StatusInternalServerError:
		h.logger.Error("request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal server error"
	}

	writeJSON(w, status, body)
}
