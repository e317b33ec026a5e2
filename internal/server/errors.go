package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yansir/kiroproxy/internal/retry"
	"github.com/yansir/kiroproxy/internal/transcode"
	"github.com/yansir/kiroproxy/internal/translate"
)

var errNoFlush = errors.New("response writer does not support flushing")

// writeJSONError maps err to an Anthropic-shaped error body and status,
// following the same status/type taxonomy the relay used for its sanitized
// upstream errors, adapted to the outcomes this proxy's own layers produce.
func writeJSONError(w http.ResponseWriter, err error) {
	status, errType, msg := classifyError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

func classifyError(err error) (status int, errType, msg string) {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, retry.ErrBadRequest):
		return http.StatusBadRequest, "invalid_request_error", err.Error()
	case errors.Is(err, translate.ErrUnsupportedModel):
		return http.StatusBadRequest, "invalid_request_error", err.Error()
	case errors.Is(err, translate.ErrEmptyMessages):
		return http.StatusBadRequest, "invalid_request_error", err.Error()
	case errors.Is(err, retry.ErrProxyDisabled):
		return http.StatusServiceUnavailable, "service_unavailable", err.Error()
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, "overloaded_error", exhausted.Error()
	default:
		return http.StatusInternalServerError, "api_error", "internal error"
	}
}

// writeSSEError renders err through the same classifyError mapping writeJSONError
// uses and emits it as a terminal SSE error frame, so the JSON and SSE error
// shapes can never drift apart. Used once the stream has already committed a
// 200 status and an HTTP error response is no longer possible.
func writeSSEError(sink retry.Sink, err error) error {
	_, errType, msg := classifyError(err)
	return sink.Emit(transcode.ErrorEvent(errType, msg).Render())
}
