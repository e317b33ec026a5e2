package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yansir/kiroproxy/internal/idgen"
	"github.com/yansir/kiroproxy/internal/retry"
	"github.com/yansir/kiroproxy/internal/tokenestimate"
	"github.com/yansir/kiroproxy/internal/translate"
)

// flushSink adapts an http.ResponseWriter/http.Flusher pair into a
// retry.Sink, writing and flushing each rendered SSE frame as it's produced.
type flushSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s flushSink) Emit(frame string) error {
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req translate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, translate.ErrEmptyMessages)
		return
	}

	conversationID := idgen.ConversationID()

	if !req.Stream {
		msg, err := s.engine.Do(r.Context(), &req, conversationID, nil)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, errNoFlush)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := flushSink{w: w, f: flusher}
	if _, err := s.engine.Do(r.Context(), &req, conversationID, sink); err != nil {
		slog.Warn("stream ended in error", "error", err)
		// The stream is already committed with a 200 status, so the failure
		// must surface as a terminal SSE error frame rather than an HTTP
		// error. Disable's own cancellation path already emits this frame
		// before returning, so skip the duplicate here.
		if !errors.Is(err, retry.ErrProxyDisabled) {
			if sendErr := writeSSEError(sink, err); sendErr != nil {
				slog.Warn("failed to emit terminal SSE error frame", "error", sendErr)
			}
		}
	}
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req translate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, translate.ErrEmptyMessages)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"input_tokens": tokenestimate.Request(&req),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids := translate.SupportedModels()
	data := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]string{
			"id":   id,
			"type": "model",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}
