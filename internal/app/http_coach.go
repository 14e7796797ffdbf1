package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"clarvoy/api/internal/coach"
	"clarvoy/api/internal/ratelimit"
)

// handleCoachChat answers with a server-sent event stream:
// {"content":...} chunks ending in {"done":true} or a single {"error":...}.
func (s *HTTPServer) handleCoachChat(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.coachLimiter.Allow(ratelimit.ClientKey(r, session.UserID)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many coaching requests. Try again shortly.", nil)
		return
	}

	var body CoachInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.CheckCoachInput(r.Context(), body); err != nil {
		s.fail(w, r, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(payload map[string]any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	sink := coach.Sink{
		Chunk: func(content string) error { return send(map[string]any{"content": content}) },
		Done:  func() error { return send(map[string]any{"done": true}) },
		Error: func(message string) error { return send(map[string]any{"error": message}) },
		Disconnected: func() bool {
			return r.Context().Err() != nil
		},
	}
	if err := s.service.Coach(r.Context(), session, body, sink); err != nil {
		s.service.logger.Warn("coaching stream ended with error",
			zap.String("request_id", requestID(r)),
			zap.String("user_id", session.UserID),
			zap.Error(err),
		)
	}
}
