package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xuxu777xu/CodePilot-sub000/internal/event"
	"github.com/xuxu777xu/CodePilot-sub000/internal/logging"
	"github.com/xuxu777xu/CodePilot-sub000/pkg/types"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// flush pushes buffered bytes to the client. ResponseController sees through
// middleware wrappers, the Flusher is the fallback.
func (s *sseWriter) flush() {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// writeEvent writes a named SSE event with a JSON body.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flush()
}

// openSSE sets the headers, writes the status and returns the writer.
func openSSE(w http.ResponseWriter) (*sseWriter, bool) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return nil, false
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	sse.flush()
	return sse, true
}

// sessionEvents handles GET /session/{sessionID}/events. The current snapshot
// is sent first, then every stream event in publish order.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionParam(r)
	ctx := r.Context()

	events := make(chan types.StreamEvent, 16)
	unsub := s.registry.Subscribe(sessionID, func(ev types.StreamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	defer unsub()

	sse, ok := openSSE(w)
	if !ok {
		return
	}

	if snap, ok := s.registry.Snapshot(sessionID); ok {
		if err := sse.writeEvent("snapshot", snap); err != nil {
			return
		}
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := sse.writeEvent(string(ev.Type), ev); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// globalEvents handles GET /event. Notifications are relayed as "message"
// events, filtered to one session when ?sessionID= is given.
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	events := make(chan event.Event, 32)
	unsub := s.notes.SubscribeAll(func(e event.Event) {
		if sessionID != "" && e.SessionID != sessionID {
			return
		}
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Msg("SSE event dropped: channel full")
		}
	})
	defer unsub()

	sse, ok := openSSE(w)
	if !ok {
		return
	}
	if err := sse.writeEvent("message", map[string]string{"type": "server.connected"}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sse.writeEvent("message", e); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
