package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/service"
)

// EventsHandler streams a session's notifications over SSE. The chat layer
// is the intended consumer; it renders these without ever touching the
// engine or the database.
type EventsHandler struct {
	broker    *events.Broker
	lifecycle *service.LifecycleService
}

func NewEventsHandler(broker *events.Broker, lifecycle *service.LifecycleService) *EventsHandler {
	return &EventsHandler{broker: broker, lifecycle: lifecycle}
}

// GET /sessions/{sessionID}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.lifecycle.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("sessionId", sessionID).
		Str("sessionName", session.Name).
		Msg("event stream opened")

	h.sendEvent(w, flusher, "connected", map[string]any{
		"sessionId":   sessionID,
		"sessionName": session.Name,
		"phase":       session.Phase,
	})

	heartbeat := time.NewTicker(events.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("sessionId", sessionID).Msg("event stream closed by client")
			return
		case <-client.Done:
			return
		case notification := <-client.Events:
			h.sendEvent(w, flusher, string(notification.Type), notification)
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal sse event")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
