package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/middleware"
	"github.com/tunebeat/stream-server-go/internal/service"
	"github.com/tunebeat/stream-server-go/internal/sse"
)

// EventsHandler streams per-second metering progress to the client over SSE.
type EventsHandler struct {
	streams *service.StreamService
	broker  *sse.Broker
}

func NewEventsHandler(streams *service.StreamService, broker *sse.Broker) *EventsHandler {
	return &EventsHandler{streams: streams, broker: broker}
}

// GET /v1/streams/{sessionID}/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.streams.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.ListenerID != listener.ID && session.CreatorID != listener.ID {
		writeError(w, apperrors.Forbidden("Session belongs to another listener"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	// Initial snapshot so a client that connects mid-session knows where it is.
	connected, _ := json.Marshal(map[string]any{
		"session_id":       session.ID,
		"status":           session.Status,
		"credits_consumed": session.CreditsConsumed,
	})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
	flusher.Flush()

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.Done:
			return

		case event, ok := <-client.Events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()

			// Terminal events end the stream; nothing follows them.
			if event.Type == sse.EventSettled || event.Type == sse.EventDisputed {
				log.Debug().Str("sessionId", sessionID).Str("event", event.Type).Msg("closing event stream")
				return
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
