package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/middleware"
	"github.com/tunebeat/stream-server-go/internal/service"
)

type StreamHandler struct {
	streams *service.StreamService
}

func NewStreamHandler(streams *service.StreamService) *StreamHandler {
	return &StreamHandler{streams: streams}
}

type startRequest struct {
	TrackID string `json:"track_id"`
}

// POST /v1/streams
func (h *StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.TrackID == "" {
		writeError(w, apperrors.MissingRequired("track_id"))
		return
	}

	result, err := h.streams.Start(r.Context(), listener.ID, req.TrackID)
	if err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Msg("failed to start stream")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GET /v1/streams/{sessionID}
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, session)
}

// POST /v1/streams/{sessionID}/stop
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.streams.RequestClose(r.Context(), sessionID, listener.ID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// GET /v1/streams/{sessionID}/result
func (h *StreamHandler) Result(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	result, err := h.streams.Result(r.Context(), sessionID, listener.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
