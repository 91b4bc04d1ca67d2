package handler

import (
	"net/http"

	"github.com/tunebeat/stream-server-go/internal/middleware"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/service"
)

type EarningsHandler struct {
	streams *service.StreamService
}

func NewEarningsHandler(streams *service.StreamService) *EarningsHandler {
	return &EarningsHandler{streams: streams}
}

// GET /v1/earnings
func (h *EarningsHandler) List(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())
	params := ParsePagination(r)

	entries, err := h.streams.Earnings(r.Context(), listener.ID, params.Limit, params.Offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.EarningsEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"earnings": entries,
		"limit":    params.Limit,
		"offset":   params.Offset,
	})
}
