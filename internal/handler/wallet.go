package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/middleware"
	"github.com/tunebeat/stream-server-go/internal/service"
)

type WalletHandler struct {
	streams *service.StreamService
}

func NewWalletHandler(streams *service.StreamService) *WalletHandler {
	return &WalletHandler{streams: streams}
}

func (h *WalletHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Balance)
	r.Post("/deposit", h.Deposit)

	return r
}

// GET /v1/wallet
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())

	balance, err := h.streams.Balance(r.Context(), listener.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

// POST /v1/wallet/deposit
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	listener := middleware.GetListener(r.Context())

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}

	newBalance, err := h.streams.Deposit(r.Context(), listener.ID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"credits": newBalance})
}
