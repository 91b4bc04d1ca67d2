package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/audit"
	"github.com/tunebeat/stream-server-go/internal/database"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/util"
)

// OperatorHandler is the manual reconciliation surface. Disputed sessions are
// resolved out of band; the credit endpoint is how an operator makes an
// affected party whole.
type OperatorHandler struct {
	db        *database.DB
	listeners repository.ListenerRepository
	balances  repository.BalanceRepository
	sessions  repository.SessionRepository
}

func NewOperatorHandler(
	db *database.DB,
	listeners repository.ListenerRepository,
	balances repository.BalanceRepository,
	sessions repository.SessionRepository,
) *OperatorHandler {
	return &OperatorHandler{db: db, listeners: listeners, balances: balances, sessions: sessions}
}

func (h *OperatorHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/credit", h.Credit)
	r.Post("/listeners", h.CreateListener)
	r.Post("/sessions/{sessionID}/resolve", h.ResolveDispute)

	return r
}

type creditRequest struct {
	ListenerID string `json:"listener_id"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

// POST /operator/credit
func (h *OperatorHandler) Credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.ListenerID == "" {
		writeError(w, apperrors.MissingRequired("listener_id"))
		return
	}
	if req.Amount == 0 {
		writeError(w, apperrors.InvalidInput("amount", "must be non-zero"))
		return
	}

	newBalance, err := h.balances.Adjust(r.Context(), req.ListenerID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.Log(r.Context(), audit.Event{
		Type:       audit.EventOperatorCredit,
		ListenerID: req.ListenerID,
		Details: map[string]interface{}{
			"amount": req.Amount,
			"reason": req.Reason,
		},
	})

	writeJSON(w, http.StatusOK, map[string]int64{"credits": newBalance})
}

type createListenerRequest struct {
	InitialCredits int64 `json:"initial_credits"`
}

type createListenerResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// POST /operator/listeners
//
// The plaintext token is returned exactly once; only its hash is stored.
func (h *OperatorHandler) CreateListener(w http.ResponseWriter, r *http.Request) {
	var req createListenerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.InitialCredits < 0 {
		writeError(w, apperrors.InvalidInput("initial_credits", "must not be negative"))
		return
	}

	token, err := util.GenerateToken()
	if err != nil {
		writeError(w, apperrors.Internal("Failed to generate token"))
		return
	}

	var listener *model.Listener
	err = h.db.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var txErr error
		listener, txErr = h.listeners.WithTx(tx).Create(r.Context(), model.CreateListenerParams{
			TokenHash:      util.HashToken(token),
			InitialCredits: req.InitialCredits,
		})
		return txErr
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create listener")
		writeError(w, apperrors.Database(err))
		return
	}

	writeJSON(w, http.StatusCreated, createListenerResponse{ID: listener.ID, Token: token})
}

type resolveRequest struct {
	RefundCredits int64 `json:"refund_credits"`
}

// POST /operator/sessions/{sessionID}/resolve
//
// Marks a disputed session settled after manual reconciliation, optionally
// refunding the listener.
func (h *OperatorHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.RefundCredits < 0 {
		writeError(w, apperrors.InvalidInput("refund_credits", "must not be negative"))
		return
	}

	session, err := h.sessions.FindByID(r.Context(), sessionID)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if session == nil {
		writeError(w, apperrors.NotFound("Session"))
		return
	}

	moved, err := h.sessions.TransitionStatus(r.Context(), sessionID, model.SessionStatusDisputed, model.SessionStatusSettled)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if !moved {
		writeError(w, apperrors.New(apperrors.ErrCodeConflict, "Session is not disputed"))
		return
	}

	if req.RefundCredits > 0 {
		if _, err := h.balances.Adjust(r.Context(), session.ListenerID, req.RefundCredits); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("dispute refund failed after status change")
			writeError(w, err)
			return
		}
	}

	audit.Log(r.Context(), audit.Event{
		Type:       audit.EventOperatorCredit,
		SessionID:  sessionID,
		ListenerID: session.ListenerID,
		CreatorID:  session.CreatorID,
		Details: map[string]interface{}{
			"action":         "dispute_resolved",
			"refund_credits": req.RefundCredits,
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{"status": model.SessionStatusSettled})
}
