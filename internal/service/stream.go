package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/channel"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/metering"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/settlement"
	"github.com/tunebeat/stream-server-go/internal/sse"
)

// settleTimeout bounds how long one session's close sequence may run,
// including the shutdown drain.
const settleTimeout = 2 * time.Minute

type StartResult struct {
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
}

type SettleResult struct {
	Status          model.SessionStatus `json:"status"`
	CreditsConsumed int64               `json:"credits_consumed"`
	SettlementTxRef *string             `json:"settlement_tx_ref"`
	LoyaltyGrant    *model.LoyaltyGrant `json:"loyalty_grant"`
}

// StreamService owns session state transitions. It is the only component
// that creates sessions, enters the close sequence, and supervises the
// per-session metering loops.
type StreamService struct {
	sessions    repository.SessionRepository
	balances    repository.BalanceRepository
	tracks      repository.TrackRepository
	loyaltyRepo repository.LoyaltyRepository
	history     repository.HistoryRepository
	coordinator *settlement.Coordinator
	peer        channel.Peer
	broker      metering.Sink
	tick        time.Duration

	mu         sync.Mutex
	active     map[string]*metering.Loop // sessionID -> loop
	byListener map[string]string         // listenerID -> sessionID
	wg         sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
}

func NewStreamService(
	sessions repository.SessionRepository,
	balances repository.BalanceRepository,
	tracks repository.TrackRepository,
	loyaltyRepo repository.LoyaltyRepository,
	history repository.HistoryRepository,
	coordinator *settlement.Coordinator,
	peer channel.Peer,
	broker metering.Sink,
	tick time.Duration,
) *StreamService {
	runCtx, cancel := context.WithCancel(context.Background())
	return &StreamService{
		sessions:    sessions,
		balances:    balances,
		tracks:      tracks,
		loyaltyRepo: loyaltyRepo,
		history:     history,
		coordinator: coordinator,
		peer:        peer,
		broker:      broker,
		tick:        tick,
		active:      make(map[string]*metering.Loop),
		byListener:  make(map[string]string),
		runCtx:      runCtx,
		cancelRun:   cancel,
	}
}

// Start validates preconditions, inserts the open session row, and spawns
// its metering loop. The channel allocation is opened by the loop, not here:
// a failing peer must never block session creation.
func (s *StreamService) Start(ctx context.Context, listenerID, trackID string) (*StartResult, error) {
	balance, err := s.balances.Find(ctx, listenerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if balance == nil || balance.Credits <= 0 {
		return nil, apperrors.InsufficientCredit()
	}

	track, err := s.tracks.FindByID(ctx, trackID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if track == nil || track.Restricted {
		return nil, apperrors.NotFound("Track")
	}

	s.mu.Lock()
	if existing, ok := s.byListener[listenerID]; ok {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeConflict, "Listener already has an active session").
			WithDetails(map[string]string{"sessionId": existing})
	}
	// Reserve the listener slot before the insert so two concurrent starts
	// cannot both pass the check.
	s.byListener[listenerID] = ""
	s.mu.Unlock()

	session, err := s.sessions.Create(ctx, model.CreateSessionParams{
		ID:         uuid.New().String(),
		ListenerID: listenerID,
		CreatorID:  track.CreatorID,
		TrackID:    trackID,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.byListener, listenerID)
		s.mu.Unlock()
		return nil, apperrors.Database(err)
	}

	loop := metering.NewLoop(*session, s.balances, s.sessions, s.peer, s.broker, s.tick)

	s.mu.Lock()
	s.active[session.ID] = loop
	s.byListener[listenerID] = session.ID
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(session, loop)

	log.Info().
		Str("sessionId", session.ID).
		Str("listenerId", listenerID).
		Str("trackId", trackID).
		Str("creatorId", track.CreatorID).
		Msg("session started")

	return &StartResult{SessionID: session.ID, Status: session.Status}, nil
}

func (s *StreamService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

// RequestClose transitions the session out of the open state and signals its
// loop. The compare-and-swap guarantees at-most-once entry into the close
// sequence even when a client stop races auto-stop on exhaustion.
func (s *StreamService) RequestClose(ctx context.Context, sessionID, requesterID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.ListenerID != requesterID {
		return apperrors.Forbidden("Session belongs to another listener")
	}

	moved, err := s.sessions.TransitionStatus(ctx, sessionID, model.SessionStatusOpen, model.SessionStatusClosing)
	if err != nil {
		return apperrors.Database(err)
	}
	if !moved {
		return apperrors.AlreadyClosed(sessionID)
	}

	s.mu.Lock()
	loop := s.active[sessionID]
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}

	log.Info().Str("sessionId", sessionID).Msg("close requested")
	return nil
}

// Result reports the settlement outcome for a session's owner (listener or
// creator).
func (s *StreamService) Result(ctx context.Context, sessionID, requesterID string) (*SettleResult, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ListenerID != requesterID && session.CreatorID != requesterID {
		return nil, apperrors.Forbidden("Session belongs to another listener")
	}

	result := &SettleResult{
		Status:          session.Status,
		CreditsConsumed: session.CreditsConsumed,
		SettlementTxRef: session.SettlementTxRef,
	}

	if session.Status == model.SessionStatusSettled {
		grant, err := s.loyaltyRepo.FindByPair(ctx, session.ListenerID, session.CreatorID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		result.LoyaltyGrant = grant
	}

	return result, nil
}

// Deposit tops up a listener balance. Shares the same atomic adjust as the
// metering debit, so concurrent ticks and deposits cannot race.
func (s *StreamService) Deposit(ctx context.Context, listenerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperrors.InvalidInput("amount", "must be positive")
	}
	newBalance, err := s.balances.Adjust(ctx, listenerID, amount)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	log.Info().Str("listenerId", listenerID).Int64("amount", amount).Int64("balance", newBalance).Msg("deposit applied")
	return newBalance, nil
}

func (s *StreamService) Balance(ctx context.Context, listenerID string) (*model.Balance, error) {
	balance, err := s.balances.Find(ctx, listenerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if balance == nil {
		return nil, apperrors.NotFound("Balance")
	}
	return balance, nil
}

// Earnings lists a creator's settled and pending (disputed) session
// outcomes, newest first.
func (s *StreamService) Earnings(ctx context.Context, creatorID string, limit, offset int) ([]model.EarningsEntry, error) {
	entries, err := s.history.ListByCreator(ctx, creatorID, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return entries, nil
}

// ActiveSessions reports how many loops this process is currently running.
func (s *StreamService) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// supervise waits for the metering loop to exit and then runs the close
// sequence exactly once. The coordinator runs strictly after the loop has
// stopped, never concurrently with it.
func (s *StreamService) supervise(session *model.Session, loop *metering.Loop) {
	defer s.wg.Done()

	result := loop.Run(s.runCtx)

	s.mu.Lock()
	delete(s.active, session.ID)
	delete(s.byListener, session.ListenerID)
	s.mu.Unlock()

	// The close sequence gets its own context: settlement must survive
	// request cancellation and finish during the shutdown drain.
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	// Exhaustion and shutdown enter closing here, exactly as if the client
	// had requested stop. RequestClose already moved the status in the
	// client-stop path, so a lost CAS is expected and fine.
	if _, err := s.sessions.TransitionStatus(ctx, session.ID, model.SessionStatusOpen, model.SessionStatusClosing); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to enter closing state")
		return
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("reason", string(result.Reason)).
		Int64("ticks", result.Ticks).
		Msg("metering loop stopped, settling")

	final, err := s.coordinator.Close(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("settlement failed")
	}

	if final != nil {
		eventType := sse.EventSettled
		if final.Status == model.SessionStatusDisputed {
			eventType = sse.EventDisputed
		}
		if pubErr := s.broker.PublishTerminal(ctx, session.ID, eventType, map[string]any{
			"status":           final.Status,
			"credits_consumed": final.CreditsConsumed,
		}); pubErr != nil {
			log.Warn().Err(pubErr).Str("sessionId", session.ID).Msg("failed to publish terminal event")
		}
	}
}

// Shutdown drains: every running loop is stopped and its supervisor allowed
// to settle before the process exits. No session is lost silently.
func (s *StreamService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, loop := range s.active {
		loop.Stop()
	}
	count := len(s.active)
	s.mu.Unlock()

	log.Info().Int("sessions", count).Msg("draining active sessions")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all sessions drained")
		return nil
	case <-ctx.Done():
		s.cancelRun()
		return ctx.Err()
	}
}
