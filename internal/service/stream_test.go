package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebeat/stream-server-go/internal/channel"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/loyalty"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/settlement"
	"github.com/tunebeat/stream-server-go/internal/sse"
)

const testTick = 5 * time.Millisecond

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type fakeBalances struct {
	mu      sync.Mutex
	credits map[string]int64
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{credits: make(map[string]int64)}
}

func (f *fakeBalances) Find(ctx context.Context, listenerID string) (*model.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credits, ok := f.credits[listenerID]
	if !ok {
		return nil, nil
	}
	return &model.Balance{ListenerID: listenerID, Credits: credits}, nil
}

func (f *fakeBalances) Adjust(ctx context.Context, listenerID string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credits[listenerID]+delta < 0 {
		return 0, apperrors.InsufficientCredit()
	}
	f.credits[listenerID] += delta
	return f.credits[listenerID], nil
}

func (f *fakeBalances) WithTx(tx *sqlx.Tx) repository.BalanceRepository { return f }

func (f *fakeBalances) set(listenerID string, credits int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[listenerID] = credits
}

func (f *fakeBalances) get(listenerID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits[listenerID]
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessions) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := &model.Session{
		ID:         params.ID,
		ListenerID: params.ListenerID,
		CreatorID:  params.CreatorID,
		TrackID:    params.TrackID,
		Status:     model.SessionStatusOpen,
	}
	f.sessions[params.ID] = session
	copied := *session
	return &copied, nil
}

func (f *fakeSessions) IncrementConsumed(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok || session.Status != model.SessionStatusOpen {
		return false, nil
	}
	session.CreditsConsumed++
	return true, nil
}

func (f *fakeSessions) TransitionStatus(ctx context.Context, id string, from, to model.SessionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok || session.Status != from {
		return false, nil
	}
	session.Status = to
	return true, nil
}

func (f *fakeSessions) SetChannelRef(ctx context.Context, id string, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[id]; ok {
		session.ChannelRef = &ref
	}
	return nil
}

func (f *fakeSessions) SetSettlementTx(ctx context.Context, id string, txRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[id]; ok {
		session.SettlementTxRef = &txRef
	}
	return nil
}

func (f *fakeSessions) FindUnsettled(ctx context.Context, updatedBefore time.Time) ([]model.Session, error) {
	return nil, nil
}

func (f *fakeSessions) WithTx(tx *sqlx.Tx) repository.SessionRepository { return f }

type fakeTracks struct {
	tracks map[string]*model.Track
}

func (f *fakeTracks) FindByID(ctx context.Context, id string) (*model.Track, error) {
	return f.tracks[id], nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries map[string]model.StreamHistoryEntry
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{entries: make(map[string]model.StreamHistoryEntry)}
}

func (f *fakeHistory) Append(ctx context.Context, params model.AppendHistoryParams) (*model.StreamHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[params.SessionID]; exists {
		return nil, repository.ErrDuplicateHistory
	}
	entry := model.StreamHistoryEntry{
		SessionID:       params.SessionID,
		ListenerID:      params.ListenerID,
		CreatorID:       params.CreatorID,
		TrackID:         params.TrackID,
		CreditsPaid:     params.CreditsPaid,
		DurationSeconds: params.DurationSeconds,
	}
	f.entries[params.SessionID] = entry
	return &entry, nil
}

func (f *fakeHistory) FindBySessionID(ctx context.Context, sessionID string) (*model.StreamHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[sessionID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (f *fakeHistory) SumCreditsPaid(ctx context.Context, listenerID, creatorID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, entry := range f.entries {
		if entry.ListenerID == listenerID && entry.CreatorID == creatorID {
			total += entry.CreditsPaid
		}
	}
	return total, nil
}

func (f *fakeHistory) ListByCreator(ctx context.Context, creatorID string, limit, offset int) ([]model.EarningsEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := []model.EarningsEntry{}
	for _, entry := range f.entries {
		if entry.CreatorID == creatorID {
			entries = append(entries, model.EarningsEntry{
				SessionID:   entry.SessionID,
				ListenerID:  entry.ListenerID,
				TrackID:     entry.TrackID,
				CreditsPaid: entry.CreditsPaid,
				Status:      "settled",
			})
		}
	}
	return entries, nil
}

func (f *fakeHistory) WithTx(tx *sqlx.Tx) repository.HistoryRepository { return f }

type fakeLoyalty struct {
	mu     sync.Mutex
	grants map[string]model.LoyaltyGrant
}

func newFakeLoyalty() *fakeLoyalty {
	return &fakeLoyalty{grants: make(map[string]model.LoyaltyGrant)}
}

func (f *fakeLoyalty) Create(ctx context.Context, params model.CreateLoyaltyGrantParams) (*model.LoyaltyGrant, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := params.ListenerID + "|" + params.CreatorID
	if existing, ok := f.grants[key]; ok {
		return &existing, false, nil
	}
	grant := model.LoyaltyGrant{
		ListenerID:   params.ListenerID,
		CreatorID:    params.CreatorID,
		GrantName:    params.GrantName,
		TotalAtGrant: params.TotalAtGrant,
	}
	f.grants[key] = grant
	return &grant, true, nil
}

func (f *fakeLoyalty) FindByPair(ctx context.Context, listenerID, creatorID string) (*model.LoyaltyGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[listenerID+"|"+creatorID]
	if !ok {
		return nil, nil
	}
	return &grant, nil
}

func (f *fakeLoyalty) ListByListener(ctx context.Context, listenerID string) ([]model.LoyaltyGrant, error) {
	return nil, nil
}

func (f *fakeLoyalty) WithTx(tx *sqlx.Tx) repository.LoyaltyRepository { return f }

type fakeSink struct {
	mu        sync.Mutex
	terminals []string
}

func (f *fakeSink) PublishProgress(ctx context.Context, sessionID string, progress sse.ProgressData) error {
	return nil
}

func (f *fakeSink) PublishTerminal(ctx context.Context, sessionID string, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, eventType)
	return nil
}

func (f *fakeSink) terminalEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.terminals...)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, payer, payee string, amount int64, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "tx-" + idempotencyKey, nil
}

type fixture struct {
	svc      *StreamService
	sessions *fakeSessions
	balances *fakeBalances
	history  *fakeHistory
	loyalty  *fakeLoyalty
	sink     *fakeSink
	executor *fakeExecutor
}

func newFixture() *fixture {
	sessions := newFakeSessions()
	balances := newFakeBalances()
	history := newFakeHistory()
	loyaltyRepo := newFakeLoyalty()
	sink := &fakeSink{}
	executor := &fakeExecutor{}
	tracks := &fakeTracks{tracks: map[string]*model.Track{
		"track-1":    {ID: "track-1", CreatorID: "creator-1", Title: "First"},
		"restricted": {ID: "restricted", CreatorID: "creator-1", Restricted: true},
	}}

	tracker := loyalty.NewTracker(history, loyaltyRepo, 1000)
	coordinator := settlement.NewCoordinator(
		fakeTxRunner{}, sessions, balances, history,
		channel.Unconfigured{}, executor, tracker,
		3, time.Millisecond, 2,
	)

	svc := NewStreamService(
		sessions, balances, tracks, loyaltyRepo, history,
		coordinator, channel.Unconfigured{}, sink, testTick,
	)

	return &fixture{
		svc:      svc,
		sessions: sessions,
		balances: balances,
		history:  history,
		loyalty:  loyaltyRepo,
		sink:     sink,
		executor: executor,
	}
}

func (f *fixture) waitSettled(t *testing.T, sessionID string) model.Session {
	t.Helper()
	var final model.Session
	require.Eventually(t, func() bool {
		session, err := f.sessions.FindByID(context.Background(), sessionID)
		if err != nil || session == nil {
			return false
		}
		final = *session
		return session.Status.Terminal()
	}, 2*time.Second, testTick, "session never reached a terminal state")
	return final
}

func TestStreamService_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects empty balance", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 0)

		result, err := fix.svc.Start(ctx, "listener-1", "track-1")

		assert.Nil(t, result)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredit))
	})

	t.Run("rejects unknown listener", func(t *testing.T) {
		fix := newFixture()

		_, err := fix.svc.Start(ctx, "listener-unknown", "track-1")

		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredit))
	})

	t.Run("rejects unknown track", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 10)

		_, err := fix.svc.Start(ctx, "listener-1", "track-unknown")

		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("rejects restricted track", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 10)

		_, err := fix.svc.Start(ctx, "listener-1", "restricted")

		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("rejects second concurrent session for a listener", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 1000)

		first, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)

		_, err = fix.svc.Start(ctx, "listener-1", "track-1")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))

		require.NoError(t, fix.svc.RequestClose(ctx, first.SessionID, "listener-1"))
		fix.waitSettled(t, first.SessionID)
	})
}

func TestStreamService_SessionRunsToExhaustion(t *testing.T) {
	fix := newFixture()
	fix.balances.set("listener-1", 3)

	result, err := fix.svc.Start(context.Background(), "listener-1", "track-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusOpen, result.Status)

	final := fix.waitSettled(t, result.SessionID)

	assert.Equal(t, model.SessionStatusSettled, final.Status)
	assert.Equal(t, int64(3), final.CreditsConsumed)
	assert.Equal(t, int64(0), fix.balances.get("listener-1"))
	require.NotNil(t, final.SettlementTxRef)

	entry, err := fix.history.FindBySessionID(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.CreditsPaid)

	require.Eventually(t, func() bool {
		return fix.svc.ActiveSessions() == 0
	}, time.Second, testTick)

	events := fix.sink.terminalEvents()
	assert.Contains(t, events, sse.EventExhausted)
	assert.Contains(t, events, sse.EventSettled)

	// The listener slot is free again once the session settles.
	fix.balances.set("listener-1", 5)
	again, err := fix.svc.Start(context.Background(), "listener-1", "track-1")
	require.NoError(t, err)
	require.NoError(t, fix.svc.RequestClose(context.Background(), again.SessionID, "listener-1"))
	fix.waitSettled(t, again.SessionID)
}

func TestStreamService_RequestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("settles a stopped session", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 1000)

		result, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)

		time.Sleep(3 * testTick)
		require.NoError(t, fix.svc.RequestClose(ctx, result.SessionID, "listener-1"))

		final := fix.waitSettled(t, result.SessionID)
		assert.Equal(t, model.SessionStatusSettled, final.Status)

		// Exactly what was metered is what was charged.
		assert.Equal(t, int64(1000)-final.CreditsConsumed, fix.balances.get("listener-1"))
	})

	t.Run("rejects a non-owner", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 1000)

		result, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)

		err = fix.svc.RequestClose(ctx, result.SessionID, "listener-2")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))

		require.NoError(t, fix.svc.RequestClose(ctx, result.SessionID, "listener-1"))
		fix.waitSettled(t, result.SessionID)
	})

	t.Run("second stop reports already closed", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 1000)

		result, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)

		require.NoError(t, fix.svc.RequestClose(ctx, result.SessionID, "listener-1"))
		err = fix.svc.RequestClose(ctx, result.SessionID, "listener-1")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyClosed))

		fix.waitSettled(t, result.SessionID)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		fix := newFixture()

		err := fix.svc.RequestClose(ctx, "missing", "listener-1")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestStreamService_Result(t *testing.T) {
	ctx := context.Background()

	t.Run("owner sees settlement outcome", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 2)

		started, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)
		fix.waitSettled(t, started.SessionID)

		result, err := fix.svc.Result(ctx, started.SessionID, "listener-1")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusSettled, result.Status)
		assert.Equal(t, int64(2), result.CreditsConsumed)
		require.NotNil(t, result.SettlementTxRef)
	})

	t.Run("creator can read the result too", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 1)

		started, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)
		fix.waitSettled(t, started.SessionID)

		_, err = fix.svc.Result(ctx, started.SessionID, "creator-1")
		assert.NoError(t, err)
	})

	t.Run("strangers are rejected", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 1)

		started, err := fix.svc.Start(ctx, "listener-1", "track-1")
		require.NoError(t, err)
		fix.waitSettled(t, started.SessionID)

		_, err = fix.svc.Result(ctx, started.SessionID, "listener-2")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})
}

func TestStreamService_Deposit(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		fix := newFixture()

		_, err := fix.svc.Deposit(ctx, "listener-1", 0)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

		_, err = fix.svc.Deposit(ctx, "listener-1", -5)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("adds credits", func(t *testing.T) {
		fix := newFixture()
		fix.balances.set("listener-1", 10)

		newBalance, err := fix.svc.Deposit(ctx, "listener-1", 40)
		require.NoError(t, err)
		assert.Equal(t, int64(50), newBalance)
	})
}

func TestStreamService_Shutdown(t *testing.T) {
	fix := newFixture()
	fix.balances.set("listener-1", 1000)

	result, err := fix.svc.Start(context.Background(), "listener-1", "track-1")
	require.NoError(t, err)

	time.Sleep(2 * testTick)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fix.svc.Shutdown(ctx))

	session, err := fix.sessions.FindByID(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusSettled, session.Status)
	assert.Equal(t, 0, fix.svc.ActiveSessions())
}
