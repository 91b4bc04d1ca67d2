package loyalty

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
)

type mockHistoryRepo struct {
	mock.Mock
}

func (m *mockHistoryRepo) Append(ctx context.Context, params model.AppendHistoryParams) (*model.StreamHistoryEntry, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StreamHistoryEntry), args.Error(1)
}

func (m *mockHistoryRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.StreamHistoryEntry, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StreamHistoryEntry), args.Error(1)
}

func (m *mockHistoryRepo) SumCreditsPaid(ctx context.Context, listenerID, creatorID string) (int64, error) {
	args := m.Called(ctx, listenerID, creatorID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockHistoryRepo) ListByCreator(ctx context.Context, creatorID string, limit, offset int) ([]model.EarningsEntry, error) {
	args := m.Called(ctx, creatorID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.EarningsEntry), args.Error(1)
}

func (m *mockHistoryRepo) WithTx(tx *sqlx.Tx) repository.HistoryRepository { return m }

type mockLoyaltyRepo struct {
	mock.Mock
}

func (m *mockLoyaltyRepo) Create(ctx context.Context, params model.CreateLoyaltyGrantParams) (*model.LoyaltyGrant, bool, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.LoyaltyGrant), args.Bool(1), args.Error(2)
}

func (m *mockLoyaltyRepo) FindByPair(ctx context.Context, listenerID, creatorID string) (*model.LoyaltyGrant, error) {
	args := m.Called(ctx, listenerID, creatorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LoyaltyGrant), args.Error(1)
}

func (m *mockLoyaltyRepo) ListByListener(ctx context.Context, listenerID string) ([]model.LoyaltyGrant, error) {
	args := m.Called(ctx, listenerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.LoyaltyGrant), args.Error(1)
}

func (m *mockLoyaltyRepo) WithTx(tx *sqlx.Tx) repository.LoyaltyRepository { return m }

func TestTracker_CheckAndGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("no grant below threshold", func(t *testing.T) {
		historyRepo := new(mockHistoryRepo)
		loyaltyRepo := new(mockLoyaltyRepo)
		tracker := NewTracker(historyRepo, loyaltyRepo, 100)

		historyRepo.On("SumCreditsPaid", ctx, "listener-1", "creator-1").Return(int64(99), nil)

		grant, err := tracker.CheckAndGrant(ctx, "listener-1", "creator-1")

		assert.NoError(t, err)
		assert.Nil(t, grant)
		loyaltyRepo.AssertNotCalled(t, "Create")
		historyRepo.AssertExpectations(t)
	})

	t.Run("grants exactly at threshold", func(t *testing.T) {
		historyRepo := new(mockHistoryRepo)
		loyaltyRepo := new(mockLoyaltyRepo)
		tracker := NewTracker(historyRepo, loyaltyRepo, 100)

		historyRepo.On("SumCreditsPaid", ctx, "listener-1", "creator-1").Return(int64(100), nil)

		expectedName := GrantName("listener-1", "creator-1")
		expected := &model.LoyaltyGrant{
			ListenerID:   "listener-1",
			CreatorID:    "creator-1",
			GrantName:    expectedName,
			TotalAtGrant: 100,
		}
		loyaltyRepo.On("Create", ctx, model.CreateLoyaltyGrantParams{
			ListenerID:   "listener-1",
			CreatorID:    "creator-1",
			GrantName:    expectedName,
			TotalAtGrant: 100,
		}).Return(expected, true, nil)

		grant, err := tracker.CheckAndGrant(ctx, "listener-1", "creator-1")

		assert.NoError(t, err)
		assert.NotNil(t, grant)
		assert.Equal(t, expectedName, grant.GrantName)
		loyaltyRepo.AssertExpectations(t)
	})

	t.Run("existing grant is returned without error", func(t *testing.T) {
		historyRepo := new(mockHistoryRepo)
		loyaltyRepo := new(mockLoyaltyRepo)
		tracker := NewTracker(historyRepo, loyaltyRepo, 100)

		historyRepo.On("SumCreditsPaid", ctx, "listener-1", "creator-1").Return(int64(250), nil)

		existing := &model.LoyaltyGrant{
			ListenerID:   "listener-1",
			CreatorID:    "creator-1",
			GrantName:    GrantName("listener-1", "creator-1"),
			TotalAtGrant: 100,
		}
		loyaltyRepo.On("Create", ctx, mock.Anything).Return(existing, false, nil)

		grant, err := tracker.CheckAndGrant(ctx, "listener-1", "creator-1")

		assert.NoError(t, err)
		assert.Equal(t, int64(100), grant.TotalAtGrant)
		loyaltyRepo.AssertExpectations(t)
	})

	t.Run("propagates history errors", func(t *testing.T) {
		historyRepo := new(mockHistoryRepo)
		loyaltyRepo := new(mockLoyaltyRepo)
		tracker := NewTracker(historyRepo, loyaltyRepo, 100)

		historyRepo.On("SumCreditsPaid", ctx, "listener-1", "creator-1").Return(int64(0), assert.AnError)

		grant, err := tracker.CheckAndGrant(ctx, "listener-1", "creator-1")

		assert.Error(t, err)
		assert.Nil(t, grant)
		assert.Contains(t, err.Error(), "recompute loyalty total")
	})
}

func TestGrantName(t *testing.T) {
	t.Run("deterministic for a pair", func(t *testing.T) {
		assert.Equal(t, GrantName("l1", "c1"), GrantName("l1", "c1"))
	})

	t.Run("distinct across pairs", func(t *testing.T) {
		assert.NotEqual(t, GrantName("l1", "c1"), GrantName("l1", "c2"))
		assert.NotEqual(t, GrantName("l1", "c1"), GrantName("l2", "c1"))
		// Concatenation without the separator must not collide.
		assert.NotEqual(t, GrantName("ab", "c"), GrantName("a", "bc"))
	})

	t.Run("carries the reward prefix", func(t *testing.T) {
		assert.Contains(t, GrantName("l1", "c1"), "superfan-")
	})
}

func TestTracker_IsEligible(t *testing.T) {
	tracker := NewTracker(nil, nil, 100)

	assert.False(t, tracker.IsEligible(99))
	assert.True(t, tracker.IsEligible(100))
	assert.True(t, tracker.IsEligible(101))
}
