// Package loyalty decides reward eligibility from accumulated consumption.
// Totals are always recomputed from the append-only stream history so they
// stay reconcilable; there is no separately mutated counter to drift.
package loyalty

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
)

const grantNamePrefix = "superfan"

type Tracker struct {
	historyRepo repository.HistoryRepository
	loyaltyRepo repository.LoyaltyRepository
	threshold   int64
}

func NewTracker(historyRepo repository.HistoryRepository, loyaltyRepo repository.LoyaltyRepository, threshold int64) *Tracker {
	return &Tracker{
		historyRepo: historyRepo,
		loyaltyRepo: loyaltyRepo,
		threshold:   threshold,
	}
}

// TotalConsumed sums credits_paid over the pair's settled history.
func (t *Tracker) TotalConsumed(ctx context.Context, listenerID, creatorID string) (int64, error) {
	return t.historyRepo.SumCreditsPaid(ctx, listenerID, creatorID)
}

func (t *Tracker) IsEligible(total int64) bool {
	return total >= t.threshold
}

// GrantName is a pure function of the pair: retries of a failed grant always
// propose the same name. The name is handed to the external registry by a
// separate collaborator, never registered from the settlement path.
func GrantName(listenerID, creatorID string) string {
	sum := sha256.Sum256([]byte(listenerID + "|" + creatorID))
	return fmt.Sprintf("%s-%s", grantNamePrefix, hex.EncodeToString(sum[:])[:12])
}

// CheckAndGrant recomputes the total and inserts a grant when the threshold
// is crossed. Idempotent: a duplicate grant attempt is success, and repeated
// eligibility checks can never create a second row.
func (t *Tracker) CheckAndGrant(ctx context.Context, listenerID, creatorID string) (*model.LoyaltyGrant, error) {
	total, err := t.TotalConsumed(ctx, listenerID, creatorID)
	if err != nil {
		return nil, fmt.Errorf("recompute loyalty total: %w", err)
	}

	if !t.IsEligible(total) {
		return nil, nil
	}

	grant, created, err := t.loyaltyRepo.Create(ctx, model.CreateLoyaltyGrantParams{
		ListenerID:   listenerID,
		CreatorID:    creatorID,
		GrantName:    GrantName(listenerID, creatorID),
		TotalAtGrant: total,
	})
	if err != nil {
		return nil, fmt.Errorf("create loyalty grant: %w", err)
	}

	if created {
		log.Info().
			Str("listenerId", listenerID).
			Str("creatorId", creatorID).
			Str("grantName", grant.GrantName).
			Int64("total", total).
			Msg("loyalty grant created")
	}

	return grant, nil
}
