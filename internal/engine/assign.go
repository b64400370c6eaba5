package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"groundline/internal/domain"
	"groundline/internal/events"
	"groundline/internal/store"
)

// AssignmentResult reports what a claim request actually got. Fewer items
// than requested is a normal outcome, not an error.
type AssignmentResult struct {
	Assigned       []domain.WorkItem `json:"assigned"`
	RequestedCount int               `json:"requested_count"`
	AssignedCount  int               `json:"assigned_count"`
}

// RequestAssignments claims up to count draft items for a curator.
//
// Claiming an item takes two independent conditional writes: first the
// assignment record (create-if-absent), then the item's mirror fields
// (etag-guarded). Losing either race abandons that candidate, with the
// orphaned assignment record compensated away, and moves on. Candidates
// are over-fetched so contention with other claimers rarely costs a
// second round.
func (e Engine) RequestAssignments(ctx context.Context, dataset, userID string, count int) (AssignmentResult, error) {
	if count < 1 {
		count = 1
	}
	res := AssignmentResult{RequestedCount: count}

	if _, err := e.ReleaseExpired(ctx, dataset); err != nil {
		return res, err
	}

	seen := map[string]bool{}
	for attempt := 0; attempt < e.Config.Claims.MaxAttempts && len(res.Assigned) < count; attempt++ {
		need := count - len(res.Assigned)
		candidates, err := e.Store.Candidates(ctx, dataset, need*e.Config.Claims.OverfetchFactor)
		if err != nil {
			return res, err
		}
		progress := false
		for _, cand := range candidates {
			if len(res.Assigned) >= count {
				break
			}
			if seen[cand.ID] {
				continue
			}
			seen[cand.ID] = true
			progress = true

			item, err := e.claim(ctx, cand, userID)
			if err != nil {
				if errors.Is(err, store.ErrPreconditionFailed) {
					continue
				}
				return res, err
			}
			res.Assigned = append(res.Assigned, item)
		}
		if !progress {
			break
		}
	}
	res.AssignedCount = len(res.Assigned)
	e.Log.Debug("assignments granted",
		zap.String("dataset", dataset), zap.String("user", userID),
		zap.Int("requested", res.RequestedCount), zap.Int("assigned", res.AssignedCount))
	return res, nil
}

func (e Engine) claim(ctx context.Context, cand domain.WorkItem, userID string) (domain.WorkItem, error) {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Store.CreateAssignment(ctx, domain.Assignment{
		ItemID:    cand.ID,
		Dataset:   cand.Dataset,
		Bucket:    cand.Bucket,
		UserID:    userID,
		ClaimedAt: now,
	}); err != nil {
		return domain.WorkItem{}, err
	}

	cand.AssignedTo = &userID
	cand.AssignedAt = &now
	cand.UpdatedBy = userID
	saved, err := e.Store.Upsert(ctx, cand, cand.ETag)
	if err != nil {
		// The item moved under us after the assignment record landed.
		// Back the record out and let the next claimer see the item fresh.
		if delErr := e.Store.DeleteAssignment(ctx, cand.Dataset, cand.ID); delErr != nil {
			e.Log.Warn("claim compensation failed", zap.String("item", cand.ID), zap.Error(delErr))
		}
		return domain.WorkItem{}, err
	}

	if err := e.Events.Append(ctx, nil, events.TypeItemClaimed, saved.Dataset, saved.ID, userID, nil); err != nil {
		return domain.WorkItem{}, err
	}
	return saved, nil
}
