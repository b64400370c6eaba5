package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"groundline/internal/domain"
	"groundline/internal/events"
	"groundline/internal/fingerprint"
	"groundline/internal/store"
)

// Save outcomes.
const (
	OutcomeSaved    = "saved"
	OutcomeNoChange = "no_change"
)

// SaveRequest carries a curator's edit. IfMatch is the etag from the
// read the edit is based on. NextStatus is empty to keep the current
// status.
type SaveRequest struct {
	Key        domain.Key
	Turns      []domain.Turn
	References []domain.Reference
	Comment    string
	Tags       []string
	NextStatus string
	IfMatch    string
	Actor      string
}

type SaveResult struct {
	Item       domain.WorkItem `json:"item"`
	Outcome    string          `json:"outcome" enum:"saved,no_change"`
	Reconciled bool            `json:"reconciled,omitempty"`
}

// Save persists an edit under optimistic concurrency.
//
// The proposed state is fingerprinted against what is stored; an
// identical state skips the write entirely. A lost etag race triggers one
// reconcile-and-retry: the caller's content wins, server-side bookkeeping
// from the fresh copy is kept, and a second loss surfaces as a conflict
// for the caller to resolve.
func (e Engine) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if req.IfMatch == "" {
		return SaveResult{}, &ValidationError{Reasons: []string{"if-match etag is required"}}
	}
	current, err := e.Store.Get(ctx, req.Key)
	if err != nil {
		return SaveResult{}, err
	}

	result, err := e.saveAgainst(ctx, req, current, req.IfMatch)
	if err == nil || !errors.Is(err, store.ErrPreconditionFailed) {
		return result, err
	}

	fresh, err := e.Store.Get(ctx, req.Key)
	if err != nil {
		return SaveResult{}, err
	}
	result, err = e.saveAgainst(ctx, req, fresh, fresh.ETag)
	if err != nil {
		return SaveResult{}, err
	}
	if result.Outcome == OutcomeSaved {
		result.Reconciled = true
		e.Log.Info("save reconciled after conflict",
			zap.String("item", req.Key.ID), zap.String("actor", req.Actor))
	}
	return result, nil
}

func (e Engine) saveAgainst(ctx context.Context, req SaveRequest, base domain.WorkItem, ifMatch string) (SaveResult, error) {
	proposed := e.apply(base, req)

	if fingerprint.State(proposed) == fingerprint.State(base) {
		return SaveResult{Item: base, Outcome: OutcomeNoChange}, nil
	}

	approving := proposed.Status == domain.StatusApproved && base.Status != domain.StatusApproved
	if approving {
		if reasons := e.approvalErrors(proposed); len(reasons) > 0 {
			return SaveResult{}, &ValidationError{Reasons: reasons}
		}
		now := e.nowRFC3339()
		proposed.ReviewedAt = &now
	}
	closing := proposed.Status != domain.StatusDraft && base.Status == domain.StatusDraft
	if closing {
		proposed.AssignedTo = nil
		proposed.AssignedAt = nil
	}

	saved, err := e.Store.Upsert(ctx, proposed, ifMatch)
	if err != nil {
		return SaveResult{}, err
	}
	if closing {
		if err := e.Store.DeleteAssignment(ctx, saved.Dataset, saved.ID); err != nil {
			return SaveResult{}, err
		}
	}

	if err := e.Events.Append(ctx, nil, events.TypeItemSaved, saved.Dataset, saved.ID, req.Actor,
		events.EventPayload{"version": saved.Version, "status": saved.Status}); err != nil {
		return SaveResult{}, err
	}
	if transition := transitionEvent(base.Status, saved.Status); transition != "" {
		if err := e.Events.Append(ctx, nil, transition, saved.Dataset, saved.ID, req.Actor, nil); err != nil {
			return SaveResult{}, err
		}
	}
	return SaveResult{Item: saved, Outcome: OutcomeSaved}, nil
}

// apply lays the caller's edit over a stored copy. Content fields come
// from the request; ownership, timestamps and identity stay server-side.
// Reference visit timestamps are carried over from the stored copy by
// URL, so a concurrent visit-tracking write is never clobbered by an
// editor that read before it landed.
func (e Engine) apply(base domain.WorkItem, req SaveRequest) domain.WorkItem {
	item := base
	item.Turns = req.Turns
	item.References = carryVisits(req.References, base.References)
	item.Comment = req.Comment
	item.Tags = fingerprint.NormalizeTags(req.Tags)
	if req.NextStatus != "" {
		item.Status = req.NextStatus
	}
	item.UpdatedBy = req.Actor
	return item
}

func carryVisits(proposed, stored []domain.Reference) []domain.Reference {
	visits := make(map[string]*string, len(stored))
	for _, ref := range stored {
		if ref.LastVisited != nil {
			visits[ref.URL] = ref.LastVisited
		}
	}
	out := make([]domain.Reference, len(proposed))
	for i, ref := range proposed {
		if ref.LastVisited == nil {
			if ts, ok := visits[ref.URL]; ok {
				ref.LastVisited = ts
			}
		}
		out[i] = ref
	}
	return out
}

// MarkVisited stamps a reference's visit time without touching content.
// The write is etag-guarded like any other but retried indefinitely is
// unnecessary: a lost race means someone else wrote a fresher copy and
// the caller can simply re-read.
func (e Engine) MarkVisited(ctx context.Context, key domain.Key, refID, actor string) (domain.WorkItem, error) {
	item, err := e.Store.Get(ctx, key)
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.nowRFC3339()
	found := false
	for i := range item.References {
		if item.References[i].ID == refID {
			item.References[i].LastVisited = &now
			found = true
			break
		}
	}
	if !found {
		return domain.WorkItem{}, store.ErrNotFound
	}
	item.UpdatedBy = actor
	return e.Store.Upsert(ctx, item, item.ETag)
}

func transitionEvent(from, to string) string {
	if from == to {
		return ""
	}
	switch to {
	case domain.StatusApproved:
		return events.TypeItemApproved
	case domain.StatusSkipped:
		return events.TypeItemSkipped
	}
	return ""
}
