// Package engine composes store primitives into the curation workflows:
// claiming, saving with conflict reconciliation, lifecycle transitions and
// bulk import/export. Every operation goes through conditional writes; the
// engine never holds a cross-item transaction open.
package engine

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"groundline/internal/config"
	"groundline/internal/domain"
	"groundline/internal/events"
	"groundline/internal/store"
)

const importConcurrency = 4

type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Store:  store.New(db),
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Log:    log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError reports why an item cannot move to its requested
// status. It maps to a 422 on the wire.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// approvalErrors checks the dataset's approval rules against an item.
func (e Engine) approvalErrors(item domain.WorkItem) []string {
	var reasons []string
	rules := e.Config.Approval
	if rules.MinReferences > 0 {
		relevant := 0
		for _, ref := range item.References {
			if ref.Relevant {
				relevant++
			}
		}
		if relevant < rules.MinReferences {
			reasons = append(reasons, fmt.Sprintf("needs at least %d relevant reference(s), has %d", rules.MinReferences, relevant))
		}
	}
	if rules.RequireAnswer {
		ok := false
		for i := len(item.Turns) - 1; i >= 0; i-- {
			if item.Turns[i].Role == "assistant" {
				ok = strings.TrimSpace(item.Turns[i].Text) != ""
				break
			}
		}
		if !ok {
			reasons = append(reasons, "needs a non-empty assistant answer")
		}
	}
	for _, required := range rules.RequiredTags {
		found := false
		for _, tag := range item.Tags {
			if tag == required {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons, fmt.Sprintf("missing required tag %q", required))
		}
	}
	return reasons
}

// CreateItem registers a new draft. The bucket is derived from the ID so
// every writer places the item at the same address.
func (e Engine) CreateItem(ctx context.Context, item domain.WorkItem, actor string) (domain.WorkItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Dataset == "" {
		item.Dataset = e.Config.Dataset.ID
	}
	item.Bucket = e.Config.BucketFor(item.ID)
	if item.Status == "" {
		item.Status = domain.StatusDraft
	}
	item.UpdatedBy = actor
	item.CreatedAt = e.nowRFC3339()
	saved, err := e.Store.Upsert(ctx, item, "")
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, nil, events.TypeItemCreated, saved.Dataset, saved.ID, actor, nil); err != nil {
		return domain.WorkItem{}, err
	}
	return saved, nil
}

// Import reads items as JSON lines and upserts them unconditionally.
// Existing items are overwritten; this is the only path that skips the
// etag guard. Items land in parallel, each write independent, so a
// failed line never blocks the rest of the batch from being retried.
func (e Engine) Import(ctx context.Context, dataset string, r io.Reader, actor string) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importConcurrency)
	lines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines++
		lineNo := lines
		g.Go(func() error {
			var item domain.WorkItem
			if err := json.Unmarshal([]byte(line), &item); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			if item.ID == "" {
				return fmt.Errorf("line %d: id required", lineNo)
			}
			item.Dataset = dataset
			item.Bucket = e.Config.BucketFor(item.ID)
			if item.Status == "" {
				item.Status = domain.StatusDraft
			}
			item.UpdatedBy = actor
			if _, err := e.Store.Upsert(gctx, item, ""); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			return nil
		})
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, nil, events.TypeItemImported, dataset, "", actor, events.EventPayload{"imported": lines}); err != nil {
		return 0, err
	}
	e.Log.Info("import finished", zap.String("dataset", dataset), zap.Int("items", lines))
	return lines, nil
}

// Export streams matching items as JSON lines, walking pages until the
// query is exhausted.
func (e Engine) Export(ctx context.Context, f store.Filter, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	written := 0
	for page := 1; ; page++ {
		items, pg, err := e.Store.Query(ctx, f, store.Sort{Field: "id"}, store.Page{Number: page, Size: e.Config.Pagination.MaxPageSize})
		if err != nil {
			return written, err
		}
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return written, err
			}
			written++
		}
		if page*pg.PageSize >= pg.TotalCount || len(items) == 0 {
			return written, nil
		}
	}
}

// Duplicate clones an item into a fresh draft claimed by the requester.
// The copy gets its own identity and history; only content carries over,
// with a "duplicate" tag marking it as a derivative.
func (e Engine) Duplicate(ctx context.Context, key domain.Key, actor string) (domain.WorkItem, error) {
	src, err := e.Store.Get(ctx, key)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if src.Deleted() {
		return domain.WorkItem{}, store.ErrNotFound
	}
	now := e.nowRFC3339()
	dup := domain.WorkItem{
		ID:         uuid.New().String(),
		Dataset:    src.Dataset,
		Turns:      src.Turns,
		References: stripVisits(src.References),
		Comment:    src.Comment,
		Tags:       append(append([]string{}, src.Tags...), "duplicate"),
		Status:     domain.StatusDraft,
		AssignedTo: &actor,
		AssignedAt: &now,
		UpdatedBy:  actor,
		CreatedAt:  now,
	}
	dup.Bucket = e.Config.BucketFor(dup.ID)

	if err := e.Store.CreateAssignment(ctx, domain.Assignment{
		ItemID: dup.ID, Dataset: dup.Dataset, Bucket: dup.Bucket, UserID: actor, ClaimedAt: now,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	saved, err := e.Store.Upsert(ctx, dup, "")
	if err != nil {
		// The claim record points at an item that never materialized.
		_ = e.Store.DeleteAssignment(ctx, dup.Dataset, dup.ID)
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, nil, events.TypeItemDuplicated, saved.Dataset, saved.ID, actor,
		events.EventPayload{"source_id": src.ID}); err != nil {
		return domain.WorkItem{}, err
	}
	return saved, nil
}

func stripVisits(refs []domain.Reference) []domain.Reference {
	out := make([]domain.Reference, len(refs))
	for i, ref := range refs {
		ref.LastVisited = nil
		out[i] = ref
	}
	return out
}

// Release gives an item back to the pool. Deleting the assignment record
// is what releases ownership; the mirrored item fields are cleared best
// effort and a lost etag race there is ignored, since whoever won the
// race owns the mirror now.
func (e Engine) Release(ctx context.Context, key domain.Key, actor string) error {
	item, err := e.Store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := e.Store.DeleteAssignment(ctx, key.Dataset, key.ID); err != nil {
		return err
	}
	if item.AssignedTo != nil {
		item.AssignedTo = nil
		item.AssignedAt = nil
		item.UpdatedBy = actor
		if _, err := e.Store.Upsert(ctx, item, item.ETag); err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
			return err
		}
	}
	return e.Events.Append(ctx, nil, events.TypeItemReleased, key.Dataset, key.ID, actor, nil)
}

// SoftDelete hides an item from lists and claiming while keeping it
// restorable.
func (e Engine) SoftDelete(ctx context.Context, key domain.Key, ifMatch, actor string) (domain.WorkItem, error) {
	saved, err := e.Store.SoftDelete(ctx, key, ifMatch, actor)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, nil, events.TypeItemDeleted, key.Dataset, key.ID, actor, nil); err != nil {
		return domain.WorkItem{}, err
	}
	return saved, nil
}

// Restore brings a soft-deleted item back as a draft.
func (e Engine) Restore(ctx context.Context, key domain.Key, ifMatch, actor string) (domain.WorkItem, error) {
	item, err := e.Store.Get(ctx, key)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if !item.Deleted() {
		return domain.WorkItem{}, &ValidationError{Reasons: []string{"item is not deleted"}}
	}
	item.Status = domain.StatusDraft
	item.ReviewedAt = nil
	item.UpdatedBy = actor
	if ifMatch == "" {
		ifMatch = item.ETag
	}
	saved, err := e.Store.Upsert(ctx, item, ifMatch)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, nil, events.TypeItemRestored, key.Dataset, key.ID, actor, nil); err != nil {
		return domain.WorkItem{}, err
	}
	return saved, nil
}

// ReleaseExpired sweeps claims older than the TTL whose item has not been
// edited since. Each expired claim is released independently; one failed
// release does not stop the sweep.
func (e Engine) ReleaseExpired(ctx context.Context, dataset string) (int, error) {
	ttl := time.Duration(e.Config.Claims.TTLSeconds) * time.Second
	cutoff := e.now().UTC().Add(-ttl).Format(time.RFC3339)
	stale, err := e.Store.StaleAssignments(ctx, dataset, cutoff)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, a := range stale {
		if err := e.Store.DeleteAssignment(ctx, a.Dataset, a.ItemID); err != nil {
			e.Log.Warn("expire claim failed", zap.String("item", a.ItemID), zap.Error(err))
			continue
		}
		key := domain.Key{Dataset: a.Dataset, Bucket: a.Bucket, ID: a.ItemID}
		item, err := e.Store.Get(ctx, key)
		if err == nil && item.AssignedTo != nil && *item.AssignedTo == a.UserID {
			item.AssignedTo = nil
			item.AssignedAt = nil
			if _, err := e.Store.Upsert(ctx, item, item.ETag); err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
				e.Log.Warn("clear expired claim mirror failed", zap.String("item", a.ItemID), zap.Error(err))
			}
		}
		if err := e.Events.Append(ctx, nil, events.TypeClaimExpired, a.Dataset, a.ItemID, a.UserID, nil); err != nil {
			return released, err
		}
		released++
	}
	if released > 0 {
		e.Log.Info("expired claims released", zap.String("dataset", dataset), zap.Int("count", released))
	}
	return released, nil
}
