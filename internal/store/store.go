// Package store is the system of record for work items and assignment
// records. All cross-writer coordination happens here through conditional
// writes: compare-and-swap on the item etag and create-if-absent on
// assignment rows. The adapter never retries a lost precondition; it does
// retry transient failures with bounded backoff.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"groundline/internal/domain"
	"groundline/internal/fingerprint"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const itemColsTmpl = `%[1]sid,%[1]sdataset,%[1]sbucket,%[1]sturns_json,%[1]srefs_json,COALESCE(%[1]scomment,''),%[1]stags_json,%[1]sstatus,%[1]sassigned_to,%[1]sassigned_at,%[1]sreviewed_at,%[1]supdated_at,COALESCE(%[1]supdated_by,''),%[1]screated_at,%[1]setag,%[1]sversion`

// itemCols renders the select list for item rows. The alias qualifies
// every column, including the ones wrapped in COALESCE, so the list is
// safe to use in joined queries.
func itemCols(alias string) string {
	if alias != "" {
		alias += "."
	}
	return fmt.Sprintf(itemColsTmpl, alias)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var turnsJSON, refsJSON, tagsJSON string
	var assignedTo, assignedAt, reviewedAt sql.NullString
	err := row.Scan(&w.ID, &w.Dataset, &w.Bucket, &turnsJSON, &refsJSON, &w.Comment, &tagsJSON,
		&w.Status, &assignedTo, &assignedAt, &reviewedAt, &w.UpdatedAt, &w.UpdatedBy, &w.CreatedAt, &w.ETag, &w.Version)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(turnsJSON), &w.Turns); err != nil {
		return w, fmt.Errorf("decode turns for %s: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(refsJSON), &w.References); err != nil {
		return w, fmt.Errorf("decode references for %s: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &w.Tags); err != nil {
		return w, fmt.Errorf("decode tags for %s: %w", w.ID, err)
	}
	if assignedTo.Valid {
		w.AssignedTo = &assignedTo.String
	}
	if assignedAt.Valid {
		w.AssignedAt = &assignedAt.String
	}
	if reviewedAt.Valid {
		w.ReviewedAt = &reviewedAt.String
	}
	return w, nil
}

// Get fetches a single item; the returned ETag must be handed back as
// ifMatch on the next write.
func (s Store) Get(ctx context.Context, key domain.Key) (domain.WorkItem, error) {
	var item domain.WorkItem
	err := s.withRetry(ctx, "get", func() error {
		var err error
		item, err = scanItem(s.DB.QueryRowContext(ctx,
			`SELECT `+itemCols("")+` FROM items WHERE dataset=? AND bucket=? AND id=?`,
			key.Dataset, key.Bucket, key.ID))
		return err
	})
	return item, err
}

type itemMeta struct {
	ETag      string
	Version   int
	ContentFp string
	CreatedAt string
}

func (s Store) meta(ctx context.Context, tx *sql.Tx, key domain.Key) (itemMeta, error) {
	var m itemMeta
	err := tx.QueryRowContext(ctx,
		`SELECT etag,version,content_fp,created_at FROM items WHERE dataset=? AND bucket=? AND id=?`,
		key.Dataset, key.Bucket, key.ID).Scan(&m.ETag, &m.Version, &m.ContentFp, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// Upsert writes an item. An empty ifMatch is an unconditional
// create-or-overwrite and is reserved for import; every edit must carry
// the etag from its preceding read. The version counter advances only
// when the content fingerprint changes, so a status flip keeps the same
// version while still producing a fresh etag.
func (s Store) Upsert(ctx context.Context, item domain.WorkItem, ifMatch string) (domain.WorkItem, error) {
	if item.ID == "" || item.Dataset == "" {
		return item, errors.New("item id and dataset required")
	}
	var saved domain.WorkItem
	err := s.withRetry(ctx, "upsert", func() error {
		var err error
		saved, err = s.upsertOnce(ctx, item, ifMatch)
		return err
	})
	return saved, err
}

func (s Store) upsertOnce(ctx context.Context, item domain.WorkItem, ifMatch string) (domain.WorkItem, error) {
	item.Tags = fingerprint.NormalizeTags(item.Tags)
	fp := fingerprint.Content(item)
	now := s.now().UTC().Format(time.RFC3339)
	newTag := uuid.New().String()

	turnsJSON, err := json.Marshal(nonNil(item.Turns))
	if err != nil {
		return item, err
	}
	refsJSON, err := json.Marshal(nonNil(item.References))
	if err != nil {
		return item, err
	}
	tagsJSON, err := json.Marshal(nonNil(item.Tags))
	if err != nil {
		return item, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()

	cur, err := s.meta(ctx, tx, item.Key())
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return item, err
	}

	if ifMatch == "" {
		version := 1
		createdAt := now
		if exists {
			version = cur.Version
			if cur.ContentFp != fp {
				version++
			}
			createdAt = cur.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO items(id,dataset,bucket,turns_json,refs_json,comment,tags_json,status,assigned_to,assigned_at,reviewed_at,updated_at,updated_by,created_at,etag,version,content_fp)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(dataset,bucket,id) DO UPDATE SET
turns_json=excluded.turns_json, refs_json=excluded.refs_json, comment=excluded.comment, tags_json=excluded.tags_json,
status=excluded.status, assigned_to=excluded.assigned_to, assigned_at=excluded.assigned_at, reviewed_at=excluded.reviewed_at,
updated_at=excluded.updated_at, updated_by=excluded.updated_by, etag=excluded.etag, version=excluded.version, content_fp=excluded.content_fp`,
			item.ID, item.Dataset, item.Bucket, string(turnsJSON), string(refsJSON), nullable(item.Comment), string(tagsJSON),
			item.Status, nullableStringPtr(item.AssignedTo), nullableStringPtr(item.AssignedAt), nullableStringPtr(item.ReviewedAt),
			now, nullable(item.UpdatedBy), createdAt, newTag, version, fp); err != nil {
			return item, err
		}
		item.Version = version
		item.CreatedAt = createdAt
	} else {
		if !exists {
			return item, &PreconditionError{ItemID: item.ID, Expected: ifMatch}
		}
		version := cur.Version
		if cur.ContentFp != fp {
			version++
		}
		res, err := tx.ExecContext(ctx, `UPDATE items SET
turns_json=?, refs_json=?, comment=?, tags_json=?, status=?, assigned_to=?, assigned_at=?, reviewed_at=?,
updated_at=?, updated_by=?, etag=?, version=?, content_fp=?
WHERE dataset=? AND bucket=? AND id=? AND etag=?`,
			string(turnsJSON), string(refsJSON), nullable(item.Comment), string(tagsJSON), item.Status,
			nullableStringPtr(item.AssignedTo), nullableStringPtr(item.AssignedAt), nullableStringPtr(item.ReviewedAt),
			now, nullable(item.UpdatedBy), newTag, version, fp,
			item.Dataset, item.Bucket, item.ID, ifMatch)
		if err != nil {
			return item, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return item, &PreconditionError{ItemID: item.ID, Expected: ifMatch, Current: cur.ETag}
		}
		item.Version = version
		item.CreatedAt = cur.CreatedAt
	}

	if err := replaceTags(ctx, tx, item.Dataset, item.ID, item.Tags); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	item.ETag = newTag
	item.UpdatedAt = now
	return item, nil
}

func replaceTags(ctx context.Context, tx *sql.Tx, dataset, itemID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_tags WHERE dataset=? AND item_id=?`, dataset, itemID); err != nil {
		return err
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_tags(dataset,item_id,tag) VALUES (?,?,?)`, dataset, itemID, tag); err != nil {
			return err
		}
	}
	return nil
}

// SoftDelete marks an item deleted under the usual etag guard. The
// assignment record is cleared first: once the item is invisible to
// candidate queries nothing else will release it.
func (s Store) SoftDelete(ctx context.Context, key domain.Key, ifMatch string, actor string) (domain.WorkItem, error) {
	item, err := s.Get(ctx, key)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := s.DeleteAssignment(ctx, key.Dataset, key.ID); err != nil {
		return domain.WorkItem{}, err
	}
	item.Status = domain.StatusDeleted
	item.AssignedTo = nil
	item.AssignedAt = nil
	item.UpdatedBy = actor
	return s.Upsert(ctx, item, ifMatch)
}

// withRetry runs fn up to retryAttempts times with exponential backoff on
// transient driver failures. Precondition and not-found results pass
// through untouched; retry policy for those belongs to the caller.
func (s Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBase << (attempt - 1)):
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return &UnavailableError{Op: op, Err: err}
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
