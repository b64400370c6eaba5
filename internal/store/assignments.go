package store

import (
	"context"
	"database/sql"
	"strings"

	"groundline/internal/domain"
)

// CreateAssignment inserts an assignment record with create-if-absent
// semantics. A row already present for the item means another claimer
// won; that surfaces as a PreconditionError, never as an overwrite.
func (s Store) CreateAssignment(ctx context.Context, a domain.Assignment) error {
	return s.withRetry(ctx, "create assignment", func() error {
		_, err := s.DB.ExecContext(ctx,
			`INSERT INTO assignments(item_id,dataset,bucket,user_id,claimed_at) VALUES (?,?,?,?,?)`,
			a.ItemID, a.Dataset, a.Bucket, a.UserID, a.ClaimedAt)
		if err != nil && isUniqueViolation(err) {
			return &PreconditionError{ItemID: a.ItemID}
		}
		return err
	})
}

func (s Store) GetAssignment(ctx context.Context, dataset, itemID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := s.withRetry(ctx, "get assignment", func() error {
		err := s.DB.QueryRowContext(ctx,
			`SELECT item_id,dataset,bucket,user_id,claimed_at FROM assignments WHERE dataset=? AND item_id=?`, dataset, itemID).
			Scan(&a.ItemID, &a.Dataset, &a.Bucket, &a.UserID, &a.ClaimedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	return a, err
}

// DeleteAssignment is idempotent; releasing an already-released item is
// not an error.
func (s Store) DeleteAssignment(ctx context.Context, dataset, itemID string) error {
	return s.withRetry(ctx, "delete assignment", func() error {
		_, err := s.DB.ExecContext(ctx, `DELETE FROM assignments WHERE dataset=? AND item_id=?`, dataset, itemID)
		return err
	})
}

// ListAssignments returns assignment records for a dataset, optionally
// filtered by owner.
func (s Store) ListAssignments(ctx context.Context, dataset, userID string) ([]domain.Assignment, error) {
	query := `SELECT item_id,dataset,bucket,user_id,claimed_at FROM assignments WHERE dataset=?`
	args := []any{dataset}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY claimed_at ASC, item_id ASC`
	var res []domain.Assignment
	err := s.withRetry(ctx, "list assignments", func() error {
		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		res = res[:0]
		for rows.Next() {
			var a domain.Assignment
			if err := rows.Scan(&a.ItemID, &a.Dataset, &a.Bucket, &a.UserID, &a.ClaimedAt); err != nil {
				return err
			}
			res = append(res, a)
		}
		return rows.Err()
	})
	return res, err
}

// StaleAssignments returns claims made before the cutoff whose item has
// also not been edited since the cutoff. A claim with recent edits is
// live even if it was acquired long ago.
func (s Store) StaleAssignments(ctx context.Context, dataset, cutoff string) ([]domain.Assignment, error) {
	var res []domain.Assignment
	err := s.withRetry(ctx, "stale assignments", func() error {
		rows, err := s.DB.QueryContext(ctx, `SELECT a.item_id,a.dataset,a.bucket,a.user_id,a.claimed_at
FROM assignments a
JOIN items i ON i.dataset=a.dataset AND i.bucket=a.bucket AND i.id=a.item_id
WHERE a.dataset=? AND a.claimed_at < ? AND i.updated_at < ?
ORDER BY a.claimed_at ASC, a.item_id ASC`, dataset, cutoff, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		res = res[:0]
		for rows.Next() {
			var a domain.Assignment
			if err := rows.Scan(&a.ItemID, &a.Dataset, &a.Bucket, &a.UserID, &a.ClaimedAt); err != nil {
				return err
			}
			res = append(res, a)
		}
		return rows.Err()
	})
	return res, err
}

// Candidates returns unclaimed drafts eligible for assignment, oldest
// first so long-neglected items surface before recently touched ones.
func (s Store) Candidates(ctx context.Context, dataset string, limit int) ([]domain.WorkItem, error) {
	var res []domain.WorkItem
	err := s.withRetry(ctx, "candidates", func() error {
		rows, err := s.DB.QueryContext(ctx, `SELECT `+itemCols("i")+`
FROM items i
LEFT JOIN assignments a ON a.dataset=i.dataset AND a.item_id=i.id
WHERE i.dataset=? AND i.status=? AND a.item_id IS NULL
ORDER BY i.updated_at ASC, i.id ASC LIMIT ?`, dataset, domain.StatusDraft, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		res = res[:0]
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			res = append(res, item)
		}
		return rows.Err()
	})
	return res, err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
