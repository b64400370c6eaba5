package store

import (
	"context"
	"fmt"
	"strings"

	"groundline/internal/domain"
)

// Filter narrows a list query. Tags use AND semantics: every required tag
// must be present. Keyword and ReferenceURL are substring matches; the
// over-fetch-and-filter shape this implies is an accepted scalability
// ceiling, not a correctness concern.
type Filter struct {
	Dataset        string
	Status         string
	AssignedTo     string
	Tags           []string
	Keyword        string
	ReferenceURL   string
	IncludeDeleted bool
}

type Sort struct {
	Field string // updated_at, created_at, status, version, id
	Desc  bool
}

type Page struct {
	Number int
	Size   int
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

var sortFields = map[string]bool{
	"updated_at": true,
	"created_at": true,
	"status":     true,
	"version":    true,
	"id":         true,
}

func (f Filter) clauses() ([]string, []any) {
	clauses := []string{"dataset=?"}
	args := []any{f.Dataset}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	} else if !f.IncludeDeleted {
		clauses = append(clauses, "status != ?")
		args = append(args, domain.StatusDeleted)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if len(f.Tags) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(f.Tags)), ",")
		clauses = append(clauses, fmt.Sprintf(`id IN (
SELECT item_id FROM item_tags WHERE dataset=? AND tag IN (%s)
GROUP BY item_id HAVING COUNT(DISTINCT tag)=?)`, placeholders))
		args = append(args, f.Dataset)
		for _, t := range f.Tags {
			args = append(args, t)
		}
		args = append(args, len(f.Tags))
	}
	if f.Keyword != "" {
		kw := "%" + f.Keyword + "%"
		clauses = append(clauses, "(turns_json LIKE ? OR comment LIKE ?)")
		args = append(args, kw, kw)
	}
	if f.ReferenceURL != "" {
		clauses = append(clauses, "refs_json LIKE ?")
		args = append(args, "%"+f.ReferenceURL+"%")
	}
	return clauses, args
}

// Query lists items with deterministic pagination: the id tiebreaker is
// appended to every sort so pages never skip or repeat rows when the
// primary key has ties.
func (s Store) Query(ctx context.Context, f Filter, sort Sort, page Page) ([]domain.WorkItem, Pagination, error) {
	if f.Dataset == "" {
		return nil, Pagination{}, fmt.Errorf("dataset required")
	}
	if sort.Field == "" {
		sort.Field = "updated_at"
		sort.Desc = true
	}
	if !sortFields[sort.Field] {
		return nil, Pagination{}, fmt.Errorf("unsupported sort field %q", sort.Field)
	}
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size < 1 {
		page.Size = 50
	}
	clauses, args := f.clauses()
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := s.withRetry(ctx, "count", func() error {
		return s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM items `+where, args...).Scan(&total)
	}); err != nil {
		return nil, Pagination{}, err
	}

	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}
	order := fmt.Sprintf("ORDER BY %s %s, id ASC", sort.Field, dir)
	query := fmt.Sprintf(`SELECT %s FROM items %s %s LIMIT ? OFFSET ?`, itemCols(""), where, order)
	queryArgs := append(append([]any{}, args...), page.Size, (page.Number-1)*page.Size)

	var items []domain.WorkItem
	err := s.withRetry(ctx, "query", func() error {
		rows, err := s.DB.QueryContext(ctx, query, queryArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		items = items[:0]
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, Pagination{}, err
	}
	return items, Pagination{Page: page.Number, PageSize: page.Size, TotalCount: total}, nil
}

// CountByStatus summarizes a dataset for status views.
func (s Store) CountByStatus(ctx context.Context, dataset string) (map[string]int, error) {
	res := map[string]int{}
	err := s.withRetry(ctx, "count by status", func() error {
		rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM items WHERE dataset=? GROUP BY status`, dataset)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			res[status] = count
		}
		return rows.Err()
	})
	return res, err
}
