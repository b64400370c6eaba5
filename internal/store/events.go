package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"groundline/internal/domain"
)

func (s Store) LatestEvents(ctx context.Context, limit int, dataset, evtType, itemID string) ([]domain.Event, error) {
	return s.LatestEventsFrom(ctx, limit, 0, dataset, evtType, itemID)
}

// LatestEventsFrom pages backwards through the event log. A zero cursor
// starts from the newest event; the caller passes the last seen ID to
// continue.
func (s Store) LatestEventsFrom(ctx context.Context, limit int, cursor int64, dataset, evtType, itemID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if dataset != "" {
		clauses = append(clauses, "dataset=?")
		args = append(args, dataset)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if itemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, itemID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,dataset,item_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return s.scanEvents(ctx, query, args)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (s Store) EventsAfter(ctx context.Context, limit int, cursor int64, dataset string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if dataset != "" {
		clauses = append(clauses, "dataset=?")
		args = append(args, dataset)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,dataset,item_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return s.scanEvents(ctx, query, args)
}

// LatestEventID returns the most recent event ID for a dataset.
func (s Store) LatestEventID(ctx context.Context, dataset string) (int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE dataset=?`, dataset)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s Store) scanEvents(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var dataset, itemID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &dataset, &itemID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Dataset = dataset.String
		e.ItemID = itemID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
