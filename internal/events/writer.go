package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine.
const (
	TypeItemCreated    = "item.created"
	TypeItemImported   = "item.imported"
	TypeItemSaved      = "item.saved"
	TypeItemClaimed    = "item.claimed"
	TypeItemReleased   = "item.released"
	TypeItemApproved   = "item.approved"
	TypeItemSkipped    = "item.skipped"
	TypeItemDeleted    = "item.deleted"
	TypeItemRestored   = "item.restored"
	TypeItemDuplicated = "item.duplicated"
	TypeClaimExpired   = "claim.expired"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append records an event. When tx is nil the write goes straight to the DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, dataset, itemID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var exec execer = w.DB
	if tx != nil {
		exec = tx
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,dataset,item_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(dataset), nullable(itemID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
