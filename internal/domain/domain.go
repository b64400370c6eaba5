package domain

// Item statuses. Deleted is a soft-delete marker: the row stays readable
// and restorable but is excluded from list views and claiming.
const (
	StatusDraft    = "draft"
	StatusApproved = "approved"
	StatusSkipped  = "skipped"
	StatusDeleted  = "deleted"
)

// Turn is one step of the curated conversation.
type Turn struct {
	Role string         `json:"role" enum:"system,user,assistant"`
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Reference is a supporting source attached to an item. TurnIndex, when
// set, ties the reference to a specific turn and makes its order
// meaningful. LastVisited is client bookkeeping and never participates in
// content equality.
type Reference struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Title       string  `json:"title,omitempty"`
	Excerpt     string  `json:"excerpt,omitempty"`
	Relevant    bool    `json:"relevant"`
	Cited       bool    `json:"cited"`
	TurnIndex   *int    `json:"turn_index,omitempty"`
	LastVisited *string `json:"last_visited,omitempty" format:"date-time"`
}

// WorkItem is the curated question/answer record. ETag is the store's
// opaque concurrency token; Version counts content revisions and does not
// move on status-only writes.
type WorkItem struct {
	ID         string      `json:"id"`
	Dataset    string      `json:"dataset"`
	Bucket     int         `json:"bucket"`
	Turns      []Turn      `json:"turns"`
	References []Reference `json:"references,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Status     string      `json:"status" enum:"draft,approved,skipped,deleted"`
	AssignedTo *string     `json:"assigned_to,omitempty"`
	AssignedAt *string     `json:"assigned_at,omitempty" format:"date-time"`
	ReviewedAt *string     `json:"reviewed_at,omitempty" format:"date-time"`
	UpdatedAt  string      `json:"updated_at" format:"date-time"`
	UpdatedBy  string      `json:"updated_by,omitempty"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
	ETag       string      `json:"etag"`
	Version    int         `json:"version"`
}

// Key addresses an item inside its (dataset, bucket) partition.
type Key struct {
	Dataset string
	Bucket  int
	ID      string
}

func (w WorkItem) Key() Key {
	return Key{Dataset: w.Dataset, Bucket: w.Bucket, ID: w.ID}
}

// Deleted reports whether the item is soft-deleted.
func (w WorkItem) Deleted() bool {
	return w.Status == StatusDeleted
}

// Assignment records the single current owner of an item. Its existence
// is the sole authority for ownership; WorkItem.AssignedTo is a mirror
// maintained by the same claim or release operation.
type Assignment struct {
	ItemID    string `json:"item_id"`
	Dataset   string `json:"dataset"`
	Bucket    int    `json:"bucket"`
	UserID    string `json:"user_id"`
	ClaimedAt string `json:"claimed_at" format:"date-time"`
}

// Event is one entry of the audit trail.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Dataset string `json:"dataset,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIKey maps a hashed key to a curator identity.
type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
