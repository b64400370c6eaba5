// Package fingerprint derives stable content signatures for work items.
// The content fingerprint ignores workflow state entirely; two items with
// equal content fingerprints are semantically identical regardless of
// status, which is what lets status-only saves skip the version bump.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"groundline/internal/domain"
)

// schema is serialized into every canonical document so that an empty item
// can never collide with a differently shaped empty value.
const schema = "workitem/1"

type canonicalTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// canonicalRef deliberately has no last_visited field; that timestamp is
// volatile client bookkeeping and must not affect equality.
type canonicalRef struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Excerpt   string `json:"excerpt"`
	Relevant  bool   `json:"relevant"`
	Cited     bool   `json:"cited"`
	TurnIndex *int   `json:"turn_index,omitempty"`
}

type canonicalDoc struct {
	Schema     string          `json:"schema"`
	Turns      []canonicalTurn `json:"turns"`
	References []canonicalRef  `json:"references"`
	Tags       []string        `json:"tags"`
	Comment    string          `json:"comment"`
}

// Content returns the deterministic content signature of an item.
// Sequence fields (turns, turn-bound references) keep their order; set
// fields (tags, free references) are sorted so insertion order is
// irrelevant.
func Content(item domain.WorkItem) string {
	doc := canonicalDoc{
		Schema:     schema,
		Turns:      make([]canonicalTurn, 0, len(item.Turns)),
		References: canonicalRefs(item.References),
		Tags:       NormalizeTags(item.Tags),
		Comment:    strings.TrimSpace(item.Comment),
	}
	for _, t := range item.Turns {
		doc.Turns = append(doc.Turns, canonicalTurn{
			Role: strings.TrimSpace(t.Role),
			Text: strings.TrimSpace(t.Text),
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		// canonicalDoc contains only marshalable types
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// State extends the content signature with workflow state. Saves compare
// state fingerprints, so a pure status change is still a real write while
// a double submit is not.
func State(item domain.WorkItem) string {
	return fmt.Sprintf("%s|%s|%t", Content(item), item.Status, item.Deleted())
}

// canonicalRefs serializes turn-bound references in their original order
// (that order is part of the content) and free references sorted by id.
func canonicalRefs(refs []domain.Reference) []canonicalRef {
	bound := make([]canonicalRef, 0, len(refs))
	free := make([]canonicalRef, 0, len(refs))
	for _, r := range refs {
		c := canonicalRef{
			ID:        strings.TrimSpace(r.ID),
			URL:       strings.TrimSpace(r.URL),
			Title:     strings.TrimSpace(r.Title),
			Excerpt:   strings.TrimSpace(r.Excerpt),
			Relevant:  r.Relevant,
			Cited:     r.Cited,
			TurnIndex: r.TurnIndex,
		}
		if r.TurnIndex != nil {
			bound = append(bound, c)
		} else {
			free = append(free, c)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return append(free, bound...)
}

// NormalizeTags trims, drops empties, dedups, and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
