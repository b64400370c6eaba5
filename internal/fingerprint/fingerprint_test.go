package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundline/internal/domain"
	"groundline/internal/fingerprint"
)

func baseItem() domain.WorkItem {
	return domain.WorkItem{
		ID:      "item-1",
		Dataset: "ds-1",
		Turns: []domain.Turn{
			{Role: "user", Text: "What is the boiling point of water?"},
			{Role: "assistant", Text: "100 degrees Celsius at sea level."},
		},
		References: []domain.Reference{
			{ID: "r1", URL: "https://example.com/a", Relevant: true, Cited: true},
			{ID: "r2", URL: "https://example.com/b", Relevant: false},
		},
		Tags:   []string{"physics", "easy"},
		Status: domain.StatusDraft,
	}
}

func TestContentIgnoresWorkflowState(t *testing.T) {
	a := baseItem()
	b := baseItem()
	b.Status = domain.StatusApproved
	user := "alice"
	b.AssignedTo = &user
	b.UpdatedAt = "2024-06-01T00:00:00Z"
	b.Version = 7
	b.ETag = "something-else"

	assert.Equal(t, fingerprint.Content(a), fingerprint.Content(b))
	assert.NotEqual(t, fingerprint.State(a), fingerprint.State(b))
}

func TestContentIgnoresLastVisited(t *testing.T) {
	a := baseItem()
	b := baseItem()
	ts := "2024-06-01T12:00:00Z"
	b.References[0].LastVisited = &ts

	assert.Equal(t, fingerprint.Content(a), fingerprint.Content(b))
	assert.Equal(t, fingerprint.State(a), fingerprint.State(b))
}

func TestContentChangesWithText(t *testing.T) {
	a := baseItem()
	b := baseItem()
	b.Turns[1].Text = "It depends on pressure."

	assert.NotEqual(t, fingerprint.Content(a), fingerprint.Content(b))
}

func TestFreeReferencesAreOrderInsensitive(t *testing.T) {
	a := baseItem()
	b := baseItem()
	b.References[0], b.References[1] = b.References[1], b.References[0]

	assert.Equal(t, fingerprint.Content(a), fingerprint.Content(b))
}

func TestTurnBoundReferencesAreOrderSensitive(t *testing.T) {
	idx := 1
	a := baseItem()
	a.References[0].TurnIndex = &idx
	a.References[1].TurnIndex = &idx

	b := baseItem()
	b.References[0].TurnIndex = &idx
	b.References[1].TurnIndex = &idx
	b.References[0], b.References[1] = b.References[1], b.References[0]

	assert.NotEqual(t, fingerprint.Content(a), fingerprint.Content(b))
}

func TestTagOrderAndDuplicatesDoNotMatter(t *testing.T) {
	a := baseItem()
	a.Tags = []string{"easy", "physics"}
	b := baseItem()
	b.Tags = []string{"physics", "easy", "physics", " easy "}

	assert.Equal(t, fingerprint.Content(a), fingerprint.Content(b))
}

func TestStateTracksDeletion(t *testing.T) {
	a := baseItem()
	b := baseItem()
	b.Status = domain.StatusDeleted

	require.True(t, b.Deleted())
	assert.Equal(t, fingerprint.Content(a), fingerprint.Content(b))
	assert.NotEqual(t, fingerprint.State(a), fingerprint.State(b))
}

func TestNormalizeTags(t *testing.T) {
	got := fingerprint.NormalizeTags([]string{" b", "a", "", "b", "a "})
	assert.Equal(t, []string{"a", "b"}, got)

	assert.Empty(t, fingerprint.NormalizeTags(nil))
}
