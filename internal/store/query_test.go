package store_test

import (
	"context"
	"testing"

	"groundline/internal/domain"
	"groundline/internal/store"
)

func seedQueryFixture(t *testing.T) (store.Store, context.Context) {
	t.Helper()
	st, ctx := newTestStore(t)

	alice := "alice"
	items := []domain.WorkItem{
		func() domain.WorkItem {
			it := draftItem("a")
			it.Tags = []string{"physics", "hard"}
			it.Turns[0].Text = "why is the sky blue"
			return it
		}(),
		func() domain.WorkItem {
			it := draftItem("b")
			it.Tags = []string{"physics"}
			it.AssignedTo = &alice
			it.References = []domain.Reference{{ID: "r1", URL: "https://example.com/rayleigh"}}
			return it
		}(),
		func() domain.WorkItem {
			it := draftItem("c")
			it.Status = domain.StatusApproved
			return it
		}(),
		func() domain.WorkItem {
			it := draftItem("d")
			it.Status = domain.StatusDeleted
			return it
		}(),
	}
	for _, it := range items {
		if _, err := st.Upsert(ctx, it, ""); err != nil {
			t.Fatalf("seed %s: %v", it.ID, err)
		}
	}
	return st, ctx
}

func TestQueryExcludesDeletedByDefault(t *testing.T) {
	st, ctx := seedQueryFixture(t)

	items, pg, err := st.Query(ctx, store.Filter{Dataset: "ds-1"}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if pg.TotalCount != 3 {
		t.Fatalf("total = %d", pg.TotalCount)
	}
	for _, it := range items {
		if it.Deleted() {
			t.Fatalf("deleted item %s leaked into listing", it.ID)
		}
	}

	items, _, err = st.Query(ctx, store.Filter{Dataset: "ds-1", Status: domain.StatusDeleted}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "d" {
		t.Fatalf("deleted filter = %+v", items)
	}
}

func TestQueryTagFilterIsConjunctive(t *testing.T) {
	st, ctx := seedQueryFixture(t)

	items, _, err := st.Query(ctx, store.Filter{Dataset: "ds-1", Tags: []string{"physics"}}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("physics matches = %d", len(items))
	}

	items, _, err = st.Query(ctx, store.Filter{Dataset: "ds-1", Tags: []string{"physics", "hard"}}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("physics+hard = %+v", items)
	}
}

func TestQueryAssignedToAndKeyword(t *testing.T) {
	st, ctx := seedQueryFixture(t)

	items, _, err := st.Query(ctx, store.Filter{Dataset: "ds-1", AssignedTo: "alice"}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "b" {
		t.Fatalf("assigned_to = %+v", items)
	}

	items, _, err = st.Query(ctx, store.Filter{Dataset: "ds-1", Keyword: "sky blue"}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("keyword = %+v", items)
	}

	items, _, err = st.Query(ctx, store.Filter{Dataset: "ds-1", ReferenceURL: "example.com/rayleigh"}, store.Sort{Field: "id"}, store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "b" {
		t.Fatalf("reference url = %+v", items)
	}
}

func TestQueryPagination(t *testing.T) {
	st, ctx := seedQueryFixture(t)

	page1, pg, err := st.Query(ctx, store.Filter{Dataset: "ds-1"}, store.Sort{Field: "id"}, store.Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	page2, _, err := st.Query(ctx, store.Filter{Dataset: "ds-1"}, store.Sort{Field: "id"}, store.Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if pg.TotalCount != 3 || len(page1) != 2 || len(page2) != 1 {
		t.Fatalf("pages: total=%d len1=%d len2=%d", pg.TotalCount, len(page1), len(page2))
	}
	if page1[0].ID != "a" || page1[1].ID != "b" || page2[0].ID != "c" {
		t.Fatalf("page order: %s %s / %s", page1[0].ID, page1[1].ID, page2[0].ID)
	}
}

func TestQueryPaginationStableUnderSortTies(t *testing.T) {
	st, ctx := seedQueryFixture(t)

	// The fixture's fixed clock gives every row the same updated_at, so
	// the id tiebreaker is the only thing keeping pages disjoint.
	seen := map[string]int{}
	for number := 1; ; number++ {
		items, _, err := st.Query(ctx, store.Filter{Dataset: "ds-1"},
			store.Sort{Field: "updated_at"}, store.Page{Number: number, Size: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			seen[item.ID]++
		}
	}
	if len(seen) != 3 {
		t.Fatalf("seen = %+v", seen)
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 1 {
			t.Fatalf("item %s appeared %d times across pages", id, seen[id])
		}
	}
}

func TestQueryRejectsUnknownSortField(t *testing.T) {
	st, ctx := seedQueryFixture(t)
	if _, _, err := st.Query(ctx, store.Filter{Dataset: "ds-1"}, store.Sort{Field: "comment"}, store.Page{}); err == nil {
		t.Fatal("expected sort field error")
	}
}

func TestCountByStatus(t *testing.T) {
	st, ctx := seedQueryFixture(t)
	counts, err := st.CountByStatus(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusDraft] != 2 || counts[domain.StatusApproved] != 1 || counts[domain.StatusDeleted] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}
