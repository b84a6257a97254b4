package cache

import (
	"context"
	"errors"
	"testing"
)

func TestQueriesSingleRoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)
	queries := newTestQueries(t, store, views)

	original := article{ID: "item-1", Title: "round trip"}
	seedArticle(t, store, original, StateUpdating)

	result, err := queries.Single(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Determined || !result.Found {
		t.Fatalf("expected determined present result, got %#v", result)
	}
	if result.Item != original {
		t.Fatalf("expected round-tripped entity %#v, got %#v", original, result.Item)
	}
	if result.State != StateUpdating {
		t.Fatalf("expected read path to inject mutation state, got %s", result.State)
	}
}

func TestQueriesSingleDeterminedAbsent(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)
	queries := newTestQueries(t, store, views)

	result, err := queries.Single(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Determined {
		t.Fatalf("expected the lookup to be determined")
	}
	if result.Found {
		t.Fatalf("expected absent result, got %#v", result)
	}
}

func TestQueriesSingleIgnoresForeignType(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)
	queries := newTestQueries(t, store, views)

	comment := store.NewRow("item-1", "comment", "{}", StateNormal)
	if err := store.Upsert(context.Background(), []CachedItem{comment}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	result, err := queries.Single(context.Background(), "item-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Found {
		t.Fatalf("expected foreign-typed row to be treated as absent")
	}
}

func TestQueriesSingleMalformedPayload(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)
	queries := newTestQueries(t, store, views)

	broken := store.NewRow("item-1", "article", "{not json", StateNormal)
	if err := store.Upsert(context.Background(), []CachedItem{broken}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	_, err := queries.Single(context.Background(), "item-1")
	if err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
	var engineError *EngineError
	if !errors.As(err, &engineError) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	if engineError.Code() != "cache.queries.single.decode_failed" {
		t.Fatalf("unexpected error code %s", engineError.Code())
	}
}

func TestQueriesListReturnsOrderedEntries(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)
	queries := newTestQueries(t, store, views)

	items := []CachedItem{
		store.NewRow("item-1", "article", mustEncode(t, article{ID: "item-1", Title: "one"}), StateNormal),
		store.NewRow("item-2", "article", mustEncode(t, article{ID: "item-2", Title: "two"}), StateNormal),
		store.NewRow("item-3", "article", mustEncode(t, article{ID: "item-3", Title: "three"}), StateNormal),
	}
	if err := views.ReplaceAllForView(context.Background(), "feed-1", "article", items); err != nil {
		t.Fatalf("unexpected replace error: %v", err)
	}

	entries, err := queries.List(context.Background(), "feed-1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the limit to cap results, got %d entries", len(entries))
	}
	if entries[0].Item.ID != "item-1" || entries[1].Item.ID != "item-2" {
		t.Fatalf("expected view order, got %s then %s", entries[0].Item.ID, entries[1].Item.ID)
	}
	if entries[0].Order >= entries[1].Order {
		t.Fatalf("expected increasing order values")
	}
}
