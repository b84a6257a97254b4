package cache

import (
	"context"
	"errors"
	"testing"
)

func TestViewIndexReplaceAllOrdersSequentially(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	items := []CachedItem{
		store.NewRow("item-1", "article", mustEncode(t, article{ID: "item-1"}), StateNormal),
		store.NewRow("item-2", "article", mustEncode(t, article{ID: "item-2"}), StateNormal),
		store.NewRow("item-3", "article", mustEncode(t, article{ID: "item-3"}), StateNormal),
	}
	if err := views.ReplaceAllForView(context.Background(), "feed-1", "article", items); err != nil {
		t.Fatalf("unexpected replace error: %v", err)
	}

	rows, err := views.ListForView(context.Background(), "feed-1", "article", 0, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 members, got %d", len(rows))
	}
	for position, row := range rows {
		if row.Item.ItemID != items[position].ItemID {
			t.Fatalf("expected fetch order preserved, position %d has %s", position, row.Item.ItemID)
		}
		if position > 0 && rows[position-1].Order >= row.Order {
			t.Fatalf("expected strictly increasing orders, got %f then %f", rows[position-1].Order, row.Order)
		}
	}
}

func TestViewIndexReplaceAllDropsPreviousMembers(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	old := []CachedItem{store.NewRow("item-old", "article", mustEncode(t, article{ID: "item-old"}), StateNormal)}
	if err := views.ReplaceAllForView(context.Background(), "feed-1", "article", old); err != nil {
		t.Fatalf("unexpected replace error: %v", err)
	}
	fresh := []CachedItem{store.NewRow("item-new", "article", mustEncode(t, article{ID: "item-new"}), StateNormal)}
	if err := views.ReplaceAllForView(context.Background(), "feed-1", "article", fresh); err != nil {
		t.Fatalf("unexpected replace error: %v", err)
	}

	rows, err := views.ListForView(context.Background(), "feed-1", "article", 0, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 1 || rows[0].Item.ItemID != "item-new" {
		t.Fatalf("expected only the fresh member, got %#v", rows)
	}
}

func TestViewIndexAppendToViewContinuesOrders(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	first := []CachedItem{
		store.NewRow("item-1", "article", mustEncode(t, article{ID: "item-1"}), StateNormal),
		store.NewRow("item-2", "article", mustEncode(t, article{ID: "item-2"}), StateNormal),
	}
	if err := views.ReplaceAllForView(context.Background(), "feed-1", "article", first); err != nil {
		t.Fatalf("unexpected replace error: %v", err)
	}
	second := []CachedItem{store.NewRow("item-3", "article", mustEncode(t, article{ID: "item-3"}), StateNormal)}
	if err := views.AppendToView(context.Background(), "feed-1", "article", second); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	rows, err := views.ListForView(context.Background(), "feed-1", "article", 0, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 members, got %d", len(rows))
	}
	if rows[2].Item.ItemID != "item-3" {
		t.Fatalf("expected appended item last, got %s", rows[2].Item.ItemID)
	}
	if rows[2].Order <= rows[1].Order {
		t.Fatalf("expected appended order beyond existing maximum, got %f", rows[2].Order)
	}
}

func TestViewIndexPrependOrdersStayMonotonic(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	previousMin := float64(0)
	for index, itemID := range []string{"item-1", "item-2", "item-3"} {
		seedArticle(t, store, article{ID: itemID}, StateNormal)
		bounds, err := views.Bounds(context.Background(), "feed-1")
		if err != nil {
			t.Fatalf("unexpected bounds error: %v", err)
		}
		order := float64(0)
		if bounds.Count > 0 {
			order = bounds.Min - 1
		}
		if err := views.InsertAt(context.Background(), "feed-1", itemID, order); err != nil {
			t.Fatalf("unexpected insert error: %v", err)
		}
		if index > 0 && order >= previousMin {
			t.Fatalf("expected each prepend below all existing orders, got %f after %f", order, previousMin)
		}
		previousMin = order
	}
}

func TestViewIndexRemoveFromView(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	seedArticle(t, store, article{ID: "item-1"}, StateNormal)
	if err := views.InsertAt(context.Background(), "feed-1", "item-1", 0); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if err := views.RemoveFromView(context.Background(), "feed-1", "item-1"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	rows, err := views.ListForView(context.Background(), "feed-1", "article", 0, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty view, got %d members", len(rows))
	}

	// Removing an absent membership stays a no-op.
	if err := views.RemoveFromView(context.Background(), "feed-1", "item-1"); err != nil {
		t.Fatalf("unexpected error on repeated remove: %v", err)
	}
}

func TestViewIndexReplaceAllRejectsForeignType(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	items := []CachedItem{store.NewRow("item-1", "comment", "{}", StateNormal)}
	err := views.ReplaceAllForView(context.Background(), "feed-1", "article", items)
	if err == nil {
		t.Fatalf("expected type mismatch error")
	}
	var engineError *EngineError
	if !errors.As(err, &engineError) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	if engineError.Code() != "cache.views.replace_all.type_mismatch" {
		t.Fatalf("unexpected error code %s", engineError.Code())
	}
}

func TestViewIndexListSkipsForeignTypeItems(t *testing.T) {
	db := newTestDatabase(t)
	store := newTestStore(t, db)
	views := newTestViews(t, db)

	seedArticle(t, store, article{ID: "item-1"}, StateNormal)
	comment := store.NewRow("comment-1", "comment", "{}", StateNormal)
	if err := store.Upsert(context.Background(), []CachedItem{comment}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if err := views.InsertAt(context.Background(), "feed-1", "item-1", 0); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if err := views.InsertAt(context.Background(), "feed-1", "comment-1", 1); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	rows, err := views.ListForView(context.Background(), "feed-1", "article", 0, true)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rows) != 1 || rows[0].Item.ItemID != "item-1" {
		t.Fatalf("expected only the article member, got %#v", rows)
	}
}
