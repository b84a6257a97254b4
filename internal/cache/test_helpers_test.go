package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type article struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (a article) EntityID() string {
	return a.ID
}

type articleCodec struct{}

func (articleCodec) TypeName() string {
	return "article"
}

func (articleCodec) Encode(a article) (string, error) {
	data, err := json.Marshal(a)
	return string(data), err
}

func (articleCodec) Decode(payload string) (article, error) {
	var a article
	err := json.Unmarshal([]byte(payload), &a)
	return a, err
}

func (articleCodec) Empty() article {
	return article{}
}

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", fmt.Errorf("id generator exhausted")
}

// flakyIDGenerator fails the configured number of calls, then recovers.
type flakyIDGenerator struct {
	prefix   string
	next     int
	failures int
}

func (g *flakyIDGenerator) NewID() (string, error) {
	if g.failures > 0 {
		g.failures--
		return "", fmt.Errorf("id generator unavailable")
	}
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// cursorFetcher serves pages keyed by cursor; the empty cursor is page one.
// Safe for concurrent use so bus-triggered reloads can be observed.
type cursorFetcher struct {
	mu    sync.Mutex
	pages map[string]FetchResult[article]
	calls int
	err   error
}

func (f *cursorFetcher) Fetch(ctx context.Context, params FetchParams) (FetchResult[article], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return FetchResult[article]{}, f.err
	}
	page, ok := f.pages[params.After]
	if !ok {
		return FetchResult[article]{}, nil
	}
	return page, nil
}

func (f *cursorFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *cursorFetcher) SetPages(pages map[string]FetchResult[article]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = pages
}

// endlessFetcher always announces a further page, for ceiling tests.
type endlessFetcher struct {
	calls int
}

func (f *endlessFetcher) Fetch(ctx context.Context, params FetchParams) (FetchResult[article], error) {
	f.calls++
	return FetchResult[article]{
		Items: []article{{ID: fmt.Sprintf("endless-%d", f.calls), Title: "page"}},
		Page:  PageInfo{HasNext: true, EndCursor: fmt.Sprintf("cursor-%d", f.calls)},
	}, nil
}

// blockingFetcher parks until released, to exercise the Idle/Loading gate.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, params FetchParams) (FetchResult[article], error) {
	close(f.started)
	<-f.release
	return FetchResult[article]{}, nil
}

type stubMutator struct {
	mu          sync.Mutex
	insertErr   error
	updateErr   error
	deleteErr   error
	updatedID   string
	insertCalls int
	updateCalls int
	deleteCalls int
}

func (m *stubMutator) Insert(ctx context.Context, entity article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	return m.insertErr
}

func (m *stubMutator) Update(ctx context.Context, entity article) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	return m.updatedID, m.updateErr
}

func (m *stubMutator) Delete(ctx context.Context, entity article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	return m.deleteErr
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:syncache_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CachedItem{}, &CachedItemView{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *ItemStore {
	t.Helper()

	store, err := NewItemStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1750000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func newTestViews(t *testing.T, db *gorm.DB) *ViewIndex {
	t.Helper()

	views, err := NewViewIndex(ViewIndexConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{prefix: "membership"},
	})
	if err != nil {
		t.Fatalf("unexpected view index error: %v", err)
	}
	return views
}

func newTestQueries(t *testing.T, store *ItemStore, views *ViewIndex) *Queries[article] {
	t.Helper()

	queries, err := NewQueries(QueriesConfig[article]{
		Store: store,
		Views: views,
		Codec: articleCodec{},
	})
	if err != nil {
		t.Fatalf("unexpected queries error: %v", err)
	}
	return queries
}

func mustEncode(t *testing.T, a article) string {
	t.Helper()

	payload, err := articleCodec{}.Encode(a)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	return payload
}

func seedArticle(t *testing.T, store *ItemStore, a article, state MutationState) {
	t.Helper()

	row := store.NewRow(a.ID, "article", mustEncode(t, a), state)
	if err := store.Upsert(context.Background(), []CachedItem{row}); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
}
