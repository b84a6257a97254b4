package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/syncache/internal/metrics"
)

// SessionState is the fetch lifecycle state of one session.
type SessionState int

const (
	// SessionInitializing means Setup has not run yet.
	SessionInitializing SessionState = iota
	// SessionLoadingFirst means the initial cache read is in progress.
	SessionLoadingFirst
	// SessionIdle means the session is ready for the next fetch.
	SessionIdle
	// SessionLoading means a fetch cycle is in flight; further fetch calls
	// fail fast instead of queuing.
	SessionLoading
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionLoadingFirst:
		return "loading_first"
	case SessionIdle:
		return "idle"
	case SessionLoading:
		return "loading"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Configuration defaults. The page ceiling is a safety valve against broken
// pagination cursors; the read limits size the cache projection.
const (
	DefaultMaxFetchPages  = 100
	DefaultCacheReadLimit = 15
	DefaultRemotePageSize = 30
)

const (
	opSessionNew          = "cache.session.new"
	opSessionSetup        = "cache.session.setup"
	opSessionReload       = "cache.session.reload"
	opSessionLoadNext     = "cache.session.load_next"
	opSessionLoadAll      = "cache.session.load_all"
	reasonLoadInProgress  = "load_in_progress"
	reasonNoNextPage      = "no_next_page"
	reasonMaxPageReached  = "max_page_reached"
	reasonFetchFailed     = "fetch_failed"
	reasonDuplicateItem   = "duplicate_item"
	reasonCacheReadFailed = "cache_read_failed"
	reasonCanceled        = "canceled"
	reasonEncodeFailed    = "encode_failed"
)

type loadMode int

const (
	loadModeFirst loadMode = iota
	loadModeNext
)

// SessionConfig collects the dependencies and parameters of a fetch session.
// Exactly one of ViewID and ItemID must be set: a view session maintains an
// ordered collection, a single-item session maintains one entity.
type SessionConfig[E Entity] struct {
	Store   *ItemStore
	Views   *ViewIndex
	Codec   Codec[E]
	Fetcher Fetcher[E]
	Bus     *ReloadBus
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	ViewID string
	ItemID string
	Params FetchParams

	MaxPages       int
	CacheReadLimit int
	RemotePageSize int

	// OnChange is invoked after every projection refresh, so a UI layer can
	// re-render from the session snapshot.
	OnChange func()
}

// Session coordinates one consumer binding: fetch lifecycle, pagination,
// persistence, and the consumer-visible projection. Fetch cycles within one
// session are serialized by the Idle/Loading gate; cross-session concurrency
// is resolved by the store's transaction isolation.
type Session[E Entity] struct {
	store   *ItemStore
	views   *ViewIndex
	codec   Codec[E]
	fetcher Fetcher[E]
	queries *Queries[E]
	bus     *ReloadBus
	logger  *zap.Logger
	metrics *metrics.Metrics

	viewID         string
	itemID         string
	baseParams     FetchParams
	maxPages       int
	cacheReadLimit int
	remotePageSize int
	onChange       func()

	mu          sync.Mutex
	state       SessionState
	pageInfo    *PageInfo
	seenIDs     map[string]struct{}
	hasFetched  bool
	fullyLoaded bool
	list        []ListEntry[E]
	single      SingleResult[E]

	busCancel   context.CancelFunc
	unsubscribe func()
}

// NewSession validates the configuration, subscribes to the reload bus, and
// returns a session in the Initializing state.
func NewSession[E Entity](cfg SessionConfig[E]) (*Session[E], error) {
	if cfg.Store == nil {
		return nil, newEngineError(opSessionNew, "missing_store", true, errMissingDatabase)
	}
	if cfg.Views == nil {
		return nil, newEngineError(opSessionNew, "missing_views", true, errMissingDatabase)
	}
	if cfg.Codec == nil {
		return nil, newEngineError(opSessionNew, "missing_codec", true, errMissingCodec)
	}
	if cfg.Fetcher == nil {
		return nil, newEngineError(opSessionNew, "missing_fetcher", true, errMissingFetcher)
	}
	if cfg.ViewID == "" && cfg.ItemID == "" {
		return nil, newEngineError(opSessionNew, "missing_target", true,
			errors.New("either a view id or an item id is required"))
	}
	if cfg.ViewID != "" && cfg.ItemID != "" {
		return nil, newEngineError(opSessionNew, "ambiguous_target", true,
			errors.New("a session binds a view or a single item, not both"))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	queries, err := NewQueries(QueriesConfig[E]{
		Store:  cfg.Store,
		Views:  cfg.Views,
		Codec:  cfg.Codec,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxFetchPages
	}
	cacheReadLimit := cfg.CacheReadLimit
	if cacheReadLimit <= 0 {
		cacheReadLimit = DefaultCacheReadLimit
	}
	remotePageSize := cfg.RemotePageSize
	if remotePageSize <= 0 {
		remotePageSize = DefaultRemotePageSize
	}

	session := &Session[E]{
		store:          cfg.Store,
		views:          cfg.Views,
		codec:          cfg.Codec,
		fetcher:        cfg.Fetcher,
		queries:        queries,
		bus:            cfg.Bus,
		logger:         logger,
		metrics:        cfg.Metrics,
		viewID:         cfg.ViewID,
		itemID:         cfg.ItemID,
		baseParams:     cfg.Params,
		maxPages:       maxPages,
		cacheReadLimit: cacheReadLimit,
		remotePageSize: remotePageSize,
		onChange:       cfg.OnChange,
		state:          SessionInitializing,
		single:         SingleResult[E]{Item: cfg.Codec.Empty()},
	}

	if cfg.Bus != nil {
		busCtx, cancel := context.WithCancel(context.Background())
		stream, cleanup := cfg.Bus.Subscribe(busCtx, cfg.Codec.TypeName())
		session.busCancel = cancel
		session.unsubscribe = cleanup
		go session.consumeReloadEvents(busCtx, stream)
	}

	return session, nil
}

// Close releases the bus subscription. The session must not be used after.
func (s *Session[E]) Close() {
	if s.busCancel != nil {
		s.busCancel()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Setup performs the initial cache read and, unless cacheOnly is set, the
// first remote fetch. It is idempotent: a second call, concurrent or later,
// observes the already-initialized session and returns without re-issuing the
// first read.
func (s *Session[E]) Setup(ctx context.Context, cacheOnly bool) error {
	s.mu.Lock()
	if s.state != SessionInitializing {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionLoadingFirst
	s.mu.Unlock()

	err := s.refreshProjection(ctx)
	s.transition(SessionIdle)
	if err != nil {
		return s.passThrough(opSessionSetup, reasonCacheReadFailed, err)
	}
	if cacheOnly {
		return nil
	}
	return s.load(ctx, opSessionSetup, loadModeFirst)
}

// Reload fetches the first page again and replaces the working set. With
// reset, the session also forgets a completed full load, shrinking the
// projection back to the cache read limit.
func (s *Session[E]) Reload(ctx context.Context, reset bool) error {
	if reset {
		s.mu.Lock()
		s.fullyLoaded = false
		s.mu.Unlock()
	}
	return s.load(ctx, opSessionReload, loadModeFirst)
}

// LoadNextIfAny fetches the next page and appends it to the working set.
// Calling it with no further page is a precondition violation; callers are
// expected to consult HasNext first.
func (s *Session[E]) LoadNextIfAny(ctx context.Context) error {
	if !s.HasNext() {
		return s.signalError(opSessionLoadNext, reasonNoNextPage, false, ErrNoNextPage)
	}
	return s.load(ctx, opSessionLoadNext, loadModeNext)
}

// LoadAll restarts from the first page and follows the pagination cursor
// until exhaustion. Each page commits atomically on its own, so hitting the
// page ceiling leaves every completed page persisted.
func (s *Session[E]) LoadAll(ctx context.Context) error {
	if err := s.beginLoad(); err != nil {
		return s.signalError(opSessionLoadAll, reasonLoadInProgress, false, err)
	}
	started := time.Now()
	err := s.fetchAll(ctx)
	s.transition(SessionIdle)
	s.recordFetch(err, time.Since(started))
	if err != nil {
		if errors.Is(err, ErrMaxPageReached) {
			return s.signalError(opSessionLoadAll, reasonMaxPageReached, true, err)
		}
		return s.wrapFetchError(opSessionLoadAll, err)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session[E]) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasNext reports whether the remote collaborator announced a further page.
func (s *Session[E]) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageInfo != nil && s.pageInfo.HasNext
}

// Items returns a copy of the current view projection.
func (s *Session[E]) Items() []ListEntry[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]ListEntry[E], len(s.list))
	copy(entries, s.list)
	return entries
}

// Single returns the current single-item projection.
func (s *Session[E]) Single() SingleResult[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.single
}

func (s *Session[E]) load(ctx context.Context, operation string, mode loadMode) error {
	if err := s.beginLoad(); err != nil {
		return s.signalError(operation, reasonLoadInProgress, false, err)
	}
	started := time.Now()
	err := s.fetchCycle(ctx, mode)
	s.transition(SessionIdle)
	s.recordFetch(err, time.Since(started))
	if err != nil {
		return s.wrapFetchError(operation, err)
	}
	return nil
}

func (s *Session[E]) beginLoad() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionIdle {
		return fmt.Errorf("%w: state %s", ErrLoadInProgress, s.state)
	}
	s.state = SessionLoading
	return nil
}

func (s *Session[E]) transition(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session[E]) fetchAll(ctx context.Context) error {
	mode := loadModeFirst
	for pageCount := 0; ; pageCount++ {
		if pageCount >= s.maxPages {
			return fmt.Errorf("%w: ceiling %d", ErrMaxPageReached, s.maxPages)
		}
		if err := s.fetchCycle(ctx, mode); err != nil {
			return err
		}
		mode = loadModeNext
		if !s.HasNext() {
			break
		}
	}
	s.mu.Lock()
	s.fullyLoaded = true
	s.mu.Unlock()
	return s.refreshProjection(ctx)
}

func (s *Session[E]) fetchCycle(ctx context.Context, mode loadMode) error {
	params := s.baseParams
	if mode == loadModeNext {
		s.mu.Lock()
		pageInfo := s.pageInfo
		s.mu.Unlock()
		if pageInfo == nil {
			return ErrNoNextPage
		}
		params = params.WithEndCursor(pageInfo.EndCursor)
	}

	result, err := s.fetcher.Fetch(ctx, params)
	if err != nil {
		return err
	}

	if s.itemID != "" {
		err = s.commitSingle(ctx, result)
	} else {
		err = s.commitPage(ctx, result, mode == loadModeFirst)
	}
	if err != nil {
		return err
	}
	return s.refreshProjection(ctx)
}

func (s *Session[E]) commitSingle(ctx context.Context, result FetchResult[E]) error {
	s.mu.Lock()
	firstFetch := !s.hasFetched
	s.mu.Unlock()

	// An empty refetch of an already-cached item keeps the cached row. A
	// transient empty response must not make the consumer flicker.
	if len(result.Items) == 0 && !firstFetch {
		s.finishCommit(result.Page)
		return nil
	}
	if len(result.Items) > 0 {
		entity := result.Items[0]
		payload, err := s.codec.Encode(entity)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		row := s.store.NewRow(entity.EntityID(), s.codec.TypeName(), payload, StateNormal)
		if err := s.store.Upsert(ctx, []CachedItem{row}); err != nil {
			return err
		}
	}
	s.finishCommit(result.Page)
	return nil
}

func (s *Session[E]) commitPage(ctx context.Context, result FetchResult[E], replace bool) error {
	rows, err := s.encodeRows(result.Items)
	if err != nil {
		return err
	}

	// The page's ids are staged locally and merged into seenIDs only after
	// the commit succeeds: a failed commit leaves the cursor on the same page,
	// and the retry must not mistake its own ids for remote duplicates.
	staged := make(map[string]struct{}, len(rows))
	s.mu.Lock()
	for _, row := range rows {
		if _, duplicate := staged[row.ItemID]; duplicate {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateItem, row.ItemID)
		}
		if !replace {
			if _, duplicate := s.seenIDs[row.ItemID]; duplicate {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrDuplicateItem, row.ItemID)
			}
		}
		staged[row.ItemID] = struct{}{}
	}
	s.mu.Unlock()

	if replace {
		err = s.views.ReplaceAllForView(ctx, s.viewID, s.codec.TypeName(), rows)
	} else {
		err = s.views.AppendToView(ctx, s.viewID, s.codec.TypeName(), rows)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if replace || s.seenIDs == nil {
		s.seenIDs = staged
	} else {
		for itemID := range staged {
			s.seenIDs[itemID] = struct{}{}
		}
	}
	s.mu.Unlock()
	s.finishCommit(result.Page)
	return nil
}

func (s *Session[E]) finishCommit(page PageInfo) {
	s.mu.Lock()
	s.pageInfo = &page
	s.hasFetched = true
	s.mu.Unlock()
}

func (s *Session[E]) encodeRows(items []E) ([]CachedItem, error) {
	rows := make([]CachedItem, 0, len(items))
	for _, item := range items {
		payload, err := s.codec.Encode(item)
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s: %w", item.EntityID(), err)
		}
		rows = append(rows, s.store.NewRow(item.EntityID(), s.codec.TypeName(), payload, StateNormal))
	}
	return rows, nil
}

func (s *Session[E]) refreshProjection(ctx context.Context) error {
	if s.itemID != "" {
		result, err := s.queries.Single(ctx, s.itemID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.single = result
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		limit := s.cacheReadLimit
		if s.fullyLoaded {
			limit = s.maxPages * s.remotePageSize
		}
		s.mu.Unlock()
		entries, err := s.queries.List(ctx, s.viewID, limit)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.list = entries
		s.mu.Unlock()
	}
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

func (s *Session[E]) consumeReloadEvents(ctx context.Context, stream <-chan ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if !s.shouldReload(event) {
				continue
			}
			// Fire-and-forget: the mutation that published the event does
			// not wait for dependent sessions to finish reloading. Errors
			// are logged at the Reload boundary.
			go func() {
				_ = s.Reload(context.Background(), true)
			}()
		}
	}
}

func (s *Session[E]) shouldReload(event ReloadEvent) bool {
	if s.itemID != "" {
		return event.ViewID == ""
	}
	if event.ViewID != "" && event.ViewID != s.viewID {
		return false
	}
	for _, excluded := range event.ExcludeViewIDs {
		if excluded == s.viewID {
			return false
		}
	}
	return true
}

func (s *Session[E]) recordFetch(err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.RecordFetch(s.codec.TypeName(), outcome, duration)
}

// wrapFetchError turns an internal fetch failure into a coded, logged
// EngineError. Errors already coded by a lower layer pass through untouched
// so each failure is logged exactly once.
func (s *Session[E]) wrapFetchError(operation string, err error) error {
	var engineError *EngineError
	if errors.As(err, &engineError) {
		return err
	}
	switch {
	case errors.Is(err, ErrDuplicateItem):
		return s.signalError(operation, reasonDuplicateItem, true, err)
	case IsCanceled(err):
		return s.signalError(operation, reasonCanceled, false, err)
	default:
		return s.signalError(operation, reasonFetchFailed, true, err)
	}
}

func (s *Session[E]) passThrough(operation, reason string, err error) error {
	var engineError *EngineError
	if errors.As(err, &engineError) {
		return err
	}
	return s.signalError(operation, reason, true, err)
}

func (s *Session[E]) signalError(operation, reason string, notify bool, cause error) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldTypeName, s.codec.TypeName()),
	}
	if s.viewID != "" {
		attrs = append(attrs, zap.String(fieldViewID, s.viewID))
	}
	if s.itemID != "" {
		attrs = append(attrs, zap.String(fieldItemID, s.itemID))
	}
	if cause != nil {
		attrs = append(attrs, zap.Error(cause))
	}
	if notify {
		s.logger.Error("fetch session error", attrs...)
	} else {
		s.logger.Info("fetch session rejected call", attrs...)
	}
	return newEngineError(operation, reason, notify, cause)
}
