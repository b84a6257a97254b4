package cache

import (
	"context"

	"go.uber.org/zap"
)

const (
	opQueriesNew       = "cache.queries.new"
	opQueriesSingle    = "cache.queries.single"
	opQueriesList      = "cache.queries.list"
	reasonDecodeFailed = "decode_failed"
)

// ListEntry pairs a decoded entity with its cache bookkeeping.
type ListEntry[E Entity] struct {
	Item  E
	State MutationState
	Order float64
}

// SingleResult is the three-valued outcome of a single-item lookup. Until the
// store has been consulted, Determined is false and the consumer shows a
// loading state; afterwards Found stably distinguishes present from absent.
type SingleResult[E Entity] struct {
	Determined bool
	Found      bool
	Item       E
	State      MutationState
}

// QueriesConfig collects the dependencies of a Queries projection.
type QueriesConfig[E Entity] struct {
	Store  *ItemStore
	Views  *ViewIndex
	Codec  Codec[E]
	Logger *zap.Logger
}

// Queries is the typed read path over the item store and view index, used by
// both the session projection refresh and direct consumers.
type Queries[E Entity] struct {
	store  *ItemStore
	views  *ViewIndex
	codec  Codec[E]
	logger *zap.Logger
}

// NewQueries validates the configuration and returns a Queries projection.
func NewQueries[E Entity](cfg QueriesConfig[E]) (*Queries[E], error) {
	if cfg.Store == nil {
		return nil, newEngineError(opQueriesNew, "missing_store", true, errMissingDatabase)
	}
	if cfg.Views == nil {
		return nil, newEngineError(opQueriesNew, "missing_views", true, errMissingDatabase)
	}
	if cfg.Codec == nil {
		return nil, newEngineError(opQueriesNew, "missing_codec", true, errMissingCodec)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queries[E]{store: cfg.Store, views: cfg.Views, codec: cfg.Codec, logger: logger}, nil
}

// Single looks up one item by id. The result is always determined because the
// store has been consulted by the time it returns; sessions overlay their own
// not-yet-fetched state before the first read completes.
func (q *Queries[E]) Single(ctx context.Context, itemID string) (SingleResult[E], error) {
	row, err := q.store.Get(ctx, itemID)
	if err != nil {
		return SingleResult[E]{}, err
	}
	if row == nil || row.TypeName != q.codec.TypeName() {
		return SingleResult[E]{Determined: true, Found: false, Item: q.codec.Empty()}, nil
	}
	item, err := q.codec.Decode(row.Payload)
	if err != nil {
		q.logger.Error("cached payload decode failed",
			zap.String("operation", opQueriesSingle),
			zap.String("reason", reasonDecodeFailed),
			zap.String(fieldItemID, itemID),
			zap.Error(err))
		return SingleResult[E]{}, newEngineError(opQueriesSingle, reasonDecodeFailed, true, err)
	}
	return SingleResult[E]{Determined: true, Found: true, Item: item, State: row.State}, nil
}

// List returns the ordered members of a view, decoded, limited to the
// supplied row count.
func (q *Queries[E]) List(ctx context.Context, viewID string, limit int) ([]ListEntry[E], error) {
	rows, err := q.views.ListForView(ctx, viewID, q.codec.TypeName(), limit, true)
	if err != nil {
		return nil, err
	}
	entries := make([]ListEntry[E], 0, len(rows))
	for _, row := range rows {
		item, err := q.codec.Decode(row.Item.Payload)
		if err != nil {
			q.logger.Error("cached payload decode failed",
				zap.String("operation", opQueriesList),
				zap.String("reason", reasonDecodeFailed),
				zap.String(fieldViewID, viewID),
				zap.String(fieldItemID, row.Item.ItemID),
				zap.Error(err))
			return nil, newEngineError(opQueriesList, reasonDecodeFailed, true, err)
		}
		entries = append(entries, ListEntry[E]{Item: item, State: row.Item.State, Order: row.Order})
	}
	return entries, nil
}
