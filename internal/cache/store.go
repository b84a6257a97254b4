package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCodec      = errors.New("entity codec is required")
	errMissingFetcher    = errors.New("fetcher is required")
	errMissingMutator    = errors.New("remote mutator is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew        = "cache.store.new"
	opStoreGet        = "cache.store.get"
	opStoreGetMany    = "cache.store.get_many"
	opStoreUpsert     = "cache.store.upsert"
	opStoreSetState   = "cache.store.set_state"
	opStoreReplace    = "cache.store.replace_content"
	opStoreDelete     = "cache.store.delete"
	reasonQueryFailed = "query_failed"
	reasonWriteFailed = "write_failed"
	fieldItemID       = "item_id"
	fieldViewID       = "view_id"
	fieldTypeName     = "type_name"
)

// StoreConfig collects the dependencies of an ItemStore.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// ItemStore owns the cached_items table. It is the single source of truth for
// entity content and mutation state; higher layers read it only through typed
// projections.
type ItemStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewItemStore validates the configuration and returns an ItemStore.
func NewItemStore(cfg StoreConfig) (*ItemStore, error) {
	if cfg.Database == nil {
		return nil, newEngineError(opStoreNew, "missing_database", true, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ItemStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the cached row for the identifier, or nil when absent.
func (s *ItemStore) Get(ctx context.Context, itemID string) (*CachedItem, error) {
	var row CachedItem
	err := s.db.WithContext(ctx).Where("id = ?", itemID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opStoreGet, reasonQueryFailed, err, zap.String(fieldItemID, itemID))
		return nil, newEngineError(opStoreGet, reasonQueryFailed, true, err)
	}
	return &row, nil
}

// GetMany returns the cached rows for the identifiers, preserving the request
// order. Missing identifiers are skipped.
func (s *ItemStore) GetMany(ctx context.Context, itemIDs []string) ([]CachedItem, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	var rows []CachedItem
	if err := s.db.WithContext(ctx).Where("id IN ?", itemIDs).Find(&rows).Error; err != nil {
		s.logError(opStoreGetMany, reasonQueryFailed, err)
		return nil, newEngineError(opStoreGetMany, reasonQueryFailed, true, err)
	}
	byID := make(map[string]CachedItem, len(rows))
	for _, row := range rows {
		byID[row.ItemID] = row
	}
	ordered := make([]CachedItem, 0, len(rows))
	for _, itemID := range itemIDs {
		if row, ok := byID[itemID]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

// Upsert inserts or replaces the supplied rows. The created_at column is kept
// from the existing row on conflict.
func (s *ItemStore) Upsert(ctx context.Context, items []CachedItem) error {
	if len(items) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertItems(tx, items)
	})
	if err != nil {
		s.logError(opStoreUpsert, reasonWriteFailed, err)
		return newEngineError(opStoreUpsert, reasonWriteFailed, true, err)
	}
	return nil
}

// SetState updates the mutation state of one row. A missing row is reported
// as ErrZeroRowsAffected.
func (s *ItemStore) SetState(ctx context.Context, itemID string, state MutationState) error {
	result := s.db.WithContext(ctx).Model(&CachedItem{}).
		Where("id = ?", itemID).
		Update("state", state)
	if result.Error != nil {
		s.logError(opStoreSetState, reasonWriteFailed, result.Error, zap.String(fieldItemID, itemID))
		return newEngineError(opStoreSetState, reasonWriteFailed, true, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logError(opStoreSetState, "zero_rows_affected", ErrZeroRowsAffected, zap.String(fieldItemID, itemID))
		return newEngineError(opStoreSetState, "zero_rows_affected", true, ErrZeroRowsAffected)
	}
	return nil
}

// ReplaceContent overwrites the payload of one row without touching its
// mutation state. A missing row is reported as ErrZeroRowsAffected.
func (s *ItemStore) ReplaceContent(ctx context.Context, itemID string, payload string) error {
	result := s.db.WithContext(ctx).Model(&CachedItem{}).
		Where("id = ?", itemID).
		Update("payload", payload)
	if result.Error != nil {
		s.logError(opStoreReplace, reasonWriteFailed, result.Error, zap.String(fieldItemID, itemID))
		return newEngineError(opStoreReplace, reasonWriteFailed, true, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logError(opStoreReplace, "zero_rows_affected", ErrZeroRowsAffected, zap.String(fieldItemID, itemID))
		return newEngineError(opStoreReplace, "zero_rows_affected", true, ErrZeroRowsAffected)
	}
	return nil
}

// Delete removes one row and every membership row referencing it, atomically.
// Dangling membership references are never left behind.
func (s *ItemStore) Delete(ctx context.Context, itemID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteItem(tx, itemID)
	})
	if err != nil {
		s.logError(opStoreDelete, reasonWriteFailed, err, zap.String(fieldItemID, itemID))
		return newEngineError(opStoreDelete, reasonWriteFailed, true, err)
	}
	return nil
}

// NewRow builds a CachedItem stamped with the store clock.
func (s *ItemStore) NewRow(itemID, typeName, payload string, state MutationState) CachedItem {
	return CachedItem{
		ItemID:    itemID,
		TypeName:  typeName,
		CreatedAt: s.clock().UTC().Format(time.RFC3339),
		Payload:   payload,
		State:     state,
	}
}

func (s *ItemStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("item store error", attrs...)
}

func upsertItems(tx *gorm.DB, items []CachedItem) error {
	if len(items) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type_name", "payload", "state"}),
	}).Create(&items).Error
}

func deleteItem(tx *gorm.DB, itemID string) error {
	if err := tx.Where("item_id = ?", itemID).Delete(&CachedItemView{}).Error; err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	if err := tx.Where("id = ?", itemID).Delete(&CachedItem{}).Error; err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}
