package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opViewsNew         = "cache.views.new"
	opViewsList        = "cache.views.list"
	opViewsReplaceAll  = "cache.views.replace_all"
	opViewsAppend      = "cache.views.append"
	opViewsInsertAt    = "cache.views.insert_at"
	opViewsRemove      = "cache.views.remove"
	opViewsBounds      = "cache.views.order_bounds"
	reasonTypeMismatch = "type_mismatch"
)

// ViewIndexConfig collects the dependencies of a ViewIndex.
type ViewIndexConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// ViewIndex owns the cached_item_views table: a pure many-to-many ordering
// index over cached items, scoped by view.
type ViewIndex struct {
	db     *gorm.DB
	ids    IDProvider
	logger *zap.Logger
}

// NewViewIndex validates the configuration and returns a ViewIndex.
func NewViewIndex(cfg ViewIndexConfig) (*ViewIndex, error) {
	if cfg.Database == nil {
		return nil, newEngineError(opViewsNew, "missing_database", true, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newEngineError(opViewsNew, "missing_id_provider", true, errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ViewIndex{db: cfg.Database, ids: cfg.IDProvider, logger: logger}, nil
}

// MemberRow pairs a cached item with its position inside a view.
type MemberRow struct {
	Item  CachedItem
	Order float64
}

// OrderBounds describes the occupied order range of a view.
type OrderBounds struct {
	Min   float64
	Max   float64
	Count int64
}

// ListForView returns the view members of the given type in order, limited to
// the supplied row count. Memberships referencing a missing or differently
// typed item are skipped; the orphan sweep migration removes them on startup.
func (v *ViewIndex) ListForView(ctx context.Context, viewID, typeName string, limit int, ascending bool) ([]MemberRow, error) {
	var memberships []CachedItemView
	query := v.db.WithContext(ctx).
		Where("view_id = ?", viewID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "order"}, Desc: !ascending})
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&memberships).Error; err != nil {
		v.logError(opViewsList, reasonQueryFailed, err, zap.String(fieldViewID, viewID))
		return nil, newEngineError(opViewsList, reasonQueryFailed, true, err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	itemIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		itemIDs = append(itemIDs, membership.ItemID)
	}
	var items []CachedItem
	if err := v.db.WithContext(ctx).Where("id IN ?", itemIDs).Find(&items).Error; err != nil {
		v.logError(opViewsList, reasonQueryFailed, err, zap.String(fieldViewID, viewID))
		return nil, newEngineError(opViewsList, reasonQueryFailed, true, err)
	}
	byID := make(map[string]CachedItem, len(items))
	for _, item := range items {
		byID[item.ItemID] = item
	}

	rows := make([]MemberRow, 0, len(memberships))
	for _, membership := range memberships {
		item, ok := byID[membership.ItemID]
		if !ok || item.TypeName != typeName {
			continue
		}
		rows = append(rows, MemberRow{Item: item, Order: membership.Order})
	}
	return rows, nil
}

// ReplaceAllForView atomically deletes every membership of the view, upserts
// the supplied items, and inserts fresh memberships in the given order. Used
// on full-page reload.
func (v *ViewIndex) ReplaceAllForView(ctx context.Context, viewID, typeName string, items []CachedItem) error {
	for _, item := range items {
		if item.TypeName != typeName {
			err := fmt.Errorf("item %s has type %s, view declared for %s", item.ItemID, item.TypeName, typeName)
			v.logError(opViewsReplaceAll, reasonTypeMismatch, err, zap.String(fieldViewID, viewID))
			return newEngineError(opViewsReplaceAll, reasonTypeMismatch, true, err)
		}
	}
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("view_id = ?", viewID).Delete(&CachedItemView{}).Error; err != nil {
			return err
		}
		if err := upsertItems(tx, items); err != nil {
			return err
		}
		for position, item := range items {
			if err := v.createMembership(tx, viewID, item.ItemID, float64(position)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		v.logError(opViewsReplaceAll, reasonWriteFailed, err, zap.String(fieldViewID, viewID))
		return newEngineError(opViewsReplaceAll, reasonWriteFailed, true, err)
	}
	return nil
}

// AppendToView atomically upserts the supplied items and appends memberships
// after the current largest order. Used for follow-up collection pages.
func (v *ViewIndex) AppendToView(ctx context.Context, viewID, typeName string, items []CachedItem) error {
	for _, item := range items {
		if item.TypeName != typeName {
			err := fmt.Errorf("item %s has type %s, view declared for %s", item.ItemID, item.TypeName, typeName)
			v.logError(opViewsAppend, reasonTypeMismatch, err, zap.String(fieldViewID, viewID))
			return newEngineError(opViewsAppend, reasonTypeMismatch, true, err)
		}
	}
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bounds, err := orderBounds(tx, viewID)
		if err != nil {
			return err
		}
		nextOrder := float64(0)
		if bounds.Count > 0 {
			nextOrder = bounds.Max + 1
		}
		if err := upsertItems(tx, items); err != nil {
			return err
		}
		for position, item := range items {
			if err := v.createMembership(tx, viewID, item.ItemID, nextOrder+float64(position)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		v.logError(opViewsAppend, reasonWriteFailed, err, zap.String(fieldViewID, viewID))
		return newEngineError(opViewsAppend, reasonWriteFailed, true, err)
	}
	return nil
}

// InsertAt adds one membership row at the supplied order value.
func (v *ViewIndex) InsertAt(ctx context.Context, viewID, itemID string, order float64) error {
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return v.createMembership(tx, viewID, itemID, order)
	})
	if err != nil {
		v.logError(opViewsInsertAt, reasonWriteFailed, err,
			zap.String(fieldViewID, viewID),
			zap.String(fieldItemID, itemID))
		return newEngineError(opViewsInsertAt, reasonWriteFailed, true, err)
	}
	return nil
}

// RemoveFromView deletes the membership of one item in one view. Removing an
// absent membership is a no-op.
func (v *ViewIndex) RemoveFromView(ctx context.Context, viewID, itemID string) error {
	err := v.db.WithContext(ctx).
		Where("view_id = ? AND item_id = ?", viewID, itemID).
		Delete(&CachedItemView{}).Error
	if err != nil {
		v.logError(opViewsRemove, reasonWriteFailed, err,
			zap.String(fieldViewID, viewID),
			zap.String(fieldItemID, itemID))
		return newEngineError(opViewsRemove, reasonWriteFailed, true, err)
	}
	return nil
}

// Bounds returns the occupied order range of a view. Prepend uses Min-1,
// append uses Max+1, an empty view starts at 0.
func (v *ViewIndex) Bounds(ctx context.Context, viewID string) (OrderBounds, error) {
	var bounds OrderBounds
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := orderBounds(tx, viewID)
		if err != nil {
			return err
		}
		bounds = found
		return nil
	})
	if err != nil {
		v.logError(opViewsBounds, reasonQueryFailed, err, zap.String(fieldViewID, viewID))
		return OrderBounds{}, newEngineError(opViewsBounds, reasonQueryFailed, true, err)
	}
	return bounds, nil
}

func (v *ViewIndex) createMembership(tx *gorm.DB, viewID, itemID string, order float64) error {
	membershipID, err := v.ids.NewID()
	if err != nil {
		return fmt.Errorf("membership id: %w", err)
	}
	membership := CachedItemView{
		MembershipID: membershipID,
		ViewID:       viewID,
		ItemID:       itemID,
		Order:        order,
	}
	return tx.Create(&membership).Error
}

func (v *ViewIndex) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	v.logger.Error("view index error", attrs...)
}

type orderBoundsRow struct {
	MinOrder    *float64
	MaxOrder    *float64
	MemberCount int64
}

func orderBounds(tx *gorm.DB, viewID string) (OrderBounds, error) {
	var row orderBoundsRow
	err := tx.Model(&CachedItemView{}).
		Select(`MIN("order") AS min_order, MAX("order") AS max_order, COUNT(*) AS member_count`).
		Where("view_id = ?", viewID).
		Scan(&row).Error
	if err != nil {
		return OrderBounds{}, err
	}
	bounds := OrderBounds{Count: row.MemberCount}
	if row.MinOrder != nil {
		bounds.Min = *row.MinOrder
	}
	if row.MaxOrder != nil {
		bounds.Max = *row.MaxOrder
	}
	return bounds, nil
}

func removeMembership(tx *gorm.DB, viewID, itemID string) error {
	return tx.Where("view_id = ? AND item_id = ?", viewID, itemID).Delete(&CachedItemView{}).Error
}
