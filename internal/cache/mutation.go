package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/syncache/internal/metrics"
)

// Placement selects where an optimistic insert lands inside a view.
type Placement int

const (
	// PlacementNone inserts the item without any view membership.
	PlacementNone Placement = iota
	// PlacementPrepend places the item before every existing member.
	PlacementPrepend
	// PlacementAppend places the item after every existing member.
	PlacementAppend
	// PlacementBefore places the item before a named anchor. Not implemented.
	PlacementBefore
	// PlacementAfter places the item after a named anchor. Not implemented.
	PlacementAfter
)

// String returns the lowercase placement name.
func (p Placement) String() string {
	switch p {
	case PlacementNone:
		return "none"
	case PlacementPrepend:
		return "prepend"
	case PlacementAppend:
		return "append"
	case PlacementBefore:
		return "before"
	case PlacementAfter:
		return "after"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Action describes where and how a mutation affects view membership.
type Action struct {
	ViewID    string
	Placement Placement
	// AnchorID names the neighbor for PlacementBefore and PlacementAfter.
	AnchorID string
	// RemoveFromView drops the acting view's membership after a successful
	// update.
	RemoveFromView bool
}

const (
	opMutationsNew             = "cache.mutations.new"
	opMutationInsert           = "cache.mutations.insert"
	opMutationUpdate           = "cache.mutations.update"
	opMutationDelete           = "cache.mutations.delete"
	reasonBeforePhase          = "before_phase_failed"
	reasonAfterPhase           = "after_phase_failed"
	reasonRemoteCall           = "remote_call_failed"
	reasonRollback             = "rollback_failed"
	reasonMissingItem          = "missing_item"
	reasonUnsupportedPlacement = "unsupported_placement"
)

// MutationsConfig collects the dependencies of a mutation coordinator.
type MutationsConfig[E Entity] struct {
	Store   *ItemStore
	Views   *ViewIndex
	Codec   Codec[E]
	Remote  Mutator[E]
	Bus     *ReloadBus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Mutations executes optimistic insert/update/delete for one entity type.
// Each operation follows a before / remote-call / after-or-rollback protocol:
// the local cache is written first, the remote collaborator is asked second,
// and a remote failure rolls the optimistic local state back.
type Mutations[E Entity] struct {
	store   *ItemStore
	views   *ViewIndex
	codec   Codec[E]
	remote  Mutator[E]
	bus     *ReloadBus
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewMutations validates the configuration and returns a coordinator.
func NewMutations[E Entity](cfg MutationsConfig[E]) (*Mutations[E], error) {
	if cfg.Store == nil {
		return nil, newEngineError(opMutationsNew, "missing_store", true, errMissingDatabase)
	}
	if cfg.Views == nil {
		return nil, newEngineError(opMutationsNew, "missing_views", true, errMissingDatabase)
	}
	if cfg.Codec == nil {
		return nil, newEngineError(opMutationsNew, "missing_codec", true, errMissingCodec)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opMutationsNew, "missing_remote", true, errMissingMutator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Mutations[E]{
		store:   cfg.Store,
		views:   cfg.Views,
		codec:   cfg.Codec,
		remote:  cfg.Remote,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Insert persists the entity optimistically, places it inside the action's
// view, and confirms it remotely. A remote failure retracts the optimistic
// insert entirely: afterwards neither the item row nor its membership exists.
func (m *Mutations[E]) Insert(ctx context.Context, entity E, action Action) error {
	itemID := entity.EntityID()

	payload, err := m.codec.Encode(entity)
	if err != nil {
		m.recordMutation("insert", "failure")
		return m.signalError(opMutationInsert, reasonEncodeFailed, true, err, itemID)
	}

	if err := validatePlacement(action); err != nil {
		m.recordMutation("insert", "failure")
		return m.passThrough(opMutationInsert, reasonBeforePhase, err, itemID)
	}

	row := m.store.NewRow(itemID, m.codec.TypeName(), payload, StateInserting)
	err = m.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertItems(tx, []CachedItem{row}); err != nil {
			return err
		}
		if action.Placement == PlacementNone {
			return nil
		}
		// Reading the bounds and creating the membership share the
		// transaction, so two concurrent placements into the same view never
		// observe the same boundary.
		order, err := placementOrder(tx, action)
		if err != nil {
			return err
		}
		return m.views.createMembership(tx, action.ViewID, itemID, order)
	})
	if err != nil {
		// Before-phase failure: nothing optimistic was committed, so there
		// is no remote call and no rollback.
		m.recordMutation("insert", "failure")
		return m.signalError(opMutationInsert, reasonBeforePhase, true, err, itemID)
	}

	if err := m.remote.Insert(ctx, entity); err != nil {
		rollbackErr := m.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if action.Placement != PlacementNone {
				if err := removeMembership(tx, action.ViewID, itemID); err != nil {
					return err
				}
			}
			return deleteItem(tx, itemID)
		})
		if rollbackErr != nil {
			m.logError(opMutationInsert, reasonRollback, rollbackErr, itemID)
		}
		m.metrics.RecordRollback("insert")
		m.recordMutation("insert", "failure")
		return m.signalError(opMutationInsert, reasonRemoteCall, !IsCanceled(err), err, itemID)
	}

	if err := m.store.SetState(ctx, itemID, StateNormal); err != nil {
		m.recordMutation("insert", "failure")
		return m.passThrough(opMutationInsert, reasonAfterPhase, err, itemID)
	}

	m.recordMutation("insert", "success")
	m.publishReload(action.ViewID)
	return nil
}

// Update snapshots the current row, overwrites it optimistically, and
// confirms it remotely. When the remote side answers with a different
// canonical id, the item row and its membership rows are rewritten to the new
// id. A remote failure restores the snapshot; membership rows stay untouched
// by rollback.
func (m *Mutations[E]) Update(ctx context.Context, entity E, action Action) error {
	itemID := entity.EntityID()

	existing, err := m.store.Get(ctx, itemID)
	if err != nil {
		m.recordMutation("update", "failure")
		return m.passThrough(opMutationUpdate, reasonBeforePhase, err, itemID)
	}
	if existing == nil {
		m.recordMutation("update", "failure")
		return m.signalError(opMutationUpdate, reasonMissingItem, true, ErrZeroRowsAffected, itemID)
	}

	payload, err := m.codec.Encode(entity)
	if err != nil {
		m.recordMutation("update", "failure")
		return m.signalError(opMutationUpdate, reasonEncodeFailed, true, err, itemID)
	}

	optimistic := *existing
	optimistic.Payload = payload
	optimistic.State = StateUpdating
	if err := m.store.Upsert(ctx, []CachedItem{optimistic}); err != nil {
		m.recordMutation("update", "failure")
		return m.passThrough(opMutationUpdate, reasonBeforePhase, err, itemID)
	}

	updatedID, err := m.remote.Update(ctx, entity)
	if err != nil {
		restored := *existing
		restored.State = StateNormal
		if rollbackErr := m.store.Upsert(ctx, []CachedItem{restored}); rollbackErr != nil {
			m.logError(opMutationUpdate, reasonRollback, rollbackErr, itemID)
		}
		m.metrics.RecordRollback("update")
		m.recordMutation("update", "failure")
		return m.signalError(opMutationUpdate, reasonRemoteCall, !IsCanceled(err), err, itemID)
	}

	canonicalID := itemID
	if updatedID != "" && updatedID != itemID {
		canonicalID = updatedID
	}
	err = m.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if canonicalID != itemID {
			if err := rewriteItemID(tx, itemID, canonicalID); err != nil {
				return err
			}
		}
		result := tx.Model(&CachedItem{}).Where("id = ?", canonicalID).Update("state", StateNormal)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrZeroRowsAffected
		}
		if action.RemoveFromView && action.ViewID != "" {
			return removeMembership(tx, action.ViewID, canonicalID)
		}
		return nil
	})
	if err != nil {
		m.recordMutation("update", "failure")
		return m.signalError(opMutationUpdate, reasonAfterPhase, true, err, itemID)
	}

	m.recordMutation("update", "success")
	m.publishReload(action.ViewID)
	return nil
}

// Delete marks the item as deleting so consumers can gray it out, confirms
// the deletion remotely, and then removes the row permanently together with
// its memberships. A remote failure restores the normal state and the item
// reappears as-is.
func (m *Mutations[E]) Delete(ctx context.Context, entity E) error {
	itemID := entity.EntityID()

	if err := m.store.SetState(ctx, itemID, StateDeleting); err != nil {
		m.recordMutation("delete", "failure")
		return m.passThrough(opMutationDelete, reasonBeforePhase, err, itemID)
	}

	if err := m.remote.Delete(ctx, entity); err != nil {
		if rollbackErr := m.store.SetState(ctx, itemID, StateNormal); rollbackErr != nil {
			m.logError(opMutationDelete, reasonRollback, rollbackErr, itemID)
		}
		m.metrics.RecordRollback("delete")
		m.recordMutation("delete", "failure")
		return m.signalError(opMutationDelete, reasonRemoteCall, !IsCanceled(err), err, itemID)
	}

	if err := m.store.Delete(ctx, itemID); err != nil {
		m.recordMutation("delete", "failure")
		return m.passThrough(opMutationDelete, reasonAfterPhase, err, itemID)
	}

	m.recordMutation("delete", "success")
	m.publishReload("")
	return nil
}

// validatePlacement rejects placement variants an insert cannot serve.
// Anchored placements are not implemented and fail loudly instead of silently
// doing nothing.
func validatePlacement(action Action) error {
	switch action.Placement {
	case PlacementNone:
		return nil
	case PlacementPrepend, PlacementAppend:
		if action.ViewID == "" {
			return newEngineError(opMutationInsert, "missing_view", true, ErrInvalidViewID)
		}
		return nil
	default:
		return newEngineError(opMutationInsert, reasonUnsupportedPlacement, true,
			fmt.Errorf("%w: %s", ErrUnsupportedPlacement, action.Placement))
	}
}

// placementOrder computes the membership order for a validated insert action
// within the caller's transaction. Prepend and append reuse the free-floating
// order scheme: min-1 and max+1 with no renumbering.
func placementOrder(tx *gorm.DB, action Action) (float64, error) {
	if action.Placement == PlacementNone {
		return 0, nil
	}
	bounds, err := orderBounds(tx, action.ViewID)
	if err != nil {
		return 0, err
	}
	if bounds.Count == 0 {
		return 0, nil
	}
	if action.Placement == PlacementPrepend {
		return bounds.Min - 1, nil
	}
	return bounds.Max + 1, nil
}

// publishReload notifies other live sessions of this type. The acting view is
// excluded: its own session refreshes through the mutation caller.
func (m *Mutations[E]) publishReload(actingViewID string) {
	if m.bus == nil {
		return
	}
	event := ReloadEvent{TypeName: m.codec.TypeName()}
	if actingViewID != "" {
		event.ExcludeViewIDs = []string{actingViewID}
	}
	m.bus.Publish(event)
	m.metrics.RecordReloadEvent()
}

func (m *Mutations[E]) recordMutation(operation, outcome string) {
	m.metrics.RecordMutation(operation, outcome)
}

func (m *Mutations[E]) passThrough(operation, reason string, err error, itemID string) error {
	var engineError *EngineError
	if errors.As(err, &engineError) {
		return err
	}
	return m.signalError(operation, reason, true, err, itemID)
}

func (m *Mutations[E]) signalError(operation, reason string, notify bool, cause error, itemID string) error {
	m.logError(operation, reason, cause, itemID)
	return newEngineError(operation, reason, notify, cause)
}

func (m *Mutations[E]) logError(operation, reason string, err error, itemID string) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldTypeName, m.codec.TypeName()),
		zap.String(fieldItemID, itemID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	m.logger.Error("mutation failed", attrs...)
}

func rewriteItemID(tx *gorm.DB, previousID, canonicalID string) error {
	if err := tx.Model(&CachedItem{}).
		Where("id = ?", previousID).
		Update("id", canonicalID).Error; err != nil {
		return fmt.Errorf("rewrite item id: %w", err)
	}
	if err := tx.Model(&CachedItemView{}).
		Where("item_id = ?", previousID).
		Update("item_id", canonicalID).Error; err != nil {
		return fmt.Errorf("rewrite membership ids: %w", err)
	}
	return nil
}
