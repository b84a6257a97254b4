package cache

import (
	"errors"
	"fmt"
	"strings"
)

// MutationState tags a cached item with the optimistic operation currently in
// flight against it. Consumers use it to gray out or hide rows.
type MutationState int

const (
	// StateNormal marks an item with no pending mutation.
	StateNormal MutationState = iota
	// StateUpdating marks an item whose content was optimistically rewritten.
	StateUpdating
	// StateInserting marks an item created locally before remote confirmation.
	StateInserting
	// StateDeleting marks an item pending remote deletion.
	StateDeleting
)

// String returns the lowercase state name.
func (s MutationState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateUpdating:
		return "updating"
	case StateInserting:
		return "inserting"
	case StateDeleting:
		return "deleting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const maxIdentifierLength = 190

var (
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("cache: invalid item id")
	// ErrInvalidViewID indicates that a view identifier is empty or exceeds storage bounds.
	ErrInvalidViewID = errors.New("cache: invalid view id")
	// ErrInvalidTypeName indicates that an entity type name is empty or exceeds storage bounds.
	ErrInvalidTypeName = errors.New("cache: invalid type name")
)

// ItemID represents a validated cached item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// ViewID represents a validated view identifier.
type ViewID string

// NewViewID validates raw input and returns a ViewID.
func NewViewID(rawInput string) (ViewID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidViewID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidViewID, maxIdentifierLength)
	}
	return ViewID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ViewID) String() string {
	return string(id)
}

// TypeName represents a validated entity type discriminator.
type TypeName string

// NewTypeName validates raw input and returns a TypeName.
func NewTypeName(rawInput string) (TypeName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTypeName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTypeName, maxIdentifierLength)
	}
	return TypeName(trimmed), nil
}

// String returns the underlying string discriminator.
func (n TypeName) String() string {
	return string(n)
}

// CachedItem models the persisted cache row for one remote entity. The payload
// is an opaque serialized string supplied by the entity codec; the cache never
// interprets it.
type CachedItem struct {
	ItemID    string        `gorm:"column:id;primaryKey;size:190;not null"`
	TypeName  string        `gorm:"column:type_name;size:190;not null;index:idx_cached_items_type"`
	CreatedAt string        `gorm:"column:created_at;size:64;not null"`
	Payload   string        `gorm:"column:payload;type:text;not null"`
	State     MutationState `gorm:"column:state;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CachedItem) TableName() string {
	return "cached_items"
}

// CachedItemView orders one cached item inside one named view. Order values
// are free-floating so prepend and append never renumber existing rows.
type CachedItemView struct {
	MembershipID string  `gorm:"column:id;primaryKey;size:190;not null"`
	ViewID       string  `gorm:"column:view_id;size:190;not null;index:idx_item_views_view;uniqueIndex:idx_item_views_member,priority:1"`
	ItemID       string  `gorm:"column:item_id;size:190;not null;uniqueIndex:idx_item_views_member,priority:2"`
	Order        float64 `gorm:"column:order;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedItemView) TableName() string {
	return "cached_item_views"
}
