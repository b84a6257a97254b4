package cache

import "context"

// Entity is the minimal capability a cached domain type must expose: a stable
// string identifier.
type Entity interface {
	EntityID() string
}

// Codec translates between a domain entity and the opaque payload string
// persisted in the item store. Serialization belongs to the entity type, not
// to the engine.
type Codec[E Entity] interface {
	// TypeName returns the stable discriminator stored alongside each row.
	TypeName() string
	// Encode serializes the entity into its payload string.
	Encode(entity E) (string, error)
	// Decode reconstructs an entity from a stored payload string.
	Decode(payload string) (E, error)
	// Empty returns the default-constructed placeholder entity.
	Empty() E
}

// PageInfo carries the cursor state returned by the most recent remote page.
type PageInfo struct {
	HasNext   bool
	EndCursor string
}

// FetchParams parametrizes one remote fetch call. Query carries the
// caller-defined filter parameters; After is the opaque continuation cursor.
type FetchParams struct {
	Query map[string]string
	First int
	After string
}

// WithEndCursor returns a copy of the parameters advanced past the supplied
// cursor.
func (p FetchParams) WithEndCursor(cursor string) FetchParams {
	advanced := p
	advanced.After = cursor
	return advanced
}

// FetchResult is one page of remote items together with its pagination state.
type FetchResult[E Entity] struct {
	Items []E
	Page  PageInfo
}

// Fetcher retrieves remote pages for one entity type. Implementations are
// pure functions of the supplied parameters and may fail with a transport or
// server error.
type Fetcher[E Entity] interface {
	Fetch(ctx context.Context, params FetchParams) (FetchResult[E], error)
}

// Mutator performs remote writes for one entity type. Update returns the
// canonical identifier assigned by the remote side, which may differ from the
// local one when the client wrote under a temporary id; implementations
// return an empty string when the identifier is unchanged.
type Mutator[E Entity] interface {
	Insert(ctx context.Context, entity E) error
	Update(ctx context.Context, entity E) (updatedID string, err error)
	Delete(ctx context.Context, entity E) error
}

// IDProvider issues membership row identifiers.
type IDProvider interface {
	NewID() (string, error)
}
