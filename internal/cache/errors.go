package cache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoNextPage indicates LoadNextIfAny was called with no further page
	// available. Callers are expected to check HasNext first.
	ErrNoNextPage = errors.New("cache: no next page available")
	// ErrLoadInProgress indicates a fetch was requested while the previous
	// page was still loading. The call is rejected, never queued.
	ErrLoadInProgress = errors.New("cache: previous page still loading")
	// ErrMaxPageReached indicates a fetch-all cycle hit the page ceiling,
	// which usually means a broken pagination cursor upstream.
	ErrMaxPageReached = errors.New("cache: maximum page count reached")
	// ErrDuplicateItem indicates the remote collaborator returned the same
	// item id twice within one merged result set.
	ErrDuplicateItem = errors.New("cache: duplicate item id in fetched result")
	// ErrUnsupportedPlacement indicates a membership placement variant the
	// coordinator does not implement.
	ErrUnsupportedPlacement = errors.New("cache: unsupported membership placement")
	// ErrZeroRowsAffected indicates a write matched no persisted row.
	ErrZeroRowsAffected = errors.New("cache: no rows affected")
)

// EngineError wraps a cache failure with a stable machine-readable code and a
// flag telling the consumer whether the failure should interrupt the user.
type EngineError struct {
	code   string
	notify bool
	err    error
}

// Error renders the code together with the underlying cause.
func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (e *EngineError) Unwrap() error {
	return e.err
}

// Code returns the stable "operation.reason" error code.
func (e *EngineError) Code() string {
	return e.code
}

// ShouldNotify reports whether the failure warrants interrupting the user.
func (e *EngineError) ShouldNotify() bool {
	return e.notify
}

func newEngineError(operation, reason string, notify bool, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &EngineError{code: code, notify: notify, err: cause}
}

// IsCanceled reports whether the error stems from context cancellation rather
// than a genuine failure, so callers can skip user-facing alerts.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ShouldNotifyUser inspects a returned error and reports whether the UI layer
// should surface it. Cancellations and benign coordination errors stay silent.
func ShouldNotifyUser(err error) bool {
	if err == nil {
		return false
	}
	var engineError *EngineError
	if errors.As(err, &engineError) {
		return engineError.ShouldNotify()
	}
	return !IsCanceled(err)
}
