package raster

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pspoerri/rasterband/internal/blockcache"
)

// Error kinds. Every error returned by this package matches one of them with
// errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotSupported    = errors.New("not supported")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrIOFailure       = errors.New("I/O failure")
	ErrUserCancelled   = errors.New("user cancelled")
	ErrIllegalState    = errors.New("illegal state")
)

// ErrNoValidPixels is returned by statistics when every sampled pixel is
// nodata or masked. It is an IllegalState error.
var ErrNoValidPixels = fmt.Errorf("no valid pixels found in sampling: %w", ErrIllegalState)

// Error carries the band and dataset an operation failed on.
type Error struct {
	Op        string
	DatasetID uuid.UUID
	Dataset   string
	Band      int
	Kind      error
	Err       error
}

func (e *Error) Error() string {
	where := e.Dataset
	if where == "" {
		where = e.DatasetID.String()
	}
	if e.Band > 0 {
		where = fmt.Sprintf("%s band %d", where, e.Band)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", where, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", where, e.Op, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind sentinel matched by err, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrInvalidArgument, ErrNotSupported, ErrOutOfMemory,
		ErrIOFailure, ErrUserCancelled, ErrIllegalState} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// classify picks a kind for a cause that does not carry one.
func classify(err error, fallback error) error {
	if k := KindOf(err); k != nil {
		return k
	}
	if errors.Is(err, blockcache.ErrOutOfMemory) {
		return ErrOutOfMemory
	}
	if errors.Is(err, blockcache.ErrClosed) || errors.Is(err, blockcache.ErrLocked) {
		return ErrIllegalState
	}
	if errors.Is(err, blockcache.ErrReadOnly) {
		return ErrNotSupported
	}
	return fallback
}
