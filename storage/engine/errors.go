package engine

import (
	stderrors "errors"

	"github.com/nichtich/ukv/storage/kv"
	"github.com/pkg/errors"
)

// The error kinds every public operation reports. Operations never
// panic across the package boundary; internal failures are translated
// onto one of these so callers can match with errors.Is.
var (
	// ErrUninitialized indicates a nil or closed database handle
	ErrUninitialized = stderrors.New("uninitialized state")
	// ErrArgs indicates malformed operation inputs
	ErrArgs = stderrors.New("invalid arguments")
	// ErrOutOfMemory indicates arena or backend allocator exhaustion
	ErrOutOfMemory = stderrors.New("out of memory")
	// ErrMissingFeature indicates an unsupported format or option
	ErrMissingFeature = stderrors.New("missing feature")
	// ErrConflict indicates commit-time validation failed. The caller
	// should retry the transaction.
	ErrConflict = stderrors.New("transaction conflict")
	// ErrUnknownCollection indicates an unknown collection handle or name
	ErrUnknownCollection = stderrors.New("unknown collection")
	// ErrBackend relays an opaque error from the kv backend
	ErrBackend = stderrors.New("backend error")
)

// backendError translates a kv backend error onto the taxonomy.
func backendError(err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, kv.ErrClosed) {
		return errors.Wrap(ErrUninitialized, err.Error())
	}

	return errors.Wrap(ErrBackend, err.Error())
}
