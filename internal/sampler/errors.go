package sampler

import "errors"

var (
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("sampler: already initialized")

	// ErrNotInitialized is returned by every operation before Initialize.
	ErrNotInitialized = errors.New("sampler: not initialized")

	// ErrUnauthorized is returned when a reset is not proven to come from the
	// stored admin.
	ErrUnauthorized = errors.New("sampler: unauthorized")

	// ErrHostUnavailable wraps failures of the storage, randomness or clock
	// collaborators. Callers may retry; the sampler never does.
	ErrHostUnavailable = errors.New("sampler: host unavailable")

	// ErrCorruptState is returned when persisted state is partial, cannot be
	// decoded, or breaks a reservoir invariant.
	ErrCorruptState = errors.New("sampler: corrupt state")

	// ErrInvalidArgument is returned for inputs outside their allowed range.
	ErrInvalidArgument = errors.New("sampler: invalid argument")
)
