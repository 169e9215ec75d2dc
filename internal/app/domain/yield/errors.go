package yield

import "errors"

// Failure kinds surfaced by the yield subsystem. Callers match with errors.Is.
var (
	// ErrUnknownAsset is returned for operations on an unregistered asset.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInvalidAsset is returned when registration is attempted with an
	// empty asset or source identifier.
	ErrInvalidAsset = errors.New("invalid asset identifier")

	// ErrCapacityTooLarge is returned when a resize exceeds the buffer ceiling.
	ErrCapacityTooLarge = errors.New("capacity exceeds ceiling")

	// ErrInsufficientSamples is returned when an average is requested over a
	// window with fewer than two distinct-timestamp samples.
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrUnauthorized is returned when a privileged operation is attempted
	// without an admin capability.
	ErrUnauthorized = errors.New("unauthorized")
)
