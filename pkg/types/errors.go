package types

import "errors"

var (
	// ErrInvalidInput indicates a malformed request (non-positive price,
	// invalid snapshot). Rejected before any state mutation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicatePosition indicates an open for a symbol that already
	// has an active position. The existing position is untouched.
	ErrDuplicatePosition = errors.New("position already exists")

	// ErrPositionNotFound indicates an update for a symbol with no
	// active position.
	ErrPositionNotFound = errors.New("position not found")
)
