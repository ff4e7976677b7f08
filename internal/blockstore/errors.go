package blockstore

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for unknown or finished sessions.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrDigestMismatch is returned when block content does not hash to the
	// digest supplied with it.
	ErrDigestMismatch = errors.New("block digest mismatch")

	// ErrCombining is returned by StoreBlock while the session is combining.
	ErrCombining = errors.New("upload session is combining")

	// ErrInvalidSequence is returned for negative sequence numbers.
	ErrInvalidSequence = errors.New("invalid block sequence")
)

// MissingSequenceError reports the first absent sequence at combine time.
type MissingSequenceError struct {
	Seq int
}

func (e *MissingSequenceError) Error() string {
	return fmt.Sprintf("missing block sequence %d", e.Seq)
}
