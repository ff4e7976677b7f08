package storage

import "errors"

var (
	// ErrNotFound is returned when a path does not exist on a backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDigest is returned for anything that is not a lowercase hex sha256.
	ErrInvalidDigest = errors.New("invalid sha256 digest")

	// ErrUnknownCredential is returned when a credential key is not configured.
	ErrUnknownCredential = errors.New("unknown storage credential")

	// ErrUnsupportedType is returned for a credential type with no registered driver.
	ErrUnsupportedType = errors.New("unsupported storage type")
)
