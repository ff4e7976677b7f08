package engine

import "errors"

var (
	// ErrReferenced is returned when deleting a blob that still has references.
	ErrReferenced = errors.New("blob is still referenced")

	// ErrDigestMismatch is returned when uploaded content does not hash to
	// the digest supplied with it.
	ErrDigestMismatch = errors.New("content digest mismatch")

	// ErrBusy is returned when a blob cannot be archived because it has open
	// readers or an unflushed cache copy.
	ErrBusy = errors.New("blob is busy")

	// ErrArchiveDisabled is returned by archive operations when no archive
	// service is configured.
	ErrArchiveDisabled = errors.New("archive tier is not configured")
)
