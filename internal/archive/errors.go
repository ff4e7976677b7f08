package archive

import "errors"

var (
	// ErrNotArchived is returned for blobs without an archive record.
	ErrNotArchived = errors.New("blob is not archived")

	// ErrSelfBase is returned when a blob is asked to delta against itself.
	ErrSelfBase = errors.New("blob cannot be its own base")

	// ErrBaseCompressed is returned when the chosen base is archived itself.
	ErrBaseCompressed = errors.New("base blob is compressed")

	// ErrBaseTooLarge is returned when the base exceeds the configured limit.
	ErrBaseTooLarge = errors.New("base blob exceeds the maximum base size")

	// ErrBaseInUse is returned when deleting or compressing a blob that
	// compressed records use as their base.
	ErrBaseInUse = errors.New("blob is the base of compressed blobs")

	// ErrInProgress is returned while a compress or uncompress is running.
	ErrInProgress = errors.New("archive operation in progress")

	// ErrAlreadyCompressed is returned when compressing a compressed blob.
	ErrAlreadyCompressed = errors.New("blob is already compressed")

	// ErrVerifyFailed is returned when decoded bytes do not hash to the blob's
	// digest.
	ErrVerifyFailed = errors.New("archive verification failed")

	// ErrUnknownCodec is returned for codec names the service cannot handle.
	ErrUnknownCodec = errors.New("unknown archive codec")

	// ErrStopped is returned for async requests after Stop.
	ErrStopped = errors.New("archive service stopped")
)
