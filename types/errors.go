package types

import "errors"

// Error taxonomy for the analysis engine. Per-pair conditions such as too few
// features or a missing geometric transform are score degradations, not
// errors, and have no sentinel here.
var (
	// ErrDecode marks an unreadable or corrupt source image. The image is
	// skipped from the matrix; the job continues.
	ErrDecode = errors.New("image decode failed")

	// ErrNotFound marks a missing image or job id.
	ErrNotFound = errors.New("not found")

	// ErrNotReady is returned when a job result is requested before the job
	// reached a completed state.
	ErrNotReady = errors.New("job not ready")

	// ErrStorageUnavailable marks an infrastructure failure reading source
	// images. It is fatal to the whole job.
	ErrStorageUnavailable = errors.New("image storage unavailable")

	// ErrCancelled marks a job cancelled by its owner.
	ErrCancelled = errors.New("job cancelled")
)
