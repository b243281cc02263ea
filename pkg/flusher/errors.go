package flusher

import (
	"errors"
	"fmt"
)

// Sentinel errors. Check with [errors.Is].
var (
	// ErrPrecondition signals a hard invariant violation (e.g. a
	// fast-forward timestamp exceeding the scan's step timestamp). Fatal:
	// the whole scan or build aborts.
	ErrPrecondition = errors.New("precondition violation")

	// ErrCanceled is returned when the caller stops waiting on a build
	// before the build thread's result arrives. The build thread itself
	// may still run to completion; its output is discarded.
	ErrCanceled = errors.New("build canceled")

	// ErrUnknownIndexID identifies a job that references an index the
	// Database collaborator no longer has metadata for. The engine itself
	// does not return it.
	ErrUnknownIndexID = errors.New("unknown index id")
)

// BuildError is the uniform error type returned by [Flusher.BuildMultipartSegment].
// It attaches job context (index name, build reason) to the underlying
// collaborator or engine error. [Flusher.NeedsBackfill] does not use it; its
// errors are plain wrapped errors.
//
// Use [errors.As] to extract structured fields:
//
//	var bErr *flusher.BuildError
//	if errors.As(err, &bErr) {
//	    log.Printf("build failed for %s (reason=%s): %v", bErr.IndexName, bErr.Reason, bErr.Err)
//	}
type BuildError struct {
	IndexName TableName
	IndexID   IndexID
	Reason    BuildReason
	Err       error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}

	if e.IndexName == "" {
		return e.cause()
	}

	return fmt.Sprintf("%s (index=%s reason=%s)", e.cause(), e.IndexName, e.Reason)
}

func (e *BuildError) cause() string {
	if e.Err == nil {
		return ""
	}

	return e.Err.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is]/[errors.As].
func (e *BuildError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// wrapBuild attaches job context to err. Returns nil if err is nil.
func wrapBuild[Segment any, DeveloperConfig any](job IndexBuild[Segment, DeveloperConfig], err error) error {
	if err == nil {
		return nil
	}

	return &BuildError{
		IndexName: job.IndexName,
		IndexID:   job.IndexID,
		Reason:    job.BuildReason,
		Err:       err,
	}
}
