// Package flusher implements the search-index flusher engine: the control
// logic that decides which on-disk search indexes need work, what kind of
// work they need, and drives a rate-limited document stream through a
// pluggable segment builder to produce a new, structured build result.
//
// The engine is kind-agnostic. A concrete index kind (vector, text, ...)
// fulfills [SearchIndex] and is handed to [New]. Everything else -
// transactions, document iteration, durable blob storage - is consumed
// through the collaborator interfaces in database.go and storage.go.
//
// Callers drive the engine in two steps:
//
//	jobs, token, err := f.NeedsBackfill(ctx)
//	result, err := f.BuildMultipartSegment(ctx, job)
//
// The engine never commits anything back into index metadata; that is the
// caller's responsibility once a result has been produced.
package flusher
