package flusher

import "context"

// DocumentChange is one element of a document stream: a committed change
// to a single document. Doc is nil for a tombstone (deletion).
type DocumentChange[Doc any] struct {
	TS    RepeatableTimestamp
	ID    DocumentID
	Table TableName
	Doc   *Doc
}

// DocumentStream is a pull-based cursor over [DocumentChange] values,
// consumed by the Segment Builder Driver (C4). Implementations decide
// their own buffering; Next may block on I/O.
//
// Errors returned from Next do not advance any cursor the caller is
// tracking; the caller (driver.go) is responsible for that bookkeeping.
type DocumentStream[Doc any] interface {
	// Next advances the stream. ok is false exactly when the stream is
	// exhausted (no error). A non-nil error aborts the stream; the caller
	// must still call Close.
	Next(ctx context.Context) (change DocumentChange[Doc], ok bool, err error)

	// Close releases resources held by the stream. Safe to call multiple
	// times and after an error or normal exhaustion.
	Close() error
}

// DBSnapshot is a read-only view of the database fixed at a repeatable
// timestamp, used to query currently-serving index sizes.
type DBSnapshot interface {
	// TS returns the snapshot's repeatable timestamp.
	TS() RepeatableTimestamp
}

// IndexMetadataDoc is one index metadata record as read by [IndexModel.GetAllIndexes].
type IndexMetadataDoc[Segment any, DeveloperConfig any] struct {
	IndexID     IndexID
	IndexName   TableName
	MetadataID  DocumentID
	IndexConfig IndexConfig[Segment, DeveloperConfig]
}

// IndexModel resolves index metadata records. Segment and DeveloperConfig
// are the concrete index kind's associated types (see [SearchIndex]).
type IndexModel[Segment any, DeveloperConfig any] interface {
	// GetAllIndexes returns every index metadata record visible at snap,
	// typed with the kind's DeveloperConfig. Neither this collaborator nor
	// the scanner filters the records by index kind.
	GetAllIndexes(ctx context.Context, snap DBSnapshot) ([]IndexMetadataDoc[Segment, DeveloperConfig], error)

	// ByIDIndexMetadata resolves the companion primary-key index table
	// used to drive ordered by-id iteration during backfill.
	ByIDIndexMetadata(ctx context.Context, table TableName) (TableName, error)
}

// IndexWorkerMetadataModel resolves externally-maintained catch-up
// checkpoints.
type IndexWorkerMetadataModel interface {
	// GetFastForwardTS returns the highest commit timestamp already
	// reflected in indexID's on-disk state, as of ts.
	GetFastForwardTS(ctx context.Context, ts RepeatableTimestamp, indexID IndexID) (RepeatableTimestamp, error)
}

// Transaction is a single read transaction's handle.
type Transaction interface {
	// BeginTimestamp is the transaction's repeatable begin timestamp.
	BeginTimestamp() RepeatableTimestamp

	// IntoToken converts the transaction into a consistency [Token] the
	// caller can use to subscribe to invalidation of the scan it backed.
	IntoToken() Token
}

// RateLimiter gates consumption of a document stream to at most n
// "documents" (or pages, per the stream's own contract) per acquisition.
// Satisfied by *rate.Limiter from golang.org/x/time/rate.
type RateLimiter interface {
	WaitN(ctx context.Context, n int) error
}

// Database is the out-of-scope transactional document store collaborator
// (§6). Segment and DeveloperConfig parameterize it over the concrete
// index kind so index metadata records come back fully typed.
type Database[Doc any, Segment any, DeveloperConfig any] interface {
	// Begin opens a new read transaction.
	Begin(ctx context.Context) (Transaction, error)

	// SnapshotAt takes a database snapshot fixed at ts.
	SnapshotAt(ctx context.Context, ts RepeatableTimestamp) (DBSnapshot, error)

	Indexes() IndexModel[Segment, DeveloperConfig]
	IndexWorkerMetadata() IndexWorkerMetadataModel

	// LoadDocumentsInRange streams every document change committed in
	// (from, to] within table, in commit order. Used for Partial builds.
	LoadDocumentsInRange(ctx context.Context, table TableName, from, to RepeatableTimestamp, limiter RateLimiter) (DocumentStream[Doc], error)

	// StreamDocumentsInTable streams documents from the by-id companion
	// index byID, ordered by id, strictly after cursor (nil means from
	// the beginning), as of the fixed timestamp ts, paged pageSize at a
	// time. Used for IncrementalComplete (backfill) builds. Every yielded
	// element's Doc is always non-nil: a fixed-snapshot table scan never
	// encounters tombstones by construction.
	StreamDocumentsInTable(ctx context.Context, table, byID TableName, cursor *DocumentID, ts RepeatableTimestamp, pageSize int, limiter RateLimiter) (DocumentStream[Doc], error)
}
