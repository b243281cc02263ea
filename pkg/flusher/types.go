package flusher

import (
	"fmt"
	"time"
)

// RepeatableTimestamp is a commit timestamp the database guarantees can be
// re-read at will. The engine never interprets its internal representation;
// it only compares, orders, and threads it through collaborator calls.
type RepeatableTimestamp int64

// Before reports whether ts happened strictly before other.
func (ts RepeatableTimestamp) Before(other RepeatableTimestamp) bool { return ts < other }

// After reports whether ts happened strictly after other.
func (ts RepeatableTimestamp) After(other RepeatableTimestamp) bool { return ts > other }

// Sub returns the duration elapsed between other and ts, assuming both are
// expressed in the same unit the caller chose for RepeatableTimestamp (the
// engine treats it as an opaque monotonic counter).
func (ts RepeatableTimestamp) Sub(other RepeatableTimestamp) time.Duration {
	return time.Duration(ts-other) * time.Nanosecond
}

// DocumentID identifies a single document within a table. Ordering must be
// total and stable: the by-id backfill scan relies on DocumentID.Less to
// define "strictly after cursor".
type DocumentID string

// Less reports whether id sorts strictly before other in by-id order.
func (id DocumentID) Less(other DocumentID) bool { return id < other }

// IndexID is the opaque internal id of an index metadata record.
type IndexID string

// TableName identifies a tablet-qualified document table.
type TableName string

// Token is an opaque consistency handle returned by [Database.Begin],
// letting the caller subscribe to invalidation of the scan that produced a
// job list.
type Token struct {
	opaque any
}

// NewToken wraps an arbitrary collaborator-defined value as a Token.
func NewToken(opaque any) Token { return Token{opaque: opaque} }

// Value returns the collaborator-defined payload the token carries.
func (t Token) Value() any { return t.opaque }

// BuildReason is the classifier's verdict on why an index needs work. It
// also controls read rate: more urgent reasons are allowed to consume
// documents faster (see [BuildReason.MaxPagesPerSecond]).
type BuildReason int

const (
	// BuildReasonBackfilling means the index is still doing its initial
	// multi-segment construction.
	BuildReasonBackfilling BuildReason = iota
	// BuildReasonVersionMismatch means the stored segment format is stale
	// and the index must be rebuilt from scratch.
	BuildReasonVersionMismatch
	// BuildReasonTooOld means the index has not caught up in too long.
	BuildReasonTooOld
	// BuildReasonTooLarge means the index has grown past its soft size limit
	// and should be rebuilt.
	BuildReasonTooLarge
)

// String implements fmt.Stringer.
func (r BuildReason) String() string {
	switch r {
	case BuildReasonBackfilling:
		return "Backfilling"
	case BuildReasonVersionMismatch:
		return "VersionMismatch"
	case BuildReasonTooOld:
		return "TooOld"
	case BuildReasonTooLarge:
		return "TooLarge"
	default:
		return fmt.Sprintf("BuildReason(%d)", int(r))
	}
}

// MaxPagesPerSecond returns the per-build urgency knob used to size the
// rate limiter's quota (see ratelimit.go). TooLarge indexes are the most
// urgent and are allowed the highest throughput (8); Backfilling and
// VersionMismatch runs get 4, routine TooOld catch-up 2, and any other
// value 1.
func (r BuildReason) MaxPagesPerSecond() float64 {
	switch r {
	case BuildReasonTooLarge:
		return 8
	case BuildReasonVersionMismatch:
		return 4
	case BuildReasonBackfilling:
		return 4
	case BuildReasonTooOld:
		return 2
	default:
		return 1
	}
}

// SnapshotData is the payload of a [Snapshot]: either an incompatible
// legacy format that forces a full rebuild, or the current multi-segment
// representation.
//
// Segment is the caller-supplied concrete on-disk segment type (the
// capability set's associated "Segment" type).
type SnapshotData[Segment any] struct {
	// Unknown is true when the stored format predates this engine and
	// cannot be interpreted; Parts is then empty and a rebuild is forced.
	Unknown bool
	Parts   []Segment
}

// Snapshot is a fully- or partially-built index's on-disk state as of a
// repeatable commit timestamp.
type Snapshot[Segment any] struct {
	TS   RepeatableTimestamp
	Data SnapshotData[Segment]
}

// BackfillState tracks an in-progress initial build.
type BackfillState[Segment any] struct {
	// BackfillSnapshotTS anchors the backfill scan. Nil means no anchor has
	// been chosen yet (first iteration will set it). Once set it MUST
	// remain stable across every continuation run.
	BackfillSnapshotTS *RepeatableTimestamp
	// Cursor is the last-consumed document id within the by-id index. Nil
	// means "start at the beginning".
	Cursor *DocumentID
	// Segments are prior segments already persisted during earlier
	// backfill iterations, in insertion order.
	Segments []Segment
}

// SearchOnDiskStateKind discriminates the tagged [SearchOnDiskState] union.
type SearchOnDiskStateKind int

const (
	// StateBackfilling means the index is still under initial construction.
	StateBackfilling SearchOnDiskStateKind = iota
	// StateBackfilled means the index is fully built but not yet serving.
	StateBackfilled
	// StateSnapshottedAt means the index is fully built and serving.
	StateSnapshottedAt
)

// SearchOnDiskState is the tagged variant describing an index's on-disk
// construction state. Exactly one of Backfill / Snapshot is meaningful,
// selected by Kind.
type SearchOnDiskState[Segment any] struct {
	Kind     SearchOnDiskStateKind
	Backfill BackfillState[Segment]
	Snapshot Snapshot[Segment]
}

// NewBackfillingState constructs a Backfilling on-disk state.
func NewBackfillingState[Segment any](bf BackfillState[Segment]) SearchOnDiskState[Segment] {
	return SearchOnDiskState[Segment]{Kind: StateBackfilling, Backfill: bf}
}

// NewBackfilledState constructs a Backfilled on-disk state.
func NewBackfilledState[Segment any](snap Snapshot[Segment]) SearchOnDiskState[Segment] {
	return SearchOnDiskState[Segment]{Kind: StateBackfilled, Snapshot: snap}
}

// NewSnapshottedAtState constructs a SnapshottedAt on-disk state.
func NewSnapshottedAtState[Segment any](snap Snapshot[Segment]) SearchOnDiskState[Segment] {
	return SearchOnDiskState[Segment]{Kind: StateSnapshottedAt, Snapshot: snap}
}

// IndexConfig is the developer-provided schema plus the index's current
// on-disk construction state.
type IndexConfig[Segment any, DeveloperConfig any] struct {
	Developer   DeveloperConfig
	OnDiskState SearchOnDiskState[Segment]
}

// IndexBuild is a single unit of classified work produced by the Backfill
// Scanner (C2) and consumed by the Build Planner (C3).
type IndexBuild[Segment any, DeveloperConfig any] struct {
	IndexName   TableName
	IndexID     IndexID
	ByID        TableName
	MetadataID  DocumentID
	IndexConfig IndexConfig[Segment, DeveloperConfig]
	BuildReason BuildReason
}

// MultipartBuildTypeKind discriminates the tagged [MultipartBuildType] union.
type MultipartBuildTypeKind int

const (
	// BuildTypePartial is an incremental catch-up run.
	BuildTypePartial MultipartBuildTypeKind = iota
	// BuildTypeIncrementalComplete is a backfill continuation run.
	BuildTypeIncrementalComplete
)

// MultipartBuildType is the closed, exhaustively-matched plan a single
// build run executes. It is an internal detail of the Build Planner (C3)
// and Segment Builder Driver (C4); callers never construct one directly.
type MultipartBuildType struct {
	Kind MultipartBuildTypeKind

	// LastTS is meaningful iff Kind == BuildTypePartial: consume only
	// documents committed in (LastTS, snapshotTS].
	LastTS RepeatableTimestamp

	// Cursor and BackfillSnapshotTS are meaningful iff
	// Kind == BuildTypeIncrementalComplete.
	Cursor             *DocumentID
	BackfillSnapshotTS RepeatableTimestamp
}

// Plan is the Build Planner's (C3) complete decision for one IndexBuild:
// which build type to run, over which prior segments, declaring which
// snapshot timestamp.
type Plan[Segment any] struct {
	Type            MultipartBuildType
	PriorSegments   []Segment
	DeclaredTS      RepeatableTimestamp
}

// BackfillResult records the outcome of one IncrementalComplete run; it is
// present on [IndexBuildResult] iff the plan was IncrementalComplete.
type BackfillResult struct {
	NewCursor          *DocumentID
	BackfillSnapshotTS RepeatableTimestamp
	IsBackfillComplete bool
}

// IndexBuildResult is the flusher's sole output: a fully-assembled,
// ready-to-commit description of the index's new on-disk state. The
// engine never commits this itself.
type IndexBuildResult[Segment any, Statistics any] struct {
	SnapshotTS      RepeatableTimestamp
	Data            SnapshotData[Segment]
	TotalStats      Statistics
	NewSegmentStats *Statistics
	NewSegmentID    *string
	BackfillResult  *BackfillResult
}
