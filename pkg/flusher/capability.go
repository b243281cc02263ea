package flusher

import "context"

// SearchIndex is the sole extension point of the engine: every concrete
// index kind (vector, text, ...) fulfills it and the engine never makes a
// kind-specific decision itself.
//
// Go has no associated types, so the capability set is parameterized by
// generic type parameters instead:
//
//   - Doc: the document payload streamed from the database.
//   - Segment: the durable, uploaded descriptor of one on-disk segment.
//   - NewSegment: the not-yet-uploaded segment a build produced locally.
//   - Statistics: an additive summary of a segment (or set of segments).
//   - Schema: an in-memory handle built from DeveloperConfig, used for
//     size estimation and building.
//   - DeveloperConfig: the developer-provided, kind-specific index config.
//   - Mutable: prior segments downloaded into a mutable, build-local form
//     so build_disk_index can fold tombstones into them in place.
type SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any] interface {
	// GetIndexSizes returns the authoritative sizes of currently-serving
	// indexes at snap.
	GetIndexSizes(ctx context.Context, snap DBSnapshot) (map[IndexID]int64, error)

	// IsVersionCurrent reports whether snap's stored segment format
	// matches this implementation.
	IsVersionCurrent(snap Snapshot[Segment]) bool

	// NewSchema constructs an in-memory schema handle from developer
	// config, used for size estimation and building.
	NewSchema(dc DeveloperConfig) (Schema, error)

	// EstimateDocumentSize estimates doc's contribution to the
	// incremental byte budget. MUST be deterministic and cheap.
	EstimateDocumentSize(schema Schema, doc Doc) (int64, error)

	// DownloadPreviousSegments fetches segments into a mutable, build-local
	// form so build_disk_index can rewrite them to absorb tombstones.
	DownloadPreviousSegments(ctx context.Context, storage Storage, segments []Segment) (Mutable, error)

	// BuildDiskIndex is the algorithmic core: it streams doc changes into
	// a new segment at path while issuing deletions against mutable for
	// updates/tombstones that target prior keys. Returns a nil
	// *NewSegment iff the stream produced no insertions (pure-delete
	// windows). fullScanThresholdKB tunes the builder's internal
	// full-scan-vs-pointed-lookup strategy; its meaning is opaque here.
	BuildDiskIndex(ctx context.Context, schema Schema, path string, stream DocumentStream[Doc], fullScanThresholdKB int64, mutable Mutable) (*NewSegment, error)

	// UploadNewSegment uploads a locally-built segment and returns its
	// durable descriptor.
	UploadNewSegment(ctx context.Context, storage Storage, newSeg NewSegment) (Segment, error)

	// UploadPreviousSegments uploads mutated prior segments, preserving
	// their input order.
	UploadPreviousSegments(ctx context.Context, storage Storage, mutable Mutable) ([]Segment, error)

	// SegmentID returns a segment's stable identifier.
	SegmentID(seg Segment) string

	// Statistics computes a segment's statistics.
	Statistics(seg Segment) (Statistics, error)

	// EmptyStatistics returns the identity element for AddStatistics.
	EmptyStatistics() Statistics

	// AddStatistics folds b into a, returning the combined statistics.
	// MUST be associative and have EmptyStatistics() as identity.
	AddStatistics(a, b Statistics) Statistics
}
