package flusher

import (
	"context"
	"fmt"
	"time"
)

// Config carries the flusher's configuration knobs (§6). Immutable for the
// lifetime of the [Flusher].
type Config struct {
	// IndexSizeSoftLimit is the rebuild threshold for full indexes, in
	// bytes. Exceeding it yields [BuildReasonTooLarge].
	IndexSizeSoftLimit int64

	// FullScanThresholdKB tunes the builder's internal
	// full-scan-vs-pointed-lookup strategy. Opaque to the engine; passed
	// through to [SearchIndex.BuildDiskIndex].
	FullScanThresholdKB int64

	// IncrementalMultipartThresholdBytes is the per-run byte budget for a
	// backfill continuation (IncrementalComplete) run.
	IncrementalMultipartThresholdBytes int64

	// MaxCheckpointAge is the age threshold beyond which a non-empty,
	// non-backfilling index is classified [BuildReasonTooOld].
	MaxCheckpointAge time.Duration

	// DefaultDocumentsPageSize is the rate-limiter base: quota per second
	// is DefaultDocumentsPageSize * reason.MaxPagesPerSecond().
	DefaultDocumentsPageSize int

	// VectorIndexWorkerPageSize is the table-iterator page size used
	// while streaming a by-id backfill scan.
	VectorIndexWorkerPageSize int
}

// Validate checks that every knob is set to a usable, positive value.
func (c Config) Validate() error {
	if c.IndexSizeSoftLimit <= 0 {
		return fmt.Errorf("flusher: IndexSizeSoftLimit must be positive")
	}

	if c.FullScanThresholdKB <= 0 {
		return fmt.Errorf("flusher: FullScanThresholdKB must be positive")
	}

	if c.IncrementalMultipartThresholdBytes <= 0 {
		return fmt.Errorf("flusher: IncrementalMultipartThresholdBytes must be positive")
	}

	if c.MaxCheckpointAge <= 0 {
		return fmt.Errorf("flusher: MaxCheckpointAge must be positive")
	}

	if c.DefaultDocumentsPageSize <= 0 {
		return fmt.Errorf("flusher: DefaultDocumentsPageSize must be positive")
	}

	if c.VectorIndexWorkerPageSize <= 0 {
		return fmt.Errorf("flusher: VectorIndexWorkerPageSize must be positive")
	}

	return nil
}

// Flusher is the engine's public facade (C6): [Flusher.NeedsBackfill] and
// [Flusher.BuildMultipartSegment].
type Flusher[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any] struct {
	db      Database[Doc, Segment, DeveloperConfig]
	index   SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable]
	storage Storage
	tempDir TempDirFactory
	cfg     Config
}

// TempDirFactory creates and removes the per-build scratch directory used
// by [SearchIndex.BuildDiskIndex]. Satisfied by [pkg/segment.TempDirs],
// which both flusherd and the tests use.
type TempDirFactory interface {
	// NewBuildDir creates a fresh, empty directory scoped to one build and
	// returns its path plus a cleanup function. The cleanup function MUST
	// be safe to call multiple times and must be called on every exit
	// path (success, failure, cancellation).
	NewBuildDir(ctx context.Context) (path string, cleanup func(), err error)
}

// New constructs a [Flusher]. Returns an error if cfg is invalid.
func New[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	db Database[Doc, Segment, DeveloperConfig],
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	storage Storage,
	tempDir TempDirFactory,
	cfg Config,
) (*Flusher[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if db == nil || index == nil || storage == nil || tempDir == nil {
		return nil, fmt.Errorf("flusher: db, index, storage, and tempDir must be non-nil")
	}

	return &Flusher[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable]{
		db:      db,
		index:   index,
		storage: storage,
		tempDir: tempDir,
		cfg:     cfg,
	}, nil
}

// NeedsBackfill runs the Backfill Scanner (C2): it inspects every index
// record at a repeatable timestamp and returns the jobs that need work,
// plus a consistency token the caller can use to subscribe to
// invalidation of the scan.
func (f *Flusher[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable]) NeedsBackfill(
	ctx context.Context,
) ([]IndexBuild[Segment, DeveloperConfig], Token, error) {
	return scan(ctx, f.db, f.index, f.cfg)
}

// BuildMultipartSegment runs the Build Planner (C3), Segment Builder
// Driver (C4), and Result Assembler (C5) for one classified job: it picks
// a plan, builds (on a dedicated goroutine, off the caller's scheduling
// context), and assembles the structured result. The caller is
// responsible for committing the result back into index metadata and for
// ensuring at most one concurrent build per IndexID.
func (f *Flusher[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable]) BuildMultipartSegment(
	ctx context.Context, job IndexBuild[Segment, DeveloperConfig],
) (*IndexBuildResult[Segment, Statistics], error) {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return nil, wrapBuild(job, fmt.Errorf("begin transaction: %w", err))
	}

	plan, err := planBuild(ctx, f.db, job, tx.BeginTimestamp())
	if err != nil {
		return nil, wrapBuild(job, err)
	}

	result, err := runBuild(ctx, f.db, f.index, f.storage, f.tempDir, f.cfg, job, plan)
	if err != nil {
		return nil, wrapBuild(job, err)
	}

	return result, nil
}
