package flusher

import (
	"context"
	"fmt"
)

// runBuild implements the Segment Builder Driver (C4): it sets up the rate
// limiter, constructs the document stream with cursor/threshold
// accounting, runs [SearchIndex.BuildDiskIndex] on a dedicated goroutine,
// uploads the results, and hands off to the Result Assembler (C5).
func runBuild[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	ctx context.Context,
	db Database[Doc, Segment, DeveloperConfig],
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	storage Storage,
	tempDir TempDirFactory,
	cfg Config,
	job IndexBuild[Segment, DeveloperConfig],
	plan Plan[Segment],
) (*IndexBuildResult[Segment, Statistics], error) {
	schema, err := index.NewSchema(job.IndexConfig.Developer)
	if err != nil {
		return nil, fmt.Errorf("build: new schema: %w", err)
	}

	buildDir, cleanup, err := tempDir.NewBuildDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("build: new build dir: %w", err)
	}
	defer cleanup()

	mutable, err := index.DownloadPreviousSegments(ctx, storage, plan.PriorSegments)
	if err != nil {
		return nil, fmt.Errorf("build: download previous segments: %w", err)
	}

	limiter := newRateLimiter(cfg, job.BuildReason)

	var incremental *incrementalStream[Doc]

	stream, err := buildDocumentStream(ctx, db, index, schema, job, plan, limiter, cfg, &incremental)
	if err != nil {
		return nil, fmt.Errorf("build: construct document stream: %w", err)
	}
	defer stream.Close()

	newSegment, err := runBuildDiskIndexOnThread(ctx, index, schema, buildDir, stream, cfg.FullScanThresholdKB, mutable)
	if err != nil {
		return nil, err
	}

	updatedPrior, err := index.UploadPreviousSegments(ctx, storage, mutable)
	if err != nil {
		return nil, fmt.Errorf("build: upload previous segments: %w", err)
	}

	var uploadedNewSegment *Segment

	if newSegment != nil {
		seg, err := index.UploadNewSegment(ctx, storage, *newSegment)
		if err != nil {
			return nil, fmt.Errorf("build: upload new segment: %w", err)
		}

		uploadedNewSegment = &seg
	}

	var backfillResult *BackfillResult
	if plan.Type.Kind == BuildTypeIncrementalComplete {
		backfillResult = &BackfillResult{
			NewCursor:          incremental.newCursor,
			BackfillSnapshotTS: plan.Type.BackfillSnapshotTS,
			IsBackfillComplete: incremental.isBackfillComplete,
		}
	}

	return assembleResult(index, updatedPrior, uploadedNewSegment, plan.DeclaredTS, backfillResult)
}

// buildDiskIndexResult is what the dedicated build goroutine sends back
// over the one-shot channel.
type buildDiskIndexResult[NewSegment any] struct {
	newSegment *NewSegment
	err        error
}

// runBuildDiskIndexOnThread runs BuildDiskIndex on a dedicated goroutine
// (not the caller's scheduling context), because the kernel performs
// blocking disk writes. The result is delivered over a buffered,
// one-shot channel: if ctx is canceled before the build finishes, the
// build thread is left to run to completion, but its eventual send is
// absorbed by the channel's buffer and its output is discarded - this is
// the only way to "cancel" a build (§4.4, §5).
func runBuildDiskIndexOnThread[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	ctx context.Context,
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	schema Schema,
	buildDir string,
	stream DocumentStream[Doc],
	fullScanThresholdKB int64,
	mutable Mutable,
) (*NewSegment, error) {
	done := make(chan buildDiskIndexResult[NewSegment], 1)

	go func() {
		newSegment, err := index.BuildDiskIndex(ctx, schema, buildDir, stream, fullScanThresholdKB, mutable)
		done <- buildDiskIndexResult[NewSegment]{newSegment: newSegment, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("build: build disk index: %w", res.err)
		}

		return res.newSegment, nil
	}
}

// buildDocumentStream constructs the document stream per §4.4: a
// commit-ordered range stream for Partial builds, or a by-id ordered,
// cursor/budget-tracking stream for IncrementalComplete builds. out is
// populated with the tracking wrapper so the caller can read back
// NewCursor/IsBackfillComplete after the stream has been fully consumed.
func buildDocumentStream[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	ctx context.Context,
	db Database[Doc, Segment, DeveloperConfig],
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	schema Schema,
	job IndexBuild[Segment, DeveloperConfig],
	plan Plan[Segment],
	limiter RateLimiter,
	cfg Config,
	out **incrementalStream[Doc],
) (DocumentStream[Doc], error) {
	switch plan.Type.Kind {
	case BuildTypePartial:
		stream, err := db.LoadDocumentsInRange(ctx, job.IndexName, plan.Type.LastTS, plan.DeclaredTS, limiter)
		if err != nil {
			return nil, fmt.Errorf("load documents in range: %w", err)
		}

		return stream, nil

	case BuildTypeIncrementalComplete:
		raw, err := db.StreamDocumentsInTable(
			ctx, job.IndexName, job.ByID, plan.Type.Cursor, plan.Type.BackfillSnapshotTS,
			cfg.VectorIndexWorkerPageSize, limiter,
		)
		if err != nil {
			return nil, fmt.Errorf("stream documents in table: %w", err)
		}

		wrapped := &incrementalStream[Doc]{
			inner:          raw,
			thresholdBytes: cfg.IncrementalMultipartThresholdBytes,
			estimate: func(doc Doc) (int64, error) {
				return index.EstimateDocumentSize(schema, doc)
			},
		}

		*out = wrapped

		return wrapped, nil

	default:
		return nil, fmt.Errorf("build: unknown multipart build type %d", plan.Type.Kind)
	}
}

// incrementalStream wraps a by-id ordered document stream with the
// byte-budget and cursor bookkeeping a backfill continuation run needs
// (§4.4 IncrementalComplete). Every yielded element's Doc is non-nil:
// a fixed-snapshot table scan never observes a tombstone.
type incrementalStream[Doc any] struct {
	inner          DocumentStream[Doc]
	estimate       func(Doc) (int64, error)
	thresholdBytes int64

	totalSize          int64
	newCursor          *DocumentID
	isBackfillComplete bool
	done               bool
}

// Next implements [DocumentStream].
func (s *incrementalStream[Doc]) Next(ctx context.Context) (DocumentChange[Doc], bool, error) {
	if s.done {
		return DocumentChange[Doc]{}, false, nil
	}

	change, ok, err := s.inner.Next(ctx)
	if err != nil {
		// Errors in the stream do NOT advance the cursor (§4.4).
		return DocumentChange[Doc]{}, false, err
	}

	if !ok {
		s.isBackfillComplete = true
		s.done = true

		return DocumentChange[Doc]{}, false, nil
	}

	if change.Doc == nil {
		return DocumentChange[Doc]{}, false, fmt.Errorf("incremental backfill stream yielded a tombstone for id %s", change.ID)
	}

	size, err := s.estimate(*change.Doc)
	if err != nil {
		return DocumentChange[Doc]{}, false, fmt.Errorf("estimate document size: %w", err)
	}

	if s.totalSize+size > s.thresholdBytes {
		// Over budget: terminate without yielding the over-budget element.
		s.isBackfillComplete = false
		s.done = true

		return DocumentChange[Doc]{}, false, nil
	}

	s.totalSize += size

	id := change.ID
	s.newCursor = &id

	return change, true, nil
}

// Close implements [DocumentStream].
func (s *incrementalStream[Doc]) Close() error {
	return s.inner.Close()
}
