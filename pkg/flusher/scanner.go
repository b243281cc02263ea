package flusher

import (
	"context"
	"fmt"
)

// scan implements the Backfill Scanner (C2): needs_backfill().
//
// Scanner errors abort the whole scan; partial job lists are never
// returned (§4.2 Failure semantics).
func scan[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	ctx context.Context,
	db Database[Doc, Segment, DeveloperConfig],
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	cfg Config,
) ([]IndexBuild[Segment, DeveloperConfig], Token, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, Token{}, fmt.Errorf("scan: begin transaction: %w", err)
	}

	stepTS := tx.BeginTimestamp()

	snap, err := db.SnapshotAt(ctx, stepTS)
	if err != nil {
		return nil, Token{}, fmt.Errorf("scan: snapshot at step_ts: %w", err)
	}

	readyIndexSizes, err := index.GetIndexSizes(ctx, snap)
	if err != nil {
		return nil, Token{}, fmt.Errorf("scan: get index sizes: %w", err)
	}

	records, err := db.Indexes().GetAllIndexes(ctx, snap)
	if err != nil {
		return nil, Token{}, fmt.Errorf("scan: get all indexes: %w", err)
	}

	jobs := make([]IndexBuild[Segment, DeveloperConfig], 0, len(records))

	for _, record := range records {
		reason, classified, err := classify(ctx, db, index, cfg, record, stepTS, readyIndexSizes)
		if err != nil {
			return nil, Token{}, fmt.Errorf("scan: classify index %s: %w", record.IndexName, err)
		}

		if !classified {
			continue
		}

		byID, err := db.Indexes().ByIDIndexMetadata(ctx, record.IndexName)
		if err != nil {
			return nil, Token{}, fmt.Errorf("scan: by-id index metadata for %s: %w", record.IndexName, err)
		}

		jobs = append(jobs, IndexBuild[Segment, DeveloperConfig]{
			IndexName:   record.IndexName,
			IndexID:     record.IndexID,
			ByID:        byID,
			MetadataID:  record.MetadataID,
			IndexConfig: record.IndexConfig,
			BuildReason: reason,
		})
	}

	return jobs, tx.IntoToken(), nil
}

// classify determines the [BuildReason] for one index record, if any work
// is needed. classified is false when the index requires no work this
// tick.
func classify[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	ctx context.Context,
	db Database[Doc, Segment, DeveloperConfig],
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	cfg Config,
	record IndexMetadataDoc[Segment, DeveloperConfig],
	stepTS RepeatableTimestamp,
	readyIndexSizes map[IndexID]int64,
) (reason BuildReason, classified bool, err error) {
	state := record.IndexConfig.OnDiskState

	if state.Kind == StateBackfilling {
		return BuildReasonBackfilling, true, nil
	}

	if !index.IsVersionCurrent(state.Snapshot) {
		return BuildReasonVersionMismatch, true, nil
	}

	ts, err := db.IndexWorkerMetadata().GetFastForwardTS(ctx, state.Snapshot.TS, record.IndexID)
	if err != nil {
		return 0, false, fmt.Errorf("get fast-forward ts: %w", err)
	}

	if ts.After(stepTS) {
		return 0, false, fmt.Errorf("%w: fast-forward ts %d exceeds step ts %d for index %s", ErrPrecondition, ts, stepTS, record.IndexName)
	}

	age := stepTS.Sub(ts)
	size := readyIndexSizes[record.IndexID]

	tooLarge := size > cfg.IndexSizeSoftLimit
	tooOld := age >= cfg.MaxCheckpointAge && size > 0

	// Tie-break: TooLarge dominates TooOld.
	switch {
	case tooLarge:
		return BuildReasonTooLarge, true, nil
	case tooOld:
		return BuildReasonTooOld, true, nil
	default:
		return 0, false, nil
	}
}
