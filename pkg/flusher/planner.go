package flusher

import (
	"context"
	"fmt"
)

// planBuild implements the Build Planner (C3): for one classified
// IndexBuild, at a fresh transaction's newTS, select the
// [MultipartBuildType] and the prior-segment set to feed the builder.
func planBuild[Doc, Segment, DeveloperConfig any](
	ctx context.Context,
	db Database[Doc, Segment, DeveloperConfig],
	job IndexBuild[Segment, DeveloperConfig],
	newTS RepeatableTimestamp,
) (Plan[Segment], error) {
	state := job.IndexConfig.OnDiskState

	if state.Kind == StateBackfilling {
		return planBackfillContinuation(state.Backfill, newTS), nil
	}

	// Backfilled and SnapshottedAt are planned identically (see the
	// catch-up classification decision in scanner.go / DESIGN.md).
	snap := state.Snapshot

	forceRebuild := job.BuildReason == BuildReasonVersionMismatch || snap.Data.Unknown
	if forceRebuild {
		return planRebuildFromScratch(newTS), nil
	}

	lastTS, err := db.IndexWorkerMetadata().GetFastForwardTS(ctx, snap.TS, job.IndexID)
	if err != nil {
		return Plan[Segment]{}, fmt.Errorf("plan: get fast-forward ts: %w", err)
	}

	return Plan[Segment]{
		Type: MultipartBuildType{
			Kind:   BuildTypePartial,
			LastTS: lastTS,
		},
		PriorSegments: snap.Data.Parts,
		DeclaredTS:    newTS,
	}, nil
}

// planBackfillContinuation anchors the backfill to its existing
// BackfillSnapshotTS once one has been chosen; the first iteration for an
// index adopts newTS as that anchor.
func planBackfillContinuation[Segment any](bf BackfillState[Segment], newTS RepeatableTimestamp) Plan[Segment] {
	anchor := newTS
	if bf.BackfillSnapshotTS != nil {
		anchor = *bf.BackfillSnapshotTS
	}

	return Plan[Segment]{
		Type: MultipartBuildType{
			Kind:               BuildTypeIncrementalComplete,
			Cursor:             bf.Cursor,
			BackfillSnapshotTS: anchor,
		},
		PriorSegments: bf.Segments,
		DeclaredTS:    anchor,
	}
}

// planRebuildFromScratch discards every prior segment and starts a fresh
// backfill anchored at newTS, used for VersionMismatch and Unknown-format
// snapshots.
func planRebuildFromScratch[Segment any](newTS RepeatableTimestamp) Plan[Segment] {
	return Plan[Segment]{
		Type: MultipartBuildType{
			Kind:               BuildTypeIncrementalComplete,
			Cursor:             nil,
			BackfillSnapshotTS: newTS,
		},
		PriorSegments: nil,
		DeclaredTS:    newTS,
	}
}
