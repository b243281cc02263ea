package flusher

import "fmt"

// assembleResult implements the Result Assembler (C5): deterministic,
// side-effect-free aggregation of the parts a build produced into the
// final [IndexBuildResult].
//
// Errors only if Statistics fails for some segment; in that case the
// whole build fails and no partial result is produced.
func assembleResult[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable any](
	index SearchIndex[Doc, Segment, NewSegment, Statistics, Schema, DeveloperConfig, Mutable],
	updatedPrior []Segment,
	newSegment *Segment,
	declaredTS RepeatableTimestamp,
	backfillResult *BackfillResult,
) (*IndexBuildResult[Segment, Statistics], error) {
	parts := make([]Segment, 0, len(updatedPrior)+1)
	parts = append(parts, updatedPrior...)

	total := index.EmptyStatistics()

	for _, seg := range updatedPrior {
		stats, err := index.Statistics(seg)
		if err != nil {
			return nil, fmt.Errorf("assemble: statistics for segment %s: %w", index.SegmentID(seg), err)
		}

		total = index.AddStatistics(total, stats)
	}

	var newSegmentStats *Statistics

	var newSegmentID *string

	if newSegment != nil {
		parts = append(parts, *newSegment)

		stats, err := index.Statistics(*newSegment)
		if err != nil {
			return nil, fmt.Errorf("assemble: statistics for new segment: %w", err)
		}

		total = index.AddStatistics(total, stats)
		newSegmentStats = &stats

		id := index.SegmentID(*newSegment)
		newSegmentID = &id
	}

	return &IndexBuildResult[Segment, Statistics]{
		SnapshotTS: declaredTS,
		Data: SnapshotData[Segment]{
			Unknown: false,
			Parts:   parts,
		},
		TotalStats:      total,
		NewSegmentStats: newSegmentStats,
		NewSegmentID:    newSegmentID,
		BackfillResult:  backfillResult,
	}, nil
}
