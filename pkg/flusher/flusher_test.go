package flusher_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowgrid/searchflush/internal/fakedb"
	"github.com/arrowgrid/searchflush/pkg/blobstore"
	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
	"github.com/arrowgrid/searchflush/pkg/segment"
)

type env struct {
	db   *fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig]
	eng  *flusher.Flusher[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable]
	fsys fs.FS
}

type fixedSizes map[flusher.IndexID]int64

func (f fixedSizes) GetIndexSizes(ctx context.Context) (map[flusher.IndexID]int64, error) {
	return map[flusher.IndexID]int64(f), nil
}

func newEnv(t *testing.T, cfg flusher.Config, sizes segment.SizeProvider) *env {
	t.Helper()

	fsys := fs.NewReal()
	db := fakedb.New[segment.Document, segment.Segment, segment.DeveloperConfig]()

	if sizes == nil {
		sizes = fixedSizes{}
	}

	kind := segment.NewKind(fsys, sizes)
	tempDirs := segment.TempDirs{Fsys: fsys, Base: t.TempDir()}
	store := blobstore.New(fsys, t.TempDir())

	eng, err := flusher.New[segment.Document, segment.Segment, segment.NewSegment, segment.Statistics, segment.Schema, segment.DeveloperConfig, segment.Mutable](
		db, kind, store, tempDirs, cfg,
	)
	require.NoError(t, err)

	return &env{db: db, eng: eng, fsys: fsys}
}

func baseConfig() flusher.Config {
	return flusher.Config{
		IndexSizeSoftLimit:                 1 << 30,
		FullScanThresholdKB:                4096,
		IncrementalMultipartThresholdBytes: 10_000,
		MaxCheckpointAge:                   24 * time.Hour,
		DefaultDocumentsPageSize:           1000,
		VectorIndexWorkerPageSize:          1000,
	}
}

// termOfSize returns a single-term document whose encoded posting size
// (using a 36-byte placeholder id, matching real document ids in this
// system) is exactly n bytes: 4 (term length) + len(term) + 4 (id length)
// + 36 (id).
func termOfSize(n int) segment.Document {
	return segment.Document{Terms: []string{strings.Repeat("a", n-44)}}
}

func devConfig() segment.DeveloperConfig {
	return segment.DeveloperConfig{FormatVersion: 1}
}

// Scenario A (spec §8.A): fresh backfill, single page. Two 3000-byte docs
// under a 10000-byte threshold both fit in one run; the backfill completes
// and the cursor lands on the last document.
func TestScenario_A_FreshBackfillSinglePage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, baseConfig(), nil)

	e.db.RegisterIndex(flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{
		IndexID:   "idx1",
		IndexName: "idx1",
		IndexConfig: flusher.IndexConfig[segment.Segment, segment.DeveloperConfig]{
			Developer:   devConfig(),
			OnDiskState: flusher.NewBackfillingState(flusher.BackfillState[segment.Segment]{}),
		},
	}, "idx1_by_id")

	const id1, id2 = flusher.DocumentID("doc-0001"), flusher.DocumentID("doc-0002")

	e.db.Put("idx1_by_id", id1, termOfSize(3000))
	e.db.Put("idx1_by_id", id2, termOfSize(3000))

	jobs, _, err := e.eng.NeedsBackfill(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, flusher.BuildReasonBackfilling, jobs[0].BuildReason)

	result, err := e.eng.BuildMultipartSegment(ctx, jobs[0])
	require.NoError(t, err)

	require.NotNil(t, result.BackfillResult)
	assert.True(t, result.BackfillResult.IsBackfillComplete)
	require.NotNil(t, result.BackfillResult.NewCursor)
	assert.Equal(t, id2, *result.BackfillResult.NewCursor)
	require.NotNil(t, result.NewSegmentID)
	require.Len(t, result.Data.Parts, 1)
	assert.Equal(t, int64(2), result.Data.Parts[0].PostingCount)
}

// Scenario B (spec §8.B): backfill hits the byte budget. Three 4000-byte
// docs under a 10000-byte threshold stop after two (8000 <= 10000, a third
// would be 12000); the first run leaves the backfill incomplete, and a
// second run (after committing the first) picks up at the saved cursor and
// finishes.
func TestScenario_B_BackfillHitsByteBudgetAcrossTwoRuns(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, baseConfig(), nil)

	e.db.RegisterIndex(flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{
		IndexID:   "idx1",
		IndexName: "idx1",
		IndexConfig: flusher.IndexConfig[segment.Segment, segment.DeveloperConfig]{
			Developer:   devConfig(),
			OnDiskState: flusher.NewBackfillingState(flusher.BackfillState[segment.Segment]{}),
		},
	}, "idx1_by_id")

	const id1, id2, id3 = flusher.DocumentID("doc-0001"), flusher.DocumentID("doc-0002"), flusher.DocumentID("doc-0003")

	e.db.Put("idx1_by_id", id1, termOfSize(4000))
	e.db.Put("idx1_by_id", id2, termOfSize(4000))
	e.db.Put("idx1_by_id", id3, termOfSize(4000))

	jobs, _, err := e.eng.NeedsBackfill(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	run1, err := e.eng.BuildMultipartSegment(ctx, jobs[0])
	require.NoError(t, err)
	require.NotNil(t, run1.BackfillResult)
	assert.False(t, run1.BackfillResult.IsBackfillComplete)
	require.NotNil(t, run1.BackfillResult.NewCursor)
	assert.Equal(t, id2, *run1.BackfillResult.NewCursor)
	require.Len(t, run1.Data.Parts, 1)
	assert.Equal(t, int64(2), run1.Data.Parts[0].PostingCount)

	require.NoError(t, fakedb.ApplyBuildResult(e.db, "idx1", run1))

	jobs2, _, err := e.eng.NeedsBackfill(ctx)
	require.NoError(t, err)
	require.Len(t, jobs2, 1)
	assert.Equal(t, flusher.BuildReasonBackfilling, jobs2[0].BuildReason)

	run2, err := e.eng.BuildMultipartSegment(ctx, jobs2[0])
	require.NoError(t, err)
	require.NotNil(t, run2.BackfillResult)
	assert.True(t, run2.BackfillResult.IsBackfillComplete)
	require.NotNil(t, run2.NewSegmentID)
	require.Len(t, run2.Data.Parts, 2)
}

// Scenario C (spec §8.C): a stale stored format forces VersionMismatch
// classification and a from-scratch rebuild: prior segments are dropped
// entirely rather than carried forward.
func TestScenario_C_VersionMismatchTriggersRebuild(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, baseConfig(), nil)

	e.db.RegisterIndex(flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{
		IndexID:   "idx1",
		IndexName: "idx1",
		IndexConfig: flusher.IndexConfig[segment.Segment, segment.DeveloperConfig]{
			Developer: devConfig(),
			OnDiskState: flusher.NewSnapshottedAtState(flusher.Snapshot[segment.Segment]{
				TS: 1,
				Data: flusher.SnapshotData[segment.Segment]{
					Parts: []segment.Segment{{Key: "segments/stale.run", ID: "stale", FormatVersion: 0, PostingCount: 1, ByteSize: 100}},
				},
			}),
		},
	}, "idx1_by_id")

	e.db.Put("idx1_by_id", flusher.DocumentID("doc-0001"), termOfSize(100))

	jobs, _, err := e.eng.NeedsBackfill(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, flusher.BuildReasonVersionMismatch, jobs[0].BuildReason)

	result, err := e.eng.BuildMultipartSegment(ctx, jobs[0])
	require.NoError(t, err)

	require.NotNil(t, result.BackfillResult)
	require.NotNil(t, result.NewSegmentID)
	require.Len(t, result.Data.Parts, 1, "the stale prior segment must not survive a version-mismatch rebuild")
	assert.NotEqual(t, "stale", result.Data.Parts[0].ID)
}

// Scenario D (spec §8.D): a Partial catch-up window containing only
// deletions of ids present in prior segments produces no new segment; the
// prior segments are re-uploaded with those postings removed.
func TestScenario_D_PureDeleteCatchup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, baseConfig(), nil)

	e.db.RegisterIndex(flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{
		IndexID:   "idx1",
		IndexName: "idx1",
		IndexConfig: flusher.IndexConfig[segment.Segment, segment.DeveloperConfig]{
			Developer:   devConfig(),
			OnDiskState: flusher.NewBackfillingState(flusher.BackfillState[segment.Segment]{}),
		},
	}, "idx1_by_id")

	docID := flusher.DocumentID("doc-0001")
	e.db.Put("idx1_by_id", docID, termOfSize(100))

	genesisJobs, _, err := e.eng.NeedsBackfill(ctx)
	require.NoError(t, err)
	require.Len(t, genesisJobs, 1)

	genesis, err := e.eng.BuildMultipartSegment(ctx, genesisJobs[0])
	require.NoError(t, err)
	require.True(t, genesis.BackfillResult.IsBackfillComplete)
	require.Len(t, genesis.Data.Parts, 1)

	require.NoError(t, fakedb.ApplyBuildResult(e.db, "idx1", genesis))

	// Delete the document from the raw commit-ordered table the Partial
	// scan reads (job.IndexName), not its by-id companion.
	e.db.Delete("idx1", docID)

	records := currentRecords(t, ctx, e.db)
	record := findRecord(t, records, "idx1")

	job := flusher.IndexBuild[segment.Segment, segment.DeveloperConfig]{
		IndexName:   record.IndexName,
		IndexID:     record.IndexID,
		ByID:        "idx1_by_id",
		IndexConfig: record.IndexConfig,
		BuildReason: flusher.BuildReasonTooOld,
	}

	result, err := e.eng.BuildMultipartSegment(ctx, job)
	require.NoError(t, err)

	assert.Nil(t, result.NewSegmentID, "a pure-delete window must not produce a new segment")
	require.Len(t, result.Data.Parts, 1)
	assert.Equal(t, int64(0), result.Data.Parts[0].PostingCount)
	assert.Equal(t, int64(0), result.TotalStats.PostingCount)
}

// Scenario E (spec §8.E): when both size and age thresholds are crossed,
// TooLarge dominates TooOld.
func TestScenario_E_TooLargeBeatsTooOld(t *testing.T) {
	ctx := context.Background()

	cfg := baseConfig()
	cfg.IndexSizeSoftLimit = 1000
	cfg.MaxCheckpointAge = 1

	e := newEnv(t, cfg, fixedSizes{"idx1": 1001})

	e.db.RegisterIndex(flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{
		IndexID:   "idx1",
		IndexName: "idx1",
		IndexConfig: flusher.IndexConfig[segment.Segment, segment.DeveloperConfig]{
			Developer: devConfig(),
			OnDiskState: flusher.NewSnapshottedAtState(flusher.Snapshot[segment.Segment]{
				TS:   1,
				Data: flusher.SnapshotData[segment.Segment]{Parts: nil},
			}),
		},
	}, "idx1_by_id")

	// Advance the clock well past MaxCheckpointAge so the index is also
	// old, not just large.
	for i := 0; i < 5; i++ {
		e.db.Tick()
	}

	jobs, _, err := e.eng.NeedsBackfill(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, flusher.BuildReasonTooLarge, jobs[0].BuildReason)
}

// Scenario F (spec §8.F): a fast-forward checkpoint that outruns the scan's
// step timestamp is a precondition violation; the scan aborts with no jobs.
func TestScenario_F_FastForwardViolation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, baseConfig(), nil)

	e.db.RegisterIndex(flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{
		IndexID:   "idx1",
		IndexName: "idx1",
		IndexConfig: flusher.IndexConfig[segment.Segment, segment.DeveloperConfig]{
			Developer: devConfig(),
			OnDiskState: flusher.NewSnapshottedAtState(flusher.Snapshot[segment.Segment]{
				TS:   1,
				Data: flusher.SnapshotData[segment.Segment]{Parts: nil},
			}),
		},
	}, "idx1_by_id")

	e.db.SetFastForwardTS("idx1", 1_000_000)

	jobs, _, err := e.eng.NeedsBackfill(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, flusher.ErrPrecondition))
	assert.Nil(t, jobs)
}

func currentRecords(t *testing.T, ctx context.Context, db *fakedb.DB[segment.Document, segment.Segment, segment.DeveloperConfig]) []flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig] {
	t.Helper()

	snap, err := db.SnapshotAt(ctx, 0)
	require.NoError(t, err)

	records, err := db.Indexes().GetAllIndexes(ctx, snap)
	require.NoError(t, err)

	return records
}

func findRecord(t *testing.T, records []flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig], name flusher.TableName) flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig] {
	t.Helper()

	for _, r := range records {
		if r.IndexName == name {
			return r
		}
	}

	t.Fatalf("no index record named %q", name)

	return flusher.IndexMetadataDoc[segment.Segment, segment.DeveloperConfig]{}
}
