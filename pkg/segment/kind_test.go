package segment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowgrid/searchflush/pkg/blobstore"
	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
)

type noSizes struct{}

func (noSizes) GetIndexSizes(ctx context.Context) (map[flusher.IndexID]int64, error) {
	return map[flusher.IndexID]int64{}, nil
}

func TestKind_UploadDownloadNewSegmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewReal()
	store := blobstore.New(fsys, t.TempDir())
	k := NewKind(fsys, noSizes{})

	buildDir := t.TempDir()

	stream := &sliceStream{changes: []flusher.DocumentChange[Document]{
		{ID: "doc-1", Doc: doc("alpha", "beta")},
	}}

	schema, err := k.NewSchema(DeveloperConfig{})
	require.NoError(t, err)

	newSeg, err := k.BuildDiskIndex(ctx, schema, buildDir, stream, 4096, Mutable{})
	require.NoError(t, err)
	require.NotNil(t, newSeg)

	uploaded, err := k.UploadNewSegment(ctx, store, *newSeg)
	require.NoError(t, err)
	assert.Equal(t, currentFormatVersion, uploaded.FormatVersion)
	assert.Equal(t, int64(2), uploaded.PostingCount)

	mutable, err := k.DownloadPreviousSegments(ctx, store, []Segment{uploaded})
	require.NoError(t, err)
	require.Len(t, mutable.segments, 1)
	assert.Equal(t, []Posting{{Term: "alpha", ID: "doc-1"}, {Term: "beta", ID: "doc-1"}}, mutable.segments[0].postings)
	assert.Empty(t, mutable.segments[0].tombstones)
}

func TestKind_UploadPreviousSegments_ReflectsAbsorbedTombstones(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewReal()
	store := blobstore.New(fsys, t.TempDir())
	k := NewKind(fsys, noSizes{})

	prior := &mutableSegment{
		original:   Segment{Key: "segments/old.run", ID: "old"},
		postings:   []Posting{{Term: "alpha", ID: "doc-1"}},
		tombstones: map[string]struct{}{"doc-2": {}},
	}
	mutable := Mutable{segments: []*mutableSegment{prior}}

	out, err := k.UploadPreviousSegments(ctx, store, mutable)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].PostingCount)
	assert.Equal(t, "old", out[0].ID)

	rc, err := store.Get(ctx, tombstoneKey("segments/old.run"))
	require.NoError(t, err)
	defer rc.Close()
}

func TestKind_IsVersionCurrent(t *testing.T) {
	k := NewKind(fs.NewReal(), noSizes{})

	current := flusher.Snapshot[Segment]{Data: flusher.SnapshotData[Segment]{
		Parts: []Segment{{FormatVersion: currentFormatVersion}},
	}}
	assert.True(t, k.IsVersionCurrent(current))

	stale := flusher.Snapshot[Segment]{Data: flusher.SnapshotData[Segment]{
		Parts: []Segment{{FormatVersion: 0}},
	}}
	assert.False(t, k.IsVersionCurrent(stale))

	unknown := flusher.Snapshot[Segment]{Data: flusher.SnapshotData[Segment]{Unknown: true}}
	assert.False(t, k.IsVersionCurrent(unknown))
}

func TestKind_AddStatisticsIsAssociative(t *testing.T) {
	k := NewKind(fs.NewReal(), noSizes{})

	a := Statistics{SegmentCount: 1, PostingCount: 2, ByteSize: 3}
	b := Statistics{SegmentCount: 4, PostingCount: 5, ByteSize: 6}
	c := Statistics{SegmentCount: 7, PostingCount: 8, ByteSize: 9}

	left := k.AddStatistics(k.AddStatistics(a, b), c)
	right := k.AddStatistics(a, k.AddStatistics(b, c))

	assert.Equal(t, left, right)
	assert.Equal(t, k.AddStatistics(k.EmptyStatistics(), a), a)
}
