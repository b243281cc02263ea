package segment

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
)

type sliceStream struct {
	changes []flusher.DocumentChange[Document]
	pos     int
}

func (s *sliceStream) Next(ctx context.Context) (flusher.DocumentChange[Document], bool, error) {
	if s.pos >= len(s.changes) {
		return flusher.DocumentChange[Document]{}, false, nil
	}

	c := s.changes[s.pos]
	s.pos++

	return c, true, nil
}

func (s *sliceStream) Close() error { return nil }

func doc(terms ...string) *Document { return &Document{Terms: terms} }

func TestPostingEncodeDecodeRoundTrip(t *testing.T) {
	p := Posting{Term: "hello", ID: "doc-1"}

	got, n, err := decodePosting(encodePosting(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, len(encodePosting(p)), n)
}

func TestRunFileRoundTrip(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := dir + "/test.run"

	postings := []Posting{{Term: "alpha", ID: "a"}, {Term: "beta", ID: "b"}}

	require.NoError(t, writeRunFile(fsys, path, postings))

	raw, err := fsys.ReadFile(path)
	require.NoError(t, err)

	got, err := readRunFile(raw)
	require.NoError(t, err)
	assert.Equal(t, postings, got)

	// DecodeRunFile is the exported alias used by out-of-package inspectors.
	got2, err := DecodeRunFile(raw)
	require.NoError(t, err)
	assert.Equal(t, postings, got2)
}

func TestReadRunFile_RejectsBadMagic(t *testing.T) {
	_, err := readRunFile([]byte{0, 0, 0, 0})
	assert.Error(t, err)
}

func TestBuildDiskIndex_InsertsSortedByTermThenID(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	stream := &sliceStream{changes: []flusher.DocumentChange[Document]{
		{ID: "doc-2", Doc: doc("zeta", "alpha")},
		{ID: "doc-1", Doc: doc("alpha")},
	}}

	schema, err := newSchema(DeveloperConfig{})
	require.NoError(t, err)

	newSeg, err := buildDiskIndex(context.Background(), fsys, "seg-1", schema, dir+"/seg.run", stream, 4096, Mutable{})
	require.NoError(t, err)
	require.NotNil(t, newSeg)

	raw, err := fsys.ReadFile(newSeg.RunPath)
	require.NoError(t, err)

	postings, err := readRunFile(raw)
	require.NoError(t, err)
	require.Len(t, postings, 3)

	assert.Equal(t, []Posting{
		{Term: "alpha", ID: "doc-1"},
		{Term: "alpha", ID: "doc-2"},
		{Term: "zeta", ID: "doc-2"},
	}, postings)
}

func TestBuildDiskIndex_PureDeleteYieldsNoSegment(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()

	stream := &sliceStream{changes: []flusher.DocumentChange[Document]{
		{ID: "doc-1", Doc: nil},
	}}

	schema, err := newSchema(DeveloperConfig{})
	require.NoError(t, err)

	newSeg, err := buildDiskIndex(context.Background(), fsys, "seg-1", schema, dir+"/seg.run", stream, 4096, Mutable{})
	require.NoError(t, err)
	assert.Nil(t, newSeg)
}

func TestBuildDiskIndex_DeleteAbsorbedIntoSmallPriorSegment(t *testing.T) {
	fsys := fs.NewReal()

	prior := &mutableSegment{
		original:   Segment{Key: "segments/old.run", ID: "old", ByteSize: 100},
		postings:   []Posting{{Term: "alpha", ID: "doc-1"}, {Term: "beta", ID: "doc-2"}},
		tombstones: map[string]struct{}{},
	}
	mutable := Mutable{segments: []*mutableSegment{prior}}

	stream := &sliceStream{changes: []flusher.DocumentChange[Document]{
		{ID: "doc-1", Doc: nil},
	}}

	schema, err := newSchema(DeveloperConfig{})
	require.NoError(t, err)

	// fullScanThresholdKB large enough (in bytes: 4096*1024) that the
	// 100-byte prior segment qualifies for immediate compaction.
	newSeg, err := buildDiskIndex(context.Background(), fsys, "seg-1", schema, t.TempDir()+"/seg.run", stream, 4096, mutable)
	require.NoError(t, err)
	assert.Nil(t, newSeg)

	require.Len(t, prior.postings, 1)
	assert.Equal(t, "doc-2", prior.postings[0].ID)
	assert.Empty(t, prior.tombstones)
}

func TestBuildDiskIndex_LargePriorSegmentDefersCompaction(t *testing.T) {
	fsys := fs.NewReal()

	prior := &mutableSegment{
		original:   Segment{Key: "segments/old.run", ID: "old", ByteSize: 10 << 20}, // 10MB, over the 4MB threshold
		postings:   []Posting{{Term: "alpha", ID: "doc-1"}, {Term: "beta", ID: "doc-2"}},
		tombstones: map[string]struct{}{},
	}
	mutable := Mutable{segments: []*mutableSegment{prior}}

	stream := &sliceStream{changes: []flusher.DocumentChange[Document]{
		{ID: "doc-1", Doc: nil},
	}}

	schema, err := newSchema(DeveloperConfig{})
	require.NoError(t, err)

	newSeg, err := buildDiskIndex(context.Background(), fsys, "seg-1", schema, t.TempDir()+"/seg.run", stream, 4096, mutable)
	require.NoError(t, err)
	assert.Nil(t, newSeg)

	// Postings are untouched; the tombstone is recorded for a future,
	// cheaper compaction instead of a full rewrite now.
	require.Len(t, prior.postings, 2)
	assert.Contains(t, prior.tombstones, "doc-1")
}

func TestBuildDiskIndex_UpdateIsDeleteThenReinsert(t *testing.T) {
	fsys := fs.NewReal()

	prior := &mutableSegment{
		original:   Segment{Key: "segments/old.run", ID: "old", ByteSize: 100},
		postings:   []Posting{{Term: "alpha", ID: "doc-1"}},
		tombstones: map[string]struct{}{},
	}
	mutable := Mutable{segments: []*mutableSegment{prior}}

	stream := &sliceStream{changes: []flusher.DocumentChange[Document]{
		{ID: "doc-1", Doc: doc("gamma")},
	}}

	schema, err := newSchema(DeveloperConfig{})
	require.NoError(t, err)

	newSeg, err := buildDiskIndex(context.Background(), fsys, "seg-1", schema, t.TempDir()+"/seg.run", stream, 4096, mutable)
	require.NoError(t, err)
	require.NotNil(t, newSeg)

	// The old posting for doc-1 under "alpha" is gone from the prior
	// segment (absorbed as a tombstone then compacted away); the new
	// posting under "gamma" lives in the freshly built segment.
	assert.Empty(t, prior.postings)

	raw, err := fsys.ReadFile(newSeg.RunPath)
	require.NoError(t, err)
	postings, err := readRunFile(raw)
	require.NoError(t, err)
	assert.Equal(t, []Posting{{Term: "gamma", ID: "doc-1"}}, postings)
}

func TestSchema_NormalizeTerms_CaseFoldAndCap(t *testing.T) {
	schema, err := newSchema(DeveloperConfig{CaseFold: true, MaxTermsPerDocument: 2})
	require.NoError(t, err)

	got := schema.normalizeTerms([]string{"Alpha", "BETA", "gamma"})
	assert.Equal(t, []string{"alpha", "beta"}, got)
}

func TestSchema_EstimateDocumentSize_MatchesEncodedPostingSize(t *testing.T) {
	schema, err := newSchema(DeveloperConfig{})
	require.NoError(t, err)

	got := schema.estimateDocumentSize(Document{Terms: []string{"hello"}})
	want := int64(len(encodePosting(Posting{Term: "hello", ID: strings.Repeat("x", assumedDocumentIDLen)})))
	assert.Equal(t, want, got)
}
