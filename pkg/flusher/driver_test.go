package flusher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocStream is a minimal in-memory [DocumentStream] for exercising
// incrementalStream's byte-budget bookkeeping in isolation.
type fakeDocStream struct {
	changes []DocumentChange[int]
	pos     int
	failAt  int // -1 disables
}

func newFakeDocStream(changes []DocumentChange[int]) *fakeDocStream {
	return &fakeDocStream{changes: changes, failAt: -1}
}

func (s *fakeDocStream) Next(ctx context.Context) (DocumentChange[int], bool, error) {
	if s.failAt >= 0 && s.pos == s.failAt {
		return DocumentChange[int]{}, false, errors.New("boom")
	}

	if s.pos >= len(s.changes) {
		return DocumentChange[int]{}, false, nil
	}

	c := s.changes[s.pos]
	s.pos++

	return c, true, nil
}

func (s *fakeDocStream) Close() error { return nil }

func constSize(n int64) func(int) (int64, error) {
	return func(int) (int64, error) { return n, nil }
}

func change(id DocumentID, size int) DocumentChange[int] {
	v := size
	return DocumentChange[int]{ID: id, Doc: &v}
}

// Scenario A: fresh backfill, single page (spec §8.A): two 3000-byte docs,
// threshold 10000 -> both yielded, backfill completes.
func TestIncrementalStream_SinglePage(t *testing.T) {
	inner := newFakeDocStream([]DocumentChange[int]{
		change("doc1", 3000),
		change("doc2", 3000),
	})

	s := &incrementalStream[int]{inner: inner, estimate: constSize(3000), thresholdBytes: 10_000}

	var got []DocumentID

	for {
		c, ok, err := s.Next(context.Background())
		require.NoError(t, err)

		if !ok {
			break
		}

		got = append(got, c.ID)
	}

	assert.Equal(t, []DocumentID{"doc1", "doc2"}, got)
	assert.True(t, s.isBackfillComplete)
	require.NotNil(t, s.newCursor)
	assert.Equal(t, DocumentID("doc2"), *s.newCursor)
}

// Scenario B: backfill hits the byte budget (spec §8.B): three 4000-byte
// docs, threshold 10000 -> yields doc1, doc2 (total 8000), stops before
// doc3 (would be 12000) without yielding it.
func TestIncrementalStream_StopsAtByteBudget(t *testing.T) {
	inner := newFakeDocStream([]DocumentChange[int]{
		change("doc1", 4000),
		change("doc2", 4000),
		change("doc3", 4000),
	})

	s := &incrementalStream[int]{inner: inner, estimate: constSize(4000), thresholdBytes: 10_000}

	var got []DocumentID

	for {
		c, ok, err := s.Next(context.Background())
		require.NoError(t, err)

		if !ok {
			break
		}

		got = append(got, c.ID)
	}

	assert.Equal(t, []DocumentID{"doc1", "doc2"}, got)
	assert.False(t, s.isBackfillComplete)
	require.NotNil(t, s.newCursor)
	assert.Equal(t, DocumentID("doc2"), *s.newCursor)
}

// Invariant 3 (byte-budget respect): the sum of estimated sizes over
// yielded documents never exceeds the threshold, and a run that leaves
// documents unread reports the backfill as incomplete.
func TestIncrementalStream_ByteBudgetInvariant(t *testing.T) {
	inner := newFakeDocStream([]DocumentChange[int]{
		change("a", 2500),
		change("b", 2500),
		change("c", 2500),
		change("d", 2500),
		change("e", 2500),
	})

	s := &incrementalStream[int]{inner: inner, estimate: constSize(2500), thresholdBytes: 9_000}

	var total int64

	for {
		c, ok, err := s.Next(context.Background())
		require.NoError(t, err)

		if !ok {
			break
		}

		total += 2500

		_ = c
	}

	assert.LessOrEqual(t, total, int64(9_000))
	assert.False(t, s.isBackfillComplete)
}

// Errors from the inner stream do not advance the cursor.
func TestIncrementalStream_ErrorDoesNotAdvanceCursor(t *testing.T) {
	inner := newFakeDocStream([]DocumentChange[int]{change("a", 100)})
	inner.failAt = 1

	s := &incrementalStream[int]{inner: inner, estimate: constSize(100), thresholdBytes: 10_000}

	_, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.Next(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	require.NotNil(t, s.newCursor)
	assert.Equal(t, DocumentID("a"), *s.newCursor)
}

// A tombstone (nil Doc) reaching an incremental stream is a contract
// violation: fixed-snapshot table scans never tombstone.
func TestIncrementalStream_TombstoneIsError(t *testing.T) {
	inner := newFakeDocStream([]DocumentChange[int]{{ID: "a", Doc: nil}})

	s := &incrementalStream[int]{inner: inner, estimate: constSize(100), thresholdBytes: 10_000}

	_, ok, err := s.Next(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
}

func TestIncrementalStream_CloseDelegates(t *testing.T) {
	inner := newFakeDocStream(nil)
	s := &incrementalStream[int]{inner: inner, estimate: constSize(1), thresholdBytes: 1}

	assert.NoError(t, s.Close())
}
