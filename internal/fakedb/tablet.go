package fakedb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/arrowgrid/searchflush/pkg/flusher"
)

// NewDocumentID generates a time-ordered document id, the same way the
// teacher's id package derives stable, sortable ids from a UUIDv7: the
// string form sorts lexically in commit order, which is exactly the
// ordering the by-id backfill scan needs.
func NewDocumentID() (flusher.DocumentID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("fakedb: new document id: %w", err)
	}

	return flusher.DocumentID(id.String()), nil
}

// Tablet holds one table's document history: a commit-ordered change log
// (for Partial range reads) plus the current live set, keyed by id in
// sorted order (for by-id backfill scans).
//
// Simplification: Tablet has no MVCC. A "snapshot at ts" read always
// observes the current live set, not a historical view. This is
// acceptable for a test collaborator exercising the flusher's control
// flow, where backfill scans always run at or after the last committed
// write they care about.
type Tablet[Doc any] struct {
	mu       sync.Mutex
	byCommit []flusher.DocumentChange[Doc]
	live     map[flusher.DocumentID]Doc
}

// NewTablet creates an empty tablet.
func NewTablet[Doc any]() *Tablet[Doc] {
	return &Tablet[Doc]{live: make(map[flusher.DocumentID]Doc)}
}

// Put records an insert or update committed at ts.
func (t *Tablet[Doc]) Put(table flusher.TableName, ts flusher.RepeatableTimestamp, id flusher.DocumentID, doc Doc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := doc
	t.byCommit = append(t.byCommit, flusher.DocumentChange[Doc]{TS: ts, ID: id, Table: table, Doc: &d})
	t.live[id] = doc
}

// Delete records a tombstone committed at ts.
func (t *Tablet[Doc]) Delete(table flusher.TableName, ts flusher.RepeatableTimestamp, id flusher.DocumentID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byCommit = append(t.byCommit, flusher.DocumentChange[Doc]{TS: ts, ID: id, Table: table, Doc: nil})
	delete(t.live, id)
}

// RangeSince returns every change committed in (from, to], in commit order.
func (t *Tablet[Doc]) RangeSince(from, to flusher.RepeatableTimestamp) []flusher.DocumentChange[Doc] {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]flusher.DocumentChange[Doc], 0)

	for _, change := range t.byCommit {
		if change.TS > from && change.TS <= to {
			out = append(out, change)
		}
	}

	return out
}

// LiveAfter returns every currently-live document with id strictly greater
// than cursor (nil means from the beginning), sorted by id.
func (t *Tablet[Doc]) LiveAfter(cursor *flusher.DocumentID) []flusher.DocumentChange[Doc] {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]flusher.DocumentID, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	out := make([]flusher.DocumentChange[Doc], 0, len(ids))

	for _, id := range ids {
		if cursor != nil && !cursor.Less(id) {
			continue
		}

		doc := t.live[id]
		out = append(out, flusher.DocumentChange[Doc]{ID: id, Table: "", Doc: &doc})
	}

	return out
}
