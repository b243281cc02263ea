// Package fakedb is an in-memory [flusher.Database] collaborator. It backs
// pkg/flusher's tests and cmd/flusherd's local development mode, modeled on
// the shape of the teacher's reindex pipeline (a commit-ordered change feed
// plus a by-id ordered table view) without carrying over any of its SQL or
// WAL machinery.
package fakedb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arrowgrid/searchflush/pkg/flusher"
)

// DB is an in-memory database. It is safe for concurrent use.
type DB[Doc, Segment, DeveloperConfig any] struct {
	mu sync.Mutex

	clock  int64
	tables map[flusher.TableName]*Tablet[Doc]

	indexes     []flusher.IndexMetadataDoc[Segment, DeveloperConfig]
	byIDTables  map[flusher.TableName]flusher.TableName
	fastForward map[flusher.IndexID]flusher.RepeatableTimestamp
}

// New creates an empty database.
func New[Doc, Segment, DeveloperConfig any]() *DB[Doc, Segment, DeveloperConfig] {
	return &DB[Doc, Segment, DeveloperConfig]{
		tables:      make(map[flusher.TableName]*Tablet[Doc]),
		byIDTables:  make(map[flusher.TableName]flusher.TableName),
		fastForward: make(map[flusher.IndexID]flusher.RepeatableTimestamp),
	}
}

func (d *DB[Doc, Segment, DeveloperConfig]) tablet(table flusher.TableName) *Tablet[Doc] {
	t, ok := d.tables[table]
	if !ok {
		t = NewTablet[Doc]()
		d.tables[table] = t
	}

	return t
}

// Tick advances the database's logical clock and returns the new value,
// mirroring the teacher's monotonic-timestamp transaction idiom.
func (d *DB[Doc, Segment, DeveloperConfig]) Tick() flusher.RepeatableTimestamp {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock++

	return flusher.RepeatableTimestamp(d.clock)
}

// Put inserts or updates a document as of a freshly ticked timestamp and
// returns the commit timestamp.
func (d *DB[Doc, Segment, DeveloperConfig]) Put(table flusher.TableName, id flusher.DocumentID, doc Doc) flusher.RepeatableTimestamp {
	ts := d.Tick()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tablet(table).Put(table, ts, id, doc)

	return ts
}

// Delete tombstones a document as of a freshly ticked timestamp.
func (d *DB[Doc, Segment, DeveloperConfig]) Delete(table flusher.TableName, id flusher.DocumentID) flusher.RepeatableTimestamp {
	ts := d.Tick()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tablet(table).Delete(table, ts, id)

	return ts
}

// RegisterIndex adds or replaces an index's metadata record and, if byID is
// non-empty, its by-id companion table.
func (d *DB[Doc, Segment, DeveloperConfig]) RegisterIndex(meta flusher.IndexMetadataDoc[Segment, DeveloperConfig], byID flusher.TableName) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, existing := range d.indexes {
		if existing.IndexID == meta.IndexID {
			d.indexes[i] = meta

			if byID != "" {
				d.byIDTables[meta.IndexName] = byID
			}

			return
		}
	}

	d.indexes = append(d.indexes, meta)

	if byID != "" {
		d.byIDTables[meta.IndexName] = byID
	}
}

// ApplyBuildResult commits a [flusher.IndexBuildResult] back into the
// index's metadata record and its fast-forward checkpoint, the way a real
// caller would persist the flusher's output into the transactional store
// it was read from: a backfill or rebuild run (BackfillResult present)
// moves the on-disk state to Backfilled when IsBackfillComplete is set and
// to Backfilling with the advanced cursor otherwise; a Partial catch-up
// records the new snapshot as SnapshottedAt.
func ApplyBuildResult[Doc, Segment, DeveloperConfig, Statistics any](
	d *DB[Doc, Segment, DeveloperConfig], id flusher.IndexID, result *flusher.IndexBuildResult[Segment, Statistics],
) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, rec := range d.indexes {
		if rec.IndexID != id {
			continue
		}

		snap := flusher.Snapshot[Segment]{TS: result.SnapshotTS, Data: result.Data}

		if result.BackfillResult == nil {
			d.indexes[i].IndexConfig.OnDiskState = flusher.NewSnapshottedAtState(snap)
			d.fastForward[id] = result.SnapshotTS

			return nil
		}

		if result.BackfillResult.IsBackfillComplete {
			d.indexes[i].IndexConfig.OnDiskState = flusher.NewBackfilledState(snap)
			d.fastForward[id] = result.BackfillResult.BackfillSnapshotTS

			return nil
		}

		d.indexes[i].IndexConfig.OnDiskState = flusher.NewBackfillingState(flusher.BackfillState[Segment]{
			BackfillSnapshotTS: &result.BackfillResult.BackfillSnapshotTS,
			Cursor:             result.BackfillResult.NewCursor,
			Segments:           result.Data.Parts,
		})

		return nil
	}

	return fmt.Errorf("fakedb: apply build result: unknown index %s", id)
}

// SetFastForwardTS records the ts an index's by-id companion table is
// caught up through, for GetFastForwardTS to return.
func (d *DB[Doc, Segment, DeveloperConfig]) SetFastForwardTS(id flusher.IndexID, ts flusher.RepeatableTimestamp) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fastForward[id] = ts
}

// fakeTransaction is a no-op [flusher.Transaction]: the fake database has
// no concurrency control to coordinate, only a monotonic clock.
type fakeTransaction struct {
	ts    flusher.RepeatableTimestamp
	token flusher.Token
}

func (t fakeTransaction) BeginTimestamp() flusher.RepeatableTimestamp { return t.ts }
func (t fakeTransaction) IntoToken() flusher.Token                    { return t.token }

// Begin implements [flusher.Database].
func (d *DB[Doc, Segment, DeveloperConfig]) Begin(ctx context.Context) (flusher.Transaction, error) {
	ts := d.Tick()

	return fakeTransaction{ts: ts, token: flusher.NewToken(fmt.Sprintf("fakedb-tx-%d", ts))}, nil
}

// fakeSnapshot implements [flusher.DBSnapshot].
type fakeSnapshot struct{ ts flusher.RepeatableTimestamp }

func (s fakeSnapshot) TS() flusher.RepeatableTimestamp { return s.ts }

// SnapshotAt implements [flusher.Database].
func (d *DB[Doc, Segment, DeveloperConfig]) SnapshotAt(ctx context.Context, ts flusher.RepeatableTimestamp) (flusher.DBSnapshot, error) {
	return fakeSnapshot{ts: ts}, nil
}

// indexModel implements [flusher.IndexModel].
type indexModel[Segment, DeveloperConfig any] struct {
	records []flusher.IndexMetadataDoc[Segment, DeveloperConfig]
	byID    map[flusher.TableName]flusher.TableName
}

func (m *indexModel[Segment, DeveloperConfig]) GetAllIndexes(
	ctx context.Context, snap flusher.DBSnapshot,
) ([]flusher.IndexMetadataDoc[Segment, DeveloperConfig], error) {
	out := make([]flusher.IndexMetadataDoc[Segment, DeveloperConfig], len(m.records))
	copy(out, m.records)

	sort.Slice(out, func(i, j int) bool { return out[i].IndexID < out[j].IndexID })

	return out, nil
}

func (m *indexModel[Segment, DeveloperConfig]) ByIDIndexMetadata(
	ctx context.Context, table flusher.TableName,
) (flusher.TableName, error) {
	byID, ok := m.byID[table]
	if !ok {
		return "", fmt.Errorf("fakedb: no by-id companion table registered for %q", table)
	}

	return byID, nil
}

// Indexes implements [flusher.Database].
func (d *DB[Doc, Segment, DeveloperConfig]) Indexes() flusher.IndexModel[Segment, DeveloperConfig] {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := make([]flusher.IndexMetadataDoc[Segment, DeveloperConfig], len(d.indexes))
	copy(records, d.indexes)

	byID := make(map[flusher.TableName]flusher.TableName, len(d.byIDTables))
	for k, v := range d.byIDTables {
		byID[k] = v
	}

	return &indexModel[Segment, DeveloperConfig]{records: records, byID: byID}
}

// workerMetadataModel implements [flusher.IndexWorkerMetadataModel].
type workerMetadataModel struct {
	fastForward map[flusher.IndexID]flusher.RepeatableTimestamp
}

func (m *workerMetadataModel) GetFastForwardTS(
	ctx context.Context, snapTS flusher.RepeatableTimestamp, id flusher.IndexID,
) (flusher.RepeatableTimestamp, error) {
	ts, ok := m.fastForward[id]
	if !ok {
		return 0, nil
	}

	return ts, nil
}

// IndexWorkerMetadata implements [flusher.Database].
func (d *DB[Doc, Segment, DeveloperConfig]) IndexWorkerMetadata() flusher.IndexWorkerMetadataModel {
	d.mu.Lock()
	defer d.mu.Unlock()

	ff := make(map[flusher.IndexID]flusher.RepeatableTimestamp, len(d.fastForward))
	for k, v := range d.fastForward {
		ff[k] = v
	}

	return &workerMetadataModel{fastForward: ff}
}

// sliceStream adapts a pre-materialized slice of changes to
// [flusher.DocumentStream], pacing every element through a rate limiter the
// same way a real paged database scan would.
type sliceStream[Doc any] struct {
	changes []flusher.DocumentChange[Doc]
	limiter flusher.RateLimiter
	pos     int
}

func (s *sliceStream[Doc]) Next(ctx context.Context) (flusher.DocumentChange[Doc], bool, error) {
	if s.pos >= len(s.changes) {
		return flusher.DocumentChange[Doc]{}, false, nil
	}

	if err := s.limiter.WaitN(ctx, 1); err != nil {
		return flusher.DocumentChange[Doc]{}, false, fmt.Errorf("fakedb: rate limit wait: %w", err)
	}

	c := s.changes[s.pos]
	s.pos++

	return c, true, nil
}

func (s *sliceStream[Doc]) Close() error { return nil }

// LoadDocumentsInRange implements [flusher.Database]: a Partial build's
// commit-ordered range read.
func (d *DB[Doc, Segment, DeveloperConfig]) LoadDocumentsInRange(
	ctx context.Context, table flusher.TableName, from, to flusher.RepeatableTimestamp, limiter flusher.RateLimiter,
) (flusher.DocumentStream[Doc], error) {
	d.mu.Lock()
	t := d.tablet(table)
	d.mu.Unlock()

	return &sliceStream[Doc]{changes: t.RangeSince(from, to), limiter: limiter}, nil
}

// StreamDocumentsInTable implements [flusher.Database]: a backfill's by-id
// ordered, paged scan. table is accepted to match the interface but the
// fake, like the real system, actually scans the byID companion table;
// pageSize and ts are accepted to match the teacher's paging idiom but the
// fake materializes the whole page range at once since it holds everything
// in memory already.
func (d *DB[Doc, Segment, DeveloperConfig]) StreamDocumentsInTable(
	ctx context.Context, table, byID flusher.TableName, cursor *flusher.DocumentID,
	ts flusher.RepeatableTimestamp, pageSize int, limiter flusher.RateLimiter,
) (flusher.DocumentStream[Doc], error) {
	d.mu.Lock()
	t := d.tablet(byID)
	d.mu.Unlock()

	return &sliceStream[Doc]{changes: t.LiveAfter(cursor), limiter: limiter}, nil
}
