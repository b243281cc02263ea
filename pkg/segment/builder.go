package segment

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
)

// mutableSegment is one prior segment downloaded into a build-local,
// editable form: its postings decoded into memory plus the tombstone set
// that has been absorbed into it so far (on disk and newly this run).
type mutableSegment struct {
	original   Segment
	postings   []Posting
	tombstones map[string]struct{}
}

// Mutable is the build-local, editable form of a job's prior segments,
// downloaded by [Kind.DownloadPreviousSegments] and rewritten in place by
// [Kind.BuildDiskIndex] before [Kind.UploadPreviousSegments] re-uploads
// them.
type Mutable struct {
	segments []*mutableSegment
}

// buildDiskIndex is the algorithmic core (build_disk_index): it streams
// document changes into a new run file at path, absorbing deletions and
// updates as tombstones against mutable's prior segments. It returns a nil
// *NewSegment iff the stream produced no insertions at all (a pure-delete
// window).
func buildDiskIndex(
	ctx context.Context,
	fsys fs.FS,
	newSegmentID string,
	schema Schema,
	path string,
	stream flusher.DocumentStream[Document],
	fullScanThresholdKB int64,
	mutable Mutable,
) (*NewSegment, error) {
	var postings []Posting

	var byteSize int64 = 4 // the run file's magic header, written by writeRunFile

	for {
		change, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("segment: build disk index: read stream: %w", err)
		}

		if !ok {
			break
		}

		// Every change - insert, update, or delete - first tombstones any
		// existing posting for the id out of the prior segments it might
		// appear in. An update is absorbed as delete-then-reinsert.
		absorbTombstone(mutable, string(change.ID))

		if change.Doc == nil {
			continue
		}

		for _, term := range schema.normalizeTerms(change.Doc.Terms) {
			p := Posting{Term: term, ID: string(change.ID)}
			postings = append(postings, p)
			byteSize += int64(len(encodePosting(p)))
		}
	}

	if err := compactIfSmall(fsys, mutable, fullScanThresholdKB); err != nil {
		return nil, fmt.Errorf("segment: build disk index: compact prior segments: %w", err)
	}

	if len(postings) == 0 {
		return nil, nil
	}

	sort.Slice(postings, func(i, j int) bool {
		if postings[i].Term != postings[j].Term {
			return postings[i].Term < postings[j].Term
		}

		return postings[i].ID < postings[j].ID
	})

	if err := writeRunFile(fsys, path, postings); err != nil {
		return nil, fmt.Errorf("segment: build disk index: write run file: %w", err)
	}

	return &NewSegment{
		ID:           newSegmentID,
		RunPath:      path,
		TombstoneSet: map[string]struct{}{},
		PostingCount: int64(len(postings)),
		ByteSize:     byteSize,
	}, nil
}

// absorbTombstone records id as deleted against every prior segment that
// might contain it. The actual posting removal happens either immediately
// (compactIfSmall) or lazily on the next full rewrite.
func absorbTombstone(mutable Mutable, id string) {
	for _, seg := range mutable.segments {
		seg.tombstones[id] = struct{}{}
	}
}

// compactIfSmall physically rewrites any prior segment small enough (by
// fullScanThresholdKB) to justify a full scan, dropping tombstoned
// postings now rather than deferring the cleanup to a future build. This
// is the only place fullScanThresholdKB is consulted; larger segments keep
// their tombstone sidecar instead.
func compactIfSmall(fsys fs.FS, mutable Mutable, fullScanThresholdKB int64) error {
	thresholdBytes := fullScanThresholdKB * 1024

	for _, seg := range mutable.segments {
		if len(seg.tombstones) == 0 {
			continue
		}

		if seg.original.ByteSize > thresholdBytes {
			continue
		}

		kept := seg.postings[:0]

		for _, p := range seg.postings {
			if _, dead := seg.tombstones[p.ID]; dead {
				continue
			}

			kept = append(kept, p)
		}

		seg.postings = kept
		seg.tombstones = map[string]struct{}{}
	}

	return nil
}

// writeRunFile writes postings, already sorted, to path as a magic-tagged,
// length-prefixed run file. path is scoped to the per-build temporary
// directory, so a plain (non-atomic) write is sufficient: the whole
// directory is discarded on any failure or cancellation before upload.
func writeRunFile(fsys fs.FS, path string, postings []Posting) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create run file %q: %w", path, err)
	}

	w := bufio.NewWriter(f)

	var magic [4]byte

	magic[0] = byte(runFileMagic >> 24)
	magic[1] = byte(runFileMagic >> 16)
	magic[2] = byte(runFileMagic >> 8)
	magic[3] = byte(runFileMagic)

	if _, err := w.Write(magic[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("write run file header %q: %w", path, err)
	}

	for _, p := range postings {
		if _, err := w.Write(encodePosting(p)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write posting to %q: %w", path, err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush run file %q: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync run file %q: %w", path, err)
	}

	return f.Close()
}

// DecodeRunFile decodes a full run file from raw bytes (the magic header
// plus its sequence of length-prefixed postings). Exported for segtool and
// other out-of-package inspection tools.
func DecodeRunFile(raw []byte) ([]Posting, error) {
	return readRunFile(raw)
}

// readRunFile decodes a full run file from raw bytes (the magic header
// plus its sequence of length-prefixed postings).
func readRunFile(raw []byte) ([]Posting, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("segment: run file too short for header")
	}

	magic := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	if magic != runFileMagic {
		return nil, fmt.Errorf("segment: bad run file magic %x", magic)
	}

	buf := raw[4:]

	var postings []Posting

	for len(buf) > 0 {
		p, n, err := decodePosting(buf)
		if err != nil {
			return nil, err
		}

		postings = append(postings, p)
		buf = buf[n:]
	}

	return postings, nil
}

// readLocalRunFile reads a run file previously written by writeRunFile
// from the per-build temporary directory.
func readLocalRunFile(fsys fs.FS, path string) ([]Posting, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("segment: run file %q does not exist: %w", path, err)
		}

		return nil, fmt.Errorf("segment: read run file %q: %w", path, err)
	}

	return readRunFile(raw)
}
