package segment

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
)

// SizeProvider reports the authoritative, currently-serving byte size of
// every index, the same way the teacher's worker metadata model resolves
// externally-tracked state rather than recomputing it from scratch.
type SizeProvider interface {
	GetIndexSizes(ctx context.Context) (map[flusher.IndexID]int64, error)
}

// Kind is the concrete [flusher.SearchIndex] implementation: the
// sorted-run-file index described in segment.go, built by builder.go.
type Kind struct {
	fsys  fs.FS
	sizes SizeProvider
}

// NewKind constructs a Kind. Panics if fsys or sizes is nil.
func NewKind(fsys fs.FS, sizes SizeProvider) *Kind {
	if fsys == nil {
		panic("segment: fsys is nil")
	}

	if sizes == nil {
		panic("segment: sizes is nil")
	}

	return &Kind{fsys: fsys, sizes: sizes}
}

// GetIndexSizes implements [flusher.SearchIndex].
func (k *Kind) GetIndexSizes(ctx context.Context, snap flusher.DBSnapshot) (map[flusher.IndexID]int64, error) {
	return k.sizes.GetIndexSizes(ctx)
}

// IsVersionCurrent implements [flusher.SearchIndex].
func (k *Kind) IsVersionCurrent(snap flusher.Snapshot[Segment]) bool {
	if snap.Data.Unknown {
		return false
	}

	for _, seg := range snap.Data.Parts {
		if seg.FormatVersion != currentFormatVersion {
			return false
		}
	}

	return true
}

// NewSchema implements [flusher.SearchIndex].
func (k *Kind) NewSchema(dc DeveloperConfig) (Schema, error) {
	return newSchema(dc)
}

// EstimateDocumentSize implements [flusher.SearchIndex].
func (k *Kind) EstimateDocumentSize(schema Schema, doc Document) (int64, error) {
	return schema.estimateDocumentSize(doc), nil
}

// tombstoneKey derives a segment's tombstone sidecar storage key from its
// run file key.
func tombstoneKey(segmentKey string) string { return segmentKey + tombstoneSuffix }

// encodeTombstones serializes a tombstone id set as a newline-joined list.
func encodeTombstones(ids map[string]struct{}) string {
	var sb strings.Builder

	for id := range ids {
		sb.WriteString(id)
		sb.WriteByte('\n')
	}

	return sb.String()
}

// decodeTombstones parses the newline-joined tombstone id list format
// written by encodeTombstones.
func decodeTombstones(raw []byte) map[string]struct{} {
	out := make(map[string]struct{})

	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}

		out[line] = struct{}{}
	}

	return out
}

// DownloadPreviousSegments implements [flusher.SearchIndex]: it fetches
// each prior segment's run file and tombstone sidecar and decodes them
// into an editable, build-local form.
func (k *Kind) DownloadPreviousSegments(ctx context.Context, storage flusher.Storage, segments []Segment) (Mutable, error) {
	out := Mutable{segments: make([]*mutableSegment, 0, len(segments))}

	for _, seg := range segments {
		runReader, err := storage.Get(ctx, seg.Key)
		if err != nil {
			return Mutable{}, fmt.Errorf("segment: download run file %q: %w", seg.Key, err)
		}

		raw, err := io.ReadAll(runReader)
		closeErr := runReader.Close()

		if err != nil {
			return Mutable{}, fmt.Errorf("segment: read run file %q: %w", seg.Key, err)
		}

		if closeErr != nil {
			return Mutable{}, fmt.Errorf("segment: close run file %q: %w", seg.Key, closeErr)
		}

		postings, err := readRunFile(raw)
		if err != nil {
			return Mutable{}, fmt.Errorf("segment: decode run file %q: %w", seg.Key, err)
		}

		tombReader, err := storage.Get(ctx, tombstoneKey(seg.Key))
		if err != nil {
			return Mutable{}, fmt.Errorf("segment: download tombstones %q: %w", tombstoneKey(seg.Key), err)
		}

		tombRaw, err := io.ReadAll(tombReader)
		closeErr = tombReader.Close()

		if err != nil {
			return Mutable{}, fmt.Errorf("segment: read tombstones %q: %w", tombstoneKey(seg.Key), err)
		}

		if closeErr != nil {
			return Mutable{}, fmt.Errorf("segment: close tombstones %q: %w", tombstoneKey(seg.Key), closeErr)
		}

		out.segments = append(out.segments, &mutableSegment{
			original:   seg,
			postings:   postings,
			tombstones: decodeTombstones(tombRaw),
		})
	}

	return out, nil
}

// BuildDiskIndex implements [flusher.SearchIndex]. path is the per-build
// scratch directory; the run file itself is written to a fresh name inside
// it so the directory can also hold whatever else a future segment kind
// needs alongside the run file.
func (k *Kind) BuildDiskIndex(
	ctx context.Context,
	schema Schema,
	path string,
	stream flusher.DocumentStream[Document],
	fullScanThresholdKB int64,
	mutable Mutable,
) (*NewSegment, error) {
	id, err := newSegmentID()
	if err != nil {
		return nil, err
	}

	runPath := filepath.Join(path, id+".run")

	return buildDiskIndex(ctx, k.fsys, id, schema, runPath, stream, fullScanThresholdKB, mutable)
}

// UploadNewSegment implements [flusher.SearchIndex].
func (k *Kind) UploadNewSegment(ctx context.Context, storage flusher.Storage, newSeg NewSegment) (Segment, error) {
	f, err := k.fsys.Open(newSeg.RunPath)
	if err != nil {
		return Segment{}, fmt.Errorf("segment: open local run file %q: %w", newSeg.RunPath, err)
	}

	key := filepath.Join("segments", newSeg.ID+".run")

	err = storage.Put(ctx, key, f)
	closeErr := f.Close()

	if err != nil {
		return Segment{}, fmt.Errorf("segment: upload run file %q: %w", key, err)
	}

	if closeErr != nil {
		return Segment{}, fmt.Errorf("segment: close local run file %q: %w", newSeg.RunPath, closeErr)
	}

	if err := storage.Put(ctx, tombstoneKey(key), strings.NewReader(encodeTombstones(newSeg.TombstoneSet))); err != nil {
		return Segment{}, fmt.Errorf("segment: upload tombstones %q: %w", tombstoneKey(key), err)
	}

	return Segment{
		Key:           key,
		ID:            newSeg.ID,
		PostingCount:  newSeg.PostingCount,
		ByteSize:      newSeg.ByteSize,
		FormatVersion: currentFormatVersion,
	}, nil
}

// UploadPreviousSegments implements [flusher.SearchIndex]: it re-uploads
// the run file and tombstone sidecar of every prior segment in mutable,
// whether or not the build changed it (small segments have had absorbed
// tombstones removed from their postings; larger ones carry them in the
// sidecar), preserving input order.
func (k *Kind) UploadPreviousSegments(ctx context.Context, storage flusher.Storage, mutable Mutable) ([]Segment, error) {
	out := make([]Segment, 0, len(mutable.segments))

	for _, seg := range mutable.segments {
		var buf strings.Builder

		var magic [4]byte

		magic[0] = byte(runFileMagic >> 24)
		magic[1] = byte(runFileMagic >> 16)
		magic[2] = byte(runFileMagic >> 8)
		magic[3] = byte(runFileMagic)
		buf.Write(magic[:])

		var byteSize int64 = int64(len(magic))

		var live int64

		for _, p := range seg.postings {
			enc := encodePosting(p)
			buf.Write(enc)
			byteSize += int64(len(enc))

			if _, dead := seg.tombstones[p.ID]; !dead {
				live++
			}
		}

		if err := storage.Put(ctx, seg.original.Key, strings.NewReader(buf.String())); err != nil {
			return nil, fmt.Errorf("segment: re-upload run file %q: %w", seg.original.Key, err)
		}

		if err := storage.Put(ctx, tombstoneKey(seg.original.Key), strings.NewReader(encodeTombstones(seg.tombstones))); err != nil {
			return nil, fmt.Errorf("segment: re-upload tombstones %q: %w", tombstoneKey(seg.original.Key), err)
		}

		out = append(out, Segment{
			Key:           seg.original.Key,
			ID:            seg.original.ID,
			PostingCount:  live,
			ByteSize:      byteSize,
			FormatVersion: currentFormatVersion,
		})
	}

	return out, nil
}

// SegmentID implements [flusher.SearchIndex].
func (k *Kind) SegmentID(seg Segment) string { return seg.ID }

// Statistics implements [flusher.SearchIndex].
func (k *Kind) Statistics(seg Segment) (Statistics, error) {
	return Statistics{SegmentCount: 1, PostingCount: seg.PostingCount, ByteSize: seg.ByteSize}, nil
}

// EmptyStatistics implements [flusher.SearchIndex].
func (k *Kind) EmptyStatistics() Statistics { return Statistics{} }

// AddStatistics implements [flusher.SearchIndex].
func (k *Kind) AddStatistics(a, b Statistics) Statistics {
	return Statistics{
		SegmentCount: a.SegmentCount + b.SegmentCount,
		PostingCount: a.PostingCount + b.PostingCount,
		ByteSize:     a.ByteSize + b.ByteSize,
	}
}

// newSegmentID derives a fresh, time-ordered segment id from a UUIDv7,
// mirroring the teacher's id-generation idiom.
func newSegmentID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("segment: new segment id: %w", err)
	}

	return id.String(), nil
}

// TempDirs implements [flusher.TempDirFactory]: it creates a fresh,
// uniquely-named directory under Base for each build and removes it on
// cleanup.
type TempDirs struct {
	// Fsys is the filesystem builds are scratched onto.
	Fsys fs.FS
	// Base is the parent directory every per-build scratch directory is
	// created under. Must already exist.
	Base string
}

// NewBuildDir implements [flusher.TempDirFactory].
func (t TempDirs) NewBuildDir(ctx context.Context) (string, func(), error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", nil, fmt.Errorf("segment: new build dir id: %w", err)
	}

	dir := filepath.Join(t.Base, "build-"+id.String())

	if err := t.Fsys.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("segment: create build dir %q: %w", dir, err)
	}

	var removed bool

	cleanup := func() {
		if removed {
			return
		}

		removed = true
		_ = t.Fsys.RemoveAll(dir)
	}

	return dir, cleanup, nil
}

var _ flusher.TempDirFactory = TempDirs{}
