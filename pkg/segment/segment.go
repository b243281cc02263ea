// Package segment is a concrete on-disk search index kind: a multi-segment
// store where each segment is a sorted, length-prefixed run file of
// postings keyed by document id, plus a small sidecar tombstone set. It
// satisfies [github.com/arrowgrid/searchflush/pkg/flusher.SearchIndex].
package segment

import (
	"encoding/binary"
	"fmt"
)

// Document is the payload type this index kind indexes: a small bag of
// string terms attached to a document id.
type Document struct {
	Terms []string
}

// Posting is one (term, id) entry within a segment's sorted run.
type Posting struct {
	Term string
	ID   string
}

// Segment is the durable, uploaded descriptor of one on-disk segment: its
// storage key plus the small amount of metadata needed without downloading
// the whole run file.
type Segment struct {
	// Key is the blob storage key the run file and tombstone sidecar were
	// uploaded under (the sidecar lives at Key + tombstoneSuffix).
	Key string
	// ID is the segment's stable identifier (a UUIDv7 string chosen at
	// build time).
	ID string
	// PostingCount is the number of live (non-tombstoned) postings, used
	// for statistics without re-reading the run file.
	PostingCount int64
	// ByteSize is the run file's size in bytes, used for index-size
	// accounting.
	ByteSize int64
	// FormatVersion is the on-disk format version the segment was written
	// with, checked by [Kind.IsVersionCurrent].
	FormatVersion int
}

// NewSegment is a locally-built, not-yet-uploaded segment: its run file
// lives at the local RunPath and its tombstones are held in memory in
// TombstoneSet until [Kind.UploadNewSegment] durably stores the run file
// and a tombstone sidecar encoded from that set.
type NewSegment struct {
	ID           string
	RunPath      string
	TombstoneSet map[string]struct{}
	PostingCount int64
	ByteSize     int64
}

// Statistics is an additive summary of one or more segments.
type Statistics struct {
	SegmentCount int64
	PostingCount int64
	ByteSize     int64
}

// tombstoneSuffix names a segment's sidecar tombstone-set object relative
// to its run file's storage key.
const tombstoneSuffix = ".tombstones"

// runFileMagic tags the header of every run file this kind writes, so a
// stray or truncated file fails fast instead of silently misparsing.
const runFileMagic uint32 = 0x53474d31 // "SGM1"

// encodePosting length-prefixes a posting's term and id so the run file can
// be scanned forward without a separate index.
func encodePosting(p Posting) []byte {
	termBytes := []byte(p.Term)
	idBytes := []byte(p.ID)

	buf := make([]byte, 0, 4+len(termBytes)+4+len(idBytes))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(termBytes)))
	buf = append(buf, termBytes...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(idBytes)))
	buf = append(buf, idBytes...)

	return buf
}

// decodePosting reads one length-prefixed posting from buf, returning the
// posting and the number of bytes consumed.
func decodePosting(buf []byte) (Posting, int, error) {
	if len(buf) < 4 {
		return Posting{}, 0, fmt.Errorf("segment: truncated posting header")
	}

	termLen := binary.BigEndian.Uint32(buf)
	off := 4 + int(termLen)

	if len(buf) < off+4 {
		return Posting{}, 0, fmt.Errorf("segment: truncated posting term")
	}

	term := string(buf[4:off])
	idLen := binary.BigEndian.Uint32(buf[off:])
	off += 4

	if len(buf) < off+int(idLen) {
		return Posting{}, 0, fmt.Errorf("segment: truncated posting id")
	}

	id := string(buf[off : off+int(idLen)])
	off += int(idLen)

	return Posting{Term: term, ID: id}, off, nil
}
