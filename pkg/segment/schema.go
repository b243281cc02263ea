package segment

import "strings"

// DeveloperConfig is the developer-provided, kind-specific index
// configuration: a format version, a cap on terms indexed per document,
// and whether terms are case-folded.
type DeveloperConfig struct {
	// FormatVersion is carried with the config but read by neither
	// [newSchema] nor [Kind.IsVersionCurrent]; the latter compares each
	// stored segment's own FormatVersion against currentFormatVersion.
	FormatVersion int
	// MaxTermsPerDocument caps how many terms of a document are indexed;
	// zero means unlimited.
	MaxTermsPerDocument int
	// CaseFold lowercases every term before indexing when true.
	CaseFold bool
}

// currentFormatVersion is the on-disk format version this build of the
// kind writes and expects to read.
const currentFormatVersion = 1

// Schema is the in-memory handle built from [DeveloperConfig], used for
// term normalization during building and for document size estimation.
type Schema struct {
	maxTerms int
	caseFold bool
}

// newSchema constructs a [Schema] from developer config.
func newSchema(dc DeveloperConfig) (Schema, error) {
	return Schema{maxTerms: dc.MaxTermsPerDocument, caseFold: dc.CaseFold}, nil
}

// normalizeTerms applies the schema's case-folding and per-document term
// cap to a document's raw terms.
func (s Schema) normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))

	for _, t := range terms {
		if s.caseFold {
			t = strings.ToLower(t)
		}

		out = append(out, t)

		if s.maxTerms > 0 && len(out) >= s.maxTerms {
			break
		}
	}

	return out
}

// assumedDocumentIDLen approximates a document id's encoded length for
// size estimation purposes (EstimateDocumentSize is not given the id,
// only the document payload). Document ids in this system are UUID
// strings, which are a fixed 36 bytes.
const assumedDocumentIDLen = 36

// estimateDocumentSize returns doc's contribution to the incremental
// backfill byte budget: the encoded size of every posting it would
// produce, matching what buildDiskIndex actually writes. The id length is
// approximated (see assumedDocumentIDLen) since EstimateDocumentSize is
// not given the document's id.
func (s Schema) estimateDocumentSize(doc Document) int64 {
	var total int64

	placeholderID := strings.Repeat("x", assumedDocumentIDLen)

	for _, term := range s.normalizeTerms(doc.Terms) {
		total += int64(len(encodePosting(Posting{Term: term, ID: placeholderID})))
	}

	return total
}
