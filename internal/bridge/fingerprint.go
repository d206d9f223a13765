package bridge

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

const deletedFingerprint = 0

// fingerprint identifies the state a change leaves the record in. Insert
// and update of the same document are the same state; documents are
// compared after canonical re-encoding so key order and whitespace added
// by a store do not matter.
func fingerprint(c Change) uint64 {
	if c.Operation == OpDelete {
		return deletedFingerprint
	}
	// the low bit keeps documents apart from deletedFingerprint
	return xxhash.Sum64(canonicalJSON(c.Document)) | 1
}

func canonicalJSON(doc json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return doc
	}
	out, err := json.Marshal(v)
	if err != nil {
		return doc
	}
	return out
}
