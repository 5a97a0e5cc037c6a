package federation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serializes v as deterministic JSON: object keys sorted
// lexicographically at every depth, no insignificant whitespace, UTF-8
// output, numbers and strings escaped the way encoding/json already does.
// This is the exact byte sequence signed and hashed everywhere in the
// federation layer.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling for canonicalization: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decoding for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	writeCanonical(&buf, decoded)
	return buf.Bytes(), nil
}

// writeCanonical recursively writes a decoded JSON value in canonical form.
func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	default:
		// Scalars (string, number, bool, nil) round-trip through
		// encoding/json's default marshaling unchanged.
		encoded, _ := json.Marshal(val)
		buf.Write(encoded)
	}
}

// CanonicalJSONFromBytes re-canonicalizes an already-serialized JSON document,
// used when re-signing received wire content rather than a Go value.
func CanonicalJSONFromBytes(raw []byte) ([]byte, error) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decoding JSON for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	writeCanonical(&buf, decoded)
	return buf.Bytes(), nil
}
