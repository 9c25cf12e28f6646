package archive

import (
	"encoding/json"
	"sort"
	"time"
)

// Entry is one immutable record in the archival log. It wraps exactly one
// certificate: Cert holds the signed payload verbatim, Refs maps every ref
// name the certificate covers to the certificate's own content-id, and
// Parent points at the previous log head. Serialized via CanonicalJSON and
// stored in the blob store like any other object.
type Entry struct {
	V         int               `json:"v"`
	Parent    string            `json:"parent,omitempty"` // CID (base32) of previous entry
	Timestamp time.Time         `json:"timestamp"`
	Refs      map[string]string `json:"refs"` // ref name → certificate CID (base32)
	Cert      []byte            `json:"cert"` // certificate bytes verbatim
}

// CanonicalJSON produces a deterministic JSON encoding with sorted keys,
// so identical entries always content-address to the same id.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Re-decode into ordered structure and re-encode
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canonicalEncode(raw)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(k)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			valBytes, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemBytes...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(v)
	}
}
