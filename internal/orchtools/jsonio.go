package orchtools

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// JSONToObject decodes the JSON document at path into a value of type T.
// Unknown fields are tolerated (no DisallowUnknownFields), matching the
// forward/backward compatible wire format the fog and nano-services use.
func JSONToObject[T any](path string) (T, error) {
	var out T
	data, err := ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode json %s: %w", path, err)
	}
	return out, nil
}

// ObjectToJSON serializes obj and atomically replaces the file at path.
func ObjectToJSON[T any](obj T, path string) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json for %s: %w", path, err)
	}
	return WriteFileAtomic(path, data)
}

// JSONObjectSplitter takes a top-level JSON object whose keys are
// policy-namespaces (e.g. {"access-control": {...}, "firewall": {...}})
// and returns a mapping from key to the re-serialized sub-document. When
// tenant and profile are non-empty, each resulting key is additionally
// tagged with a "_tenant_<t>_profile_<p>" suffix so downstream consumers
// can route the document into its per-pair directory.
func JSONObjectSplitter(doc []byte, tenant, profile string) (map[string][]byte, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, fmt.Errorf("split json object: %w", err)
	}

	out := make(map[string][]byte, len(top))
	for key, raw := range top {
		name := key
		if tenant != "" || profile != "" {
			name = fmt.Sprintf("%s_tenant_%s_profile_%s", key, tenant, profile)
		}
		out[name] = []byte(raw)
	}
	return out, nil
}

// Base64Encode encodes data as standard base64.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64Decode decodes a standard base64 string.
func Base64Decode(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return out, nil
}
