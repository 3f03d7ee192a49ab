package manifestctl

import "encoding/json"

// ignoreDoc is the shape of the control plane's "no content" sentinel
// manifest document: {"packages": null}. It is a distinct wire shape
// from the flat package-name-keyed manifest map and must be detected
// before attempting to decode the document as a pkgmodel.Manifest.
type ignoreDoc struct {
	Packages json.RawMessage `json:"packages"`
}

// isIgnoreDoc reports whether raw is the control plane's "no content"
// sentinel, regardless of incidental whitespace.
func isIgnoreDoc(raw []byte) bool {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	if len(doc) != 1 {
		return false
	}
	val, ok := doc["packages"]
	if !ok {
		return false
	}
	return string(val) == "null"
}

// unmarshalManifest decodes raw into a pkgmodel.Manifest-shaped target.
func unmarshalManifest(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}
