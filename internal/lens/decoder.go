package lens

import (
	"encoding/base64"
	"strings"
)

// UnknownLens is the identifier of a definition that declares none.
const UnknownLens = "unknown-lens"

// Identifier resolves a display identifier for a definition: declared name,
// then resource id, then UnknownLens. Never fails.
func Identifier(def Definition) string {
	if def != nil {
		if n, ok := def["name"].(string); ok && n != "" {
			return n
		}
		if id, ok := def["id"].(string); ok && id != "" {
			return id
		}
	}
	return UnknownLens
}

// extractor pulls an encoded payload out of one definition shape.
type extractor func(Definition) (string, bool)

// extractors are tried in priority order; the first decodable match wins.
// New payload shapes slot in here without touching Decode.
var extractors = []extractor{contentData, contentDataURL, directData}

// Decode extracts and decodes the definition's payload into source text.
// Returns false when no shape matches or nothing decodes; never panics.
func Decode(def Definition) (string, bool) {
	if def == nil {
		return "", false
	}
	for _, extract := range extractors {
		enc, ok := extract(def)
		if !ok {
			continue
		}
		src, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		return string(src), true
	}
	return "", false
}

// contentData matches the first content attachment with inline encoded data.
func contentData(def Definition) (string, bool) {
	for _, att := range attachments(def) {
		if data, ok := att["data"].(string); ok && data != "" {
			return data, true
		}
	}
	return "", false
}

// contentDataURL matches a content attachment exposing a base64 data URL.
func contentDataURL(def Definition) (string, bool) {
	for _, att := range attachments(def) {
		url, ok := att["url"].(string)
		if !ok || !strings.HasPrefix(url, "data:") {
			continue
		}
		if i := strings.Index(url, "base64,"); i >= 0 {
			return url[i+len("base64,"):], true
		}
	}
	return "", false
}

// directData matches a top-level encoded data field.
func directData(def Definition) (string, bool) {
	data, ok := def["data"].(string)
	return data, ok && data != ""
}

func attachments(def Definition) []map[string]interface{} {
	items, _ := def["content"].([]interface{})
	var out []map[string]interface{}
	for _, it := range items {
		if att, ok := it.(map[string]interface{}); ok {
			out = append(out, att)
		}
	}
	return out
}
