// Package fhir gives the pipeline structural access to ePI documents:
// locating the Composition root inside a Bundle, reading and writing the
// leaflet section subtree, and converting between the section tree and the
// flat XHTML narrative that lenses transform.
//
// Resources stay in their JSON-decoded map form. Lenses receive the raw
// document inside the isolate, and FHIR resources are open-world, so a typed
// model would only round-trip through JSON at the isolate boundary anyway.
package fhir

import (
	"errors"
	"strings"
)

// Resource is a JSON-decoded FHIR resource.
type Resource = map[string]interface{}

// Section is one Composition.section node.
type Section = map[string]interface{}

// ErrNoComposition reports a document with no locatable Composition root.
// This is fatal to a pipeline run; a malformed document is not a lens
// problem.
var ErrNoComposition = errors.New("document has no Composition resource")

const (
	// XHTMLNamespace is the xmlns attribute that marks top-level narrative
	// blocks during reconciliation.
	XHTMLNamespace = "http://www.w3.org/1999/xhtml"

	// DocTypeSystem is the Gravitate-Health document-type coding system
	// carrying the raw/preprocessed/enhanced category marker.
	DocTypeSystem = "https://www.gravitatehealth.eu/sid/doc"

	docTypeEnhanced = "E"

	// ExtensionAppliedLens records one successfully applied lens on the
	// Composition.
	ExtensionAppliedLens = "https://gravitatehealth.eu/fhir/StructureDefinition/applied-focusing-lens"
)

func resourceType(r Resource) string {
	t, _ := r["resourceType"].(string)
	return t
}

// LocateRoot finds the Composition resource, whether doc is that resource
// directly or a Bundle containing it as an entry.
func LocateRoot(doc Resource) (Resource, error) {
	if doc == nil {
		return nil, ErrNoComposition
	}
	switch resourceType(doc) {
	case "Composition":
		return doc, nil
	case "Bundle":
		entries, _ := doc["entry"].([]interface{})
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			res, ok := entry["resource"].(map[string]interface{})
			if !ok {
				continue
			}
			if resourceType(res) == "Composition" {
				return res, nil
			}
		}
	}
	return nil, ErrNoComposition
}

func topSections(root Resource) []interface{} {
	s, _ := root["section"].([]interface{})
	return s
}

// leafletParent returns the top-level section owning the leaflet subtree:
// the first one that itself carries child sections, falling back to the
// first top-level section.
func leafletParent(root Resource) Section {
	for _, s := range topSections(root) {
		sec, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		if kids, _ := sec["section"].([]interface{}); len(kids) > 0 {
			return sec
		}
	}
	for _, s := range topSections(root) {
		if sec, ok := s.(map[string]interface{}); ok {
			return sec
		}
	}
	return nil
}

// ExtractSections returns the leaflet section list, or nil when the document
// carries none.
func ExtractSections(root Resource) []Section {
	parent := leafletParent(root)
	if parent == nil {
		return nil
	}
	raw, _ := parent["section"].([]interface{})
	if raw == nil {
		return nil
	}
	out := make([]Section, 0, len(raw))
	for _, s := range raw {
		if sec, ok := s.(map[string]interface{}); ok {
			out = append(out, sec)
		}
	}
	return out
}

// WriteSections writes the list back into the subtree ExtractSections read
// from, mutating the document in place. A document without a section tree is
// left untouched.
func WriteSections(root Resource, sections []Section) {
	parent := leafletParent(root)
	if parent == nil {
		return
	}
	raw := make([]interface{}, len(sections))
	for i, s := range sections {
		raw[i] = s
	}
	parent["section"] = raw
}

// Flatten produces the depth-first concatenation of every section's
// narrative, recursing into child sections and embedded entry resources, in
// document order. Pure; no mutation.
func Flatten(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		flattenSection(&b, s)
	}
	return b.String()
}

func flattenSection(b *strings.Builder, sec Section) {
	if sec == nil {
		return
	}
	b.WriteString(narrative(sec))
	if kids, ok := sec["section"].([]interface{}); ok {
		for _, k := range kids {
			if m, ok := k.(map[string]interface{}); ok {
				flattenSection(b, m)
			}
		}
	}
	entries, ok := sec["entry"].([]interface{})
	if !ok {
		return
	}
	for _, e := range entries {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		res, ok := m["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		b.WriteString(narrative(res))
		if kids, ok := res["section"].([]interface{}); ok {
			for _, k := range kids {
				if sub, ok := k.(map[string]interface{}); ok {
					flattenSection(b, sub)
				}
			}
		}
	}
}

// narrative returns text.div of a resource or section, empty when absent.
func narrative(m map[string]interface{}) string {
	text, ok := m["text"].(map[string]interface{})
	if !ok {
		return ""
	}
	div, _ := text["div"].(string)
	return div
}

// SetEnhancedMarker stamps the Composition category with the enhanced
// document-type coding, replacing any raw/preprocessed coding on the same
// system.
func SetEnhancedMarker(root Resource) {
	categories, _ := root["category"].([]interface{})
	for _, c := range categories {
		cc, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		codings, _ := cc["coding"].([]interface{})
		for _, cd := range codings {
			coding, ok := cd.(map[string]interface{})
			if !ok {
				continue
			}
			if sys, _ := coding["system"].(string); sys == DocTypeSystem {
				coding["code"] = docTypeEnhanced
				return
			}
		}
	}
	root["category"] = append(categories, map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{
				"system": DocTypeSystem,
				"code":   docTypeEnhanced,
			},
		},
	})
}

// Extensions returns the Composition's extension list.
func Extensions(root Resource) []interface{} {
	e, _ := root["extension"].([]interface{})
	return e
}

// SetExtensions replaces the Composition's extension list.
func SetExtensions(root Resource, ext []interface{}) {
	root["extension"] = ext
}

// Language returns the document language code, empty when undeclared.
func Language(root Resource) string {
	l, _ := root["language"].(string)
	return l
}

// AppendAppliedLens records a successful lens application as an extension on
// the Composition.
func AppendAppliedLens(root Resource, lens, explanation string) {
	SetExtensions(root, append(Extensions(root), map[string]interface{}{
		"url": ExtensionAppliedLens,
		"extension": []interface{}{
			map[string]interface{}{"url": "lens", "valueString": lens},
			map[string]interface{}{"url": "explanation", "valueString": explanation},
		},
	}))
}
