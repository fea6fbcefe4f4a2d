// Package jsonvalue implements the "eventually-typed payloads" and
// "dynamic config objects" design notes: a JSON-like opaque value
// (object, array, string, number, bool, null) used for Incident.context,
// enrichment.data, and event.metadata, plus a dotted/bracketed path
// lookup used by the Dedup fingerprint extractor to reach into those
// maps without a language-native dynamic type leaking further into the
// CORE.
package jsonvalue

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// Map is the free-form, JSON-shaped mapping carried by Incident.context,
// enrichment.data, and Event.metadata.
type Map map[string]interface{}

// Lookup evaluates a jq-style path query (e.g. ".labels.pod", ".tags[0]")
// against data and returns the first result. A missing path returns
// (nil, false) rather than an error — callers treat absence as "empty
// value" per the Dedup fingerprint contract ("<field>=<value-or-empty>").
func Lookup(data Map, path string) (interface{}, bool) {
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, false
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, false
	}
	iter := code.Run(map[string]interface{}(data))
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

// LookupString is Lookup with the result coerced to its string form, the
// convenience most field extractors want (fingerprinting, templating).
func LookupString(data Map, path string) (string, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// FieldOrEmpty resolves one configured fingerprint/template field against
// a struct's plain attributes first, falling back to a dotted path lookup
// inside context when the field name isn't a known top-level attribute.
// top supplies the known top-level attributes (title, severity, ...).
func FieldOrEmpty(field string, top map[string]string, context Map) string {
	if v, ok := top[field]; ok {
		return v
	}
	if v, ok := LookupString(context, "."+field); ok {
		return v
	}
	return ""
}
