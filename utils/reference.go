// Package utils holds small helpers for working with FHIR-shaped resource
// snapshots: literal references such as "Patient/123" and dotted field paths.
package utils

import (
	"fmt"
	"strings"
)

// ReferenceID returns the trailing id segment of a literal reference.
// "Patient/123" and "https://fhir.example.org/Patient/123" both yield "123";
// versioned references ("Patient/123/_history/2") yield the logical id.
func ReferenceID(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if idx := strings.Index(ref, "/_history/"); idx != -1 {
		ref = ref[:idx]
	}
	ref = strings.TrimRight(ref, "/")
	if idx := strings.LastIndex(ref, "/"); idx != -1 {
		return ref[idx+1:]
	}
	return ref
}

// ReferenceType returns the resource type segment preceding the id, or "" for
// a bare id.
func ReferenceType(ref string) string {
	ref = strings.TrimSpace(ref)
	if idx := strings.Index(ref, "/_history/"); idx != -1 {
		ref = ref[:idx]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// Reference builds a relative literal reference.
func Reference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ReferenceString extracts the reference text from either a plain string or
// a {"reference": "..."} object.
func ReferenceString(v any) (string, bool) {
	switch r := v.(type) {
	case string:
		return r, r != ""
	case map[string]any:
		s, ok := r["reference"].(string)
		return s, ok && s != ""
	case map[string]string:
		s, ok := r["reference"]
		return s, ok && s != ""
	}
	return "", false
}

// Lookup resolves a dotted path ("meta.source") against nested maps.
// found is false when a segment is absent. An error is returned when an
// intermediate segment exists but is not an object.
func Lookup(data map[string]any, path string) (value any, found bool, err error) {
	if data == nil {
		return nil, false, nil
	}
	if v, ok := data[path]; ok {
		return v, true, nil
	}
	segments := strings.Split(path, ".")
	var cur any = data
	for i, seg := range segments {
		var m map[string]any
		switch c := cur.(type) {
		case map[string]any:
			m = c
		case map[string]string:
			v, ok := c[seg]
			if !ok {
				return nil, false, nil
			}
			if i != len(segments)-1 {
				return nil, false, fmt.Errorf("field %q is not an object", strings.Join(segments[:i+1], "."))
			}
			return v, true, nil
		default:
			return nil, false, fmt.Errorf("field %q is not an object", strings.Join(segments[:i], "."))
		}
		v, ok := m[seg]
		if !ok {
			return nil, false, nil
		}
		cur = v
	}
	return cur, true, nil
}
