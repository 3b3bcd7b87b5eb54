// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

// Metadata carries extension-defined key-value pairs on AuthInfo and
// AuditEvent without the core depending on any provider's claim shape.
//
// Set returns the map for chaining:
//
//	md := NewMetadata().
//	    Set("request_id", reqID).
//	    Set("session_id", sessionID)
//
// Metadata is not safe for concurrent mutation; build it before
// sharing, or Clone first.
type Metadata map[string]any

// NewMetadata returns an empty Metadata ready for chained Sets.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set stores a value and returns the map for chaining. A nil receiver
// allocates, so zero-value fields compose safely.
func (m Metadata) Set(key string, value any) Metadata {
	if m == nil {
		m = make(Metadata)
	}
	m[key] = value
	return m
}

// Get returns the raw value and whether the key exists.
func (m Metadata) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// GetString returns the value as a string. The second return is false
// when the key is absent or holds a non-string.
func (m Metadata) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports whether the key exists.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Clone returns a shallow copy, nil-safe.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Len returns the number of entries, nil-safe.
func (m Metadata) Len() int {
	return len(m)
}
