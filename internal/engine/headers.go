package engine

import "strings"

// Headers is an ordered header collection. Names are lowercased on insert so
// lookups are case-insensitive; insertion order is preserved on the wire.
type Headers struct {
	kvs [][2]string
}

// NewHeaders returns an empty header collection.
func NewHeaders() *Headers {
	return &Headers{}
}

// Len returns the number of header entries.
func (h *Headers) Len() int {
	return len(h.kvs)
}

// Get returns the first value for name, or "" when absent.
func (h *Headers) Get(name string) string {
	name = strings.ToLower(name)
	for _, kv := range h.kvs {
		if kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	name = strings.ToLower(name)
	for _, kv := range h.kvs {
		if kv[0] == name {
			return true
		}
	}
	return false
}

// Add appends a header entry.
func (h *Headers) Add(name, value string) {
	h.kvs = append(h.kvs, [2]string{strings.ToLower(name), value})
}

// Set replaces all entries for name with a single value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes all entries for name.
func (h *Headers) Del(name string) {
	name = strings.ToLower(name)
	out := h.kvs[:0]
	for _, kv := range h.kvs {
		if kv[0] != name {
			out = append(out, kv)
		}
	}
	h.kvs = out
}

// Clear removes all entries.
func (h *Headers) Clear() {
	h.kvs = h.kvs[:0]
}

// All returns the entries in insertion order. The returned slice is shared;
// callers must not mutate it.
func (h *Headers) All() [][2]string {
	return h.kvs
}
