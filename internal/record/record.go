// Package record defines the schema-less document unit the engines operate
// on. A Record carries whatever fields the source collection had; a transform
// touches only the keys its output schema names and passes the rest through.
package record

// Record is one document: a mapping from field name to value. Values are
// whatever the parser produced (strings, numbers, nested maps/slices).
type Record map[string]any

// Clone returns a shallow copy. Nested values are shared; engines never
// mutate nested values in place, so a shallow copy is sufficient isolation.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every key of other written over it.
// Later writers win on collision; neither input is modified.
func (r Record) Merge(other Record) Record {
	out := r.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// WithoutKeys returns a copy of r with the given keys removed.
func (r Record) WithoutKeys(keys []string) Record {
	if len(keys) == 0 {
		return r.Clone()
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		if _, skip := drop[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// DropKeys applies WithoutKeys to every record, preserving order.
func DropKeys(records []Record, keys []string) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.WithoutKeys(keys)
	}
	return out
}
