// Package event provides a read-only view over a structured log event.
//
// Rule code receives a View instead of the raw event map so that no
// mutation performed during an invocation is observable outside it, and
// so that canonical field names resolve through the bound data model via
// UDM.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
)

// ErrMultipleMatches indicates a UDM path expression matched more than
// one field in the event.
var ErrMultipleMatches = errors.New("path expression matched multiple fields")

// Resolver resolves a canonical UDM field name against an event view.
// A data model bound to the view's log type implements this. Resolve
// returns (nil, nil) when no mapping is registered for the name.
type Resolver interface {
	Resolve(name string, view *View) (any, error)
}

// View is an immutable snapshot of an event map. The underlying fields
// are deep-copied at construction, so later mutation of the source map
// is not reflected and values handed out never alias caller state.
type View struct {
	fields map[string]any
	model  Resolver
}

// NewView deep-copies fields and binds the view to model. A nil model
// is valid; UDM then resolves every name to nil.
func NewView(fields map[string]any, model Resolver) *View {
	return &View{fields: deepCopyMap(fields), model: model}
}

// Get returns the raw value of a top-level event field, or nil when the
// field is absent.
func (v *View) Get(key string) any {
	if v == nil {
		return nil
	}
	return v.fields[key]
}

// UDM resolves a canonical field name through the bound data model.
// Returns nil when no data model is bound or the name has no mapping.
func (v *View) UDM(name string) (any, error) {
	if v == nil || v.model == nil {
		return nil, nil
	}
	return v.model.Resolve(name, v)
}

// Len returns the number of top-level fields.
func (v *View) Len() int {
	if v == nil {
		return 0
	}
	return len(v.fields)
}

// Keys returns the top-level field names in sorted order.
func (v *View) Keys() []string {
	if v == nil {
		return nil
	}
	keys := make([]string, 0, len(v.fields))
	for k := range v.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Raw returns a deep copy of the event fields. Callers may mutate the
// result freely without affecting the view.
func (v *View) Raw() map[string]any {
	if v == nil {
		return nil
	}
	return deepCopyMap(v.fields)
}

// MarshalJSON serializes the underlying event fields.
func (v *View) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.fields)
}

// Fingerprint returns a stable hash of the event contents, suitable for
// value-based dedup of views in sets and maps.
func (v *View) Fingerprint() uint64 {
	h := fnv.New64a()
	writeCanonical(h, v.fields)
	return h.Sum64()
}

// ApproxSize estimates the serialized size of the event in bytes,
// used for buffer accounting rather than exact wire sizes.
func (v *View) ApproxSize() int {
	if v == nil {
		return 0
	}
	c := &countingSink{}
	writeCanonical(c, v.fields)
	return c.n
}

// Equal reports whether two views hold the same event contents.
func (v *View) Equal(other *View) bool {
	if v == nil || other == nil {
		return v == other
	}
	return canonicalJSON(v.fields) == canonicalJSON(other.fields)
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, val := range in {
		out[k] = deepCopyValue(val)
	}
	return out
}

func deepCopyValue(in any) any {
	switch t := in.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return in
	}
}

// writeCanonical streams a canonical representation of val: map keys in
// sorted order, every scalar via its JSON encoding.
func writeCanonical(w interface{ Write([]byte) (int, error) }, val any) {
	switch t := val.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = w.Write([]byte{'{'})
		for _, k := range keys {
			_, _ = w.Write([]byte(k))
			_, _ = w.Write([]byte{':'})
			writeCanonical(w, t[k])
			_, _ = w.Write([]byte{','})
		}
		_, _ = w.Write([]byte{'}'})
	case []any:
		_, _ = w.Write([]byte{'['})
		for _, e := range t {
			writeCanonical(w, e)
			_, _ = w.Write([]byte{','})
		}
		_, _ = w.Write([]byte{']'})
	default:
		b, err := json.Marshal(t)
		if err != nil {
			b = []byte(fmt.Sprintf("%v", t))
		}
		_, _ = w.Write(b)
	}
}

func canonicalJSON(fields map[string]any) string {
	h := &stringSink{}
	writeCanonical(h, fields)
	return h.String()
}

type countingSink struct{ n int }

func (c *countingSink) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}

type stringSink struct{ buf []byte }

func (s *stringSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *stringSink) String() string { return string(s.buf) }
