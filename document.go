package quipodb

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/zeebo/xxh3"
)

// Document is the unit of storage: field names mapped to strings, numbers,
// booleans, nil, nested maps or arrays.
type Document map[string]any

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two documents hold the same values. Numbers compare
// by value regardless of their Go type.
func (d Document) Equal(other Document) bool {
	return valuesEqual(map[string]any(d), map[string]any(other))
}

// Contains reports whether every key of partial is present in d with an
// equal value. Nested partial maps match recursively.
func (d Document) Contains(partial Document) bool {
	return containsMap(d, partial)
}

func containsMap(doc, partial map[string]any) bool {
	for k, want := range partial {
		got, ok := doc[k]
		if !ok {
			return false
		}
		wm, wantMap := asMap(want)
		gm, gotMap := asMap(got)
		if wantMap && gotMap {
			if !containsMap(gm, wm) {
				return false
			}
			continue
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// Get returns the value at a dotted path such as "profile.address.city".
func (d Document) Get(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Decode copies the document into out, which must be a pointer to a struct
// or map. Struct fields are matched by their json tags.
func (d Document) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		Squash:           true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(d)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

// Fingerprint returns a content hash of the document. Equal documents
// produce equal fingerprints.
func (d Document) Fingerprint() uint64 {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return xxh3.Hash(data)
}

// ToDocument converts a struct or map into a Document through its JSON form.
func ToDocument(v interface{}) (Document, error) {
	if doc, ok := v.(Document); ok {
		return normalize(doc)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return decodeDocument(data)
}

// normalize returns a deep copy of doc holding only JSON value types
// (float64, string, bool, nil, map[string]any, []any).
func normalize(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return decodeDocument(data)
}

// normalizeValue converts v to its JSON value form so numbers held in a
// query snapshot share the float64 type of stored documents. Values that
// cannot be encoded are copied as they are.
func normalizeValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return cloneValue(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return cloneValue(v)
	}
	return out
}

func decodeDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return doc, nil
}

func (d Document) marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return data, nil
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Document:
		return t, t != nil
	case map[string]any:
		return t, t != nil
	default:
		return nil, false
	}
}

// toNumber reports whether v is a Go numeric value and returns it as float64.
// Strings and booleans are never numbers.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two numbers or two strings. ok is false for any
// other combination.
func compareValues(a, b any) (cmp int, ok bool) {
	if an, aok := toNumber(a); aok {
		bn, bok := toNumber(b)
		if !bok || math.IsNaN(an) || math.IsNaN(bn) {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// truthy reports whether v is set: nil, false, 0, NaN and "" are not.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	if n, ok := toNumber(v); ok {
		return n != 0 && !math.IsNaN(n)
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}

// mergeDefaults returns a copy of dst with every key of src that dst lacks.
// Nested maps present on both sides are merged recursively; dst wins.
func mergeDefaults(dst, src map[string]any) Document {
	out := make(Document, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for k, sv := range src {
		dv, ok := out[k]
		if !ok {
			out[k] = cloneValue(sv)
			continue
		}
		dm, dok := asMap(dv)
		sm, sok := asMap(sv)
		if dok && sok {
			out[k] = map[string]any(mergeDefaults(dm, sm))
		}
	}
	return out
}
