package quipodb

import (
	"encoding/json"
	"sort"
)

// Query is a fluent, in-memory chain over a snapshot of a collection.
// Filters narrow the working set, Select scopes into nested maps, and
// mutations change the scoped values in place. Nothing reaches a provider
// until the Revisions returned by Save are passed to Docs.SaveQuery.
//
// A Query is not safe for concurrent use.
type Query struct {
	all     []*queryEntry
	entries []*queryEntry
	field   string // set by Where; empty until then
	limit   int
}

type queryEntry struct {
	old  Document // baseline for change detection
	root Document
	cur  any // root, a nested value reached through Select, or nil
}

// Revision pairs a document's baseline with its state at Save time.
type Revision struct {
	Old Document `json:"old"`
	New Document `json:"new"`
}

// Changed reports whether the document differs from its baseline.
func (r Revision) Changed() bool {
	return !r.Old.Equal(r.New)
}

// Revisions is the result of Query.Save.
type Revisions []Revision

// Documents returns the saved documents in working-set order.
func (rs Revisions) Documents() []Document {
	out := make([]Document, len(rs))
	for i, r := range rs {
		out[i] = r.New.Clone()
	}
	return out
}

// Changed returns only the revisions whose document differs from its baseline.
func (rs Revisions) Changed() Revisions {
	var out Revisions
	for _, r := range rs {
		if r.Changed() {
			out = append(out, r)
		}
	}
	return out
}

// NewQuery builds a query over copies of docs.
func NewQuery(docs []Document) *Query {
	q := &Query{all: make([]*queryEntry, 0, len(docs))}
	for _, d := range docs {
		root := d.Clone()
		if root == nil {
			root = Document{}
		}
		q.all = append(q.all, &queryEntry{old: root.Clone(), root: root, cur: map[string]any(root)})
	}
	q.entries = append([]*queryEntry(nil), q.all...)
	return q
}

// Where sets the field that later comparisons and mutations act on. Until
// Where is called, comparisons and mutations leave the query unchanged.
func (q *Query) Where(key string) *Query {
	q.field = key
	return q
}

// WhereEquals sets the active field and keeps only documents whose value
// at key equals value.
func (q *Query) WhereEquals(key string, value any) *Query {
	q.field = key
	return q.Equals(value)
}

// Equals keeps documents whose active field equals value.
func (q *Query) Equals(value any) *Query {
	return q.keep(func(v any, ok bool) bool {
		return ok && valuesEqual(v, value)
	})
}

// Gt keeps documents whose active field is greater than value.
func (q *Query) Gt(value any) *Query {
	return q.compare(value, func(c int) bool { return c > 0 })
}

// Gte keeps documents whose active field is greater than or equal to value.
func (q *Query) Gte(value any) *Query {
	return q.compare(value, func(c int) bool { return c >= 0 })
}

// Lt keeps documents whose active field is less than value.
func (q *Query) Lt(value any) *Query {
	return q.compare(value, func(c int) bool { return c < 0 })
}

// Lte keeps documents whose active field is less than or equal to value.
func (q *Query) Lte(value any) *Query {
	return q.compare(value, func(c int) bool { return c <= 0 })
}

// Filter keeps documents for which fn returns true. fn receives a copy of
// the top-level document.
func (q *Query) Filter(fn func(doc Document) bool) *Query {
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if fn(e.root.Clone()) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return q
}

func (q *Query) compare(value any, pred func(int) bool) *Query {
	return q.keep(func(v any, ok bool) bool {
		if !ok {
			return false
		}
		c, comparable := compareValues(v, value)
		return comparable && pred(c)
	})
}

func (q *Query) keep(pred func(v any, ok bool) bool) *Query {
	if q.field == "" {
		return q
	}
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if pred(e.fieldValue(q.field)) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return q
}

// SortByField orders the working set by the value at a top-level field.
// Documents lacking the field, or holding an incomparable value, sort last.
func (q *Query) SortByField(field string, ascending bool) *Query {
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, aok := q.entries[i].root[field]
		b, bok := q.entries[j].root[field]
		if !aok || !bok {
			return aok && !bok
		}
		c, ok := compareValues(a, b)
		if !ok {
			return false
		}
		if ascending {
			return c < 0
		}
		return c > 0
	})
	return q
}

// Select scopes every document to the nested value at key. Later field
// operations act on that value. Documents without a nested map there can
// no longer be filtered or mutated until ClearQuery.
func (q *Query) Select(key string) *Query {
	for _, e := range q.entries {
		m, ok := asMap(e.cur)
		if !ok {
			e.cur = nil
			continue
		}
		e.cur = m[key]
	}
	return q
}

// Add adds n to the active numeric field.
func (q *Query) Add(n float64) *Query {
	return q.arith(n, operatorTable[OpAdd].arith)
}

// Subtract subtracts n from the active numeric field.
func (q *Query) Subtract(n float64) *Query {
	return q.arith(n, operatorTable[OpSubtract].arith)
}

// Multiply multiplies the active numeric field by n.
func (q *Query) Multiply(n float64) *Query {
	return q.arith(n, operatorTable[OpMultiply].arith)
}

// Divide divides the active numeric field by n.
func (q *Query) Divide(n float64) *Query {
	return q.arith(n, operatorTable[OpDivide].arith)
}

func (q *Query) arith(n float64, fn arithFunc) *Query {
	return q.mutate(func(m map[string]any) {
		if v, ok := toNumber(m[q.field]); ok {
			m[q.field] = fn(v, n)
		}
	})
}

// mutate calls fn with every scoped map of the working set. Without an
// active field it does nothing.
func (q *Query) mutate(fn func(m map[string]any)) *Query {
	if q.field == "" {
		return q
	}
	for _, e := range q.entries {
		if m, ok := asMap(e.cur); ok {
			fn(m)
		}
	}
	return q
}

// Update replaces the active field with value.
func (q *Query) Update(value any) *Query {
	return q.mutate(func(m map[string]any) {
		m[q.field] = normalizeValue(value)
	})
}

// Push appends values to the active field when it holds an array.
func (q *Query) Push(values ...any) *Query {
	return q.mutate(func(m map[string]any) {
		if arr, ok := m[q.field].([]any); ok {
			for _, v := range values {
				arr = append(arr, normalizeValue(v))
			}
			m[q.field] = arr
		}
	})
}

// Splice removes deleteCount elements from the active array field starting
// at start and inserts items in their place. A negative start counts back
// from the end of the array.
func (q *Query) Splice(start, deleteCount int, items ...any) *Query {
	return q.mutate(func(m map[string]any) {
		if arr, ok := m[q.field].([]any); ok {
			m[q.field] = splice(arr, start, deleteCount, items)
		}
	})
}

func splice(arr []any, start, deleteCount int, items []any) []any {
	n := len(arr)
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if start > n {
		start = n
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if deleteCount > n-start {
		deleteCount = n - start
	}

	out := make([]any, 0, n-deleteCount+len(items))
	out = append(out, arr[:start]...)
	for _, it := range items {
		out = append(out, normalizeValue(it))
	}
	return append(out, arr[start+deleteCount:]...)
}

// Delete removes the active field.
func (q *Query) Delete() *Query {
	return q.mutate(func(m map[string]any) {
		delete(m, q.field)
	})
}

// Limit caps the number of results returned by Raw, ToJSON and ToValue.
// It does not narrow the working set. Zero or a negative n removes the cap.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// ClearQuery discards filters and scoping: every document of the snapshot
// is back in the working set, scoped at its top level, with mutations kept.
// The field set by Where stays active.
func (q *Query) ClearQuery() *Query {
	q.entries = append(q.entries[:0:0], q.all...)
	for _, e := range q.entries {
		e.cur = map[string]any(e.root)
	}
	return q
}

// Len returns the size of the working set.
func (q *Query) Len() int {
	return len(q.entries)
}

// Raw returns copies of the top-level documents in the working set.
func (q *Query) Raw() []Document {
	entries := q.limited()
	out := make([]Document, len(entries))
	for i, e := range entries {
		out[i] = e.root.Clone()
	}
	return out
}

// ToJSON encodes the top-level documents of the working set.
func (q *Query) ToJSON() ([]byte, error) {
	return json.Marshal(q.Raw())
}

// ToValue returns copies of the scoped values of the working set. Documents
// whose scope resolved to nothing are skipped.
func (q *Query) ToValue() []any {
	var out []any
	for _, e := range q.limited() {
		if e.cur == nil {
			continue
		}
		out = append(out, cloneValue(e.cur))
	}
	return out
}

// Exists reports whether every document in the working set holds a set
// value at key within its current scope. An empty working set yields true.
func (q *Query) Exists(key string) bool {
	for _, e := range q.entries {
		m, ok := asMap(e.cur)
		if !ok || !truthy(m[key]) {
			return false
		}
	}
	return true
}

// Find returns copies of the top-level documents whose scoped value at key
// equals value. The working set is unchanged.
func (q *Query) Find(key string, value any) []Document {
	var out []Document
	for _, e := range q.entries {
		if v, ok := e.fieldValue(key); ok && valuesEqual(v, value) {
			out = append(out, e.root.Clone())
		}
	}
	return out
}

// Save returns a revision per document in the working set and makes the
// current state the new baseline.
func (q *Query) Save() Revisions {
	revs := make(Revisions, len(q.entries))
	for i, e := range q.entries {
		revs[i] = Revision{Old: e.old.Clone(), New: e.root.Clone()}
		e.old = e.root.Clone()
	}
	return revs
}

func (q *Query) limited() []*queryEntry {
	if q.limit > 0 && q.limit < len(q.entries) {
		return q.entries[:q.limit]
	}
	return q.entries
}

func (e *queryEntry) fieldValue(key string) (any, bool) {
	m, ok := asMap(e.cur)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
