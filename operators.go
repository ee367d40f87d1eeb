package quipodb

import (
	"fmt"
	"strings"
)

// Operator is an atomic update operator usable as a "$" key of an update
// document passed to Docs.UpdateDoc.
type Operator int

// Operators are applied in declaration order when an update document names
// more than one.
const (
	OpAdd Operator = iota
	OpSubtract
	OpMultiply
	OpDivide
	OpPush
)

// ErrUnknownOperator is returned when a "$" key names no supported operator.
type ErrUnknownOperator struct {
	Name string
}

// Error implements [error].
func (e ErrUnknownOperator) Error() string {
	return fmt.Sprintf("unknown operator %q", e.Name)
}

type arithFunc func(a, b float64) float64

type operatorDef struct {
	key   string
	arith arithFunc
}

var operatorTable = map[Operator]operatorDef{
	OpAdd:      {key: "$add", arith: func(a, b float64) float64 { return a + b }},
	OpSubtract: {key: "$subtract", arith: func(a, b float64) float64 { return a - b }},
	OpMultiply: {key: "$multiply", arith: func(a, b float64) float64 { return a * b }},
	OpDivide:   {key: "$divide", arith: func(a, b float64) float64 { return a / b }},
	OpPush:     {key: "$push"},
}

var operatorOrder = []Operator{OpAdd, OpSubtract, OpMultiply, OpDivide, OpPush}

// Key returns the "$" name of the operator.
func (o Operator) Key() string {
	if def, ok := operatorTable[o]; ok {
		return def.key
	}
	return fmt.Sprintf("$operator(%d)", int(o))
}

func (o Operator) String() string {
	return o.Key()
}

// ParseOperator resolves a "$" key such as "$add".
func ParseOperator(key string) (Operator, error) {
	for _, op := range operatorOrder {
		if operatorTable[op].key == key {
			return op, nil
		}
	}
	return 0, ErrUnknownOperator{Name: key}
}

// IsOperatorKey reports whether a document key addresses an operator.
func IsOperatorKey(key string) bool {
	return strings.HasPrefix(key, "$")
}

// Apply folds docs left to right under op and returns a new document.
// Inputs are never modified.
//
// Arithmetic operators walk the keys of the accumulated document. Where the
// next document holds a nested map the walk recurses; where both sides hold
// numbers the operator is applied. Non-numeric pairs are skipped, and keys
// not addressed by the next document are left out of the result.
//
// OpPush deep-merges: maps merge recursively, arrays are concatenated and
// other values in the later document overwrite.
func Apply(op Operator, docs ...Document) Document {
	def, ok := operatorTable[op]
	if !ok || len(docs) == 0 {
		return Document{}
	}

	acc := docs[0].Clone()
	if acc == nil {
		acc = Document{}
	}
	for _, next := range docs[1:] {
		if op == OpPush {
			acc = pushMerge(acc, next)
		} else {
			acc = arithMerge(def.arith, acc, next)
		}
	}
	return acc
}

func arithMerge(fn arithFunc, base, operand map[string]any) Document {
	out := Document{}
	for k, bv := range base {
		ov, ok := operand[k]
		if !ok {
			continue
		}
		if om, isMap := asMap(ov); isMap {
			if bm, baseMap := asMap(bv); baseMap {
				out[k] = map[string]any(arithMerge(fn, bm, om))
			}
			continue
		}
		a, aok := toNumber(bv)
		b, bok := toNumber(ov)
		if aok && bok {
			out[k] = fn(a, b)
		}
	}
	return out
}

func pushMerge(base, addend map[string]any) Document {
	out := make(Document, len(base)+len(addend))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, av := range addend {
		bv, exists := out[k]
		if !exists {
			out[k] = cloneValue(av)
			continue
		}
		if arr, isArr := bv.([]any); isArr {
			if items, ok := av.([]any); ok {
				out[k] = append(arr, cloneValue(items).([]any)...)
			} else {
				out[k] = append(arr, cloneValue(av))
			}
			continue
		}
		bm, bok := asMap(bv)
		am, aok := asMap(av)
		if bok && aok {
			out[k] = map[string]any(pushMerge(bm, am))
			continue
		}
		out[k] = cloneValue(av)
	}
	return out
}

// applyUpdate resolves an update document against stored: plain keys
// overwrite, then each operator key is applied in operator order and
// merged back over the accumulated document. Unknown or malformed operator
// keys are reported through skip.
func applyUpdate(stored, update Document, skip func(key string, err error)) Document {
	out := stored.Clone()
	if out == nil {
		out = Document{}
	}

	operands := make(map[Operator]Document)
	for k, v := range update {
		if !IsOperatorKey(k) {
			out[k] = cloneValue(v)
			continue
		}
		op, err := ParseOperator(k)
		if err != nil {
			skip(k, err)
			continue
		}
		m, ok := asMap(v)
		if !ok {
			skip(k, fmt.Errorf("%w: %s operand must be a document, got %T", ErrInvalidData, k, v))
			continue
		}
		operands[op] = Document(m)
	}

	for _, op := range operatorOrder {
		operand, ok := operands[op]
		if !ok {
			continue
		}
		result := Apply(op, out, operand)
		out = mergeDefaults(result, out)
	}
	return out
}
