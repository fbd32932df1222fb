package store

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// Predicate selects documents. Predicates are built with the package
// constructors and evaluated identically by every backend.
type Predicate interface {
	// Match reports whether the document satisfies the predicate.
	Match(doc Doc) bool
}

type cmpOp int

const (
	opEq cmpOp = iota
	opNe
	opGt
	opGte
	opLt
	opLte
)

type cmpPred struct {
	op    cmpOp
	field string
	value any
}

type containsPred struct {
	field string
	value any
}

type inPred struct {
	field  string
	values []any
}

type existsPred struct{ field string }

type andPred struct{ preds []Predicate }

type orPred struct{ preds []Predicate }

// Eq matches documents whose field equals v. A nil v matches documents
// where the field is null or absent.
func Eq(field string, v any) Predicate { return &cmpPred{opEq, field, normalizeValue(v)} }

// Ne matches documents whose field differs from v, including documents
// missing the field entirely.
func Ne(field string, v any) Predicate { return &cmpPred{opNe, field, normalizeValue(v)} }

// Gt matches documents whose field is of v's kind and orders after it.
func Gt(field string, v any) Predicate { return &cmpPred{opGt, field, normalizeValue(v)} }

// Gte is Gt or equal.
func Gte(field string, v any) Predicate { return &cmpPred{opGte, field, normalizeValue(v)} }

// Lt matches documents whose field is of v's kind and orders before it.
func Lt(field string, v any) Predicate { return &cmpPred{opLt, field, normalizeValue(v)} }

// Lte is Lt or equal.
func Lte(field string, v any) Predicate { return &cmpPred{opLte, field, normalizeValue(v)} }

// Contains matches documents whose array field has an element equal to v.
func Contains(field string, v any) Predicate {
	return &containsPred{field, normalizeValue(v)}
}

// In matches documents whose field equals any of vs. An empty vs matches
// nothing.
func In[T any](field string, vs ...T) Predicate {
	var values = make([]any, len(vs))
	for i, v := range vs {
		values[i] = normalizeValue(v)
	}
	return &inPred{field, values}
}

// Exists matches documents where the field is present and non-null.
func Exists(field string) Predicate { return &existsPred{field} }

// And matches documents satisfying every predicate. And() matches all.
func And(preds ...Predicate) Predicate { return &andPred{preds} }

// Or matches documents satisfying at least one predicate. Or() matches none.
func Or(preds ...Predicate) Predicate { return &orPred{preds} }

func (p *cmpPred) Match(doc Doc) bool {
	var val, _ = lookupPath(doc, p.field)
	switch p.op {
	case opEq:
		return equalValues(val, p.value)
	case opNe:
		return !equalValues(val, p.value)
	}
	var c, ok = orderValues(val, p.value)
	if !ok {
		return false
	}
	switch p.op {
	case opGt:
		return c > 0
	case opGte:
		return c >= 0
	case opLt:
		return c < 0
	default:
		return c <= 0
	}
}

func (p *containsPred) Match(doc Doc) bool {
	var val, _ = lookupPath(doc, p.field)
	var arr, isArr = val.([]any)
	if !isArr {
		return false
	}
	for _, elem := range arr {
		if equalValues(elem, p.value) {
			return true
		}
	}
	return false
}

func (p *inPred) Match(doc Doc) bool {
	var val, _ = lookupPath(doc, p.field)
	for _, v := range p.values {
		if equalValues(val, v) {
			return true
		}
	}
	return false
}

func (p *existsPred) Match(doc Doc) bool {
	var val, found = lookupPath(doc, p.field)
	return found && val != nil
}

func (p *andPred) Match(doc Doc) bool {
	for _, sub := range p.preds {
		if !sub.Match(doc) {
			return false
		}
	}
	return true
}

func (p *orPred) Match(doc Doc) bool {
	for _, sub := range p.preds {
		if sub.Match(doc) {
			return true
		}
	}
	return false
}

// lookupPath walks a dotted path through nested objects.
func lookupPath(doc Doc, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		var obj, isObj = cur.(map[string]any)
		if !isObj {
			return nil, false
		}
		var next, found = obj[part]
		if !found {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// setPath writes a value at a dotted path, creating intermediate objects.
func setPath(doc Doc, path string, v any) {
	var parts = strings.Split(path, ".")
	var cur = map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		var next, isObj = cur[part].(map[string]any)
		if !isObj {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// applySet applies a field-set mutation to a document in place. Values are
// normalized so that typed values (times, enums) land in the document in
// their JSON form, exactly as a marshal of the containing struct would.
func applySet(doc Doc, set map[string]any) {
	for path, v := range set {
		setPath(doc, path, normalizeValue(v))
	}
}

// normalizeDoc maps a document onto its decoded-JSON representation, as if
// it had been marshaled and read back. Backends that don't round-trip
// through JSON text apply it on every write so stored values are identical
// across backends.
func normalizeDoc(doc Doc) Doc {
	var out, ok = normalizeValue(map[string]any(doc)).(map[string]any)
	if !ok {
		return doc
	}
	return out
}

// normalizeValue maps an arbitrary Go value onto its decoded-JSON
// representation: nil, bool, float64, string, []any, or map[string]any.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, float64, string:
		return x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		// Fall back to a JSON round trip. This handles named string types,
		// json.Marshaler implementations, slices, and structs alike.
		var b, err = json.Marshal(v)
		if err != nil {
			return v
		}
		var out any
		if err = json.Unmarshal(b, &out); err != nil {
			return v
		}
		return out
	}
}

// equalValues compares two normalized values for equality.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case bool:
		var y, ok = b.(bool)
		return ok && x == y
	case float64:
		var y, ok = b.(float64)
		return ok && x == y
	case string:
		var y, ok = b.(string)
		return ok && x == y
	default:
		return reflect.DeepEqual(a, b)
	}
}

// orderValues orders two normalized values of the same kind. Booleans order
// among numbers as 0 and 1, matching how they surface from SQLite JSON.
func orderValues(a, b any) (int, bool) {
	var af, aNum = asNumber(a)
	var bf, bNum = asNumber(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	var as, aStr = a.(string)
	var bs, bStr = b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// sortCompare totally orders normalized values for ORDER BY parity across
// backends: null < numbers < text < everything else.
func sortCompare(a, b any) int {
	var ra, rb = kindRank(a), kindRank(b)
	if ra != rb {
		return ra - rb
	}
	if c, ok := orderValues(a, b); ok {
		return c
	}
	// Composite values order by their JSON text.
	var ab, _ = json.Marshal(a)
	var bb, _ = json.Marshal(b)
	return strings.Compare(string(ab), string(bb))
}

func kindRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool, float64:
		return 1
	case string:
		return 2
	default:
		return 3
	}
}

// sortDocs orders documents by the given sort keys.
func sortDocs(docs []Doc, order []Sort) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range order {
			var vi, _ = lookupPath(docs[i], s.Field)
			var vj, _ = lookupPath(docs[j], s.Field)
			var c = sortCompare(vi, vj)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// pageDocs applies offset and limit.
func pageDocs(docs []Doc, offset, limit int) []Doc {
	if offset > 0 {
		if offset >= len(docs) {
			return nil
		}
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// copyDoc deep-copies a document so callers can't alias backend state.
func copyDoc(doc Doc) Doc {
	return copyValue(doc).(map[string]any)
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		var out = make(map[string]any, len(x))
		for k, e := range x {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		var out = make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	default:
		return x
	}
}
