package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pipewise/lake/model"
	"github.com/pipewise/lake/store"
)

// SpecMapper maps records through the MappingSpec resolved from the
// registry for its source. Resolved specs are cached until the next
// Prepare, so one batch maps every record through one spec revision.
type SpecMapper struct {
	source string
	reg    *Registry

	mu    sync.RWMutex
	specs map[model.EntityType]*model.MappingSpec
}

// NewSpecMapper returns a mapper for one source backed by reg.
func NewSpecMapper(source string, reg *Registry) *SpecMapper {
	return &SpecMapper{
		source: source,
		reg:    reg,
		specs:  make(map[model.EntityType]*model.MappingSpec),
	}
}

// Prepare re-resolves the mapping for et and caches it.
func (m *SpecMapper) Prepare(ctx context.Context, et model.EntityType) error {
	var spec, err = m.reg.Resolve(ctx, m.source, et)
	if err != nil {
		return fail(model.ErrMapping, model.StageRawMapping, err)
	}
	m.mu.Lock()
	m.specs[et] = spec
	m.mu.Unlock()
	return nil
}

func (m *SpecMapper) spec(ctx context.Context, et model.EntityType) (*model.MappingSpec, error) {
	m.mu.RLock()
	var spec = m.specs[et]
	m.mu.RUnlock()
	if spec != nil {
		return spec, nil
	}
	// Single-record paths may map without a batch start.
	if err := m.Prepare(ctx, et); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.specs[et], nil
}

// ToRaw wraps a fetched record into a RawRecord, extracting the source's
// own identifier and write date per the mapping.
func (m *SpecMapper) ToRaw(ctx context.Context, et model.EntityType, rec *SourceRecord, batchID string) (*model.RawRecord, error) {
	var spec, err = m.spec(ctx, et)
	if err != nil {
		return nil, err
	}

	var sourceID = rec.ID
	if sourceID == "" {
		if v, ok := lookupField(rec.Data, spec.IDField); ok {
			sourceID = stringify(v)
		}
	}
	if sourceID == "" {
		return nil, failf(model.ErrMapping, model.StageRawMapping, "record carries no %s", spec.IDField)
	}

	var modified = rec.ModifiedAt
	if modified.IsZero() && spec.ModifiedField != "" {
		if v, ok := lookupField(rec.Data, spec.ModifiedField); ok {
			if modified, err = parseSourceTime(stringify(v), spec.ModifiedLayout); err != nil {
				return nil, fail(model.ErrMapping, model.StageRawMapping,
					fmt.Errorf("parsing %s: %w", spec.ModifiedField, err))
			}
		}
	}

	return &model.RawRecord{
		Source:     m.source,
		EntityType: et,
		SourceID:   sourceID,
		BatchID:    batchID,
		ModifiedAt: modified,
		Payload:    rec.Data,
	}, nil
}

// ToCanonical maps a raw record's payload into a typed canonical entity,
// stamping the source reference, provenance entry, and pending references.
func (m *SpecMapper) ToCanonical(ctx context.Context, raw *model.RawRecord) (model.Entity, error) {
	var spec, err = m.spec(ctx, raw.EntityType)
	if err != nil {
		return nil, err
	}

	var doc store.Doc
	var refs map[string]string
	if doc, refs, err = applyMapping(spec, raw.Payload); err != nil {
		return nil, fail(model.ErrMapping, model.StageCanonicalMapping, err)
	}

	var e model.Entity
	if e, err = raw.EntityType.New(); err != nil {
		return nil, fail(model.ErrMapping, model.StageCanonicalMapping, err)
	}
	if err = store.Decode(doc, e); err != nil {
		return nil, fail(model.ErrMapping, model.StageCanonicalMapping, err)
	}

	var env = e.Env()
	env.EntityType = raw.EntityType
	env.Source = raw.Source
	env.SourceID = raw.SourceID
	env.ModifiedAt = raw.ModifiedAt
	env.AddSource(raw.EntityType, model.SourceRef{
		Source:      raw.Source,
		SourceID:    raw.SourceID,
		SourceModel: spec.SourceModel,
	}, raw.ModifiedAt, model.Time{})
	env.PendingRefs = refs
	return e, nil
}

// applyMapping runs every field rule of spec over one payload, producing
// the canonical document and the set of still-unresolved references.
func applyMapping(spec *model.MappingSpec, payload map[string]any) (store.Doc, map[string]string, error) {
	var doc = make(store.Doc, len(spec.Fields))
	var refs map[string]string

	for i := range spec.Fields {
		var f = &spec.Fields[i]
		var v, ok, err = applyField(f, payload)
		if err != nil {
			return nil, nil, fmt.Errorf("target %s: %w", f.TargetField, err)
		}
		if !ok && f.DefaultValue != nil {
			v, ok = f.DefaultValue, true
		}
		if !ok {
			if f.Required {
				return nil, nil, fmt.Errorf("required target %s maps to nothing", f.TargetField)
			}
			continue
		}
		if f.Layout != "" {
			var t model.Time
			if t, err = parseSourceTime(stringify(v), f.Layout); err != nil {
				return nil, nil, fmt.Errorf("target %s: %w", f.TargetField, err)
			}
			v = t.String()
		}
		if f.Ref != "" {
			if id := stringify(v); id != "" {
				if refs == nil {
					refs = make(map[string]string)
				}
				refs[f.TargetField] = id
			}
			continue
		}
		setField(doc, f.TargetField, v)
	}
	return doc, refs, nil
}

// applyField evaluates one rule against the payload. ok is false when the
// rule maps to nothing, which is distinct from mapping to an error.
func applyField(f *model.FieldMapping, payload map[string]any) (any, bool, error) {
	switch f.Transform {
	case model.TransformDefault:
		return f.DefaultValue, true, nil

	case model.TransformConcatenate:
		var parts []string
		for _, sf := range f.SourceFields {
			if v, ok := lookupField(payload, sf); ok {
				if s := stringify(v); s != "" {
					parts = append(parts, s)
				}
			}
		}
		if len(parts) == 0 {
			return nil, false, nil
		}
		return strings.Join(parts, f.Separator), true, nil
	}

	var v, ok = lookupField(payload, f.SourceField)
	if !ok || v == nil {
		return nil, false, nil
	}
	// Relational sources encode every empty field as boolean false.
	if b, isBool := v.(bool); isBool && !b && f.Transform != model.TransformBoolean {
		return nil, false, nil
	}

	switch f.Transform {
	case "", model.TransformDirect:
		return v, true, nil

	case model.TransformExtractID:
		var id, _ = relationalPair(v)
		if s := stringify(id); s != "" {
			return s, true, nil
		}
		return nil, false, nil

	case model.TransformExtractName:
		var _, name = relationalPair(v)
		if name == "" {
			return nil, false, nil
		}
		return name, true, nil

	case model.TransformToString:
		return stringify(v), true, nil

	case model.TransformToFloat:
		var f64, err = toFloat(v)
		return f64, err == nil, err

	case model.TransformToInt:
		var i64, err = toInt(v)
		return i64, err == nil, err

	case model.TransformBoolean:
		var b, err = toBool(v)
		return b, err == nil, err

	case model.TransformLookup:
		if mapped, hit := f.Table[stringify(v)]; hit {
			return mapped, true, nil
		}
		// Relational values look up by display name.
		switch v.(type) {
		case []any, map[string]any:
			var _, name = relationalPair(v)
			if mapped, hit := f.Table[name]; hit {
				return mapped, true, nil
			}
			return name, name != "", nil
		}
		// Unmapped values pass through; validation decides their fate.
		return v, true, nil

	case model.TransformFormat:
		return fmt.Sprintf(f.Format, v), true, nil

	default:
		return nil, false, fmt.Errorf("unknown transform %q", f.Transform)
	}
}

// relationalPair decodes the [id, display-name] encodings relational
// sources use for references. Scalars are their own id.
func relationalPair(v any) (id any, name string) {
	switch x := v.(type) {
	case []any:
		switch len(x) {
		case 0:
			return nil, ""
		case 1:
			return x[0], ""
		default:
			return x[0], stringify(x[1])
		}
	case map[string]any:
		if n, ok := x["display_name"]; ok {
			name = stringify(n)
		} else if n, ok := x["name"]; ok {
			name = stringify(n)
		}
		return x["id"], name
	default:
		return v, stringify(v)
	}
}

// lookupField walks a dotted path into a decoded JSON payload. Numeric
// path segments index into arrays.
func lookupField(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		switch x := cur.(type) {
		case map[string]any:
			var v, ok = x[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			var i, err = strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(x) {
				return nil, false
			}
			cur = x[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setField writes a value at a dotted path, creating intermediate objects.
func setField(doc store.Doc, path string, v any) {
	var parts = strings.Split(path, ".")
	var m = doc
	for _, p := range parts[:len(parts)-1] {
		var next, ok = m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		var f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		var i, err = strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n", "":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", x)
	default:
		return false, fmt.Errorf("not a boolean: %v", v)
	}
}

// parseSourceTime parses a source timestamp. An empty layout accepts the
// canonical RFC 3339 family.
func parseSourceTime(s, layout string) (model.Time, error) {
	if s == "" {
		return model.Time{}, nil
	}
	if layout == "" {
		layout = time.RFC3339Nano
	}
	var t, err = time.Parse(layout, s)
	if err != nil {
		return model.Time{}, err
	}
	return model.At(t.UTC()), nil
}
