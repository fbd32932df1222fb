package model

import "fmt"

// Transform names one field transformation of the mapping engine.
type Transform string

const (
	// TransformDirect copies the source value as-is. It's the default.
	TransformDirect Transform = "direct"
	// TransformExtractID takes the id of an [id, display-name] pair, the
	// way relational sources encode references.
	TransformExtractID Transform = "extract-id"
	// TransformExtractName takes the display name of an [id, display-name]
	// pair.
	TransformExtractName Transform = "extract-name"
	// TransformToString renders the source value as a string.
	TransformToString Transform = "to-string"
	// TransformToFloat coerces strings and JSON numbers to a float.
	TransformToFloat Transform = "to-float"
	// TransformToInt coerces strings and JSON numbers to an integer.
	TransformToInt Transform = "to-int"
	// TransformBoolean coerces truthy strings and numbers to a bool.
	TransformBoolean Transform = "boolean"
	// TransformLookup maps discrete source values through a table.
	TransformLookup Transform = "lookup"
	// TransformFormat renders the source value through a fmt verb.
	TransformFormat Transform = "format"
	// TransformConcatenate joins several source fields with a separator.
	TransformConcatenate Transform = "concatenate"
	// TransformDefault writes the rule's default value, ignoring the payload.
	TransformDefault Transform = "default"
)

// FieldMapping maps one payload field of a raw record onto one field of a
// canonical record.
//
// SourceField is a dotted path into the raw payload; TargetField is a
// dotted path into the canonical document. Ref marks the target as a
// reference into another entity type's namespace: the mapped value is held
// as a pending reference and resolved to a canonical ID by the normalizer.
type FieldMapping struct {
	SourceField  string   `json:"source_field,omitempty"`
	SourceFields []string `json:"source_fields,omitempty"`
	TargetField  string   `json:"target_field"`

	Transform Transform `json:"transform,omitempty"`

	// Transform configuration.
	Separator string            `json:"separator,omitempty"`
	Format    string            `json:"format,omitempty"`
	Table     map[string]string `json:"table,omitempty"`
	// Layout, when set, parses the transformed value as a timestamp in
	// this layout and re-encodes it canonically.
	Layout string `json:"layout,omitempty"`

	// Required fails the record when the field maps to nothing;
	// DefaultValue fills in instead when present.
	Required     bool `json:"required,omitempty"`
	DefaultValue any  `json:"default_value,omitempty"`

	Ref EntityType `json:"ref,omitempty"`
}

// Validate checks the rule's transform-specific parameters.
func (m *FieldMapping) Validate() error {
	if m.TargetField == "" {
		return fmt.Errorf("mapping requires a target_field")
	}
	switch m.Transform {
	case TransformDefault:
		if m.DefaultValue == nil {
			return fmt.Errorf("target %s: default requires a default_value", m.TargetField)
		}
		return nil
	case TransformConcatenate:
		if len(m.SourceFields) == 0 {
			return fmt.Errorf("target %s: concatenate requires source_fields", m.TargetField)
		}
		return nil
	case TransformLookup:
		if len(m.Table) == 0 {
			return fmt.Errorf("target %s: lookup requires a table", m.TargetField)
		}
	case TransformFormat:
		if m.Format == "" {
			return fmt.Errorf("target %s: format requires a format", m.TargetField)
		}
	case "", TransformDirect, TransformExtractID, TransformExtractName,
		TransformToString, TransformToFloat, TransformToInt, TransformBoolean:
	default:
		return fmt.Errorf("target %s: unknown transform %q", m.TargetField, m.Transform)
	}
	if m.SourceField == "" {
		return fmt.Errorf("target %s: missing source_field", m.TargetField)
	}
	return nil
}

// MappingSpec is the complete recipe for turning one integration's raw
// records of one entity type into canonical records. Drivers ship built-in
// specs; stored specs with the same (source, entity type) override them.
type MappingSpec struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	EntityType EntityType `json:"entity_type"`

	// IDField is the payload path of the source's own record identifier.
	IDField string `json:"id_field"`
	// ModifiedField is the payload path of the source's write date, parsed
	// with ModifiedLayout (canonical encodings when empty).
	ModifiedField  string `json:"modified_field,omitempty"`
	ModifiedLayout string `json:"modified_layout,omitempty"`
	// SourceModel is the source-side model name stamped on SourceRefs.
	SourceModel string `json:"source_model,omitempty"`

	Fields []FieldMapping `json:"fields"`

	CreatedAt Time `json:"created_at"`
	UpdatedAt Time `json:"updated_at"`
}

// MappingID returns the document ID of a stored mapping override.
func MappingID(source string, et EntityType) string {
	return source + ":" + string(et)
}

// Validate checks the spec and all of its field rules.
func (s *MappingSpec) Validate() error {
	if s.Source == "" {
		return fmt.Errorf("mapping requires a source")
	}
	if _, err := ParseEntityType(string(s.EntityType)); err != nil {
		return err
	}
	if s.IDField == "" {
		return fmt.Errorf("mapping requires an id_field")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("mapping requires at least one field")
	}
	var seen = make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		if err := s.Fields[i].Validate(); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		if seen[s.Fields[i].TargetField] {
			return fmt.Errorf("duplicate target %s", s.Fields[i].TargetField)
		}
		seen[s.Fields[i].TargetField] = true
	}
	return nil
}
