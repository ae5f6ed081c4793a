// Package schema maps arbitrary JSON health responses onto the
// canonical dependency record using a user-supplied mapping of dotted
// paths. Mapping is pure: fixed inputs always produce identical
// records and warnings.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Record is the canonical dependency record produced from one element
// of a health response.
type Record struct {
	Name         string
	Description  string
	Impact       string
	Type         string
	Healthy      *bool // nil = unknown
	HealthState  *int64
	HealthCode   *int64
	LatencyMS    *int64
	Skipped      bool
	Error        string // opaque JSON blob from upstream, "" when absent
	ErrorMessage string
}

// FieldMapping selects a value for one canonical field: either a
// dotted path into the element, or a boolean comparison of a dotted
// path against a string (case-insensitive).
type FieldMapping struct {
	Path   string // plain dotted path; empty when Field is set
	Field  string // dotted path for the comparison form
	Equals string // comparison target
}

// IsBoolCompare reports whether this is the {field, equals} variant.
func (f FieldMapping) IsBoolCompare() bool {
	return f.Field != ""
}

// UnmarshalJSON accepts either a bare string (path) or the
// {"field": ..., "equals": ...} object form.
func (f *FieldMapping) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		f.Path = path
		return nil
	}
	var obj struct {
		Field  string `json:"field"`
		Equals string `json:"equals"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("field mapping must be a path string or {field, equals} object: %w", err)
	}
	if obj.Field == "" {
		return fmt.Errorf("field mapping object requires a non-empty field")
	}
	f.Field = obj.Field
	f.Equals = obj.Equals
	return nil
}

// MarshalJSON renders the compact form used in schema_config.
func (f FieldMapping) MarshalJSON() ([]byte, error) {
	if f.IsBoolCompare() {
		return json.Marshal(struct {
			Field  string `json:"field"`
			Equals string `json:"equals"`
		}{f.Field, f.Equals})
	}
	return json.Marshal(f.Path)
}

// Fields maps canonical record fields to locations in the response.
// Name and Healthy are required.
type Fields struct {
	Name        FieldMapping  `json:"name"`
	Healthy     FieldMapping  `json:"healthy"`
	Latency     *FieldMapping `json:"latency,omitempty"`
	Impact      *FieldMapping `json:"impact,omitempty"`
	Description *FieldMapping `json:"description,omitempty"`
	Type        *FieldMapping `json:"type,omitempty"`
}

// Mapping is a complete schema mapping: the dotted path to the array
// of checks, plus per-field mappings.
type Mapping struct {
	Root   string `json:"root"`
	Fields Fields `json:"fields"`
}

// ParseMapping decodes a serialized schema_config document.
func ParseMapping(raw string) (*Mapping, error) {
	var m Mapping
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid schema mapping: %w", err)
	}
	if m.Fields.Name.Path == "" && !m.Fields.Name.IsBoolCompare() {
		return nil, fmt.Errorf("schema mapping requires a name field")
	}
	if m.Fields.Healthy.Path == "" && !m.Fields.Healthy.IsBoolCompare() {
		return nil, fmt.Errorf("schema mapping requires a healthy field")
	}
	return &m, nil
}

// Closed coercion sets for string healthy values.
var (
	truthyStrings = map[string]bool{
		"true": true, "ok": true, "healthy": true, "up": true,
	}
	falsyStrings = map[string]bool{
		"false": true, "error": true, "unhealthy": true, "down": true, "critical": true,
	}
)

// Map applies the mapping to a parsed JSON value and returns the
// canonical records plus non-fatal warnings.
func Map(doc interface{}, m *Mapping) ([]Record, []string) {
	var warnings []string

	rootVal := resolvePath(doc, m.Root)
	arr, ok := rootVal.([]interface{})
	if !ok {
		return nil, []string{fmt.Sprintf("expected array at %s", m.Root)}
	}

	records := make([]Record, 0, len(arr))
	for i, elem := range arr {
		rec := Record{}

		name, _ := resolveField(elem, m.Fields.Name)
		nameStr, ok := name.(string)
		if !ok || nameStr == "" {
			warnings = append(warnings, fmt.Sprintf("element %d: name did not resolve to a string, row dropped", i))
			continue
		}
		rec.Name = nameStr

		healthy, w := coerceHealthy(elem, m.Fields.Healthy)
		rec.Healthy = healthy
		if w != "" {
			warnings = append(warnings, fmt.Sprintf("element %d: %s", i, w))
		}

		if m.Fields.Latency != nil {
			lat, w := coerceLatency(resolveValue(elem, *m.Fields.Latency))
			rec.LatencyMS = lat
			if w != "" {
				warnings = append(warnings, fmt.Sprintf("element %d: %s", i, w))
			}
		}
		if m.Fields.Impact != nil {
			rec.Impact = stringOrEmpty(resolveValue(elem, *m.Fields.Impact))
		}
		if m.Fields.Description != nil {
			rec.Description = stringOrEmpty(resolveValue(elem, *m.Fields.Description))
		}
		if m.Fields.Type != nil {
			rec.Type = stringOrEmpty(resolveValue(elem, *m.Fields.Type))
		}

		records = append(records, rec)
	}

	return records, warnings
}

// resolveField resolves the mapping and reports whether the path
// existed at all.
func resolveField(elem interface{}, f FieldMapping) (interface{}, bool) {
	if f.IsBoolCompare() {
		v := resolvePath(elem, f.Field)
		return v, v != nil
	}
	v := resolvePath(elem, f.Path)
	return v, v != nil
}

func resolveValue(elem interface{}, f FieldMapping) interface{} {
	v, _ := resolveField(elem, f)
	return v
}

// coerceHealthy produces the tri-state healthy value. For the
// boolean-comparison form, healthy is the case-insensitive equality
// of the resolved value against equals.
func coerceHealthy(elem interface{}, f FieldMapping) (*bool, string) {
	if f.IsBoolCompare() {
		v := resolvePath(elem, f.Field)
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		result := strings.EqualFold(s, f.Equals)
		return &result, ""
	}

	v := resolvePath(elem, f.Path)
	switch val := v.(type) {
	case nil:
		return nil, ""
	case bool:
		b := val
		return &b, ""
	case string:
		lower := strings.ToLower(val)
		if truthyStrings[lower] {
			t := true
			return &t, ""
		}
		if falsyStrings[lower] {
			fv := false
			return &fv, ""
		}
		return nil, fmt.Sprintf("unrecognized healthy value %q", val)
	default:
		return nil, fmt.Sprintf("healthy value %v is neither boolean nor string", v)
	}
}

// coerceLatency floors a numeric value to a non-negative integer.
func coerceLatency(v interface{}) (*int64, string) {
	if v == nil {
		return nil, ""
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Sprintf("latency value %v is not numeric", v)
	}
	if f < 0 {
		return nil, fmt.Sprintf("latency value %v is negative", v)
	}
	n := int64(math.Floor(f))
	return &n, ""
}

func stringOrEmpty(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// resolvePath walks a dotted path through nested JSON objects. An
// empty path returns the value itself; any missing segment yields nil.
func resolvePath(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	current := v
	for _, seg := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return current
}
