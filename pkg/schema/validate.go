package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// FieldError describes a single payload validation failure.
type FieldError struct {
	Field       string   `json:"field"`
	Message     string   `json:"message"`
	Expected    string   `json:"expected,omitempty"`
	Actual      string   `json:"actual,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// Validate checks payload against the node type. It returns one error per
// offending field; an empty slice means the payload is valid.
func (r *Registry) Validate(typeID uint32, payload map[string]any) []FieldError {
	t, err := r.NodeType(typeID)
	if err != nil {
		return []FieldError{{Field: "type_id", Message: fmt.Sprintf("unknown type_id %d", typeID)}}
	}

	var errs []FieldError
	for name, value := range payload {
		f := t.Field(name)
		if f == nil {
			errs = append(errs, FieldError{
				Field:       name,
				Message:     "unknown field",
				Suggestions: suggestFields(name, t.Fields),
			})
			continue
		}
		if fe := r.checkKind(f, value); fe != nil {
			errs = append(errs, *fe)
		}
	}
	for _, f := range t.Fields {
		if !f.Required {
			continue
		}
		if v, ok := payload[f.Name]; !ok || v == nil {
			if f.Default != nil {
				continue
			}
			errs = append(errs, FieldError{Field: f.Name, Message: "required field is missing"})
		}
	}
	return errs
}

// ExpandDefaults returns a copy of payload with type defaults filled in for
// absent fields. The input map is not modified.
func (r *Registry) ExpandDefaults(typeID uint32, payload map[string]any) (map[string]any, error) {
	t, err := r.NodeType(typeID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, f := range t.Fields {
		if _, ok := out[f.Name]; !ok && f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	return out, nil
}

func (r *Registry) checkKind(f *FieldDef, value any) *FieldError {
	if value == nil {
		return nil
	}
	mismatch := func(actual string) *FieldError {
		return &FieldError{
			Field:    f.Name,
			Message:  "kind mismatch",
			Expected: string(f.Kind),
			Actual:   actual,
		}
	}

	switch f.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return mismatch(jsonTypeName(value))
		}
	case KindInt64:
		if _, ok := asInt64(value); !ok {
			return mismatch(jsonTypeName(value))
		}
	case KindFloat64:
		if _, ok := asFloat64(value); !ok {
			return mismatch(jsonTypeName(value))
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return mismatch(jsonTypeName(value))
		}
	case KindTimestampMs:
		ts, ok := asInt64(value)
		if !ok {
			return mismatch(jsonTypeName(value))
		}
		if ts < 0 {
			return &FieldError{Field: f.Name, Message: "timestamp_ms must be non-negative"}
		}
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return mismatch(jsonTypeName(value))
		}
		for _, ev := range f.EnumValues {
			if ev == s {
				return nil
			}
		}
		return &FieldError{
			Field:    f.Name,
			Message:  fmt.Sprintf("value %q is not a member of the enum", s),
			Expected: fmt.Sprintf("one of %v", f.EnumValues),
			Actual:   s,
		}
	case KindListString:
		items, ok := value.([]any)
		if !ok {
			if _, sok := value.([]string); sok {
				return nil
			}
			return mismatch(jsonTypeName(value))
		}
		for _, it := range items {
			if _, ok := it.(string); !ok {
				return &FieldError{Field: f.Name, Message: "list<string> contains a non-string element"}
			}
		}
	case KindListInt64:
		items, ok := value.([]any)
		if !ok {
			if _, iok := value.([]int64); iok {
				return nil
			}
			return mismatch(jsonTypeName(value))
		}
		for _, it := range items {
			if _, ok := asInt64(it); !ok {
				return &FieldError{Field: f.Name, Message: "list<int64> contains a non-integer element"}
			}
		}
	case KindRef:
		ref, fe := parseRef(f, value)
		if fe != nil {
			return fe
		}
		if _, err := r.NodeType(ref.TypeID); err != nil {
			return &FieldError{Field: f.Name, Message: fmt.Sprintf("ref type_id %d does not resolve", ref.TypeID)}
		}
		if f.RefTypeID != 0 && ref.TypeID != f.RefTypeID {
			return &FieldError{
				Field:    f.Name,
				Message:  "ref targets the wrong type",
				Expected: fmt.Sprintf("type_id %d", f.RefTypeID),
				Actual:   fmt.Sprintf("type_id %d", ref.TypeID),
			}
		}
	}
	return nil
}

func parseRef(f *FieldDef, value any) (Ref, *FieldError) {
	switch v := value.(type) {
	case Ref:
		return v, nil
	case map[string]any:
		tid, ok := asInt64(v["type_id"])
		if !ok || tid <= 0 || tid > math.MaxUint32 {
			return Ref{}, &FieldError{Field: f.Name, Message: "ref requires a positive integer type_id"}
		}
		id, ok := v["id"].(string)
		if !ok || id == "" {
			return Ref{}, &FieldError{Field: f.Name, Message: "ref requires a non-empty string id"}
		}
		return Ref{TypeID: uint32(tid), ID: id}, nil
	default:
		return Ref{}, &FieldError{
			Field:    f.Name,
			Message:  "kind mismatch",
			Expected: string(KindRef),
			Actual:   jsonTypeName(value),
		}
	}
}

// asInt64 accepts the integer representations a JSON decode can produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, int, int64, json.Number:
		return "number"
	case []any, []string, []int64:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// suggestFields returns field names within edit distance 2 of name,
// nearest first.
func suggestFields(name string, fields []FieldDef) []string {
	type scored struct {
		name string
		dist int
	}
	var near []scored
	for _, f := range fields {
		if d := levenshtein(name, f.Name); d <= 2 {
			near = append(near, scored{f.Name, d})
		}
	}
	sort.Slice(near, func(i, j int) bool {
		if near[i].dist != near[j].dist {
			return near[i].dist < near[j].dist
		}
		return near[i].name < near[j].name
	})
	out := make([]string, 0, len(near))
	for _, s := range near {
		out = append(out, s.name)
	}
	return out
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
