// ABOUTME: Key/id resolution for raw metadata input
// ABOUTME: Resolves canonical id and name and validates minimal item shape

package metadata

import (
	"fmt"
	"reflect"
)

// Normalized is an input item with canonical id and name resolved
type Normalized struct {
	ID     string
	Fields map[string]any // canonical fields; never holds id, uid or displayName
}

// Name returns the resolved display name, or ""
func (n Normalized) Name() string {
	s, _ := n.Fields[FieldName].(string)
	return s
}

// Normalize resolves a raw item into canonical form.
//
// raw is a bare string (display name for key), a map, or a struct. The id is
// taken from key, then uid, then id; an item carrying both id and uid is
// rejected unless key is given. The name is taken from displayName, then name.
// A nameless item is accepted only when known reports its id as already stored,
// or when it is shaped as an option set or legend set.
func Normalize(raw any, key string, known func(id string) bool) (Normalized, error) {
	if s, ok := raw.(string); ok {
		if key == "" {
			return Normalized{}, fmt.Errorf("%w: bare string %q needs a key", ErrInvalidInput, s)
		}
		raw = map[string]any{FieldName: s}
	}

	fields, err := toFieldMap(raw)
	if err != nil {
		return Normalized{}, err
	}

	if key == "" && !IsEmpty(fields[FieldUID]) && !IsEmpty(fields[FieldID]) {
		return Normalized{}, fmt.Errorf("%w: item has both id and uid", ErrInvalidInput)
	}

	id := key
	if id == "" {
		id, _ = fields[FieldUID].(string)
	}
	if id == "" {
		id, _ = fields[FieldID].(string)
	}
	if id == "" {
		return Normalized{}, fmt.Errorf("%w: no id resolved", ErrInvalidInput)
	}

	name, _ := fields[FieldDisplayName].(string)
	if name == "" {
		name, _ = fields[FieldName].(string)
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case FieldID, FieldUID, FieldDisplayName, FieldName:
			continue
		}
		out[k] = v
	}

	if name != "" {
		out[FieldName] = name
	} else {
		exists := known != nil && known(id)
		if !exists && !nameOptional(out) {
			return Normalized{}, fmt.Errorf("%w: %q is missing name", ErrInvalidInput, id)
		}
	}

	return Normalized{ID: id, Fields: out}, nil
}

// peekID resolves the id an item would get without validating it
func peekID(raw any, key string) string {
	if key != "" {
		return key
	}
	fields, err := toFieldMap(raw)
	if err != nil {
		return ""
	}
	if uid, ok := fields[FieldUID].(string); ok && uid != "" {
		return uid
	}
	id, _ := fields[FieldID].(string)
	return id
}

// toFieldMap converts a raw item into a field map without mutating it
func toFieldMap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil item", ErrInvalidInput)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case *Item:
		return v.Fields(), nil
	case Normalized:
		out := make(map[string]any, len(v.Fields)+1)
		for k, val := range v.Fields {
			out[k] = val
		}
		out[FieldID] = v.ID
		return out, nil
	}

	if !isStructLike(raw) {
		return nil, fmt.Errorf("%w: unsupported item type %T", ErrInvalidInput, raw)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", ErrInvalidInput, raw, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode %T: %v", ErrInvalidInput, raw, err)
	}
	return out, nil
}

func isStructLike(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}
