// ABOUTME: Metadata item data model
// ABOUTME: Tagged item variants, structural classification and empty-value rules

package metadata

import (
	"fmt"
	"reflect"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Field names with special meaning during normalization and classification
const (
	FieldID                = "id"
	FieldUID               = "uid"
	FieldName              = "name"
	FieldDisplayName       = "displayName"
	FieldOptions           = "options"
	FieldLegends           = "legends"
	FieldProgramType       = "programType"
	FieldProgramStages     = "programStages"
	FieldRepeatable        = "repeatable"
	FieldHideDueDate       = "hideDueDate"
	FieldPath              = "path"
	FieldOrganisationUnits = "organisationUnits"
	FieldProgram           = "program"
)

// Kind tags the structural variant of an item
type Kind int

const (
	KindNamed Kind = iota
	KindOptionSet
	KindLegendSet
	KindProgram
	KindProgramStage
	KindOrganisationUnit
	KindUserOrgUnit
)

var kindNames = map[Kind]string{
	KindNamed:            "named",
	KindOptionSet:        "optionSet",
	KindLegendSet:        "legendSet",
	KindProgram:          "program",
	KindProgramStage:     "programStage",
	KindOrganisationUnit: "organisationUnit",
	KindUserOrgUnit:      "userOrgUnit",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a kind name back to its Kind
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindNamed, false
}

// Classify derives the variant of a field set.
// Precedence: program, program stage, option set, legend set, user org unit,
// organisation unit, named.
func Classify(fields map[string]any) Kind {
	switch {
	case isNonEmptyString(fields[FieldProgramType]):
		return KindProgram
	case isBool(fields[FieldRepeatable]):
		return KindProgramStage
	case isList(fields[FieldOptions]):
		return KindOptionSet
	case isList(fields[FieldLegends]):
		return KindLegendSet
	case isList(fields[FieldOrganisationUnits]):
		return KindUserOrgUnit
	case isNonEmptyString(fields[FieldPath]):
		return KindOrganisationUnit
	default:
		return KindNamed
	}
}

// nameOptional reports whether a field set may be stored without a name
func nameOptional(fields map[string]any) bool {
	return isList(fields[FieldOptions]) || isList(fields[FieldLegends])
}

// Item is a normalized, stored metadata record. Items are immutable: a merge
// that changes a field produces a new *Item.
type Item struct {
	id     string
	kind   Kind
	fields map[string]any // never holds "id"
}

// ProgramStageRef is the summary of a stage carried inside a program item
type ProgramStageRef struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Repeatable bool   `json:"repeatable"`
}

func newItem(id string, fields map[string]any) (*Item, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	f := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == FieldID {
			continue
		}
		f[k] = canonical(v)
	}
	if !isNonEmptyString(f[FieldName]) && !nameOptional(f) {
		return nil, fmt.Errorf("%w: %q is missing name", ErrInvalidInput, id)
	}
	return &Item{id: id, kind: Classify(f), fields: f}, nil
}

func newVariant(want Kind, id string, fields map[string]any) (*Item, error) {
	item, err := newItem(id, fields)
	if err != nil {
		return nil, err
	}
	if item.kind != want {
		return nil, fmt.Errorf("%w: %q classifies as %s, not %s", ErrInvalidInput, id, item.kind, want)
	}
	return item, nil
}

func withFields(extra map[string]any, set map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+len(set))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}

// NewNamedItem builds a plain named item
func NewNamedItem(id, name string, extra map[string]any) (*Item, error) {
	return newVariant(KindNamed, id, withFields(extra, map[string]any{FieldName: name}))
}

// NewOptionSetItem builds an option set; the name may be empty
func NewOptionSetItem(id, name string, options []any, extra map[string]any) (*Item, error) {
	if options == nil {
		options = []any{}
	}
	set := map[string]any{FieldOptions: options}
	if name != "" {
		set[FieldName] = name
	}
	return newVariant(KindOptionSet, id, withFields(extra, set))
}

// NewLegendSetItem builds a legend set; the name may be empty
func NewLegendSetItem(id, name string, legends []any, extra map[string]any) (*Item, error) {
	if legends == nil {
		legends = []any{}
	}
	set := map[string]any{FieldLegends: legends}
	if name != "" {
		set[FieldName] = name
	}
	return newVariant(KindLegendSet, id, withFields(extra, set))
}

// NewProgramItem builds a program with its stage summaries
func NewProgramItem(id, name, programType string, stages []ProgramStageRef, extra map[string]any) (*Item, error) {
	set := map[string]any{FieldName: name, FieldProgramType: programType}
	if len(stages) > 0 {
		list := make([]any, len(stages))
		for i, s := range stages {
			list[i] = map[string]any{FieldID: s.ID, FieldName: s.Name, FieldRepeatable: s.Repeatable}
		}
		set[FieldProgramStages] = list
	}
	return newVariant(KindProgram, id, withFields(extra, set))
}

// NewProgramStageItem builds a program stage
func NewProgramStageItem(id, name string, repeatable, hideDueDate bool, extra map[string]any) (*Item, error) {
	return newVariant(KindProgramStage, id, withFields(extra, map[string]any{
		FieldName:        name,
		FieldRepeatable:  repeatable,
		FieldHideDueDate: hideDueDate,
	}))
}

// NewOrganisationUnitItem builds an organisation unit with its hierarchy path
func NewOrganisationUnitItem(id, name, path string, extra map[string]any) (*Item, error) {
	return newVariant(KindOrganisationUnit, id, withFields(extra, map[string]any{FieldName: name, FieldPath: path}))
}

// NewUserOrgUnitItem builds a user organisation unit pseudo-dimension
func NewUserOrgUnitItem(id, name string, orgUnits []string, extra map[string]any) (*Item, error) {
	if orgUnits == nil {
		orgUnits = []string{}
	}
	return newVariant(KindUserOrgUnit, id, withFields(extra, map[string]any{
		FieldName:              name,
		FieldOrganisationUnits: orgUnits,
	}))
}

// ID returns the canonical id
func (i *Item) ID() string { return i.id }

// Kind returns the variant tag
func (i *Item) Kind() Kind { return i.kind }

// Name returns the display name, or "" when the item has none
func (i *Item) Name() string { return i.String(FieldName) }

// Get returns a raw field value
func (i *Item) Get(field string) (any, bool) {
	if field == FieldID {
		return i.id, true
	}
	v, ok := i.fields[field]
	return v, ok
}

// String returns a field as a string, or "" when absent or not a string
func (i *Item) String(field string) string {
	v, _ := i.Get(field)
	s, _ := v.(string)
	return s
}

// Has reports whether the field is set
func (i *Item) Has(field string) bool {
	_, ok := i.Get(field)
	return ok
}

// FieldNames returns the sorted field names, id included
func (i *Item) FieldNames() []string {
	names := make([]string, 0, len(i.fields)+1)
	names = append(names, FieldID)
	for k := range i.fields {
		names = append(names, k)
	}
	sort.Strings(names[1:])
	return names
}

// Fields returns a shallow copy of the record, id included
func (i *Item) Fields() map[string]any {
	out := make(map[string]any, len(i.fields)+1)
	for k, v := range i.fields {
		out[k] = v
	}
	out[FieldID] = i.id
	return out
}

// MarshalJSON renders the record as a flat object
func (i *Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Fields())
}

// Options returns the option list of an option set
func (i *Item) Options() []any { return toList(i.fields[FieldOptions]) }

// Legends returns the legend list of a legend set
func (i *Item) Legends() []any { return toList(i.fields[FieldLegends]) }

// ProgramType returns the program type of a program
func (i *Item) ProgramType() string { return i.String(FieldProgramType) }

// Path returns the hierarchy path of an organisation unit
func (i *Item) Path() string { return i.String(FieldPath) }

// Repeatable reports whether a program stage is repeatable
func (i *Item) Repeatable() bool {
	b, _ := i.fields[FieldRepeatable].(bool)
	return b
}

// OrganisationUnits returns the member ids of a user org unit
func (i *Item) OrganisationUnits() []string {
	var out []string
	for _, v := range toList(i.fields[FieldOrganisationUnits]) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ProgramStages returns the stage summaries of a program
func (i *Item) ProgramStages() []ProgramStageRef {
	var out []ProgramStageRef
	for _, v := range toList(i.fields[FieldProgramStages]) {
		switch s := v.(type) {
		case ProgramStageRef:
			out = append(out, s)
		case map[string]any:
			ref := ProgramStageRef{}
			ref.ID, _ = s[FieldID].(string)
			if name, ok := s[FieldDisplayName].(string); ok && name != "" {
				ref.Name = name
			} else {
				ref.Name, _ = s[FieldName].(string)
			}
			ref.Repeatable, _ = s[FieldRepeatable].(bool)
			if ref.ID != "" {
				out = append(out, ref)
			}
		}
	}
	return out
}

// IsEmpty reports whether a value counts as empty: nil, "", or a zero-length
// slice, array or map.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// isComplex reports whether a value compares structurally
func isComplex(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Ptr:
		return true
	}
	return false
}

// canonical rewrites a field value into the shape JSON decoding produces:
// []any, map[string]any, float64, string, bool or nil. Values already in that
// shape are returned as is.
func canonical(v any) any {
	if isCanonical(v) {
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func isCanonical(v any) bool {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return true
	case []any:
		for _, e := range t {
			if !isCanonical(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range t {
			if !isCanonical(e) {
				return false
			}
		}
		return true
	}
	return false
}

// sameValue compares complex values structurally and primitives by value
func sameValue(a, b any) bool {
	if isComplex(a) || isComplex(b) {
		return reflect.DeepEqual(a, b)
	}
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func isNonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func toList(v any) []any {
	if !isList(v) {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
