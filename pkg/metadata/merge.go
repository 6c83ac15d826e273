// ABOUTME: Change-detecting merge of normalized items into stored records
// ABOUTME: Empty values never overwrite populated ones; complex fields compare structurally

package metadata

import (
	"fmt"
	"sort"
)

// MergeResult is the outcome of merging an incoming item into a stored one
type MergeResult struct {
	Item          *Item    // the stored record; same pointer as existing when nothing changed
	HasChanges    bool     // at least one field changed
	ChangedFields []string // sorted names of changed fields
}

// Merge reconciles incoming with existing field by field.
//
// For each incoming field the existing and incoming values are classified as
// empty or populated. Populated values are never replaced by empty ones, an
// empty existing value always takes a populated incoming one, and two
// populated values are replaced only when they differ (structurally for
// slices, maps and structs). Values are compared in their JSON-decoded shape,
// so []map[string]any and []any holding the same data are equal, as are
// int 3 and float64 3. Fields absent from incoming are preserved.
func Merge(existing *Item, incoming Normalized) (MergeResult, error) {
	if existing == nil {
		item, err := newItem(incoming.ID, incoming.Fields)
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Item: item, HasChanges: true, ChangedFields: item.FieldNames()}, nil
	}

	if incoming.ID != existing.id {
		return MergeResult{}, fmt.Errorf("%w: cannot merge %q into %q", ErrInvalidInput, incoming.ID, existing.id)
	}

	var changed []string
	updates := make(map[string]any)
	for field, next := range incoming.Fields {
		next = canonical(next)
		if !takeIncoming(existing.fields[field], next) {
			continue
		}
		updates[field] = next
		changed = append(changed, field)
	}

	if len(changed) == 0 {
		return MergeResult{Item: existing}, nil
	}

	fields := make(map[string]any, len(existing.fields)+len(updates))
	for k, v := range existing.fields {
		fields[k] = v
	}
	for k, v := range updates {
		fields[k] = v
	}
	sort.Strings(changed)

	return MergeResult{
		Item:          &Item{id: existing.id, kind: Classify(fields), fields: fields},
		HasChanges:    true,
		ChangedFields: changed,
	}, nil
}

// takeIncoming applies the empty/populated policy to one field
func takeIncoming(prev, next any) bool {
	prevEmpty, nextEmpty := IsEmpty(prev), IsEmpty(next)
	switch {
	case prevEmpty && nextEmpty:
		return false
	case prevEmpty:
		return true
	case nextEmpty:
		return false
	default:
		return !sameValue(prev, next)
	}
}
