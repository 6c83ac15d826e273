// ABOUTME: Tests for change-detecting merge
// ABOUTME: Verifies the empty/populated policy, deep equality and field preservation

package metadata

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustItem(t *testing.T, id string, fields map[string]any) *Item {
	t.Helper()
	item, err := newItem(id, fields)
	require.NoError(t, err)
	return item
}

func TestMergeNew(t *testing.T) {
	res, err := Merge(nil, Normalized{ID: "a", Fields: map[string]any{"name": "A", "code": "X"}})
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Equal(t, []string{"id", "code", "name"}, res.ChangedFields)
	assert.Equal(t, "A", res.Item.Name())

	_, err = Merge(nil, Normalized{ID: "a", Fields: map[string]any{"code": "X"}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestMergePolicy(t *testing.T) {
	tests := []struct {
		name     string
		existing any
		incoming any
		changed  bool
	}{
		{"empty to empty", "", nil, false},
		{"empty to populated", "", "x", true},
		{"absent to populated", nil, "x", true},
		{"populated to empty string", "x", "", false},
		{"populated to nil", "x", nil, false},
		{"populated to empty list", []any{"a"}, []any{}, false},
		{"same primitive", "x", "x", false},
		{"different primitive", "x", "y", true},
		{"false to true", false, true, true},
		{"zero number is populated", 0.0, 1.0, true},
		{"same structure", []any{map[string]any{"id": "o1"}}, []any{map[string]any{"id": "o1"}}, false},
		{"different structure", []any{map[string]any{"id": "o1"}}, []any{map[string]any{"id": "o2"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := map[string]any{"name": "A"}
			if tt.existing != nil {
				fields["f"] = tt.existing
			}
			existing := mustItem(t, "a", fields)

			res, err := Merge(existing, Normalized{ID: "a", Fields: map[string]any{"f": tt.incoming}})
			require.NoError(t, err)
			assert.Equal(t, tt.changed, res.HasChanges)
			if tt.changed {
				assert.Equal(t, []string{"f"}, res.ChangedFields)
				got, _ := res.Item.Get("f")
				assert.Equal(t, tt.incoming, got)
			} else {
				assert.Same(t, existing, res.Item)
			}
		})
	}
}

func TestMergeEmptyNeverOverwrites(t *testing.T) {
	existing := mustItem(t, "de", map[string]any{
		"name":      "Weight",
		"valueType": "NUMBER",
		"legendSet": map[string]any{"id": "ls1"},
		"options":   []any{"a"},
	})

	res, err := Merge(existing, Normalized{ID: "de", Fields: map[string]any{
		"name":      "",
		"valueType": nil,
		"legendSet": map[string]any{},
		"options":   []any{},
	}})
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
	assert.Same(t, existing, res.Item)
}

func TestMergeKeepsOriginalReference(t *testing.T) {
	legends := []any{map[string]any{"id": "l1", "name": "Low"}}
	existing := mustItem(t, "ls1", map[string]any{"name": "Coverage", "legends": legends})

	copied := []any{map[string]any{"id": "l1", "name": "Low"}}
	res, err := Merge(existing, Normalized{ID: "ls1", Fields: map[string]any{"name": "Renamed", "legends": copied}})
	require.NoError(t, err)
	require.True(t, res.HasChanges)
	assert.Equal(t, []string{"name"}, res.ChangedFields)

	got, _ := res.Item.Get("legends")
	assert.Equal(t, reflect.ValueOf(legends).Pointer(), reflect.ValueOf(got).Pointer())
}

func TestMergeComparesDecodedShape(t *testing.T) {
	existing := mustItem(t, "p", map[string]any{
		"name":        "Child Programme",
		"programType": "WITH_REGISTRATION",
		"programStages": []map[string]any{
			{"id": "A03MvHHogjR", "name": "Birth", "repeatable": false},
		},
		"sortOrder": 3,
	})

	res, err := Merge(existing, Normalized{ID: "p", Fields: map[string]any{
		"programStages": []any{
			map[string]any{"id": "A03MvHHogjR", "name": "Birth", "repeatable": false},
		},
		"sortOrder": 3.0,
	}})
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
	assert.Same(t, existing, res.Item)

	res, err = Merge(existing, Normalized{ID: "p", Fields: map[string]any{"sortOrder": int64(4)}})
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	got, _ := res.Item.Get("sortOrder")
	assert.Equal(t, 4.0, got)
}

func TestMergePreservesAbsentFields(t *testing.T) {
	existing := mustItem(t, "de", map[string]any{"name": "Weight", "valueType": "NUMBER"})

	res, err := Merge(existing, Normalized{ID: "de", Fields: map[string]any{"name": "Weight (kg)"}})
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Equal(t, "NUMBER", res.Item.String("valueType"))
	assert.Equal(t, "Weight", existing.Name())
}

func TestMergeReclassifies(t *testing.T) {
	existing := mustItem(t, "ou", map[string]any{"name": "Sierra Leone"})
	require.Equal(t, KindNamed, existing.Kind())

	res, err := Merge(existing, Normalized{ID: "ou", Fields: map[string]any{"path": "/ou"}})
	require.NoError(t, err)
	assert.Equal(t, KindOrganisationUnit, res.Item.Kind())
}

func TestMergeIDMismatch(t *testing.T) {
	existing := mustItem(t, "a", map[string]any{"name": "A"})
	_, err := Merge(existing, Normalized{ID: "b", Fields: map[string]any{"name": "B"}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
