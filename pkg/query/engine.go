// ABOUTME: Query engine over a store's diagnostics handle
// ABOUTME: Filters, orders and paginates stored metadata items

package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/nainya/vizmeta/pkg/metadata"
)

// Engine runs queries against a store
type Engine struct {
	diag *metadata.Diagnostics
}

// NewEngine creates a new query engine
func NewEngine(diag *metadata.Diagnostics) *Engine {
	return &Engine{diag: diag}
}

// Execute runs a query and returns results
func (e *Engine) Execute(q Query) (*Result, error) {
	less, err := orderFunc(q.OrderBy)
	if err != nil {
		return nil, err
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("query: negative limit or offset")
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}

	var kinds map[metadata.Kind]bool
	if len(q.Kinds) > 0 {
		kinds = make(map[metadata.Kind]bool, len(q.Kinds))
		for _, k := range q.Kinds {
			kinds[k] = true
		}
	}
	text := strings.ToLower(q.Text)

	items := e.diag.Filter(func(item *metadata.Item) bool {
		if kinds != nil && !kinds[item.Kind()] {
			return false
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(item.ID()), text) &&
			!strings.Contains(strings.ToLower(item.Name()), text) {
			return false
		}
		for field, want := range q.Filters {
			got, ok := lookup(item, field)
			if !ok || !matches(got, want) {
				return false
			}
		}
		return true
	})

	sort.SliceStable(items, func(i, j int) bool {
		if q.Descending {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})

	result := &Result{Total: len(items)}
	result.Items = applyPagination(items, q.Limit, q.Offset)
	result.HasMore = result.Total > (q.Offset + len(result.Items))
	return result, nil
}

// Search is a shortcut for a text query
func (e *Engine) Search(text string, limit int) ([]*metadata.Item, error) {
	res, err := e.Execute(NewQueryBuilder().Search(text).Limit(limit).Build())
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Helper functions

func orderFunc(field string) (func(a, b *metadata.Item) bool, error) {
	switch field {
	case OrderByID, "":
		return func(a, b *metadata.Item) bool { return a.ID() < b.ID() }, nil
	case OrderByName:
		return func(a, b *metadata.Item) bool {
			if a.Name() == b.Name() {
				return a.ID() < b.ID()
			}
			return a.Name() < b.Name()
		}, nil
	case OrderByKind:
		return func(a, b *metadata.Item) bool {
			if a.Kind() == b.Kind() {
				return a.ID() < b.ID()
			}
			return a.Kind() < b.Kind()
		}, nil
	default:
		return nil, fmt.Errorf("query: unsupported order field %q", field)
	}
}

// lookup resolves a dotted field path, descending into object fields
func lookup(item *metadata.Item, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	val, ok := item.Get(parts[0])
	for _, part := range parts[1:] {
		if !ok {
			return nil, false
		}
		obj, isObj := val.(map[string]interface{})
		if !isObj {
			return nil, false
		}
		val, ok = obj[part]
	}
	return val, ok
}

func matches(got, want interface{}) bool {
	if s, ok := want.(string); ok {
		g, isStr := got.(string)
		return isStr && g == s
	}
	return reflect.DeepEqual(got, want)
}

func applyPagination[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}

	start := offset
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	return items[start:end]
}
