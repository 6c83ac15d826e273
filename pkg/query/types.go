// ABOUTME: Query types for inspecting store contents
// ABOUTME: Fluent builder for field, kind and text filters with pagination

package query

import (
	"github.com/nainya/vizmeta/pkg/metadata"
)

// Order fields accepted by OrderBy
const (
	OrderByID   = "id"
	OrderByName = "name"
	OrderByKind = "kind"
)

// DefaultLimit is the page size of a query without an explicit limit
const DefaultLimit = 100

// Query selects stored items
type Query struct {
	Filters    map[string]interface{} // field (dotted paths allowed) -> expected value
	Kinds      []metadata.Kind
	Text       string // case-insensitive match on id or name
	Limit      int
	Offset     int
	OrderBy    string
	Descending bool
}

// Result is one page of matching items
type Result struct {
	Items   []*metadata.Item
	Total   int
	HasMore bool
}

// QueryBuilder provides fluent interface for building queries
type QueryBuilder struct {
	query Query
}

// NewQueryBuilder creates a new query builder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		query: Query{
			Filters: make(map[string]interface{}),
			Limit:   DefaultLimit,
			OrderBy: OrderByID,
		},
	}
}

// Where adds a filter condition
func (qb *QueryBuilder) Where(field string, value interface{}) *QueryBuilder {
	qb.query.Filters[field] = value
	return qb
}

// Kind restricts results to the given kinds
func (qb *QueryBuilder) Kind(kinds ...metadata.Kind) *QueryBuilder {
	qb.query.Kinds = append(qb.query.Kinds, kinds...)
	return qb
}

// Search matches text against id and name
func (qb *QueryBuilder) Search(text string) *QueryBuilder {
	qb.query.Text = text
	return qb
}

// Limit sets the result limit
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	qb.query.Limit = limit
	return qb
}

// Offset sets the result offset
func (qb *QueryBuilder) Offset(offset int) *QueryBuilder {
	qb.query.Offset = offset
	return qb
}

// OrderBy sets ordering field
func (qb *QueryBuilder) OrderBy(field string, descending bool) *QueryBuilder {
	qb.query.OrderBy = field
	qb.query.Descending = descending
	return qb
}

// Build returns the constructed query
func (qb *QueryBuilder) Build() Query {
	return qb.query
}
