// ABOUTME: Side-channel inspection of a store's contents
// ABOUTME: Dump, find and filter; not part of the caching contract

package metadata

import (
	"sort"
	"strings"
)

// Diagnostics inspects a store without mutating it
type Diagnostics struct {
	store *Store
}

// EnableDiagnostics attaches a diagnostics handle to the store and returns it.
// Repeated calls return the same handle.
func (s *Store) EnableDiagnostics() *Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.diag == nil {
		s.diag = &Diagnostics{store: s}
	}
	return s.diag
}

// Diagnostics returns the attached handle, or nil if EnableDiagnostics was never called
func (s *Store) Diagnostics() *Diagnostics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diag
}

// Dump returns every record as a plain field map keyed by id
func (d *Diagnostics) Dump() map[string]map[string]any {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	out := make(map[string]map[string]any, len(d.store.items))
	for id, item := range d.store.items {
		out[id] = item.Fields()
	}
	return out
}

// Find returns the records whose id or name contains text, ignoring case
func (d *Diagnostics) Find(text string) []*Item {
	needle := strings.ToLower(text)
	return d.Filter(func(item *Item) bool {
		return strings.Contains(strings.ToLower(item.ID()), needle) ||
			strings.Contains(strings.ToLower(item.Name()), needle)
	})
}

// Filter returns the records matching pred, sorted by id
func (d *Diagnostics) Filter(pred func(*Item) bool) []*Item {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	var out []*Item
	for _, item := range d.store.items {
		if pred == nil || pred(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Subscribers returns the subscription count per id
func (d *Diagnostics) Subscribers() map[string]int {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	out := make(map[string]int, len(d.store.subscribers))
	for id, set := range d.store.subscribers {
		out[id] = len(set)
	}
	return out
}

// Protected returns the protected ids, sorted
func (d *Diagnostics) Protected() []string {
	d.store.mu.RLock()
	defer d.store.mu.RUnlock()

	out := make([]string, 0, len(d.store.protected))
	for id := range d.store.protected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
