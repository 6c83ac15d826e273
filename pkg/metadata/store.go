// ABOUTME: Metadata store with protected keys and per-key subscriptions
// ABOUTME: Normalizes, merges and notifies; swaps visualization metadata by diff

package metadata

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/vizmeta/internal/logger"
	"github.com/nainya/vizmeta/internal/metrics"
	"github.com/nainya/vizmeta/pkg/analytics"
	"github.com/nainya/vizmeta/pkg/dimension"
	"github.com/nainya/vizmeta/pkg/visualization"
)

// Store is the normalized metadata cache. Keys present after construction are
// protected and can never be overwritten or removed.
//
// Subscriber callbacks run synchronously on the goroutine that made the
// change, after the store's lock has been released. A callback may read the
// store but must not call AddMetadata, AddAnalyticsResponseMetadata or
// SetVisualizationMetadata.
type Store struct {
	mu          sync.RWMutex
	items       map[string]*Item
	protected   map[string]struct{}
	subscribers map[string]map[uuid.UUID]func()

	extractor visualization.Extractor
	log       *logger.Logger
	metrics   *metrics.Metrics
	diag      *Diagnostics
}

// DimensionMetadata joins the records a compound dimension id refers to
type DimensionMetadata struct {
	DimensionID     string `json:"dimensionId"`
	ProgramID       string `json:"programId,omitempty"`
	ProgramStageID  string `json:"programStageId,omitempty"`
	RepetitionIndex string `json:"repetitionIndex,omitempty"`
	// UnresolvedSegment holds a two-segment prefix not yet present in the store
	UnresolvedSegment string `json:"unresolvedSegment,omitempty"`

	Dimension    *Item `json:"dimension,omitempty"`
	Program      *Item `json:"program,omitempty"`
	ProgramStage *Item `json:"programStage,omitempty"`
}

// Option configures a Store
type Option func(*storeOptions)

type storeOptions struct {
	rootOrgUnits []any
	extractor    visualization.Extractor
	log          *logger.Logger
	metrics      *metrics.Metrics
}

// WithRootOrganisationUnits folds root organisation units into the protected
// set, each with path "/<id>"
func WithRootOrganisationUnits(units ...any) Option {
	return func(o *storeOptions) { o.rootOrgUnits = append(o.rootOrgUnits, units...) }
}

// WithExtractor sets the visualization metadata extractor
func WithExtractor(e visualization.Extractor) Option {
	return func(o *storeOptions) { o.extractor = e }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(o *storeOptions) { o.log = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *storeOptions) { o.metrics = m }
}

// NewStore creates a store from an initial bundle. Every key stored by the
// initial bundle and the root organisation units becomes protected.
func NewStore(initial any, opts ...Option) (*Store, error) {
	o := storeOptions{extractor: visualization.DefaultExtractor, log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.extractor == nil {
		o.extractor = visualization.DefaultExtractor
	}

	s := &Store{
		items:       make(map[string]*Item),
		protected:   make(map[string]struct{}),
		subscribers: make(map[string]map[uuid.UUID]func()),
		extractor:   o.extractor,
		log:         o.log,
		metrics:     o.metrics,
	}

	if entries, ok := entriesOf(initial); ok {
		if _, err := s.applyLocked(entries); err != nil {
			return nil, fmt.Errorf("initial metadata: %w", err)
		}
	}

	for _, unit := range o.rootOrgUnits {
		if err := s.addRootOrgUnit(unit); err != nil {
			return nil, fmt.Errorf("root organisation unit: %w", err)
		}
	}

	for id := range s.items {
		s.protected[id] = struct{}{}
	}
	s.updateStats()

	s.log.StoreLogger("construct").Debug("store constructed").
		Int("protected", len(s.protected)).
		Send()

	return s, nil
}

func (s *Store) addRootOrgUnit(unit any) error {
	if id, ok := unit.(string); ok {
		unit = map[string]any{FieldID: id}
	}
	n, err := Normalize(unit, "", s.has)
	if err != nil {
		return err
	}
	n.Fields[FieldPath] = "/" + n.ID
	res, err := Merge(s.items[n.ID], n)
	if err != nil {
		return err
	}
	s.items[n.ID] = res.Item
	return nil
}

// GetMetadataItem returns the record stored under id
func (s *Store) GetMetadataItem(id string) (*Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	return item, ok
}

// GetMetadataItems returns the records found for ids; misses are omitted
func (s *Store) GetMetadataItems(ids ...string) map[string]*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Item, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			out[id] = item
		}
	}
	return out
}

// Keys returns all stored ids, sorted
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for id := range s.items {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored items
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// IsProtected reports whether id belongs to the protected initial set
func (s *Store) IsProtected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.protected[id]
	return ok
}

// Subscribe registers callback for changes to id and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (s *Store) Subscribe(id string, callback func()) (unsubscribe func()) {
	if callback == nil {
		return func() {}
	}

	handle := uuid.New()

	s.mu.Lock()
	set, ok := s.subscribers[id]
	if !ok {
		set = make(map[uuid.UUID]func())
		s.subscribers[id] = set
	}
	set[handle] = callback
	s.updateStats()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set, ok := s.subscribers[id]; ok {
				delete(set, handle)
				if len(set) == 0 {
					delete(s.subscribers, id)
				}
			}
			s.updateStats()
		})
	}
}

// AddMetadata normalizes and merges input into the store and notifies the
// subscribers of every id that changed. input is a single item, a slice of
// items, or a keyed record whose keys are used as ids. Protected ids are
// skipped. It returns the sorted ids that changed.
//
// A malformed item stops the batch with an error wrapping ErrInvalidInput;
// items processed before it stay applied and are still notified.
func (s *Store) AddMetadata(input any) ([]string, error) {
	entries, ok := entriesOf(input)
	if !ok {
		s.log.StoreLogger("add_metadata").Debug("ignored input").
			Err(ErrUnknownInputShape).
			Str("type", fmt.Sprintf("%T", input)).
			Send()
		return nil, nil
	}
	return s.add("add_metadata", entries)
}

// AddAnalyticsResponseMetadata adapts the metadata of an analytics response
// and adds it to the store
func (s *Store) AddAnalyticsResponseMetadata(items map[string]any, dimensions map[string][]string, headers []analytics.Header) ([]string, error) {
	return s.add("add_analytics_metadata", keyedEntries(analytics.Adapt(items, dimensions, headers)))
}

func (s *Store) add(operation string, entries []inputEntry) ([]string, error) {
	start := time.Now()

	s.mu.Lock()
	changed, err := s.applyLocked(entries)
	callbacks := s.callbacksLocked(changed)
	s.updateStats()
	s.mu.Unlock()

	s.notify(callbacks)
	s.observe(operation, start, len(changed), err)
	return changed, err
}

// SetVisualizationMetadata replaces the working set with the metadata of a
// visualization. Unprotected ids missing from the extracted bundle are
// removed and their subscribers notified; the bundle is then added.
func (s *Store) SetVisualizationMetadata(vis any) error {
	start := time.Now()

	bundle, err := s.extractor.Extract(vis)
	if err != nil {
		s.observe("set_visualization_metadata", start, 0, err)
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	s.mu.Lock()
	var removed []string
	for id := range s.items {
		if _, keep := bundle[id]; keep {
			continue
		}
		if _, keep := s.protected[id]; keep {
			continue
		}
		delete(s.items, id)
		removed = append(removed, id)
	}
	sort.Strings(removed)

	changed, err := s.applyLocked(keyedEntries(bundle))
	callbacks := s.callbacksLocked(append(removed, changed...))
	s.updateStats()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DeletionsTotal.Add(float64(len(removed)))
	}
	if len(removed) > 0 {
		s.log.StoreLogger("set_visualization_metadata").Debug("removed items").
			Strs("ids", removed).
			Send()
	}

	s.notify(callbacks)
	s.observe("set_visualization_metadata", start, len(changed)+len(removed), err)
	return err
}

// GetDimensionMetadata resolves a compound dimension id against the store.
//
// The prefix of a two-segment id is resolved by the kind of the stored record
// it names. A prefix that is not stored yet is reported in UnresolvedSegment.
func (s *Store) GetDimensionMetadata(input string) (DimensionMetadata, error) {
	parsed, err := dimension.Parse(input)
	if err != nil {
		return DimensionMetadata{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dm := DimensionMetadata{
		DimensionID:     parsed.DimensionID,
		ProgramID:       parsed.ProgramID,
		ProgramStageID:  parsed.ProgramStageID,
		RepetitionIndex: parsed.RepetitionIndex,
	}

	if q := parsed.Qualifier; q != "" {
		item, ok := s.items[q]
		switch {
		case !ok:
			dm.UnresolvedSegment = q
		case item.Kind() == KindProgram:
			dm.ProgramID = q
		case item.Kind() == KindProgramStage:
			dm.ProgramStageID = q
		default:
			return DimensionMetadata{}, fmt.Errorf("%w: %q in %q is a %s", ErrAmbiguousSegment, q, input, item.Kind())
		}
	}

	if dm.ProgramStageID != "" {
		if stage, ok := s.items[dm.ProgramStageID]; ok {
			if stage.Kind() != KindProgramStage {
				return DimensionMetadata{}, fmt.Errorf("%w: %q is a %s, not a program stage", ErrTypeMismatch, dm.ProgramStageID, stage.Kind())
			}
			dm.ProgramStage = stage
			if dm.ProgramID == "" {
				dm.ProgramID = referenceID(stage.fields[FieldProgram])
			}
		}
	}

	if dm.ProgramID != "" {
		if program, ok := s.items[dm.ProgramID]; ok {
			if program.Kind() != KindProgram {
				return DimensionMetadata{}, fmt.Errorf("%w: %q is a %s, not a program", ErrTypeMismatch, dm.ProgramID, program.Kind())
			}
			dm.Program = program
		}
	}

	dm.Dimension = s.dimensionLocked(parsed, dm.ProgramID, dm.ProgramStageID)
	return dm, nil
}

// dimensionLocked finds the dimension record under the compound id as given,
// then scoped by program and stage, by stage, by program, and finally bare.
func (s *Store) dimensionLocked(parsed dimension.ID, programID, stageID string) *Item {
	keys := []string{strings.Join(parsed.Segments, ".")}
	if programID != "" && stageID != "" {
		keys = append(keys, programID+"."+stageID+"."+parsed.DimensionID)
	}
	if stageID != "" {
		keys = append(keys, stageID+"."+parsed.DimensionID)
	}
	if programID != "" {
		keys = append(keys, programID+"."+parsed.DimensionID)
	}
	keys = append(keys, parsed.DimensionID)

	for _, key := range keys {
		if item, ok := s.items[key]; ok {
			return item
		}
	}
	return nil
}

type inputEntry struct {
	key string
	raw any
}

// applyLocked normalizes and merges entries in order and returns the sorted
// ids that changed. Callers hold s.mu for writing.
func (s *Store) applyLocked(entries []inputEntry) ([]string, error) {
	seen := make(map[string]struct{})
	var changed []string
	var err error

	for _, e := range entries {
		if id := peekID(e.raw, e.key); id != "" && s.isProtectedLocked(id) {
			s.skipProtected(id)
			continue
		}

		n, nerr := Normalize(e.raw, e.key, s.has)
		if nerr != nil {
			err = entryError(e, nerr)
			break
		}
		if s.isProtectedLocked(n.ID) {
			s.skipProtected(n.ID)
			continue
		}

		res, merr := Merge(s.items[n.ID], n)
		if merr != nil {
			err = entryError(e, merr)
			break
		}
		if !res.HasChanges {
			continue
		}

		s.items[n.ID] = res.Item
		if s.metrics != nil {
			s.metrics.ChangesTotal.Inc()
		}
		if _, dup := seen[n.ID]; !dup {
			seen[n.ID] = struct{}{}
			changed = append(changed, n.ID)
		}
	}

	sort.Strings(changed)
	return changed, err
}

func entryError(e inputEntry, err error) error {
	if e.key != "" {
		return fmt.Errorf("key %q: %w", e.key, err)
	}
	return err
}

func (s *Store) has(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *Store) isProtectedLocked(id string) bool {
	_, ok := s.protected[id]
	return ok
}

func (s *Store) skipProtected(id string) {
	if s.metrics != nil {
		s.metrics.ProtectedSkipsTotal.Inc()
	}
	s.log.StoreLogger("add_metadata").Debug("skipped protected item").
		Str("id", id).
		Send()
}

// callbacksLocked snapshots the subscribers of ids
func (s *Store) callbacksLocked(ids []string) []func() {
	var out []func()
	for _, id := range ids {
		for _, cb := range s.subscribers[id] {
			out = append(out, cb)
		}
	}
	return out
}

func (s *Store) notify(callbacks []func()) {
	for _, cb := range callbacks {
		cb()
	}
	if s.metrics != nil {
		s.metrics.NotificationsTotal.Add(float64(len(callbacks)))
	}
}

func (s *Store) observe(operation string, start time.Time, changed int, err error) {
	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordStoreOperation(operation, err, duration)
	}
	// Returned errors belong to the caller; only the metric records them.
	if err == nil {
		s.log.LogStoreOperation(operation, duration, changed, nil)
	}
}

// updateStats refreshes size gauges. Callers hold s.mu.
func (s *Store) updateStats() {
	if s.metrics == nil {
		return
	}
	subs := 0
	for _, set := range s.subscribers {
		subs += len(set)
	}
	s.metrics.UpdateStoreStats(len(s.items), subs)
}

// entriesOf flattens AddMetadata input into (key, item) pairs
func entriesOf(input any) ([]inputEntry, bool) {
	switch v := input.(type) {
	case nil, string:
		return nil, false
	case *Item:
		if v == nil {
			return nil, false
		}
		return []inputEntry{{raw: v}}, true
	case map[string]any:
		if isSingleItem(v) {
			return []inputEntry{{raw: v}}, true
		}
		return keyedEntries(v), true
	case map[string]string:
		if _, ok := v[FieldID]; ok {
			return []inputEntry{{raw: v}}, true
		}
		if _, ok := v[FieldUID]; ok {
			return []inputEntry{{raw: v}}, true
		}
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = val
		}
		return keyedEntries(m), true
	case map[string]*Item:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = val
		}
		return keyedEntries(m), true
	case []any:
		out := make([]inputEntry, len(v))
		for i, raw := range v {
			out[i] = inputEntry{raw: raw}
		}
		return out, true
	}

	rv := reflect.ValueOf(input)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]inputEntry, rv.Len())
		for i := range out {
			out[i] = inputEntry{raw: rv.Index(i).Interface()}
		}
		return out, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return keyedEntries(m), true
	}

	if isStructLike(input) {
		return []inputEntry{{raw: input}}, true
	}
	return nil, false
}

func keyedEntries(m map[string]any) []inputEntry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]inputEntry, len(keys))
	for i, k := range keys {
		out[i] = inputEntry{key: k, raw: m[k]}
	}
	return out
}

// isSingleItem tells a single item from a keyed record: a single item carries
// its own string id or uid
func isSingleItem(m map[string]any) bool {
	if _, ok := m[FieldID].(string); ok {
		return true
	}
	_, ok := m[FieldUID].(string)
	return ok
}

func referenceID(v any) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]any:
		id, _ := ref[FieldID].(string)
		return id
	}
	return ""
}
