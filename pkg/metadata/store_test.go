// ABOUTME: Tests for the metadata store
// ABOUTME: Verifies protection, change notification, visualization swaps and dimension lookup

package metadata

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/vizmeta/internal/metrics"
	"github.com/nainya/vizmeta/pkg/analytics"
	"github.com/nainya/vizmeta/pkg/visualization"
)

func setupTestStore(t *testing.T, initial any, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(initial, opts...)
	require.NoError(t, err)
	return s
}

// counter returns a subscriber callback and a function reading its call count
func counter() (func(), func() int) {
	var mu sync.Mutex
	n := 0
	return func() {
			mu.Lock()
			n++
			mu.Unlock()
		}, func() int {
			mu.Lock()
			defer mu.Unlock()
			return n
		}
}

func TestAddMetadataScenarios(t *testing.T) {
	s := setupTestStore(t, nil)

	changed, err := s.AddMetadata([]any{map[string]any{"uid": "a", "name": "A"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, changed)

	item, ok := s.GetMetadataItem("a")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "a", "name": "A"}, item.Fields())

	fresh := setupTestStore(t, nil)
	changed, err = fresh.AddMetadata(map[string]any{"uid": "a", "name": "Same"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, changed)
	changed, err = fresh.AddMetadata(map[string]any{"uid": "a", "name": "Same"})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestAddMetadataShapes(t *testing.T) {
	s := setupTestStore(t, nil)

	_, err := s.AddMetadata(map[string]any{
		"TODAY":       "Today",
		"stage.de":    map[string]any{"id": "de", "name": "Weight"},
		"fbfJHSPpUQD": map[string]any{"displayName": "ANC 1st visit"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"TODAY", "fbfJHSPpUQD", "stage.de"}, s.Keys())

	_, err = s.AddMetadata(map[string]string{"id": "x", "name": "X"})
	require.NoError(t, err)
	_, err = s.AddMetadata(map[string]string{"y": "Y"})
	require.NoError(t, err)

	items := []map[string]any{{"id": "z1", "name": "Z1"}, {"id": "z2", "name": "Z2"}}
	changed, err := s.AddMetadata(items)
	require.NoError(t, err)
	assert.Equal(t, []string{"z1", "z2"}, changed)

	item, err := NewNamedItem("w", "W", nil)
	require.NoError(t, err)
	_, err = s.AddMetadata(item)
	require.NoError(t, err)
	_, err = s.AddMetadata(map[string]*Item{"w2": item})
	require.NoError(t, err)

	_, err = s.AddMetadata(struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{"v", "V"})
	require.NoError(t, err)

	assert.Equal(t, 10, s.Len())
	w2, _ := s.GetMetadataItem("w2")
	assert.Equal(t, "W", w2.Name())
}

func TestAddMetadataIgnoresUnknownShapes(t *testing.T) {
	s := setupTestStore(t, nil)

	for _, input := range []any{nil, "just a string", 42, map[int]string{1: "a"}} {
		changed, err := s.AddMetadata(input)
		assert.NoError(t, err)
		assert.Empty(t, changed)
	}
	assert.Equal(t, 0, s.Len())
}

func TestAddMetadataPartialBatch(t *testing.T) {
	s := setupTestStore(t, nil)
	cb, calls := counter()
	s.Subscribe("a", cb)

	changed, err := s.AddMetadata([]any{
		map[string]any{"id": "a", "name": "A"},
		map[string]any{"id": "b"},
		map[string]any{"id": "c", "name": "C"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, []string{"a"}, changed)
	assert.Equal(t, 1, calls())

	_, ok := s.GetMetadataItem("b")
	assert.False(t, ok)
	_, ok = s.GetMetadataItem("c")
	assert.False(t, ok)

	_, err = s.AddMetadata(map[string]any{"k": map[string]any{"code": "no name"}})
	assert.ErrorContains(t, err, `key "k"`)
}

func TestProtectionInvariant(t *testing.T) {
	s := setupTestStore(t, map[string]any{
		"TODAY": map[string]any{"name": "Today"},
	})
	cb, calls := counter()
	s.Subscribe("TODAY", cb)

	before, _ := s.GetMetadataItem("TODAY")

	inputs := []any{
		map[string]any{"id": "TODAY", "name": "anything else"},
		map[string]any{"TODAY": "anything else"},
		[]any{map[string]any{"uid": "TODAY", "name": "x", "code": "c"}},
		// malformed but protected: skipped before normalization
		map[string]any{"TODAY": map[string]any{"code": "no name"}},
	}
	for _, input := range inputs {
		changed, err := s.AddMetadata(input)
		require.NoError(t, err)
		assert.Empty(t, changed)
	}

	after, _ := s.GetMetadataItem("TODAY")
	assert.Same(t, before, after)
	assert.Equal(t, 0, calls())
	assert.True(t, s.IsProtected("TODAY"))
	assert.False(t, s.IsProtected("other"))
}

func TestAddMetadataGoAndJSONValuesAreEqual(t *testing.T) {
	s := setupTestStore(t, nil)
	calls, count := counter()
	defer s.Subscribe("p", calls)()

	changed, err := s.AddMetadata(map[string]any{
		"p": map[string]any{
			"name":          "Child Programme",
			"programType":   "WITH_REGISTRATION",
			"programStages": []map[string]any{{"id": "s1", "name": "Birth", "repeatable": true}},
			"version":       2,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, changed)

	var decoded any
	require.NoError(t, json.Unmarshal([]byte(`{"p": {
		"name": "Child Programme",
		"programType": "WITH_REGISTRATION",
		"programStages": [{"id": "s1", "name": "Birth", "repeatable": true}],
		"version": 2
	}}`), &decoded))
	changed, err = s.AddMetadata(decoded)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 1, count())
}

func TestIdempotenceAndNotificationPrecision(t *testing.T) {
	s := setupTestStore(t, nil)
	cbA, callsA := counter()
	cbB, callsB := counter()
	s.Subscribe("A", cbA)
	s.Subscribe("B", cbB)

	x := map[string]any{"B": map[string]any{"name": "Bee", "options": []any{map[string]any{"code": "1"}}}}
	_, err := s.AddMetadata(x)
	require.NoError(t, err)
	assert.Equal(t, 1, callsB())

	// structurally equal but freshly allocated
	x = map[string]any{"B": map[string]any{"name": "Bee", "options": []any{map[string]any{"code": "1"}}}}
	changed, err := s.AddMetadata(x)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 1, callsB())
	assert.Equal(t, 0, callsA())
}

func TestNotifiesOncePerBatch(t *testing.T) {
	s := setupTestStore(t, nil)
	cb, calls := counter()
	s.Subscribe("a", cb)

	changed, err := s.AddMetadata([]any{
		map[string]any{"id": "a", "name": "A"},
		map[string]any{"id": "a", "code": "X"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, changed)
	assert.Equal(t, 1, calls())

	item, _ := s.GetMetadataItem("a")
	assert.Equal(t, "X", item.String("code"))
}

func TestSubscribe(t *testing.T) {
	s := setupTestStore(t, nil)
	diag := s.EnableDiagnostics()

	cb1, calls1 := counter()
	cb2, calls2 := counter()
	unsub1 := s.Subscribe("a", cb1)
	unsub2 := s.Subscribe("a", cb2)
	assert.Equal(t, map[string]int{"a": 2}, diag.Subscribers())

	_, err := s.AddMetadata(map[string]any{"a": "A"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls1())
	assert.Equal(t, 1, calls2())

	unsub1()
	unsub1()
	assert.Equal(t, map[string]int{"a": 1}, diag.Subscribers())

	_, err = s.AddMetadata(map[string]any{"a": "A2"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls1())
	assert.Equal(t, 2, calls2())

	unsub2()
	assert.Empty(t, diag.Subscribers())

	noop := s.Subscribe("a", nil)
	noop()
	assert.Empty(t, diag.Subscribers())
}

func TestCallbackMayReadStore(t *testing.T) {
	s := setupTestStore(t, nil)

	var seen string
	s.Subscribe("a", func() {
		if item, ok := s.GetMetadataItem("a"); ok {
			seen = item.Name()
		}
	})

	_, err := s.AddMetadata(map[string]any{"a": "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", seen)
}

func TestGetMetadataItems(t *testing.T) {
	s := setupTestStore(t, map[string]any{"a": "A", "b": "B"})

	got := s.GetMetadataItems("a", "missing", "b")
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "b")

	assert.Empty(t, s.GetMetadataItems())
}

func TestVisualizationSwapDiff(t *testing.T) {
	extractor := visualization.ExtractorFunc(func(v any) (map[string]any, error) {
		return v.(map[string]any), nil
	})
	s := setupTestStore(t, map[string]any{"TODAY": "Today"}, WithExtractor(extractor))

	_, err := s.AddMetadata(map[string]any{"X": "Ex", "Y": "Why"})
	require.NoError(t, err)

	cbX, callsX := counter()
	cbY, callsY := counter()
	cbZ, callsZ := counter()
	cbToday, callsToday := counter()
	s.Subscribe("X", cbX)
	s.Subscribe("Y", cbY)
	s.Subscribe("Z", cbZ)
	s.Subscribe("TODAY", cbToday)

	err = s.SetVisualizationMetadata(map[string]any{"Y": "Why", "Z": "Zed"})
	require.NoError(t, err)

	assert.Equal(t, []string{"TODAY", "Y", "Z"}, s.Keys())
	assert.Equal(t, 1, callsX())
	assert.Equal(t, 0, callsY())
	assert.Equal(t, 1, callsZ())
	assert.Equal(t, 0, callsToday())

	// the bundle cannot override protected keys either
	err = s.SetVisualizationMetadata(map[string]any{"TODAY": "Tomorrow"})
	require.NoError(t, err)
	assert.Equal(t, []string{"TODAY"}, s.Keys())
	today, _ := s.GetMetadataItem("TODAY")
	assert.Equal(t, "Today", today.Name())
}

func TestVisualizationSwapWithDefaultExtractor(t *testing.T) {
	s := setupTestStore(t, nil)
	_, err := s.AddMetadata(map[string]any{"stale": "Stale"})
	require.NoError(t, err)

	err = s.SetVisualizationMetadata(&visualization.Visualization{
		Program: &visualization.Program{
			Reference:   visualization.Reference{ID: "IpHINAT79UW", Name: "Child Programme"},
			ProgramType: "WITH_REGISTRATION",
		},
		Columns: []visualization.Dimension{{Dimension: "a3kGcGDCuk6", Name: "Apgar"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"IpHINAT79UW", "a3kGcGDCuk6"}, s.Keys())

	program, _ := s.GetMetadataItem("IpHINAT79UW")
	assert.Equal(t, KindProgram, program.Kind())
}

func TestVisualizationStagedDimensionLookup(t *testing.T) {
	s := setupTestStore(t, nil)

	err := s.SetVisualizationMetadata(&visualization.Visualization{
		Columns: []visualization.Dimension{{
			Dimension:    "deAge",
			Name:         "Age",
			ProgramStage: &visualization.Reference{ID: "stg1"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stg1.deAge"}, s.Keys())

	dm, err := s.GetDimensionMetadata("stg1.deAge")
	require.NoError(t, err)
	require.NotNil(t, dm.Dimension)
	assert.Equal(t, "Age", dm.Dimension.Name())
	assert.Equal(t, "stg1", dm.UnresolvedSegment)

	err = s.SetVisualizationMetadata(&visualization.Visualization{
		Columns: []visualization.Dimension{{
			Dimension: "deAge",
			Name:      "Age",
			Program: &visualization.Program{
				Reference:   visualization.Reference{ID: "prg1", Name: "Malaria case"},
				ProgramType: "WITHOUT_REGISTRATION",
			},
			ProgramStage: &visualization.Reference{ID: "stg1", Name: "Case investigation"},
			Repetition:   &visualization.Repetition{Indexes: []int{-1}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prg1", "stg1", "stg1.deAge"}, s.Keys())

	dm, err = s.GetDimensionMetadata("prg1.stg1[-1].deAge")
	require.NoError(t, err)
	require.NotNil(t, dm.Dimension)
	assert.Equal(t, "Age", dm.Dimension.Name())
	assert.Equal(t, "Malaria case", dm.Program.Name())
	assert.True(t, dm.ProgramStage.Repeatable())

	dm, err = s.GetDimensionMetadata("stg1.deAge")
	require.NoError(t, err)
	assert.Empty(t, dm.UnresolvedSegment)
	assert.Equal(t, "prg1", dm.ProgramID)
	assert.Equal(t, "Age", dm.Dimension.Name())
}

func TestVisualizationExtractorError(t *testing.T) {
	boom := errors.New("boom")
	s := setupTestStore(t, map[string]any{"a": "A"}, WithExtractor(visualization.ExtractorFunc(
		func(any) (map[string]any, error) { return nil, boom },
	)))
	_, err := s.AddMetadata(map[string]any{"b": "B"})
	require.NoError(t, err)

	err = s.SetVisualizationMetadata(nil)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 2, s.Len())
}

func TestRootOrganisationUnits(t *testing.T) {
	s := setupTestStore(t,
		map[string]any{"ImspTQPwCqd": map[string]any{"name": "Sierra Leone", "level": 1.0}},
		WithRootOrganisationUnits(
			"ImspTQPwCqd",
			map[string]any{"id": "O6uvpzGd5pu", "name": "Bo"},
		),
	)

	sl, ok := s.GetMetadataItem("ImspTQPwCqd")
	require.True(t, ok)
	assert.Equal(t, KindOrganisationUnit, sl.Kind())
	assert.Equal(t, "/ImspTQPwCqd", sl.Path())
	assert.Equal(t, "Sierra Leone", sl.Name())
	assert.Equal(t, 1.0, sl.Fields()["level"])

	bo, ok := s.GetMetadataItem("O6uvpzGd5pu")
	require.True(t, ok)
	assert.Equal(t, "/O6uvpzGd5pu", bo.Path())
	assert.True(t, s.IsProtected("O6uvpzGd5pu"))

	_, err := NewStore(nil, WithRootOrganisationUnits("unknown"))
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestNewStoreRejectsMalformedInitial(t *testing.T) {
	_, err := NewStore(map[string]any{"a": map[string]any{"code": "no name"}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestAddAnalyticsResponseMetadata(t *testing.T) {
	s := setupTestStore(t, nil)
	_, err := s.AddMetadata(map[string]any{
		"os1": map[string]any{"name": "Gender", "options": []any{
			map[string]any{"code": "M", "name": "Male"},
			map[string]any{"code": "F", "name": "Female"},
		}},
	})
	require.NoError(t, err)
	before, _ := s.GetMetadataItem("os1")

	changed, err := s.AddAnalyticsResponseMetadata(
		map[string]any{
			"os1": map[string]any{"name": "Gender", "options": []any{map[string]any{"code": "M"}}},
			"dx1": map[string]any{"name": "Coverage", "legendSet": "ls1"},
			"l1":  "Low",
		},
		map[string][]string{"dx1": {"l1"}},
		[]analytics.Header{{Name: "pe", Column: "Period"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"dx1", "l1", "ls1", "pe"}, changed)

	after, _ := s.GetMetadataItem("os1")
	assert.Same(t, before, after)

	ls, _ := s.GetMetadataItem("ls1")
	assert.Equal(t, KindLegendSet, ls.Kind())
	assert.Equal(t, []any{map[string]any{"id": "l1", "name": "Low"}}, ls.Legends())
}

func TestGetDimensionMetadata(t *testing.T) {
	s := setupTestStore(t, map[string]any{
		"TODAY": "Today",
		"IpHINAT79UW": map[string]any{"name": "Child Programme", "programType": "WITH_REGISTRATION"},
		"A03MvHHogjR": map[string]any{"name": "Birth", "repeatable": true, "program": map[string]any{"id": "IpHINAT79UW"}},
		"a3kGcGDCuk6": map[string]any{"name": "Apgar"},
		"A03MvHHogjR.a3kGcGDCuk6": map[string]any{"name": "Apgar (Birth)"},
	})

	t.Run("plain", func(t *testing.T) {
		dm, err := s.GetDimensionMetadata("a3kGcGDCuk6")
		require.NoError(t, err)
		assert.Equal(t, "Apgar", dm.Dimension.Name())
		assert.Nil(t, dm.Program)
		assert.Nil(t, dm.ProgramStage)
	})

	t.Run("three segments", func(t *testing.T) {
		dm, err := s.GetDimensionMetadata("IpHINAT79UW.A03MvHHogjR[-1].a3kGcGDCuk6")
		require.NoError(t, err)
		assert.Equal(t, "a3kGcGDCuk6", dm.DimensionID)
		assert.Equal(t, "-1", dm.RepetitionIndex)
		assert.Equal(t, "Apgar (Birth)", dm.Dimension.Name())
		assert.Equal(t, "Child Programme", dm.Program.Name())
		assert.Equal(t, "Birth", dm.ProgramStage.Name())
	})

	t.Run("program prefix", func(t *testing.T) {
		dm, err := s.GetDimensionMetadata("IpHINAT79UW.a3kGcGDCuk6")
		require.NoError(t, err)
		assert.Equal(t, "IpHINAT79UW", dm.ProgramID)
		assert.Empty(t, dm.ProgramStageID)
		assert.NotNil(t, dm.Program)
	})

	t.Run("stage prefix derives program", func(t *testing.T) {
		dm, err := s.GetDimensionMetadata("A03MvHHogjR.a3kGcGDCuk6")
		require.NoError(t, err)
		assert.Equal(t, "A03MvHHogjR", dm.ProgramStageID)
		assert.Equal(t, "IpHINAT79UW", dm.ProgramID)
		assert.NotNil(t, dm.Program)
		assert.Equal(t, "Apgar (Birth)", dm.Dimension.Name())
	})

	t.Run("unresolved prefix", func(t *testing.T) {
		dm, err := s.GetDimensionMetadata("notYetLoaded.a3kGcGDCuk6")
		require.NoError(t, err)
		assert.Equal(t, "notYetLoaded", dm.UnresolvedSegment)
		assert.Empty(t, dm.ProgramID)
		assert.Empty(t, dm.ProgramStageID)
		assert.NotNil(t, dm.Dimension)
	})

	t.Run("missing records", func(t *testing.T) {
		dm, err := s.GetDimensionMetadata("p.s.d")
		require.NoError(t, err)
		assert.Equal(t, "p", dm.ProgramID)
		assert.Nil(t, dm.Program)
		assert.Nil(t, dm.Dimension)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := s.GetDimensionMetadata("TODAY.a3kGcGDCuk6")
		assert.True(t, errors.Is(err, ErrAmbiguousSegment))
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := s.GetDimensionMetadata("A03MvHHogjR.A03MvHHogjR.a3kGcGDCuk6")
		assert.True(t, errors.Is(err, ErrTypeMismatch))

		_, err = s.GetDimensionMetadata("IpHINAT79UW.TODAY.a3kGcGDCuk6")
		assert.True(t, errors.Is(err, ErrTypeMismatch))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := s.GetDimensionMetadata("a.b.c.d")
		assert.True(t, errors.Is(err, ErrInvalidDimensionID))
	})
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := setupTestStore(t, map[string]any{"TODAY": "Today"}, WithMetrics(m))

	cb, _ := counter()
	unsub := s.Subscribe("a", cb)

	_, err := s.AddMetadata(map[string]any{"a": "A", "TODAY": "Tomorrow"})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreSubscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtectedSkipsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("add_metadata", "success")))

	unsub()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreSubscribers))
}

func TestConcurrentAccess(t *testing.T) {
	s := setupTestStore(t, map[string]any{"TODAY": "Today"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unsub := s.Subscribe("shared", func() {})
			defer unsub()
			for j := 0; j < 50; j++ {
				_, err := s.AddMetadata(map[string]any{"shared": map[string]any{"name": "Shared", "n": float64(j)}})
				assert.NoError(t, err)
				s.GetMetadataItem("shared")
				s.Keys()
			}
		}(i)
	}
	wg.Wait()

	keys := s.Keys()
	assert.True(t, sort.StringsAreSorted(keys))
	assert.Equal(t, []string{"TODAY", "shared"}, keys)
}
