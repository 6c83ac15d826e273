// ABOUTME: Extracts a keyed metadata bundle from a visualization definition
// ABOUTME: Feeds the store's visualization swap

package visualization

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Extractor produces the metadata a visualization needs, keyed by store id
type Extractor interface {
	Extract(visualization any) (map[string]any, error)
}

// ExtractorFunc adapts a function to Extractor
type ExtractorFunc func(visualization any) (map[string]any, error)

// Extract calls f
func (f ExtractorFunc) Extract(visualization any) (map[string]any, error) {
	return f(visualization)
}

// DefaultExtractor reads DHIS2-style visualization definitions
var DefaultExtractor Extractor = ExtractorFunc(Extract)

// Decode accepts a *Visualization, a Visualization, raw JSON bytes, or any
// value that encodes to a visualization object.
func Decode(v any) (*Visualization, error) {
	switch vis := v.(type) {
	case nil:
		return nil, fmt.Errorf("visualization: nil definition")
	case *Visualization:
		return vis, nil
	case Visualization:
		return &vis, nil
	case []byte:
		var out Visualization
		if err := json.Unmarshal(vis, &out); err != nil {
			return nil, fmt.Errorf("visualization: decode: %w", err)
		}
		return &out, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("visualization: encode %T: %w", v, err)
	}
	var out Visualization
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("visualization: decode %T: %w", v, err)
	}
	return &out, nil
}

// Extract walks a visualization and returns its metadata keyed by id.
// Entries without a display name are left out, except legend sets.
func Extract(v any) (map[string]any, error) {
	vis, err := Decode(v)
	if err != nil {
		return nil, err
	}

	bundle := make(map[string]any)

	if vis.Program != nil {
		addProgram(bundle, vis.Program)
	}
	if vis.ProgramStage != nil {
		addProgramStage(bundle, vis.ProgramStage, programRef(vis.Program))
	}
	if vis.LegendSet != nil {
		addLegendSet(bundle, vis.LegendSet)
	}

	for _, d := range vis.Dimensions() {
		addDimension(bundle, d)
	}

	return bundle, nil
}

func programRef(p *Program) *Reference {
	if p == nil {
		return nil
	}
	return &Reference{ID: p.ID}
}

func addProgram(bundle map[string]any, p *Program) {
	if p.ID == "" || p.Label() == "" {
		return
	}
	stages := make([]any, 0, len(p.ProgramStages))
	for i := range p.ProgramStages {
		s := &p.ProgramStages[i]
		if s.ID == "" {
			continue
		}
		stages = append(stages, map[string]any{"id": s.ID, "name": s.Label(), "repeatable": s.Repeatable})
		addProgramStage(bundle, s, &Reference{ID: p.ID})
	}
	entry := map[string]any{"name": p.Label(), "programType": p.ProgramType}
	if len(stages) > 0 {
		entry["programStages"] = stages
	}
	bundle[p.ID] = entry
}

func addProgramStage(bundle map[string]any, s *ProgramStage, program *Reference) {
	if s.ID == "" || s.Label() == "" {
		return
	}
	entry := map[string]any{
		"name":        s.Label(),
		"repeatable":  s.Repeatable,
		"hideDueDate": s.HideDueDate,
	}
	if s.Program != nil && s.Program.ID != "" {
		program = s.Program
	}
	if program != nil && program.ID != "" {
		entry["program"] = map[string]any{"id": program.ID}
	}
	bundle[s.ID] = entry
}

func addLegendSet(bundle map[string]any, ls *LegendSet) {
	if ls.ID == "" {
		return
	}
	legends := make([]any, 0, len(ls.Legends))
	for _, l := range ls.Legends {
		legends = append(legends, map[string]any{
			"id":         l.ID,
			"name":       l.Label(),
			"startValue": l.StartValue,
			"endValue":   l.EndValue,
			"color":      l.Color,
		})
	}
	entry := map[string]any{"legends": legends}
	if ls.Label() != "" {
		entry["name"] = ls.Label()
	}
	bundle[ls.ID] = entry
}

// dimensionKey prefixes the stage id, or the program id when the dimension
// has no stage, onto a scoped dimension
func dimensionKey(d Dimension) string {
	if strings.Contains(d.Dimension, ".") {
		return d.Dimension
	}
	if d.ProgramStage != nil && d.ProgramStage.ID != "" {
		return d.ProgramStage.ID + "." + d.Dimension
	}
	if d.Program != nil && d.Program.ID != "" {
		return d.Program.ID + "." + d.Dimension
	}
	return d.Dimension
}

// addReferences records the program and stage a dimension points at, unless
// the visualization already described them. A referenced program needs its
// programType to be stored as a program. A referenced stage is repeatable
// when the dimension selects repetitions.
func addReferences(bundle map[string]any, d Dimension) {
	var program *Reference
	if d.Program != nil && d.Program.ID != "" {
		program = &Reference{ID: d.Program.ID}
		if _, ok := bundle[d.Program.ID]; !ok && d.Program.ProgramType != "" {
			addProgram(bundle, d.Program)
		}
	}
	if d.ProgramStage == nil || d.ProgramStage.ID == "" {
		return
	}
	if _, ok := bundle[d.ProgramStage.ID]; ok {
		return
	}
	addProgramStage(bundle, &ProgramStage{
		Reference:  *d.ProgramStage,
		Repeatable: d.Repetition != nil && len(d.Repetition.Indexes) > 0,
	}, program)
}

func addDimension(bundle map[string]any, d Dimension) {
	if d.Dimension == "" {
		return
	}
	addReferences(bundle, d)

	name := d.DisplayName
	if name == "" {
		name = d.Name
	}
	if name != "" {
		entry := map[string]any{"name": name}
		if d.DimensionType != "" {
			entry["dimensionType"] = d.DimensionType
		}
		if d.ValueType != "" {
			entry["valueType"] = d.ValueType
		}
		if d.OptionSet != nil && d.OptionSet.ID != "" {
			entry["optionSet"] = map[string]any{"id": d.OptionSet.ID}
		}
		if d.LegendSet != nil && d.LegendSet.ID != "" {
			entry["legendSet"] = map[string]any{"id": d.LegendSet.ID}
		}
		bundle[dimensionKey(d)] = entry
	}

	for _, item := range d.Items {
		if item.ID == "" || item.Label() == "" {
			continue
		}
		entry := map[string]any{"name": item.Label()}
		if item.Code != "" {
			entry["code"] = item.Code
		}
		if item.DimensionItemType != "" {
			entry["dimensionItemType"] = item.DimensionItemType
		}
		if item.Path != "" {
			entry["path"] = item.Path
		}
		bundle[item.ID] = entry
	}

	if d.LegendSet != nil {
		addLegendSet(bundle, d.LegendSet)
	}
	if d.OptionSet != nil && d.OptionSet.ID != "" && d.OptionSet.Label() != "" {
		if _, ok := bundle[d.OptionSet.ID]; !ok {
			bundle[d.OptionSet.ID] = map[string]any{"name": d.OptionSet.Label()}
		}
	}
}
