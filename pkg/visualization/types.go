// ABOUTME: Visualization definition data model
// ABOUTME: The subset of a visualization that carries metadata for the store

package visualization

// Reference is an id with optional display names
type Reference struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Label returns the display name, falling back to the name
func (r Reference) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

// Legend is a single range of a legend set
type Legend struct {
	Reference
	StartValue float64 `json:"startValue"`
	EndValue   float64 `json:"endValue"`
	Color      string  `json:"color,omitempty"`
}

// LegendSet is a named list of legends
type LegendSet struct {
	Reference
	Legends []Legend `json:"legends,omitempty"`
}

// ProgramStage is a stage of a tracker program
type ProgramStage struct {
	Reference
	Repeatable  bool       `json:"repeatable"`
	HideDueDate bool       `json:"hideDueDate"`
	Program     *Reference `json:"program,omitempty"`
}

// Program is a tracker or event program
type Program struct {
	Reference
	ProgramType   string         `json:"programType"`
	ProgramStages []ProgramStage `json:"programStages,omitempty"`
}

// DimensionItem is a selected item of a dimension
type DimensionItem struct {
	Reference
	Code              string `json:"code,omitempty"`
	DimensionItemType string `json:"dimensionItemType,omitempty"`
	Path              string `json:"path,omitempty"`
}

// Repetition selects event repetitions of a repeatable stage
type Repetition struct {
	Indexes []int `json:"indexes"`
}

// Dimension is one entry of a visualization's columns, rows or filters
type Dimension struct {
	Dimension     string          `json:"dimension"`
	Name          string          `json:"name,omitempty"`
	DisplayName   string          `json:"displayName,omitempty"`
	DimensionType string          `json:"dimensionType,omitempty"`
	ValueType     string          `json:"valueType,omitempty"`
	Items         []DimensionItem `json:"items,omitempty"`
	LegendSet     *LegendSet      `json:"legendSet,omitempty"`
	OptionSet     *Reference      `json:"optionSet,omitempty"`
	Program       *Program        `json:"program,omitempty"`
	ProgramStage  *Reference      `json:"programStage,omitempty"`
	Repetition    *Repetition     `json:"repetition,omitempty"`
}

// Visualization is a saved or in-progress visualization definition
type Visualization struct {
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name,omitempty"`
	Type         string        `json:"type,omitempty"`
	Columns      []Dimension   `json:"columns,omitempty"`
	Rows         []Dimension   `json:"rows,omitempty"`
	Filters      []Dimension   `json:"filters,omitempty"`
	Program      *Program      `json:"program,omitempty"`
	ProgramStage *ProgramStage `json:"programStage,omitempty"`
	LegendSet    *LegendSet    `json:"legendSet,omitempty"`
}

// Dimensions returns columns, rows and filters in layout order
func (v *Visualization) Dimensions() []Dimension {
	out := make([]Dimension, 0, len(v.Columns)+len(v.Rows)+len(v.Filters))
	out = append(out, v.Columns...)
	out = append(out, v.Rows...)
	out = append(out, v.Filters...)
	return out
}
