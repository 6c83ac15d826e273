// ABOUTME: Adapts analytics response metadata into store input
// ABOUTME: Drops option sets, keys bare names, synthesizes legend sets, overlays header names

package analytics

// Header is a column header of an analytics response
type Header struct {
	Name      string `json:"name"`
	Column    string `json:"column"`
	ValueType string `json:"valueType,omitempty"`
	OptionSet string `json:"optionSet,omitempty"`
	LegendSet string `json:"legendSet,omitempty"`
}

// Response is the metadata part of an analytics response
type Response struct {
	Items      map[string]any      `json:"items"`
	Dimensions map[string][]string `json:"dimensions"`
	Headers    []Header            `json:"headers"`
}

// Adapt turns analytics response metadata into a keyed bundle for the store.
//
// Entries carrying an options list are dropped so partial option data never
// lands on a richer stored option set. Bare strings and entries without id or
// uid are keyed by their map key. An entry that references a legend set whose
// dimension lists legend ids yields a synthesized legend set record. Headers
// contribute display names and value metadata for keys the items lack.
func Adapt(items map[string]any, dimensions map[string][]string, headers []Header) map[string]any {
	bundle := make(map[string]any, len(items)+len(headers))

	for key, raw := range items {
		switch v := raw.(type) {
		case string:
			bundle[key] = map[string]any{"id": key, "name": v}
		case map[string]any:
			if _, ok := v["options"].([]any); ok {
				continue
			}
			entry := cloneMap(v)
			if !hasString(entry, "id") && !hasString(entry, "uid") {
				entry["id"] = key
			}
			bundle[key] = entry
		}
	}

	for key, raw := range items {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		legendSetID := referenceID(entry["legendSet"])
		legendIDs := dimensions[key]
		if legendSetID == "" || len(legendIDs) == 0 {
			continue
		}
		bundle[legendSetID] = synthesizeLegendSet(legendSetID, legendIDs, items)
	}

	for _, h := range headers {
		if h.Name == "" {
			continue
		}
		entry, ok := bundle[h.Name].(map[string]any)
		if !ok {
			if h.Column == "" {
				continue
			}
			entry = map[string]any{"id": h.Name}
			bundle[h.Name] = entry
		}
		if h.Column != "" && !hasString(entry, "name") && !hasString(entry, "displayName") {
			entry["name"] = h.Column
		}
		setMissing(entry, "valueType", h.ValueType)
		setMissing(entry, "optionSet", h.OptionSet)
		setMissing(entry, "legendSet", h.LegendSet)
	}

	return bundle
}

// synthesizeLegendSet keeps the legend order of the response
func synthesizeLegendSet(id string, legendIDs []string, items map[string]any) map[string]any {
	legends := make([]any, 0, len(legendIDs))
	for _, legendID := range legendIDs {
		legend := map[string]any{"id": legendID}
		switch v := items[legendID].(type) {
		case string:
			legend["name"] = v
		case map[string]any:
			if name, ok := v["name"].(string); ok && name != "" {
				legend["name"] = name
			}
		}
		legends = append(legends, legend)
	}
	return map[string]any{"id": id, "legends": legends}
}

// referenceID reads a reference that is either an id string or an object with an id
func referenceID(v any) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]any:
		id, _ := ref["id"].(string)
		return id
	}
	return ""
}

func hasString(m map[string]any, key string) bool {
	s, ok := m[key].(string)
	return ok && s != ""
}

func setMissing(m map[string]any, key, value string) {
	if value == "" || hasString(m, key) {
		return
	}
	if _, ok := m[key]; ok && m[key] != nil {
		return
	}
	m[key] = value
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
