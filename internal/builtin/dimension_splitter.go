package builtin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/metaflow/engine/internal/model"
)

const defaultParaSeparator = "/"

// DimensionSplitSetting configures the dimension-splitter built-in
// converter. Each entry in WantedDimension names a target meta and the
// 0-based indices (into a "/"-separated — or DimensionSeparator — key)
// that together form that output instance's grouping key.
type DimensionSplitSetting struct {
	DimensionSeparator string          `json:"dimension_separator,omitempty"`
	WantedDimension    []wantedEntry   `json:"wanted_dimension"`
}

// wantedEntry marshals as a 2-element JSON array ["meta", [indices]],
// matching the upstream [(String, Vec<u8>)] tuple shape.
type wantedEntry struct {
	Meta    string
	Indices []int
}

func (w wantedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{w.Meta, w.Indices})
}

func (w *wantedEntry) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[0], &w.Meta); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &w.Indices)
}

type dimensionRow struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// DimensionSplit groups a flat, dimensionally-keyed content array
// (each row's key looks like "class5|name1|subject1") into one output
// instance per distinct value of a wanted set of dimensions, for every
// entry in WantedDimension. A row's key split on the separator must
// have more parts than the highest requested index.
func DimensionSplit(param model.ConverterParameter) model.ConverterResult {
	var setting DimensionSplitSetting
	if err := json.Unmarshal([]byte(param.Cfg), &setting); err != nil {
		return model.LogicalErrorResult("setting error: " + err.Error())
	}
	if setting.DimensionSeparator == "" {
		setting.DimensionSeparator = defaultParaSeparator
	}
	if len(setting.WantedDimension) < 1 {
		return model.LogicalErrorResult("wanted_dimension does not defined")
	}

	var rows []dimensionRow
	if err := json.Unmarshal(param.From.Content, &rows); err != nil {
		return model.LogicalErrorResult("instance content error: " + err.Error())
	}

	type bucket struct {
		meta string
		rows []dimensionRow
	}
	buffer := make(map[string]*bucket)
	var order []string

	for _, row := range rows {
		parts := strings.Split(row.Key, setting.DimensionSeparator)
		for _, want := range setting.WantedDimension {
			groupKey, itemKey, err := makeKeyAndPara(parts, want.Indices, setting.DimensionSeparator)
			if err != nil {
				return model.LogicalErrorResult(err.Error())
			}
			b, ok := buffer[groupKey]
			if !ok {
				b = &bucket{meta: want.Meta}
				buffer[groupKey] = b
				order = append(order, groupKey)
			}
			b.rows = append(b.rows, dimensionRow{Key: itemKey, Value: row.Value})
		}
	}

	out := make([]model.Instance, 0, len(order))
	for _, key := range order {
		b := buffer[key]
		content, err := json.Marshal(b.rows)
		if err != nil {
			return model.LogicalErrorResult("encode output content: " + err.Error())
		}
		out = append(out, model.Instance{
			Meta:    b.meta,
			Para:    key,
			Content: content,
		})
	}
	return model.Instances(out...)
}

// makeKeyAndPara splits a dimension-keyed row's parts into the
// grouping key (the parts at the wanted indices, joined in ascending
// index order) and the remaining key (every part NOT at a wanted
// index, in ascending order) — the inverse partition of one another.
func makeKeyAndPara(parts []string, wanted []int, sep string) (groupKey, itemKey string, err error) {
	wantedSet := make(map[int]bool, len(wanted))
	maxIdx := -1
	for _, i := range wanted {
		wantedSet[i] = true
		if i > maxIdx {
			maxIdx = i
		}
	}
	if maxIdx >= len(parts) {
		return "", "", fmt.Errorf("dimension index %d out of range for key with %d parts", maxIdx, len(parts))
	}

	sortedWanted := append([]int(nil), wanted...)
	sort.Ints(sortedWanted)
	groupParts := make([]string, 0, len(sortedWanted))
	for _, i := range sortedWanted {
		groupParts = append(groupParts, parts[i])
	}

	var remaining []string
	for i, p := range parts {
		if !wantedSet[i] {
			remaining = append(remaining, p)
		}
	}

	return strings.Join(groupParts, sep), strings.Join(remaining, sep), nil
}

