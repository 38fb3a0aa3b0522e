package builtin

import (
	"encoding/json"

	"github.com/metaflow/engine/internal/model"
)

// Merge appends the upstream instance's content array onto the
// current stored state's content array for the same target, the
// accumulating inverse of the dimension splitter's per-item grouping.
// With no last state yet, it behaves like Identity.
func Merge(param model.ConverterParameter) model.ConverterResult {
	var incoming []json.RawMessage
	if err := json.Unmarshal(param.From.Content, &incoming); err != nil {
		return model.LogicalErrorResult("merge: instance content must be a JSON array: " + err.Error())
	}

	merged := incoming
	if param.LastState != nil {
		var existing []json.RawMessage
		if err := json.Unmarshal(param.LastState.Content, &existing); err != nil {
			return model.LogicalErrorResult("merge: last state content must be a JSON array: " + err.Error())
		}
		merged = append(existing, incoming...)
	}

	content, err := json.Marshal(merged)
	if err != nil {
		return model.LogicalErrorResult("merge: encode merged content: " + err.Error())
	}
	return model.Instances(model.Instance{Content: content})
}
