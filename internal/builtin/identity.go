package builtin

import "github.com/metaflow/engine/internal/model"

// Identity passes the upstream instance's content through unchanged.
// It is the implicit default converter for a relation whose flow names
// no executor: meta gets rewritten by the generic post-processing
// step, content does not.
func Identity(param model.ConverterParameter) model.ConverterResult {
	return model.Instances(model.Instance{Content: param.From.Content})
}
