package builtin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/model"
)

func TestMergeWithNoLastStateBehavesLikeIdentity(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: json.RawMessage(`[{"a":1}]`)},
	}

	result := Merge(param)

	require.Equal(t, model.ResultInstances, result.Kind)
	require.JSONEq(t, `[{"a":1}]`, string(result.Instances[0].Content))
}

func TestMergeAppendsOntoLastState(t *testing.T) {
	param := model.ConverterParameter{
		From:      model.Instance{Content: json.RawMessage(`[{"a":2}]`)},
		LastState: &model.Instance{Content: json.RawMessage(`[{"a":1}]`)},
	}

	result := Merge(param)

	require.Equal(t, model.ResultInstances, result.Kind)
	require.JSONEq(t, `[{"a":1},{"a":2}]`, string(result.Instances[0].Content))
}

func TestMergeRejectsNonArrayContent(t *testing.T) {
	param := model.ConverterParameter{
		From: model.Instance{Content: json.RawMessage(`{"a":1}`)},
	}

	result := Merge(param)

	require.Equal(t, model.ResultLogicalError, result.Kind)
}

func TestIdentityPassesContentThroughUnchanged(t *testing.T) {
	param := model.ConverterParameter{From: model.Instance{Content: json.RawMessage(`{"x":1}`)}}

	result := Identity(param)

	require.Equal(t, model.ResultInstances, result.Kind)
	require.JSONEq(t, `{"x":1}`, string(result.Instances[0].Content))
}
