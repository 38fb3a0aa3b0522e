package convert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/builtin"
	"github.com/metaflow/engine/internal/model"
)

func TestDispatcherInvokeDefaultsToIdentityWhenNoExecutor(t *testing.T) {
	d := NewDispatcher(builtin.NewRegistry(), NewHTTPConverter(), time.Second)
	param := model.ConverterParameter{From: model.Instance{Content: json.RawMessage(`{"x":1}`)}}

	result, err := d.Invoke(context.Background(), model.Mission{}, param)

	require.NoError(t, err)
	require.Equal(t, model.ResultInstances, result.Kind)
	require.JSONEq(t, `{"x":1}`, string(result.Instances[0].Content))
}

func TestDispatcherInvokeBuiltIn(t *testing.T) {
	d := NewDispatcher(builtin.NewRegistry(), NewHTTPConverter(), time.Second)
	mission := model.Mission{Executor: &model.Executor{Protocol: model.BuiltIn, URL: "identity"}}
	param := model.ConverterParameter{From: model.Instance{Content: json.RawMessage(`{"y":2}`)}}

	result, err := d.Invoke(context.Background(), mission, param)

	require.NoError(t, err)
	require.Equal(t, model.ResultInstances, result.Kind)
}

func TestDispatcherInvokeUnknownBuiltInIsLogicalError(t *testing.T) {
	d := NewDispatcher(builtin.NewRegistry(), NewHTTPConverter(), time.Second)
	mission := model.Mission{Executor: &model.Executor{Protocol: model.BuiltIn, URL: "no-such-converter"}}

	_, err := d.Invoke(context.Background(), mission, model.ConverterParameter{})

	require.Error(t, err)
}

func TestDispatcherInvokeLocal(t *testing.T) {
	d := NewDispatcher(builtin.NewRegistry(), NewHTTPConverter(), time.Second)
	d.RegisterLocal("double", func(p model.ConverterParameter) model.ConverterResult {
		return model.Instances(model.Instance{Content: p.From.Content})
	})
	mission := model.Mission{Executor: &model.Executor{Protocol: model.Local, URL: "double"}}
	param := model.ConverterParameter{From: model.Instance{Content: json.RawMessage(`{"z":3}`)}}

	result, err := d.Invoke(context.Background(), mission, param)

	require.NoError(t, err)
	require.Equal(t, model.ResultInstances, result.Kind)
}

func TestDispatcherInvokeUnknownLocalIsLogicalError(t *testing.T) {
	d := NewDispatcher(builtin.NewRegistry(), NewHTTPConverter(), time.Second)
	mission := model.Mission{Executor: &model.Executor{Protocol: model.Local, URL: "missing"}}

	_, err := d.Invoke(context.Background(), mission, model.ConverterParameter{})

	require.Error(t, err)
}

func TestDispatcherInvokeHTTPRoutesToConverter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instances": []map[string]any{{"meta": "order.summary", "content": json.RawMessage(`{"ok":true}`)}},
		})
	}))
	defer srv.Close()

	d := NewDispatcher(builtin.NewRegistry(), NewHTTPConverter(), 5*time.Second)
	mission := model.Mission{Executor: &model.Executor{Protocol: model.Http, URL: srv.URL}}

	result, err := d.Invoke(context.Background(), mission, model.ConverterParameter{})

	require.NoError(t, err)
	require.Equal(t, model.ResultInstances, result.Kind)
	require.Equal(t, "order.summary", result.Instances[0].Meta)
}
