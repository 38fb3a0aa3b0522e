package convert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

func TestHTTPConverterCallDecodesInstancesOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var param model.ConverterParameter
		require.NoError(t, json.NewDecoder(r.Body).Decode(&param))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instances": []map[string]any{{"content": json.RawMessage(`{"seen":true}`)}},
		})
	}))
	defer srv.Close()

	c := NewHTTPConverter()
	result, err := c.Call(context.Background(), srv.URL, model.ConverterParameter{TaskID: "t1"})

	require.NoError(t, err)
	require.Equal(t, model.ResultInstances, result.Kind)
	require.JSONEq(t, `{"seen":true}`, string(result.Instances[0].Content))
}

func TestHTTPConverterCallDecodesLogicalErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"logical_error": "bad input"})
	}))
	defer srv.Close()

	c := NewHTTPConverter()
	result, err := c.Call(context.Background(), srv.URL, model.ConverterParameter{})

	require.NoError(t, err)
	require.Equal(t, model.ResultLogicalError, result.Kind)
	require.Equal(t, "bad input", result.Message)
}

func TestHTTPConverterCallDecodesDelayField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"delay_seconds": 45})
	}))
	defer srv.Close()

	c := NewHTTPConverter()
	result, err := c.Call(context.Background(), srv.URL, model.ConverterParameter{})

	require.NoError(t, err)
	require.Equal(t, model.ResultDelay, result.Kind)
	require.Equal(t, 45, result.DelaySeconds)
}

func TestHTTPConverterCall5xxIsEnvError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPConverter()
	_, err := c.Call(context.Background(), srv.URL, model.ConverterParameter{})

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindEnv))
}

func TestHTTPConverterCall4xxIsLogicalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("missing field"))
	}))
	defer srv.Close()

	c := NewHTTPConverter()
	_, err := c.Call(context.Background(), srv.URL, model.ConverterParameter{})

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindLogical))
}

func TestHTTPConverterCallMalformedBodyIsLogicalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewHTTPConverter()
	_, err := c.Call(context.Background(), srv.URL, model.ConverterParameter{})

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindLogical))
}

func TestHTTPConverterCallUnreachableHostIsEnvError(t *testing.T) {
	c := NewHTTPConverter()
	_, err := c.Call(context.Background(), "http://127.0.0.1:1", model.ConverterParameter{})

	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindEnv))
}
