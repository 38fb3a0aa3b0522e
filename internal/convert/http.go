package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
	"github.com/metaflow/engine/internal/resilience"
)

// HTTPConverter calls a user-written remote converter over HTTP,
// pooling connections the way the teacher's plugin executors do and
// wrapping every call in a circuit breaker so a stuck remote endpoint
// doesn't starve the convert worker pool.
type HTTPConverter struct {
	client  *http.Client
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker
}

func NewHTTPConverter() *HTTPConverter {
	return &HTTPConverter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer:  otel.Tracer("metaflow-convert-http"),
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 10, 0.5, 15*time.Second, 3),
	}
}

// wireResult mirrors the JSON shape a remote converter must emit: a
// single tagged field naming which ConverterResult variant this is.
type wireResult struct {
	Instances    []wireInstance `json:"instances,omitempty"`
	LogicalError string         `json:"logical_error,omitempty"`
	EnvError     string         `json:"env_error,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
}

type wireInstance struct {
	Meta    string          `json:"meta,omitempty"`
	Para    string          `json:"para,omitempty"`
	Content json.RawMessage `json:"content"`
}

func (w wireResult) toConverterResult() model.ConverterResult {
	switch {
	case w.LogicalError != "":
		return model.LogicalErrorResult(w.LogicalError)
	case w.EnvError != "":
		return model.EnvErrorResult(w.EnvError)
	case w.DelaySeconds > 0:
		return model.Delay(w.DelaySeconds)
	default:
		ins := make([]model.Instance, 0, len(w.Instances))
		for _, wi := range w.Instances {
			ins = append(ins, model.Instance{Meta: wi.Meta, Para: wi.Para, Content: wi.Content})
		}
		return model.Instances(ins...)
	}
}

// Call posts param as JSON to url and decodes the tagged-union
// response. The circuit breaker protects against a hung or
// consistently-failing remote endpoint; an open breaker surfaces as an
// EnvError so the caller retries with backoff rather than treating it
// as a logical rejection.
func (c *HTTPConverter) Call(ctx context.Context, url string, param model.ConverterParameter) (model.ConverterResult, error) {
	if !c.breaker.Allow() {
		return model.ConverterResult{}, errs.Env(nil, "circuit open for converter %s", url)
	}

	ctx, span := c.tracer.Start(ctx, "convert.http.call", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	body, err := json.Marshal(param)
	if err != nil {
		c.breaker.RecordResult(false)
		return model.ConverterResult{}, errs.Logical("encode converter parameter: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.breaker.RecordResult(false)
		return model.ConverterResult{}, errs.Env(err, "build converter request")
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordResult(false)
		return model.ConverterResult{}, errs.Env(err, "converter call to %s", url)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.breaker.RecordResult(false)
		return model.ConverterResult{}, errs.Env(err, "read converter response")
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 500 {
		c.breaker.RecordResult(false)
		return model.ConverterResult{}, errs.Env(fmt.Errorf("status %d", resp.StatusCode), "converter %s returned server error", url)
	}
	if resp.StatusCode >= 400 {
		c.breaker.RecordResult(true)
		return model.ConverterResult{}, errs.Logical("converter %s rejected request: status %d: %s", url, resp.StatusCode, string(respBody))
	}

	var wire wireResult
	if err := json.Unmarshal(respBody, &wire); err != nil {
		c.breaker.RecordResult(true)
		return model.ConverterResult{}, errs.Logical("decode converter response: %v", err)
	}
	c.breaker.RecordResult(true)
	return wire.toConverterResult(), nil
}
