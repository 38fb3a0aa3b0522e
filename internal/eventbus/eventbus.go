// Package eventbus publishes best-effort task-lifecycle notifications
// over NATS with OTel trace-context propagation, for external audit or
// dashboard consumers. Publish failures are logged and swallowed —
// this bus is never on the critical path of a task transition.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

const (
	SubjectStored    = "engine.task.stored"
	SubjectConverted = "engine.task.converted"
	SubjectErrored   = "engine.task.errored"
)

// Bus wraps a NATS connection. A nil *Bus, or the connection-less Bus
// Connect returns when NATS was unreachable at boot, makes every
// publish a silent no-op, so callers never need a nil check of their own.
type Bus struct {
	nc *nats.Conn
}

// Connect dials NATS; on failure it logs a warning and returns a Bus
// whose Publish calls are no-ops, matching how the teacher's
// control-plane adapter degraded when NATS was unavailable.
func Connect(url string) *Bus {
	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("eventbus: nats connect failed, publishing disabled", "error", err)
		return &Bus{}
	}
	return &Bus{nc: nc}
}

// Publish injects the traceparent into NATS headers and emits the
// event, swallowing any error after logging it.
func (b *Bus) Publish(ctx context.Context, subject string, payload any) {
	if b == nil || b.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("eventbus: marshal failed", "subject", subject, "error", err)
		return
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		slog.Warn("eventbus: publish failed", "subject", subject, "error", err)
	}
}

// Subscribe wraps nc.Subscribe, extracting trace context per message
// and starting a child span before invoking handler.
func (b *Bus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("metaflow-eventbus")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Close closes the underlying connection, if any, without draining it.
func (b *Bus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}
