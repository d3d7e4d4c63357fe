package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NewMsg builds a message whose headers carry the trace context of ctx.
func NewMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return &nats.Msg{Subject: subject, Data: data, Header: hdr}
}

// Publish injects traceparent into headers and publishes.
func Publish(ctx context.Context, nc Publisher, subject string, data []byte) error {
	return nc.PublishMsg(NewMsg(ctx, subject, data))
}

// Extract returns a context carrying the trace context found in msg headers.
func Extract(ctx context.Context, msg *nats.Msg) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(msg.Header))
}

// Subscribe wraps nc.Subscribe and extracts trace context for each message, starting a child span.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := Extract(context.Background(), m)
		ctx, span := otel.Tracer("swarm-nats").Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(attribute.String("messaging.destination.name", m.Subject))
		defer span.End()
		handler(ctx, m)
	})
}
