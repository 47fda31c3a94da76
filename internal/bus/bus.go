// Package bus fans channel messages out onto NATS subjects for
// external consumers. It is optional: a
// dispatcher with no configured NATS URL never imports this beyond
// construction and simply skips publishing.
package bus

import (
	"context"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workforce/pkg/workforce"
)

var propagator = propagation.TraceContext{}

// Bus wraps a NATS connection and the two subjects channel messages
// are fanned out onto.
type Bus struct {
	nc            *nats.Conn
	taskSubject   string
	resultSubject string
}

// Connect dials the given NATS URL and derives the task/result
// subjects from runID.
func Connect(url, runID string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		nc:            nc,
		taskSubject:   fmt.Sprintf("workforce.%s.task_available", runID),
		resultSubject: fmt.Sprintf("workforce.%s.task_result", runID),
	}, nil
}

// Close closes the underlying connection; subscriptions are not
// drained first.
func (b *Bus) Close() {
	b.nc.Close()
}

// PublishChannelMessage fans one channel message out onto the subject
// matching its type, injecting the caller's trace context into NATS
// headers.
func (b *Bus) PublishChannelMessage(ctx context.Context, msg workforce.ChannelMessage, body []byte) error {
	subject := b.resultSubject
	if msg.Type == workforce.MessageTask {
		subject = b.taskSubject
	}
	return publish(ctx, b.nc, subject, body)
}

func publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting trace context from each
// message's headers and starting a consumer span before invoking
// handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("workforce-bus")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
