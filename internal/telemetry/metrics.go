package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/LeventeLantos/dispatcher/internal/service"
)

// MetricsObserver counts message events by kind and channel.
type MetricsObserver struct {
	messages metric.Int64Counter
	delays   metric.Float64Histogram
}

func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	messages, err := meter.Int64Counter(
		"dispatcher.messages",
		metric.WithDescription("Message lifecycle events"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages counter: %w", err)
	}

	delays, err := meter.Float64Histogram(
		"dispatcher.retry.delay",
		metric.WithDescription("Backoff delay before a retry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retry delay histogram: %w", err)
	}

	return &MetricsObserver{messages: messages, delays: delays}, nil
}

func (o *MetricsObserver) Observe(ctx context.Context, ev service.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("event", string(ev.Kind)),
		attribute.String("channel", string(ev.Channel)),
	}
	if ev.Provider != "" {
		attrs = append(attrs, attribute.String("provider", ev.Provider))
	}
	o.messages.Add(ctx, 1, metric.WithAttributes(attrs...))

	if ev.Kind == service.EventRetryScheduled {
		o.delays.Record(ctx, ev.Delay.Seconds(), metric.WithAttributes(attribute.String("channel", string(ev.Channel))))
	}
}
