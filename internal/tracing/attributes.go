package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// RecordError marks the span as failed and records err on it.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ItemID returns the work item ID span attribute.
func ItemID(id string) attribute.KeyValue {
	return attribute.String("work.item_id", id)
}

// ObjectKey returns the source object key span attribute.
func ObjectKey(key string) attribute.KeyValue {
	return attribute.String("work.object_key", key)
}

// DeliveryCount returns the delivery attempt span attribute.
func DeliveryCount(n int) attribute.KeyValue {
	return attribute.Int("work.delivery_count", n)
}

// Stage returns the pipeline stage span attribute.
func Stage(name string) attribute.KeyValue {
	return attribute.String("work.stage", name)
}
