package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowrpc/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/flowrpc"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func propagatorOrGlobal(p propagation.TextMapPropagator) propagation.TextMapPropagator {
	if p != nil {
		return p
	}
	return otel.GetTextMapPropagator()
}

// injectTrace writes the span context of ctx into attrs.
func injectTrace(ctx context.Context, p propagation.TextMapPropagator, attrs metadata.Metadata) {
	propagatorOrGlobal(p).Inject(ctx, propagation.MapCarrier(attrs))
}

// extractTrace returns ctx carrying the remote span context found in attrs.
func extractTrace(ctx context.Context, p propagation.TextMapPropagator, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	return propagatorOrGlobal(p).Extract(ctx, propagation.MapCarrier(attrs))
}

func messageSpanAttributes(pattern, correlationID, topic string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.destination.name", topic),
		attribute.String("flowrpc.pattern", pattern),
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String("messaging.message.conversation_id", correlationID))
	}
	return attrs
}
