package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Routing keys for negotiation events.
const (
	RoutingNegotiation = "negotiation_events.sessions"
	RoutingWS          = "ws_events.negotiations"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// TraceIDFromContext returns the active trace id, or "" when ctx carries no span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// PublishNegotiationEvent emits a negotiation_events envelope, best effort.
func PublishNegotiationEvent(ctx context.Context, name string, payload map[string]interface{}) {
	_ = PublishEvent(ctx, RoutingNegotiation, EventEnvelope{
		EventType: "negotiation_events",
		EventName: name,
		Payload:   payload,
	}, BuildHeaders("", TraceIDFromContext(ctx)))
}
