package telemetry

import (
	"context"
	"log"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter records buyer actions on negotiation sessions.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string `json:"level"`
	Text   string `json:"text"`
	Action string `json:"action,omitempty"`
	Handle string `json:"handle,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

// AuditEvent is one audited action.
type AuditEvent struct {
	Level     string
	Action    string
	Text      string
	RequestID string
	UserID    string
	Handle    string
	ChatID    string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, ev AuditEvent) {
	if e == nil || e.publisher == nil {
		return
	}
	if ev.Level == "" {
		ev.Level = "INFO"
	}

	log.Printf("audit emit: level=%s action=%s handle=%s chat_id=%s request_id=%s text=%q",
		ev.Level, ev.Action, ev.Handle, ev.ChatID, ev.RequestID, ev.Text)

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     ev.RequestID,
		Payload: AuditPayload{
			Level:  ev.Level,
			Text:   ev.Text,
			Action: ev.Action,
			Handle: ev.Handle,
			ChatID: ev.ChatID,
		},
	}
	if ev.UserID != "" {
		userID := ev.UserID
		envelope.UserID = &userID
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		log.Printf("audit publish failed: %v", err)
	}
}
