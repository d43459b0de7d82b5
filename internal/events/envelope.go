package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types published after a committed operation.
const (
	TypeSettlementCreated  = "settlement.created"
	TypeSettlementClosed   = "settlement.closed"
	TypeDeductionsCharged  = "deductions.charged"
	TypeDeductionsApplied  = "deductions.applied"
	TypeAdjustmentRecorded = "adjustment.recorded"
)

// Envelope wraps an event payload with metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	Actor         string          `json:"actor,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
	Actor         string
}

// BuildEnvelope marshals payload and fills metadata defaults.
func BuildEnvelope(eventType string, payload any, meta Meta) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, errors.New("events: empty event type")
	}
	if payload == nil {
		return Envelope{}, errors.New("events: nil payload")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	eventID := meta.EventID
	if eventID == "" {
		eventID = NewEventID(occurredAt)
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}

	return Envelope{
		EventID:       eventID,
		EventType:     eventType,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
		Actor:         meta.Actor,
		SchemaVersion: 1,
		Payload:       raw,
	}, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a time-ordered ULID string.
func NewEventID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

type contextKey string

const (
	contextKeyCorr  contextKey = "events.correlation_id"
	contextKeyActor contextKey = "events.actor"
)

// WithCorrelationID sets the correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithActor sets the acting subject in context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// MetaFromContext builds metadata from context.
func MetaFromContext(ctx context.Context) Meta {
	meta := Meta{}
	if ctx == nil {
		return meta
	}
	if value, ok := ctx.Value(contextKeyCorr).(string); ok {
		meta.CorrelationID = value
	}
	if value, ok := ctx.Value(contextKeyActor).(string); ok {
		meta.Actor = value
	}
	return meta
}
