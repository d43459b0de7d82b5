package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	envs []Envelope
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, env Envelope) error {
	r.envs = append(r.envs, env)
	return r.err
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestBuildEnvelopeDefaults(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	env, err := BuildEnvelope(TypeSettlementCreated, SettlementCreated{SettlementID: 7}, Meta{OccurredAt: at})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(env.EventID) != 26 {
		t.Fatalf("expected ulid event id, got %q", env.EventID)
	}
	if env.CorrelationID != env.EventID {
		t.Fatalf("expected correlation id to default to event id")
	}
	if !env.OccurredAt.Equal(at) || env.SchemaVersion != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var payload SettlementCreated
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.SettlementID != 7 {
		t.Fatalf("payload mismatch: %v %+v", err, payload)
	}

	if _, err := BuildEnvelope("", struct{}{}, Meta{}); err == nil {
		t.Fatalf("expected error for empty type")
	}
}

func TestEmitUsesContextMeta(t *testing.T) {
	rec := &recordingPublisher{}
	ctx := WithActor(WithCorrelationID(context.Background(), "corr-1"), "admin@clinic")
	if err := Emit(ctx, rec, TypeDeductionsApplied, DeductionsApplied{SummaryID: 3}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(rec.envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(rec.envs))
	}
	if rec.envs[0].CorrelationID != "corr-1" || rec.envs[0].Actor != "admin@clinic" {
		t.Fatalf("unexpected meta: %+v", rec.envs[0])
	}
	if err := Emit(ctx, nil, TypeDeductionsApplied, DeductionsApplied{}); err != nil {
		t.Fatalf("nil publisher should drop: %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("down")}
	fan := NewFanout(ok, nil, bad)

	env, _ := BuildEnvelope(TypeSettlementClosed, SettlementClosed{SettlementID: 1}, Meta{})
	err := fan.Publish(context.Background(), env)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.envs) != 1 || len(bad.envs) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
}

func TestKafkaPublisherKeysByType(t *testing.T) {
	writer := &fakeWriter{}
	pub, err := NewKafkaPublisher(writer)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	env, _ := BuildEnvelope(TypeDeductionsCharged, DeductionsCharged{SummaryID: 1}, Meta{})
	if err := pub.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.msgs) != 1 || string(writer.msgs[0].Key) != TypeDeductionsCharged {
		t.Fatalf("unexpected messages: %+v", writer.msgs)
	}
	if _, err := NewKafkaPublisher(nil); err == nil {
		t.Fatalf("expected error for nil writer")
	}
}

func TestLoggingPublisherWritesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pub := NewLoggingPublisher(zap.New(core))
	env, _ := BuildEnvelope(TypeSettlementCreated, SettlementCreated{}, Meta{})
	if err := pub.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries := logs.FilterField(zap.String("event_type", TypeSettlementCreated)).All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
}

func TestRedisPublisherRequiresClient(t *testing.T) {
	if _, err := NewRedisPublisher(nil, ""); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
