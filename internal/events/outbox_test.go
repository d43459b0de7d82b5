package events

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
)

type memOutbox struct {
	seq     int
	records map[string]*memOutboxRow
}

type memOutboxRow struct {
	record OutboxRecord
	order  int
	status string
}

func newMemOutbox() *memOutbox {
	return &memOutbox{records: map[string]*memOutboxRow{}}
}

func (m *memOutbox) Insert(_ context.Context, env Envelope) (string, error) {
	m.seq++
	id := "o" + strconv.Itoa(m.seq)
	m.records[id] = &memOutboxRow{record: OutboxRecord{ID: id, Envelope: env}, order: m.seq, status: "pending"}
	return id, nil
}

func (m *memOutbox) ListPending(_ context.Context, limit, maxAttempts int) ([]OutboxRecord, error) {
	var rows []*memOutboxRow
	for _, row := range m.records {
		if row.status == "pending" || (row.status == "failed" && row.record.Attempts < maxAttempts) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].order < rows[j].order })
	out := make([]OutboxRecord, 0, len(rows))
	for _, row := range rows {
		if len(out) == limit {
			break
		}
		out = append(out, row.record)
	}
	return out, nil
}

func (m *memOutbox) MarkSent(_ context.Context, id string) error {
	m.records[id].status = "sent"
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id string, _ error) error {
	row := m.records[id]
	row.status = "failed"
	row.record.Attempts++
	return nil
}

func (m *memOutbox) status(id string) string { return m.records[id].status }

func TestOutboxRelayRetriesFailedRecords(t *testing.T) {
	ctx := context.Background()
	store := newMemOutbox()
	pub, err := NewOutboxPublisher(store)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	for _, typ := range []string{TypeSettlementCreated, TypeSettlementClosed} {
		if err := Emit(ctx, pub, typ, map[string]int{"id": 1}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	sink := &recordingPublisher{err: errors.New("broker down")}
	relay, err := NewRelay(store, sink, WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	sent, err := relay.Dispatch(ctx)
	if err != nil || sent != 0 {
		t.Fatalf("expected nothing sent, got %d %v", sent, err)
	}
	if store.status("o1") != "failed" {
		t.Fatalf("expected failed status, got %s", store.status("o1"))
	}

	sink.err = nil
	sink.envs = nil
	sent, err = relay.Dispatch(ctx)
	if err != nil || sent != 2 {
		t.Fatalf("expected 2 sent, got %d %v", sent, err)
	}
	if sink.envs[0].EventType != TypeSettlementCreated {
		t.Fatalf("expected oldest first, got %s", sink.envs[0].EventType)
	}
	if sent, _ := relay.Dispatch(ctx); sent != 0 {
		t.Fatalf("expected sent records to stay sent, got %d", sent)
	}
}

func TestOutboxRelayGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newMemOutbox()
	pub, _ := NewOutboxPublisher(store)
	_ = Emit(ctx, pub, TypeDeductionsApplied, map[string]int{"summary_id": 3})

	sink := &recordingPublisher{err: errors.New("broker down")}
	relay, _ := NewRelay(store, sink, WithMaxAttempts(2), WithBatchSize(10))
	for i := 0; i < 3; i++ {
		if _, err := relay.Dispatch(ctx); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if len(sink.envs) != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", len(sink.envs))
	}
}

func TestNewRelayRequiresDeps(t *testing.T) {
	if _, err := NewRelay(nil, &recordingPublisher{}); err == nil {
		t.Fatalf("expected nil store error")
	}
	if _, err := NewRelay(newMemOutbox(), nil); err == nil {
		t.Fatalf("expected nil sink error")
	}
}
