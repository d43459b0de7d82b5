package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"medliq-cloud/internal/observability/metrics"
)

// OutboxRecord is one stored envelope awaiting delivery.
type OutboxRecord struct {
	ID       string
	Attempts int
	Envelope Envelope
}

// OutboxStore persists envelopes until the relay delivers them.
type OutboxStore interface {
	Insert(ctx context.Context, env Envelope) (string, error)
	// ListPending returns pending records and failed ones still under
	// maxAttempts, oldest first.
	ListPending(ctx context.Context, limit, maxAttempts int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// OutboxPublisher stores envelopes instead of delivering them.
type OutboxPublisher struct {
	store OutboxStore
}

// NewOutboxPublisher constructs an outbox publisher.
func NewOutboxPublisher(store OutboxStore) (*OutboxPublisher, error) {
	if store == nil {
		return nil, errors.New("outbox publisher: nil store")
	}
	return &OutboxPublisher{store: store}, nil
}

// Publish writes the envelope to the outbox.
func (p *OutboxPublisher) Publish(ctx context.Context, env Envelope) error {
	if _, err := p.store.Insert(ctx, env); err != nil {
		metrics.IncEventPublished("outbox", metrics.ResultError)
		return err
	}
	metrics.IncEventPublished("outbox", metrics.ResultSuccess)
	return nil
}

// Relay forwards outbox records to a downstream publisher.
type Relay struct {
	store       OutboxStore
	sink        Publisher
	logger      *zap.Logger
	batch       int
	maxAttempts int
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithBatchSize caps the records handled per Dispatch.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithMaxAttempts sets how often a failed record is retried.
func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRelay constructs a relay.
func NewRelay(store OutboxStore, sink Publisher, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, errors.New("outbox relay: nil store")
	}
	if sink == nil {
		return nil, errors.New("outbox relay: nil sink")
	}
	r := &Relay{store: store, sink: sink, logger: zap.NewNop(), batch: 50, maxAttempts: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Dispatch delivers one batch and reports how many records were sent.
// Delivery failures mark the record and move on.
func (r *Relay) Dispatch(ctx context.Context) (int, error) {
	records, err := r.store.ListPending(ctx, r.batch, r.maxAttempts)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, record := range records {
		if err := r.sink.Publish(ctx, record.Envelope); err != nil {
			r.logger.Warn("outbox delivery failed",
				zap.String("outbox_id", record.ID),
				zap.String("event_type", record.Envelope.EventType),
				zap.Int("attempts", record.Attempts+1),
				zap.Error(err),
			)
			if markErr := r.store.MarkFailed(ctx, record.ID, err); markErr != nil {
				return sent, markErr
			}
			continue
		}
		if err := r.store.MarkSent(ctx, record.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Run dispatches every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Dispatch(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}
