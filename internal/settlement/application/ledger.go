package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"medliq-cloud/internal/apperr"
	"medliq-cloud/internal/events"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/observability/metrics"
	"medliq-cloud/internal/period"
	settlement "medliq-cloud/internal/settlement/domain"
)

// AdjustmentInput is the payload for creating or replacing an adjustment.
type AdjustmentInput struct {
	Kind      string          `json:"kind" validate:"required,oneof=debit credit"`
	RecordID  int64           `json:"record_id" validate:"required,gt=0"`
	InsurerID int64           `json:"insurer_id" validate:"required,gt=0"`
	Period    string          `json:"period" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note" validate:"max=500"`
	CreatedBy string          `json:"created_by" validate:"max=120"`
}

// AdjustmentLedger records manual debits and credits against billed-service
// records.
type AdjustmentLedger struct {
	store     settlement.Store
	validate  *validator.Validate
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewAdjustmentLedger constructs a ledger.
func NewAdjustmentLedger(store settlement.Store, opts ...Option) (*AdjustmentLedger, error) {
	if store == nil {
		return nil, errors.New("adjustment ledger: nil store")
	}
	o := buildOptions(opts)
	return &AdjustmentLedger{
		store:     store,
		validate:  validator.New(),
		publisher: o.publisher,
		logger:    o.logger,
		now:       o.now,
	}, nil
}

func (l *AdjustmentLedger) parse(in AdjustmentInput) (settlement.Adjustment, error) {
	if err := l.validate.Struct(in); err != nil {
		return settlement.Adjustment{}, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	kind, err := settlement.ParseKind(in.Kind)
	if err != nil {
		return settlement.Adjustment{}, err
	}
	p, err := period.Parse(in.Period)
	if err != nil {
		return settlement.Adjustment{}, err
	}
	if in.Amount.IsNegative() {
		return settlement.Adjustment{}, settlement.ErrNegativeAmount
	}
	return settlement.Adjustment{
		Kind:      kind,
		RecordID:  in.RecordID,
		InsurerID: in.InsurerID,
		Period:    p,
		Amount:    money.Round2(in.Amount),
		Note:      in.Note,
		CreatedBy: in.CreatedBy,
	}, nil
}

func crossValidate(ctx context.Context, tx settlement.Tx, adj settlement.Adjustment) error {
	record, err := tx.GetRecord(ctx, adj.RecordID)
	if err != nil {
		return err
	}
	if record == nil {
		return settlement.ErrRecordNotFound
	}
	if !adj.MatchesRecord(*record) {
		return fmt.Errorf("%w: record %d belongs to insurer %d period %s",
			settlement.ErrAdjustmentMismatch, record.ID, record.InsurerID, record.Period)
	}
	return nil
}

// detachLinks clears detail links to the adjustment, refusing when a linked
// settlement is closed.
func detachLinks(ctx context.Context, tx settlement.Tx, adjustmentID int64) error {
	linked, err := tx.SettlementsLinkedToAdjustment(ctx, adjustmentID)
	if err != nil {
		return err
	}
	for _, st := range linked {
		if st.IsClosed() {
			return fmt.Errorf("%w: settlement %d", settlement.ErrSettlementClosed, st.ID)
		}
	}
	if len(linked) == 0 {
		return nil
	}
	return tx.ClearAdjustmentLinks(ctx, adjustmentID)
}

// Create validates the payload against its source record and stores it.
func (l *AdjustmentLedger) Create(ctx context.Context, in AdjustmentInput) (*settlement.Adjustment, error) {
	start := time.Now()
	adj, err := l.parse(in)
	if err == nil {
		adj.CreatedAt = l.now().UTC()
		err = l.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
			if err := crossValidate(ctx, tx, adj); err != nil {
				return err
			}
			return tx.InsertAdjustment(ctx, &adj)
		})
	}
	l.finish(ctx, "create", adj, err, start)
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

// Update replaces an adjustment. Cross-validation re-runs when the record,
// insurer or period changes.
func (l *AdjustmentLedger) Update(ctx context.Context, id int64, in AdjustmentInput) (*settlement.Adjustment, error) {
	start := time.Now()
	adj, err := l.parse(in)
	if err == nil {
		err = l.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
			existing, err := tx.GetAdjustment(ctx, id)
			if err != nil {
				return err
			}
			if existing == nil {
				return settlement.ErrAdjustmentNotFound
			}
			adj.ID = existing.ID
			adj.CreatedAt = existing.CreatedAt
			if adj.CreatedBy == "" {
				adj.CreatedBy = existing.CreatedBy
			}
			moved := adj.RecordID != existing.RecordID ||
				adj.InsurerID != existing.InsurerID ||
				adj.Period != existing.Period
			if moved {
				if err := crossValidate(ctx, tx, adj); err != nil {
					return err
				}
			}
			if adj.RecordID != existing.RecordID {
				if err := detachLinks(ctx, tx, id); err != nil {
					return err
				}
			}
			return tx.UpdateAdjustment(ctx, &adj)
		})
	}
	l.finish(ctx, "update", adj, err, start)
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

// Delete removes an adjustment and clears detail links to it.
func (l *AdjustmentLedger) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	var removed settlement.Adjustment
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		existing, err := tx.GetAdjustment(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return settlement.ErrAdjustmentNotFound
		}
		removed = *existing
		if err := detachLinks(ctx, tx, id); err != nil {
			return err
		}
		return tx.DeleteAdjustment(ctx, id)
	})
	l.finish(ctx, "delete", removed, err, start)
	return err
}

// Get returns one adjustment.
func (l *AdjustmentLedger) Get(ctx context.Context, id int64) (*settlement.Adjustment, error) {
	var out *settlement.Adjustment
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		adj, err := tx.GetAdjustment(ctx, id)
		if err != nil {
			return err
		}
		if adj == nil {
			return settlement.ErrAdjustmentNotFound
		}
		out = adj
		return nil
	})
	return out, err
}

// List returns one page of adjustments matching the filter.
func (l *AdjustmentLedger) List(ctx context.Context, filter settlement.AdjustmentFilter) (*settlement.AdjustmentPage, error) {
	filter = filter.Normalize()
	if filter.Kind != "" {
		if _, err := settlement.ParseKind(string(filter.Kind)); err != nil {
			return nil, err
		}
	}
	page := &settlement.AdjustmentPage{Page: filter.Page, PageSize: filter.PageSize}
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		items, total, err := tx.ListAdjustments(ctx, filter)
		if err != nil {
			return err
		}
		page.Items = items
		page.Total = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	if page.Items == nil {
		page.Items = []settlement.Adjustment{}
	}
	return page, nil
}

func (l *AdjustmentLedger) finish(ctx context.Context, op string, adj settlement.Adjustment, err error, start time.Time) {
	if err != nil {
		metrics.ObserveAdjustment(op, resultFor(err), time.Since(start))
		l.logger.Warn("adjustment "+op+" failed", zap.Int64("record_id", adj.RecordID), zap.Error(err))
		return
	}
	metrics.ObserveAdjustment(op, metrics.ResultSuccess, time.Since(start))
	l.logger.Info("adjustment "+op,
		zap.Int64("adjustment_id", adj.ID),
		zap.Int64("record_id", adj.RecordID),
		zap.String("kind", string(adj.Kind)),
		zap.String("amount", adj.Amount.StringFixed(money.Places)),
	)
	if pubErr := events.Emit(ctx, l.publisher, events.TypeAdjustmentRecorded, events.AdjustmentRecorded{
		AdjustmentID: adj.ID,
		Op:           op,
		Kind:         string(adj.Kind),
		RecordID:     adj.RecordID,
		Amount:       adj.Amount,
	}); pubErr != nil {
		l.logger.Warn("event publish failed", zap.Error(pubErr))
	}
}
