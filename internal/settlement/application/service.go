package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"medliq-cloud/internal/apperr"
	"medliq-cloud/internal/events"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/observability/metrics"
	"medliq-cloud/internal/period"
	settlement "medliq-cloud/internal/settlement/domain"
)

// Service builds, reads and closes settlements.
type Service struct {
	store      settlement.Store
	decomposer *settlement.Decomposer
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service or AdjustmentLedger.
type Option func(*options)

type options struct {
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// WithPublisher sets the post-commit event publisher.
func WithPublisher(publisher events.Publisher) Option {
	return func(o *options) { o.publisher = publisher }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// NewService constructs a settlement service.
func NewService(store settlement.Store, decomposer *settlement.Decomposer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("settlement service: nil store")
	}
	if decomposer == nil {
		return nil, errors.New("settlement service: nil decomposer")
	}
	o := buildOptions(opts)
	return &Service{
		store:      store,
		decomposer: decomposer,
		publisher:  o.publisher,
		logger:     o.logger,
		now:        o.now,
	}, nil
}

// OpenSummary returns the summary of the period, creating it on first use.
func (s *Service) OpenSummary(ctx context.Context, p period.Period) (*settlement.Summary, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("%w: period required", apperr.ErrValidation)
	}
	var out *settlement.Summary
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		existing, err := tx.FindSummaryByPeriod(ctx, p)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		summary := &settlement.Summary{
			Period:         p,
			TotalGross:     money.Zero,
			TotalDebits:    money.Zero,
			TotalDeduction: money.Zero,
			CreatedAt:      s.now().UTC(),
		}
		if err := tx.InsertSummary(ctx, summary); err != nil {
			return err
		}
		out = summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSummary returns a summary by id.
func (s *Service) GetSummary(ctx context.Context, id int64) (*settlement.Summary, error) {
	var out *settlement.Summary
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		summary, err := tx.GetSummary(ctx, id)
		if err != nil {
			return err
		}
		if summary == nil {
			return settlement.ErrSummaryNotFound
		}
		out = summary
		return nil
	})
	return out, err
}

// ListSettlements returns every settlement under a summary.
func (s *Service) ListSettlements(ctx context.Context, summaryID int64) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		summary, err := tx.GetSummary(ctx, summaryID)
		if err != nil {
			return err
		}
		if summary == nil {
			return settlement.ErrSummaryNotFound
		}
		out, err = tx.ListSettlements(ctx, summaryID)
		return err
	})
	return out, err
}

// RecomputeSummaryTotals re-derives gross and debits from the summary's
// settlements.
func (s *Service) RecomputeSummaryTotals(ctx context.Context, summaryID int64) (*settlement.Summary, error) {
	var out *settlement.Summary
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		summary, err := recomputeSummary(ctx, tx, summaryID)
		out = summary
		return err
	})
	return out, err
}

func recomputeSummary(ctx context.Context, tx settlement.Tx, summaryID int64) (*settlement.Summary, error) {
	summary, err := tx.GetSummary(ctx, summaryID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, settlement.ErrSummaryNotFound
	}
	gross, debits, err := tx.SumSettlementTotals(ctx, summaryID)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateSummaryTotals(ctx, summaryID, gross, debits); err != nil {
		return nil, err
	}
	summary.TotalGross = money.Round2(gross)
	summary.TotalDebits = money.Round2(debits)
	return summary, nil
}

// CreateSettlementInput identifies the batch to build.
type CreateSettlementInput struct {
	SummaryID  int64
	InsurerID  int64
	Period     period.Period
	NumberBase string
}

// CreateSettlementResult is the persisted settlement with its details.
type CreateSettlementResult struct {
	Settlement settlement.Settlement `json:"settlement"`
	Details    []settlement.Detail   `json:"details"`
}

// CreateSettlement builds the next version of the insurer and period
// settlement under the summary.
func (s *Service) CreateSettlement(ctx context.Context, in CreateSettlementInput) (*CreateSettlementResult, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveSettlementCreate(result, time.Since(start))
	}()

	if err := validateCreate(in); err != nil {
		result = metrics.ResultError
		return nil, err
	}

	var out *CreateSettlementResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		built, err := s.build(ctx, tx, in)
		out = built
		return err
	})
	if err != nil {
		result = resultFor(err)
		s.logger.Error("settlement create failed",
			zap.Int64("summary_id", in.SummaryID),
			zap.Int64("insurer_id", in.InsurerID),
			zap.String("period", in.Period.String()),
			zap.Error(err),
		)
		return nil, err
	}

	st := out.Settlement
	s.logger.Info("settlement created",
		zap.Int64("settlement_id", st.ID),
		zap.Int64("summary_id", st.SummaryID),
		zap.Int64("insurer_id", st.InsurerID),
		zap.String("period", st.Period.String()),
		zap.Int("version", st.Version),
		zap.Int("details", len(out.Details)),
		zap.String("total_net", st.TotalNet.StringFixed(money.Places)),
	)
	s.emit(ctx, events.TypeSettlementCreated, events.SettlementCreated{
		SettlementID: st.ID,
		SummaryID:    st.SummaryID,
		InsurerID:    st.InsurerID,
		Period:       st.Period.String(),
		Version:      st.Version,
		Number:       st.Number,
		Details:      len(out.Details),
		TotalGross:   st.TotalGross,
		TotalNet:     st.TotalNet,
	})
	return out, nil
}

func validateCreate(in CreateSettlementInput) error {
	if in.SummaryID <= 0 {
		return fmt.Errorf("%w: summary_id required", apperr.ErrValidation)
	}
	if in.InsurerID <= 0 {
		return fmt.Errorf("%w: insurer_id required", apperr.ErrValidation)
	}
	if in.Period.IsZero() {
		return fmt.Errorf("%w: period required", apperr.ErrValidation)
	}
	return nil
}

func (s *Service) build(ctx context.Context, tx settlement.Tx, in CreateSettlementInput) (*CreateSettlementResult, error) {
	summary, err := tx.GetSummary(ctx, in.SummaryID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, settlement.ErrSummaryNotFound
	}

	if err := tx.LockVersionCounter(ctx, in.InsurerID, in.Period); err != nil {
		return nil, err
	}
	version, err := tx.CountSettlements(ctx, in.InsurerID, in.Period)
	if err != nil {
		return nil, err
	}
	exists, err := tx.SettlementExists(ctx, in.SummaryID, in.InsurerID, in.Period, version)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, settlement.ErrSettlementExists
	}

	records, err := tx.ListRecords(ctx, in.InsurerID, in.Period, version == 0)
	if err != nil {
		return nil, err
	}
	eligible := make([]settlement.BilledServiceRecord, 0, len(records))
	recordIDs := make([]int64, 0, len(records))
	for _, record := range records {
		if !s.decomposer.Eligible(record) {
			continue
		}
		eligible = append(eligible, record)
		recordIDs = append(recordIDs, record.ID)
	}

	var adjustments []settlement.Adjustment
	if len(recordIDs) > 0 {
		adjustments, err = tx.AdjustmentsForRecords(ctx, in.InsurerID, in.Period, recordIDs)
		if err != nil {
			return nil, err
		}
	}
	latest := settlement.LatestByRecord(adjustments)

	var lineage *settlement.LineageIndex
	predecessorAdjustments := map[int64]settlement.Adjustment{}
	if version > 0 {
		candidates, err := tx.LineageCandidates(ctx, in.InsurerID, in.Period, version)
		if err != nil {
			return nil, err
		}
		lineage = settlement.NewLineageIndex(candidates, version)
		var linked []int64
		for _, c := range candidates {
			if c.AdjustmentID != nil {
				linked = append(linked, *c.AdjustmentID)
			}
		}
		if len(linked) > 0 {
			predecessorAdjustments, err = tx.GetAdjustments(ctx, linked)
			if err != nil {
				return nil, err
			}
		}
	}

	base := in.NumberBase
	if base == "" {
		base = fmt.Sprintf("%s-%d", in.Period.String(), in.InsurerID)
	}
	st := &settlement.Settlement{
		SummaryID: in.SummaryID,
		InsurerID: in.InsurerID,
		Period:    in.Period,
		Version:   version,
		Status:    settlement.StatusOpen,
		Number:    settlement.FormatNumber(version, base),
		CreatedAt: s.now().UTC(),
	}
	st.ApplyTotals(money.Zero, money.Zero, money.Zero)
	if err := tx.InsertSettlement(ctx, st); err != nil {
		return nil, err
	}

	gross := decimal.Zero
	details := make([]settlement.Detail, 0, len(eligible))
	for _, record := range eligible {
		shares := s.decomposer.Decompose(record)
		adj, hasAdj := latest[record.ID]
		for i, share := range shares {
			detail := settlement.Detail{
				SettlementID: st.ID,
				DoctorID:     share.DoctorID,
				InsurerID:    record.InsurerID,
				RecordRef:    record.Ref(),
				PaidAmount:   money.Zero,
				GrossAmount:  share.Amount,
				Version:      version,
			}
			pred, hasPred := lineage.Resolve(record.Ref(), share.DoctorID)
			if hasPred {
				predID := pred.ID
				detail.PredecessorID = &predID
				var predAdj *settlement.Adjustment
				if pred.AdjustmentID != nil {
					if a, found := predecessorAdjustments[*pred.AdjustmentID]; found {
						predAdj = &a
					}
				}
				detail.PaidAmount = pred.RowTotal(predAdj)
			}
			if i == 0 && hasAdj && !(hasPred && lineage.Carries(pred, adj.ID)) {
				adjID := adj.ID
				detail.AdjustmentID = &adjID
			}
			gross = gross.Add(share.Amount)
			details = append(details, detail)
		}
	}
	if len(details) > 0 {
		if err := tx.InsertDetails(ctx, details); err != nil {
			return nil, err
		}
	}

	totals := settlement.SumAdjustments(adjustments)
	st.ApplyTotals(gross, totals.Debits, totals.Credits)
	if err := tx.UpdateSettlementTotals(ctx, st); err != nil {
		return nil, err
	}
	if _, err := recomputeSummary(ctx, tx, in.SummaryID); err != nil {
		return nil, err
	}
	return &CreateSettlementResult{Settlement: *st, Details: details}, nil
}

// GetSettlement returns a settlement by id.
func (s *Service) GetSettlement(ctx context.Context, id int64) (*settlement.Settlement, error) {
	var out *settlement.Settlement
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		st, err := tx.GetSettlement(ctx, id, false)
		if err != nil {
			return err
		}
		if st == nil {
			return settlement.ErrSettlementNotFound
		}
		out = st
		return nil
	})
	return out, err
}

// ListDetailRows returns each detail of the settlement with its base amount,
// linked adjustment and row total.
func (s *Service) ListDetailRows(ctx context.Context, settlementID int64) ([]settlement.DetailRow, error) {
	var rows []settlement.DetailRow
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		st, err := tx.GetSettlement(ctx, settlementID, false)
		if err != nil {
			return err
		}
		if st == nil {
			return settlement.ErrSettlementNotFound
		}
		details, err := tx.ListDetails(ctx, settlementID)
		if err != nil {
			return err
		}
		var ids []int64
		for _, d := range details {
			if d.AdjustmentID != nil {
				ids = append(ids, *d.AdjustmentID)
			}
		}
		adjustments := map[int64]settlement.Adjustment{}
		if len(ids) > 0 {
			adjustments, err = tx.GetAdjustments(ctx, ids)
			if err != nil {
				return err
			}
		}
		rows = make([]settlement.DetailRow, 0, len(details))
		for _, d := range details {
			var adj *settlement.Adjustment
			if d.AdjustmentID != nil {
				if a, ok := adjustments[*d.AdjustmentID]; ok {
					adj = &a
				}
			}
			rows = append(rows, settlement.BuildDetailRow(d, adj))
		}
		return nil
	})
	return rows, err
}

// CloseSettlement moves the settlement to CLOSED. Closing a closed settlement
// returns it unchanged.
func (s *Service) CloseSettlement(ctx context.Context, id int64) (*settlement.Settlement, error) {
	var (
		out     *settlement.Settlement
		changed bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		st, err := tx.GetSettlement(ctx, id, true)
		if err != nil {
			return err
		}
		if st == nil {
			return settlement.ErrSettlementNotFound
		}
		out = st
		if st.IsClosed() {
			return nil
		}
		changed = st.Close(s.now())
		return tx.MarkSettlementClosed(ctx, id, *st.ClosedAt)
	})
	if err != nil {
		metrics.IncSettlementClose(resultFor(err))
		return nil, err
	}
	metrics.IncSettlementClose(metrics.ResultSuccess)
	if changed {
		s.logger.Info("settlement closed", zap.Int64("settlement_id", out.ID))
		s.emit(ctx, events.TypeSettlementClosed, events.SettlementClosed{
			SettlementID: out.ID,
			SummaryID:    out.SummaryID,
			ClosedAt:     out.ClosedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (s *Service) emit(ctx context.Context, eventType string, payload any) {
	if err := events.Emit(ctx, s.publisher, eventType, payload); err != nil {
		s.logger.Warn("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func resultFor(err error) string {
	if errors.Is(err, apperr.ErrConflict) {
		return metrics.ResultConflict
	}
	return metrics.ResultError
}
