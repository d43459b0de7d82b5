package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"medliq-cloud/internal/apperr"
	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/events"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/observability/metrics"
)

// Allocator withholds outstanding balances from the funds doctors earned in
// a summary period.
type Allocator struct {
	store     deductions.Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewAllocator constructs an allocator.
func NewAllocator(store deductions.Store, opts ...Option) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("allocator: nil store")
	}
	o := buildOptions(opts)
	return &Allocator{store: store, publisher: o.publisher, logger: o.logger}, nil
}

// ApplyResult reports one allocation run.
type ApplyResult struct {
	SummaryID           int64           `json:"summary_id"`
	DoctorsWithFunds    int             `json:"doctors_with_funds"`
	DoctorsCharged      int             `json:"doctors_charged"`
	ApplicationsCreated int             `json:"applications_created"`
	ApplicationsUpdated int             `json:"applications_updated"`
	TotalApplied        decimal.Decimal `json:"total_applied"`
	TotalDeduction      decimal.Decimal `json:"total_deduction"`
	Note                string          `json:"note"`
}

// ApplyDeductions consumes every outstanding balance against the doctor's
// available funds for the summary, largest balance first, then recomputes the
// summary's total deduction from all of its applications.
func (a *Allocator) ApplyDeductions(ctx context.Context, summaryID int64) (*ApplyResult, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveDeductionsApply(result, time.Since(start))
	}()

	if summaryID <= 0 {
		result = metrics.ResultError
		return nil, fmt.Errorf("%w: summary id must be positive", apperr.ErrValidation)
	}

	out := &ApplyResult{SummaryID: summaryID, TotalApplied: money.Zero, TotalDeduction: money.Zero}
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		ok, err := tx.SummaryExists(ctx, summaryID)
		if err != nil {
			return err
		}
		if !ok {
			return deductions.ErrSummaryNotFound
		}

		// Funds are read after the balance locks so a concurrent run's
		// applications are already counted.
		balances, err := tx.LockOutstandingBalances(ctx)
		if err != nil {
			return err
		}
		funds, err := tx.FundsByDoctor(ctx, summaryID)
		if err != nil {
			return err
		}
		available := make(map[int64]decimal.Decimal, len(funds))
		for _, f := range funds {
			if avail := f.Available(); avail.IsPositive() {
				available[f.DoctorID] = avail
			}
		}
		out.DoctorsWithFunds = len(available)

		byDoctor := deductions.GroupByDoctor(balances)
		doctors := make([]int64, 0, len(byDoctor))
		for doctorID := range byDoctor {
			doctors = append(doctors, doctorID)
		}
		sort.Slice(doctors, func(i, j int) bool { return doctors[i] < doctors[j] })

		applied := decimal.Zero
		for _, doctorID := range doctors {
			avail, ok := available[doctorID]
			if !ok {
				continue
			}
			plan := deductions.PlanAllocation(avail, byDoctor[doctorID])
			if len(plan) == 0 {
				continue
			}
			out.DoctorsCharged++
			for _, step := range plan {
				if err := tx.DecrementBalance(ctx, step.Balance.ID, step.Applied); err != nil {
					return err
				}
				created, err := tx.AddApplication(ctx, deductions.ApplicationKey{
					SummaryID:   summaryID,
					DoctorID:    doctorID,
					ConceptType: step.Balance.ConceptType,
					ConceptID:   step.Balance.ConceptID,
				}, step.Applied)
				if err != nil {
					return err
				}
				if created {
					out.ApplicationsCreated++
				} else {
					out.ApplicationsUpdated++
				}
				applied = applied.Add(step.Applied)
			}
		}
		out.TotalApplied = money.Round2(applied)

		total, err := tx.SumApplications(ctx, summaryID)
		if err != nil {
			return err
		}
		out.TotalDeduction = money.Round2(total)
		return tx.SetSummaryDeduction(ctx, summaryID, out.TotalDeduction)
	})
	if err != nil {
		result = metrics.ResultError
		a.logger.Error("deduction allocation failed", zap.Int64("summary_id", summaryID), zap.Error(err))
		return nil, err
	}

	out.Note = applyNote(out)
	metrics.AddApplied(out.TotalApplied.InexactFloat64())
	a.logger.Info("deductions applied",
		zap.Int64("summary_id", summaryID),
		zap.Int("doctors_charged", out.DoctorsCharged),
		zap.Int("applications_created", out.ApplicationsCreated),
		zap.Int("applications_updated", out.ApplicationsUpdated),
		zap.String("total_applied", out.TotalApplied.StringFixed(money.Places)),
		zap.String("total_deduction", out.TotalDeduction.StringFixed(money.Places)),
	)
	if err := events.Emit(ctx, a.publisher, events.TypeDeductionsApplied, events.DeductionsApplied{
		SummaryID:      summaryID,
		Doctors:        out.DoctorsCharged,
		Applications:   out.ApplicationsCreated + out.ApplicationsUpdated,
		TotalApplied:   out.TotalApplied,
		TotalDeduction: out.TotalDeduction,
	}); err != nil {
		a.logger.Warn("event publish failed", zap.Error(err))
	}
	return out, nil
}

func applyNote(r *ApplyResult) string {
	if r.DoctorsCharged == 0 {
		return fmt.Sprintf("nothing to withhold; total deduction %s", r.TotalDeduction.StringFixed(money.Places))
	}
	return fmt.Sprintf("withheld %s from %d doctors; total deduction %s",
		r.TotalApplied.StringFixed(money.Places), r.DoctorsCharged, r.TotalDeduction.StringFixed(money.Places))
}
