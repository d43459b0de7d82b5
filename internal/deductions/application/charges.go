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

// ChargeGenerator snapshots recurring concepts onto doctors for one summary
// period and grows their balances.
type ChargeGenerator struct {
	store     deductions.Store
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewChargeGenerator constructs a generator.
func NewChargeGenerator(store deductions.Store, opts ...Option) (*ChargeGenerator, error) {
	if store == nil {
		return nil, errors.New("charge generator: nil store")
	}
	o := buildOptions(opts)
	return &ChargeGenerator{store: store, publisher: o.publisher, logger: o.logger, now: o.now}, nil
}

// ChargeResult reports one generation run.
type ChargeResult struct {
	SummaryID   int64                  `json:"summary_id"`
	ConceptType deductions.ConceptType `json:"concept_type"`
	ConceptID   int64                  `json:"concept_id"`
	Amount      decimal.Decimal        `json:"amount"`
	Percentage  decimal.Decimal        `json:"percentage"`
	Matched     int                    `json:"matched"`
	Skipped     []int64                `json:"skipped_doctors,omitempty"`
	Created     int                    `json:"created"`
	Updated     int                    `json:"updated"`
	Total       decimal.Decimal        `json:"total"`
	Note        string                 `json:"note"`
}

// GenerateCharges charges a deduction definition to every doctor whose
// memberships list its concept number.
func (g *ChargeGenerator) GenerateCharges(ctx context.Context, summaryID, deductionID int64, overrides deductions.Overrides) (*ChargeResult, error) {
	return g.generate(ctx, deductions.ConceptDeduction, summaryID, deductionID, overrides, func(ctx context.Context, tx deductions.Tx) (*deductions.Concept, error) {
		def, err := tx.GetDefinition(ctx, deductionID)
		if err != nil {
			return nil, err
		}
		if def == nil {
			return nil, deductions.ErrDefinitionNotFound
		}
		c := def.Concept()
		return &c, nil
	})
}

// GenerateSpecialtyCharges charges a specialty fee to every doctor assigned
// to the specialty.
func (g *ChargeGenerator) GenerateSpecialtyCharges(ctx context.Context, summaryID, specialtyID int64, overrides deductions.Overrides) (*ChargeResult, error) {
	return g.generate(ctx, deductions.ConceptSpecialty, summaryID, specialtyID, overrides, func(ctx context.Context, tx deductions.Tx) (*deductions.Concept, error) {
		sp, err := tx.GetSpecialty(ctx, specialtyID)
		if err != nil {
			return nil, err
		}
		if sp == nil {
			return nil, deductions.ErrSpecialtyNotFound
		}
		c := sp.Concept()
		return &c, nil
	})
}

type conceptLoader func(ctx context.Context, tx deductions.Tx) (*deductions.Concept, error)

func (g *ChargeGenerator) generate(ctx context.Context, conceptType deductions.ConceptType, summaryID, conceptID int64, overrides deductions.Overrides, load conceptLoader) (*ChargeResult, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveChargesGenerate(string(conceptType), result, time.Since(start))
	}()

	if summaryID <= 0 || conceptID <= 0 {
		result = metrics.ResultError
		return nil, fmt.Errorf("%w: summary and concept ids must be positive", apperr.ErrValidation)
	}

	out := &ChargeResult{SummaryID: summaryID, ConceptType: conceptType, ConceptID: conceptID, Total: money.Zero}
	err := g.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		ok, err := tx.SummaryExists(ctx, summaryID)
		if err != nil {
			return err
		}
		if !ok {
			return deductions.ErrSummaryNotFound
		}
		concept, err := load(ctx, tx)
		if err != nil {
			return err
		}
		amount, pct, err := overrides.Resolve(*concept)
		if err != nil {
			return err
		}
		out.Amount, out.Percentage = amount, pct

		assignments, err := tx.ListAssignments(ctx)
		if err != nil {
			return err
		}
		var doctors []int64
		for _, a := range assignments {
			if a.Invalid != nil {
				out.Skipped = append(out.Skipped, a.DoctorID)
				g.logger.Warn("skipping malformed assignment", zap.Int64("doctor_id", a.DoctorID), zap.Error(a.Invalid))
				continue
			}
			if concept.Matches(a) {
				doctors = append(doctors, a.DoctorID)
			}
		}
		sort.Slice(doctors, func(i, j int) bool { return doctors[i] < doctors[j] })
		out.Matched = len(doctors)
		if len(doctors) == 0 {
			return nil
		}

		gross, err := tx.GrossByDoctor(ctx, summaryID)
		if err != nil {
			return err
		}
		now := g.now().UTC()
		total := decimal.Zero
		for _, doctorID := range doctors {
			base, ok := gross[doctorID]
			if !ok {
				base = money.Zero
			}
			charge := &deductions.Charge{
				DoctorID:    doctorID,
				SummaryID:   summaryID,
				ConceptType: conceptType,
				ConceptID:   concept.ID,
				Amount:      amount,
				Percentage:  pct,
				Base:        money.Round2(base),
				Total:       deductions.ComputeCharge(amount, pct, base),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			created, err := tx.UpsertCharge(ctx, charge)
			if err != nil {
				return err
			}
			if created {
				out.Created++
			} else {
				out.Updated++
			}
			if _, err := tx.AddToBalance(ctx, doctorID, conceptType, concept.ID, charge.Total); err != nil {
				return err
			}
			total = total.Add(charge.Total)
		}
		out.Total = money.Round2(total)
		return nil
	})
	if err != nil {
		result = metrics.ResultError
		g.logger.Error("charge generation failed",
			zap.String("concept_type", string(conceptType)),
			zap.Int64("concept_id", conceptID),
			zap.Int64("summary_id", summaryID),
			zap.Error(err),
		)
		return nil, err
	}

	out.Note = chargeNote(out)
	metrics.AddCharged(string(conceptType), out.Total.InexactFloat64())
	g.logger.Info("charges generated",
		zap.String("concept_type", string(conceptType)),
		zap.Int64("concept_id", conceptID),
		zap.Int64("summary_id", summaryID),
		zap.Int("created", out.Created),
		zap.Int("updated", out.Updated),
		zap.String("total", out.Total.StringFixed(money.Places)),
	)
	if err := events.Emit(ctx, g.publisher, events.TypeDeductionsCharged, events.DeductionsCharged{
		SummaryID:   summaryID,
		ConceptType: string(conceptType),
		ConceptID:   conceptID,
		Created:     out.Created,
		Updated:     out.Updated,
		Total:       out.Total,
	}); err != nil {
		g.logger.Warn("event publish failed", zap.Error(err))
	}
	return out, nil
}

func chargeNote(r *ChargeResult) string {
	var note string
	if r.Matched == 0 {
		note = fmt.Sprintf("no doctors assigned to %s %d", r.ConceptType, r.ConceptID)
	} else {
		note = fmt.Sprintf("charged %d doctors (%d created, %d updated), total %s",
			r.Matched, r.Created, r.Updated, r.Total.StringFixed(money.Places))
	}
	if len(r.Skipped) > 0 {
		note += fmt.Sprintf("; skipped malformed assignments for doctors %v", r.Skipped)
	}
	return note
}
