package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/apperr"
	fundsadapter "medliq-cloud/internal/deductions/adapters/settlement"
	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/deductions/infrastructure/memory"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
	settlementmemory "medliq-cloud/internal/settlement/infrastructure/memory"
)

var march = period.Period{Year: 2024, Month: 3}

type fixture struct {
	settlements *settlementmemory.Store
	builder     *settlementapp.Service
	ledger      *settlementapp.AdjustmentLedger
	store       *memory.Store
	charges     *ChargeGenerator
	allocator   *Allocator
	queries     *Queries
	summaryID   int64
}

// newFixture settles one record per doctor with the given primary values.
func newFixture(t *testing.T, gross map[int64]string) *fixture {
	t.Helper()
	ctx := context.Background()
	sst := settlementmemory.NewStore()
	var recordID int64
	for doctorID, value := range gross {
		recordID++
		sst.PutRecord(settlement.BilledServiceRecord{
			ID:              recordID,
			PrimaryDoctorID: doctorID,
			InsurerID:       7,
			Period:          march,
			PrimaryValue:    money.MustParse(value),
			ConsultationRef: "C",
			Active:          true,
		})
	}
	decomposer, _ := settlement.NewDecomposer(settlement.DecomposerPolicy{})
	builder, err := settlementapp.NewService(sst, decomposer)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	ledger, _ := settlementapp.NewAdjustmentLedger(sst)
	summary, err := builder.OpenSummary(ctx, march)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}

	funds, _ := fundsadapter.NewMemoryFunds(sst)
	store, err := memory.NewStore(funds)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	charges, _ := NewChargeGenerator(store)
	allocator, _ := NewAllocator(store)
	queries, _ := NewQueries(store)
	return &fixture{
		settlements: sst,
		builder:     builder,
		ledger:      ledger,
		store:       store,
		charges:     charges,
		allocator:   allocator,
		queries:     queries,
		summaryID:   summary.ID,
	}
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	_, err := f.builder.CreateSettlement(context.Background(), settlementapp.CreateSettlementInput{
		SummaryID: f.summaryID, InsurerID: 7, Period: march,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func (f *fixture) seed(t *testing.T, fn func(ctx context.Context, tx deductions.Tx) error) {
	t.Helper()
	if err := f.store.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) balances(t *testing.T, doctorID int64) map[int64]decimal.Decimal {
	t.Helper()
	list, err := f.queries.Balances(context.Background(), doctorID)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	out := make(map[int64]decimal.Decimal, len(list))
	for _, b := range list {
		out[b.ConceptID] = b.Balance
	}
	return out
}

func TestGenerateChargesSnapshotsAndGrowsBalances(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "2000.00"})
	f.settle(t)
	f.seed(t, func(ctx context.Context, tx deductions.Tx) error {
		if err := tx.UpsertDefinition(ctx, &deductions.Definition{ID: 1, ConceptNumber: 40, Name: "membership", Price: money.MustParse("1000"), Percentage: money.MustParse("5")}); err != nil {
			return err
		}
		if err := tx.UpsertAssignment(ctx, 10, json.RawMessage(`["40"]`), nil); err != nil {
			return err
		}
		if err := tx.UpsertAssignment(ctx, 11, json.RawMessage(`[40, 3]`), nil); err != nil {
			return err
		}
		return tx.UpsertAssignment(ctx, 12, json.RawMessage(`[41]`), nil)
	})

	res, err := f.charges.GenerateCharges(context.Background(), f.summaryID, 1, deductions.Overrides{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Matched != 2 || res.Created != 2 || res.Updated != 0 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if !res.Total.Equal(money.MustParse("2100")) {
		t.Fatalf("expected total 2100, got %s", res.Total)
	}
	if res.Note == "" {
		t.Fatalf("expected a status note")
	}
	if got := f.balances(t, 10)[1]; !got.Equal(money.MustParse("1100")) {
		t.Fatalf("expected doctor 10 balance 1100, got %s", got)
	}
	if got := f.balances(t, 11)[1]; !got.Equal(money.MustParse("1000")) {
		t.Fatalf("expected doctor 11 balance 1000 on zero base, got %s", got)
	}
	if len(f.balances(t, 12)) != 0 {
		t.Fatalf("unmatched doctor must not be charged")
	}

	again, err := f.charges.GenerateCharges(context.Background(), f.summaryID, 1, deductions.Overrides{})
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	if again.Created != 0 || again.Updated != 2 {
		t.Fatalf("expected upserts to update, got %+v", again)
	}
	charges, _ := f.queries.Charges(context.Background(), f.summaryID)
	if len(charges) != 2 {
		t.Fatalf("expected one charge row per doctor, got %d", len(charges))
	}
}

func TestGenerateChargesSkipsMalformedAssignment(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "100.00", 11: "100.00"})
	f.settle(t)
	f.seed(t, func(ctx context.Context, tx deductions.Tx) error {
		if err := tx.UpsertDefinition(ctx, &deductions.Definition{ID: 1, ConceptNumber: 40, Name: "membership", Price: money.MustParse("25")}); err != nil {
			return err
		}
		if err := tx.UpsertAssignment(ctx, 10, json.RawMessage(`[40]`), nil); err != nil {
			return err
		}
		return tx.UpsertAssignment(ctx, 11, json.RawMessage(`[40, "forty"]`), nil)
	})

	res, err := f.charges.GenerateCharges(context.Background(), f.summaryID, 1, deductions.Overrides{})
	if err != nil {
		t.Fatalf("one malformed document must not abort the run: %v", err)
	}
	if res.Matched != 1 || !res.Total.Equal(money.MustParse("25")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != 11 {
		t.Fatalf("expected doctor 11 reported as skipped, got %v", res.Skipped)
	}
	if !strings.Contains(res.Note, "11") {
		t.Fatalf("note should name the skipped doctor: %q", res.Note)
	}
	if got := f.balances(t, 11); len(got) != 0 {
		t.Fatalf("skipped doctor was charged: %v", got)
	}
}

func TestGenerateChargesOverridesAndErrors(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "1000"})
	f.settle(t)
	f.seed(t, func(ctx context.Context, tx deductions.Tx) error {
		if err := tx.UpsertDefinition(ctx, &deductions.Definition{ID: 1, ConceptNumber: 5, Price: money.MustParse("10"), Percentage: money.MustParse("1")}); err != nil {
			return err
		}
		return tx.UpsertAssignment(ctx, 10, json.RawMessage(`[5]`), nil)
	})
	ctx := context.Background()

	amount := money.MustParse("20")
	pct := money.MustParse("10")
	res, err := f.charges.GenerateCharges(ctx, f.summaryID, 1, deductions.Overrides{Amount: &amount, Percentage: &pct})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Total.Equal(money.MustParse("120")) {
		t.Fatalf("expected 20 + 1000*10%% = 120, got %s", res.Total)
	}

	if _, err := f.charges.GenerateCharges(ctx, 999, 1, deductions.Overrides{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected missing summary, got %v", err)
	}
	if _, err := f.charges.GenerateCharges(ctx, f.summaryID, 77, deductions.Overrides{}); !errors.Is(err, deductions.ErrDefinitionNotFound) {
		t.Fatalf("expected missing definition, got %v", err)
	}
	neg := money.MustParse("-1")
	if _, err := f.charges.GenerateCharges(ctx, f.summaryID, 1, deductions.Overrides{Amount: &neg}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := f.balances(t, 10)[1]; !got.Equal(money.MustParse("120")) {
		t.Fatalf("failed runs must not touch balances, got %s", got)
	}
}

func TestGenerateSpecialtyCharges(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "500"})
	f.settle(t)
	f.seed(t, func(ctx context.Context, tx deductions.Tx) error {
		if err := tx.UpsertSpecialty(ctx, &deductions.Specialty{ID: 3, Name: "cardiology", Price: money.MustParse("15"), Percentage: money.MustParse("2")}); err != nil {
			return err
		}
		return tx.UpsertAssignment(ctx, 10, nil, json.RawMessage(`["3"]`))
	})

	res, err := f.charges.GenerateSpecialtyCharges(context.Background(), f.summaryID, 3, deductions.Overrides{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.ConceptType != deductions.ConceptSpecialty || !res.Total.Equal(money.MustParse("25")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	list, _ := f.queries.Balances(context.Background(), 10)
	if len(list) != 1 || list[0].ConceptType != deductions.ConceptSpecialty {
		t.Fatalf("expected one specialty balance, got %+v", list)
	}
	if _, err := f.charges.GenerateSpecialtyCharges(context.Background(), f.summaryID, 4, deductions.Overrides{}); !errors.Is(err, deductions.ErrSpecialtyNotFound) {
		t.Fatalf("expected missing specialty, got %v", err)
	}
}

func seedBalances(t *testing.T, f *fixture, doctorID int64, amounts map[int64]string) {
	f.seed(t, func(ctx context.Context, tx deductions.Tx) error {
		for conceptID, amount := range amounts {
			if _, err := tx.AddToBalance(ctx, doctorID, deductions.ConceptDeduction, conceptID, money.MustParse(amount)); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestApplyDeductionsLargestBalanceFirst(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "50"})
	f.settle(t)
	seedBalances(t, f, 10, map[int64]string{1: "100", 2: "40", 3: "10"})

	res, err := f.allocator.ApplyDeductions(context.Background(), f.summaryID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.ApplicationsCreated != 1 || !res.TotalApplied.Equal(money.MustParse("50")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := f.balances(t, 10)
	if !got[1].Equal(money.MustParse("50")) || !got[2].Equal(money.MustParse("40")) || !got[3].Equal(money.MustParse("10")) {
		t.Fatalf("expected [50, 40, 10] remaining, got %v", got)
	}
	apps, _ := f.queries.Applications(context.Background(), f.summaryID)
	if len(apps) != 1 || apps[0].ConceptID != 1 || !apps[0].Applied.Equal(money.MustParse("50")) {
		t.Fatalf("unexpected applications: %+v", apps)
	}
	summary, _ := f.settlements.SummaryByID(f.summaryID)
	if !summary.TotalDeduction.Equal(money.MustParse("50")) {
		t.Fatalf("expected summary total deduction 50, got %s", summary.TotalDeduction)
	}
}

func TestApplyDeductionsIsIdempotent(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "50", 11: "500"})
	f.settle(t)
	seedBalances(t, f, 10, map[int64]string{1: "100"})
	seedBalances(t, f, 11, map[int64]string{1: "80", 2: "20"})
	ctx := context.Background()

	first, err := f.allocator.ApplyDeductions(ctx, f.summaryID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !first.TotalDeduction.Equal(money.MustParse("150")) {
		t.Fatalf("expected 150 withheld, got %s", first.TotalDeduction)
	}
	before10, before11 := f.balances(t, 10), f.balances(t, 11)

	second, err := f.allocator.ApplyDeductions(ctx, f.summaryID)
	if err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if second.ApplicationsCreated+second.ApplicationsUpdated != 0 || !second.TotalApplied.IsZero() {
		t.Fatalf("second run changed applications: %+v", second)
	}
	if !second.TotalDeduction.Equal(first.TotalDeduction) {
		t.Fatalf("total deduction drifted: %s vs %s", second.TotalDeduction, first.TotalDeduction)
	}
	after10, after11 := f.balances(t, 10), f.balances(t, 11)
	for k, v := range before10 {
		if !after10[k].Equal(v) {
			t.Fatalf("doctor 10 balance %d changed", k)
		}
	}
	for k, v := range before11 {
		if !after11[k].Equal(v) {
			t.Fatalf("doctor 11 balance %d changed", k)
		}
	}
}

func TestApplyDeductionsRespectsLinkedAdjustments(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "1000"})
	ctx := context.Background()
	if _, err := f.ledger.Create(ctx, settlementapp.AdjustmentInput{
		Kind: "debit", RecordID: 1, InsurerID: 7, Period: "2024-03", Amount: money.MustParse("300"),
	}); err != nil {
		t.Fatalf("adjustment: %v", err)
	}
	f.settle(t)
	seedBalances(t, f, 10, map[int64]string{1: "5000"})

	res, err := f.allocator.ApplyDeductions(ctx, f.summaryID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.TotalApplied.Equal(money.MustParse("700")) {
		t.Fatalf("expected withholding capped at available 700, got %s", res.TotalApplied)
	}
	if got := f.balances(t, 10)[1]; !got.Equal(money.MustParse("4300")) {
		t.Fatalf("expected 4300 left, got %s", got)
	}
}

func TestApplyDeductionsSkipsDoctorsWithoutFunds(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "100"})
	f.settle(t)
	seedBalances(t, f, 99, map[int64]string{1: "100"})

	res, err := f.allocator.ApplyDeductions(context.Background(), f.summaryID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.DoctorsCharged != 0 || !res.TotalDeduction.IsZero() {
		t.Fatalf("expected nothing withheld, got %+v", res)
	}
	if got := f.balances(t, 99)[1]; !got.Equal(money.MustParse("100")) {
		t.Fatalf("balance without funds changed: %s", got)
	}
	if _, err := f.allocator.ApplyDeductions(context.Background(), 404); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	f := newFixture(t, map[int64]string{10: "100"})
	boom := errors.New("boom")
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx deductions.Tx) error {
		if _, err := tx.AddToBalance(ctx, 10, deductions.ConceptDeduction, 1, money.MustParse("10")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(f.balances(t, 10)) != 0 {
		t.Fatalf("expected rollback")
	}
}
