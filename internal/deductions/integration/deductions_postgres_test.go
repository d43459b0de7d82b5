package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medliq-cloud/internal/deductions/application"
	deductions "medliq-cloud/internal/deductions/domain"
	deductionpostgres "medliq-cloud/internal/deductions/infrastructure/postgres"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
	settlementpostgres "medliq-cloud/internal/settlement/infrastructure/postgres"
	"medliq-cloud/internal/testutil/pgtest"
)

var march = period.Period{Year: 2024, Month: 3}

type env struct {
	db        *sql.DB
	builder   *settlementapp.Service
	ledger    *settlementapp.AdjustmentLedger
	catalog   *application.Catalog
	charges   *application.ChargeGenerator
	allocator *application.Allocator
	queries   *application.Queries
	summaryID int64
}

// setup settles one record per doctor and returns the wired deduction
// services over the same database.
func setup(t *testing.T, gross map[int64]string) *env {
	t.Helper()
	ctx := context.Background()
	db := pgtest.Open(t)

	sst, err := settlementpostgres.NewStore(db)
	require.NoError(t, err)
	var id int64
	err = sst.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		for doctorID, value := range gross {
			id++
			rec := settlement.BilledServiceRecord{
				ID:              id,
				PrimaryDoctorID: doctorID,
				InsurerID:       7,
				Period:          march,
				PrimaryValue:    money.MustParse(value),
				Quantity:        1,
				TreatmentCount:  1,
				ConsultationRef: "C",
				Active:          true,
			}
			if err := tx.UpsertRecord(ctx, &rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	decomposer, err := settlement.NewDecomposer(settlement.DecomposerPolicy{})
	require.NoError(t, err)
	builder, err := settlementapp.NewService(sst, decomposer)
	require.NoError(t, err)
	ledger, err := settlementapp.NewAdjustmentLedger(sst)
	require.NoError(t, err)
	summary, err := builder.OpenSummary(ctx, march)
	require.NoError(t, err)

	dst, err := deductionpostgres.NewStore(db)
	require.NoError(t, err)
	catalog, err := application.NewCatalog(dst)
	require.NoError(t, err)
	charges, err := application.NewChargeGenerator(dst)
	require.NoError(t, err)
	allocator, err := application.NewAllocator(dst)
	require.NoError(t, err)
	queries, err := application.NewQueries(dst)
	require.NoError(t, err)

	return &env{
		db:        db,
		builder:   builder,
		ledger:    ledger,
		catalog:   catalog,
		charges:   charges,
		allocator: allocator,
		queries:   queries,
		summaryID: summary.ID,
	}
}

func (e *env) settle(t *testing.T) {
	t.Helper()
	_, err := e.builder.CreateSettlement(context.Background(), settlementapp.CreateSettlementInput{
		SummaryID: e.summaryID, InsurerID: 7, Period: march,
	})
	require.NoError(t, err)
}

func (e *env) assign(t *testing.T, doctorID int64, memberships, specialties string) {
	t.Helper()
	in := application.AssignmentInput{DoctorID: doctorID}
	if memberships != "" {
		in.Memberships = json.RawMessage(memberships)
	}
	if specialties != "" {
		in.Specialties = json.RawMessage(specialties)
	}
	_, err := e.catalog.SaveAssignment(context.Background(), in)
	require.NoError(t, err)
}

func (e *env) summaryDeduction(t *testing.T) string {
	t.Helper()
	var total string
	err := e.db.QueryRowContext(context.Background(),
		"SELECT total_deduction::text FROM settlement_summaries WHERE id = $1", e.summaryID).Scan(&total)
	require.NoError(t, err)
	return total
}

func TestChargeAndAllocate_Postgres(t *testing.T) {
	e := setup(t, map[int64]string{10: "1000.00", 11: "50.00", 12: "400.00"})
	ctx := context.Background()
	e.settle(t)

	def, err := e.catalog.SaveDefinition(ctx, application.ConceptInput{ID: 1, ConceptNumber: 3, Name: "Association fee", Price: money.MustParse("100")})
	require.NoError(t, err)
	sp, err := e.catalog.SaveSpecialty(ctx, application.ConceptInput{ID: 5, Name: "Radiology", Percentage: money.MustParse("10")})
	require.NoError(t, err)
	e.assign(t, 10, `[3, "7"]`, `["5"]`)
	e.assign(t, 11, `"[3]"`, "")
	e.assign(t, 13, `[3]`, "")

	res, err := e.charges.GenerateCharges(ctx, e.summaryID, def.ID, deductions.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 3, res.Created)
	assert.True(t, res.Total.Equal(money.MustParse("300")), res.Total.String())

	spRes, err := e.charges.GenerateSpecialtyCharges(ctx, e.summaryID, sp.ID, deductions.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 1, spRes.Matched)
	assert.True(t, spRes.Total.Equal(money.MustParse("100")), "10%% of 1000: %s", spRes.Total)

	applied, err := e.allocator.ApplyDeductions(ctx, e.summaryID)
	require.NoError(t, err)
	// doctor 10 pays 200 in full, doctor 11 pays 50 of 100, doctor 13 has no funds
	assert.True(t, applied.TotalApplied.Equal(money.MustParse("250")), applied.TotalApplied.String())
	assert.Equal(t, "250.00", e.summaryDeduction(t))

	balances, err := e.queries.Balances(ctx, 11)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Balance.Equal(money.MustParse("50")), balances[0].Balance.String())

	again, err := e.allocator.ApplyDeductions(ctx, e.summaryID)
	require.NoError(t, err)
	assert.True(t, again.TotalApplied.IsZero(), "a second run finds no available funds: %s", again.TotalApplied)
	assert.Equal(t, "250.00", e.summaryDeduction(t))

	apps, err := e.queries.Applications(ctx, e.summaryID)
	require.NoError(t, err)
	assert.Len(t, apps, 3)
}

func TestChargeRerunUpdatesSnapshot_Postgres(t *testing.T) {
	e := setup(t, map[int64]string{10: "1000.00"})
	ctx := context.Background()
	e.settle(t)
	_, err := e.catalog.SaveDefinition(ctx, application.ConceptInput{ID: 1, ConceptNumber: 3, Name: "Fee", Price: money.MustParse("20")})
	require.NoError(t, err)
	e.assign(t, 10, `[3]`, "")

	_, err = e.charges.GenerateCharges(ctx, e.summaryID, 1, deductions.Overrides{})
	require.NoError(t, err)
	pct := money.MustParse("10")
	res, err := e.charges.GenerateCharges(ctx, e.summaryID, 1, deductions.Overrides{Percentage: &pct})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Updated)

	list, err := e.queries.Charges(ctx, e.summaryID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Total.Equal(money.MustParse("120")), list[0].Total.String())

	balances, err := e.queries.Balances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Balance.Equal(money.MustParse("140")), "reruns add to the balance: %s", balances[0].Balance)
}

func TestLinkedAdjustmentsChangeAvailableFunds_Postgres(t *testing.T) {
	e := setup(t, map[int64]string{10: "1000.00"})
	ctx := context.Background()
	_, err := e.ledger.Create(ctx, settlementapp.AdjustmentInput{
		Kind: "debit", RecordID: 1, InsurerID: 7, Period: "2024-03", Amount: money.MustParse("300"),
	})
	require.NoError(t, err)
	e.settle(t)

	_, err = e.catalog.SaveDefinition(ctx, application.ConceptInput{ID: 1, ConceptNumber: 3, Name: "Loan", Price: money.MustParse("5000")})
	require.NoError(t, err)
	e.assign(t, 10, `[3]`, "")
	_, err = e.charges.GenerateCharges(ctx, e.summaryID, 1, deductions.Overrides{})
	require.NoError(t, err)

	applied, err := e.allocator.ApplyDeductions(ctx, e.summaryID)
	require.NoError(t, err)
	assert.True(t, applied.TotalApplied.Equal(money.MustParse("700")), applied.TotalApplied.String())

	balances, err := e.queries.Balances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Balance.Equal(money.MustParse("4300")), balances[0].Balance.String())
}

func TestConcurrentChargesAndAllocation_Postgres(t *testing.T) {
	e := setup(t, map[int64]string{10: "250.00"})
	ctx := context.Background()
	e.settle(t)
	def, err := e.catalog.SaveDefinition(ctx, application.ConceptInput{ID: 1, ConceptNumber: 3, Name: "Fee", Price: money.MustParse("100")})
	require.NoError(t, err)
	e.assign(t, 10, `[3]`, "")

	const runs = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged = decimal.Zero
		errs    []error
	)
	for i := 0; i < runs; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := e.charges.GenerateCharges(ctx, e.summaryID, def.ID, deductions.Overrides{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			charged = charged.Add(res.Total)
		}()
		go func() {
			defer wg.Done()
			if _, err := e.allocator.ApplyDeductions(ctx, e.summaryID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	assert.True(t, charged.Equal(money.MustParse("400")), charged.String())

	// one more run settles whatever the racing runs left behind
	_, err = e.allocator.ApplyDeductions(ctx, e.summaryID)
	require.NoError(t, err)

	apps, err := e.queries.Applications(ctx, e.summaryID)
	require.NoError(t, err)
	applied := decimal.Zero
	for _, app := range apps {
		applied = applied.Add(app.Applied)
	}
	assert.True(t, applied.Equal(money.MustParse("250")), "withheld exactly the available funds: %s", applied)

	balances, err := e.queries.Balances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.False(t, balances[0].Balance.IsNegative(), balances[0].Balance.String())
	assert.True(t, balances[0].Balance.Equal(charged.Sub(applied)),
		"balance %s should equal charged %s minus applied %s", balances[0].Balance, charged, applied)
	assert.Equal(t, "250.00", e.summaryDeduction(t))
}
