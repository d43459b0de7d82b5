package integration_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medliq-cloud/internal/apperr"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
	"medliq-cloud/internal/settlement/infrastructure/postgres"
	"medliq-cloud/internal/testutil/pgtest"
)

var march = period.Period{Year: 2024, Month: 3}

func newServices(t *testing.T) (*postgres.Store, *settlementapp.Service, *settlementapp.AdjustmentLedger) {
	t.Helper()
	db := pgtest.Open(t)
	store, err := postgres.NewStore(db)
	require.NoError(t, err)
	decomposer, err := settlement.NewDecomposer(settlement.DecomposerPolicy{})
	require.NoError(t, err)
	svc, err := settlementapp.NewService(store, decomposer)
	require.NoError(t, err)
	ledger, err := settlementapp.NewAdjustmentLedger(store)
	require.NoError(t, err)
	return store, svc, ledger
}

func putRecords(t *testing.T, store settlement.Store, records ...settlement.BilledServiceRecord) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx settlement.Tx) error {
		for i := range records {
			if err := tx.UpsertRecord(ctx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func record(id, doctor int64, value string) settlement.BilledServiceRecord {
	return settlement.BilledServiceRecord{
		ID:              id,
		PrimaryDoctorID: doctor,
		InsurerID:       7,
		Period:          march,
		PrimaryValue:    money.MustParse(value),
		Quantity:        1,
		TreatmentCount:  1,
		ConsultationRef: "C-1",
		Active:          true,
	}
}

func TestSettlementLifecycle_Postgres(t *testing.T) {
	store, svc, ledger := newServices(t)
	ctx := context.Background()
	putRecords(t, store, record(1, 10, "1000.00"), record(2, 11, "250.50"))

	debit, err := ledger.Create(ctx, settlementapp.AdjustmentInput{
		Kind: "debit", RecordID: 1, InsurerID: 7, Period: "2024-03", Amount: money.MustParse("100"),
	})
	require.NoError(t, err)

	summary, err := svc.OpenSummary(ctx, march)
	require.NoError(t, err)
	again, err := svc.OpenSummary(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, summary.ID, again.ID, "opening a period twice returns the same summary")

	first, err := svc.CreateSettlement(ctx, settlementapp.CreateSettlementInput{
		SummaryID: summary.ID, InsurerID: 7, Period: march, NumberBase: "LIQ",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Settlement.Version)
	assert.Equal(t, "000-LIQ", first.Settlement.Number)
	assert.True(t, first.Settlement.TotalGross.Equal(money.MustParse("1250.50")), first.Settlement.TotalGross.String())
	assert.True(t, first.Settlement.TotalNet.Equal(money.MustParse("1150.50")), first.Settlement.TotalNet.String())
	require.Len(t, first.Details, 2)

	rows, err := svc.ListDetailRows(ctx, first.Settlement.ID)
	require.NoError(t, err)
	var linked int
	for _, row := range rows {
		if row.Adjustment != nil {
			linked++
			assert.Equal(t, debit.ID, row.Adjustment.ID)
			assert.True(t, row.Total.Equal(money.MustParse("900")), row.Total.String())
		}
	}
	assert.Equal(t, 1, linked)

	second, err := svc.CreateSettlement(ctx, settlementapp.CreateSettlementInput{
		SummaryID: summary.ID, InsurerID: 7, Period: march, NumberBase: "LIQ",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Settlement.Version)
	assert.Equal(t, "001-LIQ", second.Settlement.Number)
	for _, d := range second.Details {
		require.NotNil(t, d.PredecessorID, "re-settlement detail links its predecessor")
	}

	closed, err := svc.CloseSettlement(ctx, first.Settlement.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusClosed, closed.Status)

	err = ledger.Delete(ctx, debit.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "deleting an adjustment linked to a closed settlement conflicts: %v", err)

	refreshed, err := svc.GetSummary(ctx, summary.ID)
	require.NoError(t, err)
	assert.False(t, refreshed.TotalGross.IsZero())
}

func TestConcurrentSettlementsGetDistinctVersions_Postgres(t *testing.T) {
	store, svc, _ := newServices(t)
	ctx := context.Background()
	putRecords(t, store, record(1, 10, "300"))
	summary, err := svc.OpenSummary(ctx, march)
	require.NoError(t, err)

	const workers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions = map[int]bool{}
		errs     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CreateSettlement(ctx, settlementapp.CreateSettlementInput{SummaryID: summary.ID, InsurerID: 7, Period: march})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			versions[res.Settlement.Version] = true
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, versions, workers)
	for v := 0; v < workers; v++ {
		assert.True(t, versions[v], "missing version %d", v)
	}
}

func TestAdjustmentListing_Postgres(t *testing.T) {
	store, _, ledger := newServices(t)
	ctx := context.Background()
	putRecords(t, store, record(1, 10, "100"))

	for _, kind := range []string{"debit", "credit", "credit"} {
		_, err := ledger.Create(ctx, settlementapp.AdjustmentInput{
			Kind: kind, RecordID: 1, InsurerID: 7, Period: "2024-03", Amount: money.MustParse("5"),
		})
		require.NoError(t, err)
	}
	p := march
	page, err := ledger.List(ctx, settlement.AdjustmentFilter{InsurerID: 7, Period: &p, Kind: settlement.KindCredit, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	_, err = ledger.Create(ctx, settlementapp.AdjustmentInput{
		Kind: "debit", RecordID: 1, InsurerID: 8, Period: "2024-03", Amount: money.MustParse("5"),
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "insurer mismatch is rejected: %v", err)
}
