package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"medliq-cloud/internal/period"
	settlement "medliq-cloud/internal/settlement/domain"
)

const uniqueViolation = "23505"

// Store is the Postgres implementation of settlement.Store.
type Store struct {
	db *sql.DB
}

// NewStore constructs a store.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("settlement store: nil db")
	}
	return &Store{db: db}, nil
}

// WithinTx runs fn inside one database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a Postgres unique-key violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const summaryColumns = `id, year, month, total_gross, total_debits, total_deduction, created_at`

func scanSummary(row rowScanner) (*settlement.Summary, error) {
	var s settlement.Summary
	if err := row.Scan(&s.ID, &s.Period.Year, &s.Period.Month, &s.TotalGross, &s.TotalDebits, &s.TotalDeduction, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) GetSummary(ctx context.Context, id int64) (*settlement.Summary, error) {
	return scanSummary(t.tx.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM settlement_summaries WHERE id = $1`, id))
}

func (t *pgTx) FindSummaryByPeriod(ctx context.Context, p period.Period) (*settlement.Summary, error) {
	return scanSummary(t.tx.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM settlement_summaries WHERE year = $1 AND month = $2`, p.Year, p.Month))
}

func (t *pgTx) InsertSummary(ctx context.Context, summary *settlement.Summary) error {
	row := t.tx.QueryRowContext(ctx, `
INSERT INTO settlement_summaries (year, month, total_gross, total_debits, total_deduction, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (year, month) DO UPDATE SET year = EXCLUDED.year
RETURNING `+summaryColumns,
		summary.Period.Year, summary.Period.Month,
		summary.TotalGross, summary.TotalDebits, summary.TotalDeduction,
		summary.CreatedAt.UTC(),
	)
	stored, err := scanSummary(row)
	if err != nil {
		return err
	}
	*summary = *stored
	return nil
}

func (t *pgTx) SumSettlementTotals(ctx context.Context, summaryID int64) (decimal.Decimal, decimal.Decimal, error) {
	var gross, debits decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(total_gross), 0), COALESCE(SUM(total_debits), 0)
FROM settlements WHERE summary_id = $1`, summaryID).Scan(&gross, &debits)
	return gross, debits, err
}

func (t *pgTx) UpdateSummaryTotals(ctx context.Context, summaryID int64, gross, debits decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE settlement_summaries SET total_gross = ROUND($2::numeric, 2), total_debits = ROUND($3::numeric, 2)
WHERE id = $1`, summaryID, gross, debits)
	if err != nil {
		return err
	}
	return expectRow(res, settlement.ErrSummaryNotFound)
}

func (t *pgTx) LockVersionCounter(ctx context.Context, insurerID int64, p period.Period) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO settlement_version_counters (insurer_id, period, issued)
VALUES ($1, $2, 1)
ON CONFLICT (insurer_id, period)
DO UPDATE SET issued = settlement_version_counters.issued + 1`, insurerID, p)
	return err
}

func (t *pgTx) CountSettlements(ctx context.Context, insurerID int64, p period.Period) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlements WHERE insurer_id = $1 AND period = $2`, insurerID, p).Scan(&count)
	return count, err
}

func (t *pgTx) SettlementExists(ctx context.Context, summaryID, insurerID int64, p period.Period, version int) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM settlements
	WHERE summary_id = $1 AND insurer_id = $2 AND period = $3 AND version = $4
)`, summaryID, insurerID, p, version).Scan(&exists)
	return exists, err
}

const settlementColumns = `id, summary_id, insurer_id, period, version, status, number,
	total_gross, total_debits, total_credits, total_net, created_at, closed_at`

func scanSettlement(row rowScanner) (*settlement.Settlement, error) {
	var (
		s        settlement.Settlement
		status   string
		closedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.SummaryID, &s.InsurerID, &s.Period, &s.Version, &status, &s.Number,
		&s.TotalGross, &s.TotalDebits, &s.TotalCredits, &s.TotalNet, &s.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	s.Status = settlement.Status(status)
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		s.ClosedAt = &at
	}
	return &s, nil
}

func (t *pgTx) InsertSettlement(ctx context.Context, s *settlement.Settlement) error {
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO settlements (
	summary_id, insurer_id, period, version, status, number,
	total_gross, total_debits, total_credits, total_net, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`,
		s.SummaryID, s.InsurerID, s.Period, s.Version, string(s.Status), s.Number,
		s.TotalGross, s.TotalDebits, s.TotalCredits, s.TotalNet, s.CreatedAt.UTC(),
	).Scan(&s.ID)
	if IsUniqueViolation(err) {
		return settlement.ErrSettlementExists
	}
	return err
}

func (t *pgTx) UpdateSettlementTotals(ctx context.Context, s *settlement.Settlement) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE settlements
SET total_gross = $2, total_debits = $3, total_credits = $4, total_net = $5
WHERE id = $1`, s.ID, s.TotalGross, s.TotalDebits, s.TotalCredits, s.TotalNet)
	if err != nil {
		return err
	}
	return expectRow(res, settlement.ErrSettlementNotFound)
}

func (t *pgTx) GetSettlement(ctx context.Context, id int64, forUpdate bool) (*settlement.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSettlement(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (t *pgTx) querySettlements(ctx context.Context, query string, args ...any) ([]settlement.Settlement, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settlement.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (t *pgTx) ListSettlements(ctx context.Context, summaryID int64) ([]settlement.Settlement, error) {
	return t.querySettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE summary_id = $1 ORDER BY id`, summaryID)
}

func (t *pgTx) MarkSettlementClosed(ctx context.Context, id int64, closedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE settlements SET status = 'CLOSED', closed_at = $2
WHERE id = $1 AND status = 'OPEN'`, id, closedAt.UTC())
	if err != nil {
		return err
	}
	return expectRow(res, settlement.ErrSettlementNotFound)
}

const recordColumns = `r.id, r.primary_doctor_id, r.first_assistant_id, r.second_assistant_id, r.insurer_id, r.period,
	r.primary_value, r.first_assistant_value, r.second_assistant_value,
	r.quantity, r.treatment_count, r.consultation_ref, r.active`

func scanRecord(row rowScanner) (*settlement.BilledServiceRecord, error) {
	var r settlement.BilledServiceRecord
	err := row.Scan(&r.ID, &r.PrimaryDoctorID, &r.FirstAssistantID, &r.SecondAssistantID, &r.InsurerID, &r.Period,
		&r.PrimaryValue, &r.FirstAssistantValue, &r.SecondAssistantValue,
		&r.Quantity, &r.TreatmentCount, &r.ConsultationRef, &r.Active)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) GetRecord(ctx context.Context, id int64) (*settlement.BilledServiceRecord, error) {
	r, err := scanRecord(t.tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM billed_service_records r WHERE r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (t *pgTx) UpsertRecord(ctx context.Context, r *settlement.BilledServiceRecord) error {
	args := []any{r.PrimaryDoctorID, r.FirstAssistantID, r.SecondAssistantID, r.InsurerID, r.Period,
		r.PrimaryValue, r.FirstAssistantValue, r.SecondAssistantValue,
		r.Quantity, r.TreatmentCount, r.ConsultationRef, r.Active}
	if r.ID == 0 {
		return t.tx.QueryRowContext(ctx, `
INSERT INTO billed_service_records
	(primary_doctor_id, first_assistant_id, second_assistant_id, insurer_id, period,
	 primary_value, first_assistant_value, second_assistant_value,
	 quantity, treatment_count, consultation_ref, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id`, args...).Scan(&r.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO billed_service_records
	(id, primary_doctor_id, first_assistant_id, second_assistant_id, insurer_id, period,
	 primary_value, first_assistant_value, second_assistant_value,
	 quantity, treatment_count, consultation_ref, active)
VALUES ($13, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	primary_doctor_id = EXCLUDED.primary_doctor_id,
	first_assistant_id = EXCLUDED.first_assistant_id,
	second_assistant_id = EXCLUDED.second_assistant_id,
	insurer_id = EXCLUDED.insurer_id,
	period = EXCLUDED.period,
	primary_value = EXCLUDED.primary_value,
	first_assistant_value = EXCLUDED.first_assistant_value,
	second_assistant_value = EXCLUDED.second_assistant_value,
	quantity = EXCLUDED.quantity,
	treatment_count = EXCLUDED.treatment_count,
	consultation_ref = EXCLUDED.consultation_ref,
	active = EXCLUDED.active`, append(args, r.ID)...)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
SELECT setval(pg_get_serial_sequence('billed_service_records', 'id'),
	GREATEST((SELECT MAX(id) FROM billed_service_records), 1))`)
	return err
}

func (t *pgTx) ListRecords(ctx context.Context, insurerID int64, p period.Period, excludeClaimed bool) ([]settlement.BilledServiceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM billed_service_records r
WHERE r.insurer_id = $1 AND r.period = $2`
	if excludeClaimed {
		query += `
AND NOT EXISTS (SELECT 1 FROM settlement_details d WHERE d.record_ref = r.id::text)`
	}
	query += ` ORDER BY r.id`

	rows, err := t.tx.QueryContext(ctx, query, insurerID, p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settlement.BilledServiceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const detailColumns = `d.id, d.settlement_id, d.doctor_id, d.insurer_id, d.record_ref,
	d.predecessor_id, d.adjustment_id, d.paid_amount, d.gross_amount, s.version`

func scanDetail(row rowScanner) (settlement.Detail, error) {
	var (
		d           settlement.Detail
		predecessor sql.NullInt64
		adjustment  sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.SettlementID, &d.DoctorID, &d.InsurerID, &d.RecordRef,
		&predecessor, &adjustment, &d.PaidAmount, &d.GrossAmount, &d.Version)
	if err != nil {
		return d, err
	}
	d.PredecessorID = nullableID(predecessor)
	d.AdjustmentID = nullableID(adjustment)
	return d, nil
}

func (t *pgTx) queryDetails(ctx context.Context, query string, args ...any) ([]settlement.Detail, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settlement.Detail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) LineageCandidates(ctx context.Context, insurerID int64, p period.Period, version int) ([]settlement.Detail, error) {
	return t.queryDetails(ctx, `
SELECT `+detailColumns+`
FROM settlement_details d
JOIN settlements s ON s.id = d.settlement_id
WHERE s.insurer_id = $1 AND s.period = $2 AND s.version < $3
ORDER BY d.id`, insurerID, p, version)
}

func (t *pgTx) InsertDetails(ctx context.Context, details []settlement.Detail) error {
	stmt, err := t.tx.PrepareContext(ctx, `
INSERT INTO settlement_details (
	settlement_id, doctor_id, insurer_id, record_ref, predecessor_id, adjustment_id, paid_amount, gross_amount
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range details {
		d := &details[i]
		err := stmt.QueryRowContext(ctx,
			d.SettlementID, d.DoctorID, d.InsurerID, d.RecordRef,
			nullInt(d.PredecessorID), nullInt(d.AdjustmentID),
			d.PaidAmount, d.GrossAmount,
		).Scan(&d.ID)
		if err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("settlement store: duplicate detail for record %s doctor %d: %w", d.RecordRef, d.DoctorID, err)
			}
			return err
		}
	}
	return nil
}

func (t *pgTx) ListDetails(ctx context.Context, settlementID int64) ([]settlement.Detail, error) {
	return t.queryDetails(ctx, `
SELECT `+detailColumns+`
FROM settlement_details d
JOIN settlements s ON s.id = d.settlement_id
WHERE d.settlement_id = $1
ORDER BY d.id`, settlementID)
}

func (t *pgTx) SettlementsLinkedToAdjustment(ctx context.Context, adjustmentID int64) ([]settlement.Settlement, error) {
	return t.querySettlements(ctx, `
SELECT `+settlementColumns+`
FROM settlements
WHERE id IN (SELECT settlement_id FROM settlement_details WHERE adjustment_id = $1)
ORDER BY id
FOR UPDATE`, adjustmentID)
}

func (t *pgTx) ClearAdjustmentLinks(ctx context.Context, adjustmentID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE settlement_details SET adjustment_id = NULL WHERE adjustment_id = $1`, adjustmentID)
	return err
}

const adjustmentColumns = `id, kind, record_id, insurer_id, period, amount, note, created_by, created_at`

func scanAdjustment(row rowScanner) (settlement.Adjustment, error) {
	var (
		a    settlement.Adjustment
		kind string
	)
	err := row.Scan(&a.ID, &kind, &a.RecordID, &a.InsurerID, &a.Period, &a.Amount, &a.Note, &a.CreatedBy, &a.CreatedAt)
	a.Kind = settlement.AdjustmentKind(kind)
	return a, err
}

func (t *pgTx) InsertAdjustment(ctx context.Context, adj *settlement.Adjustment) error {
	return t.tx.QueryRowContext(ctx, `
INSERT INTO adjustments (kind, record_id, insurer_id, period, amount, note, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		string(adj.Kind), adj.RecordID, adj.InsurerID, adj.Period, adj.Amount, adj.Note, adj.CreatedBy, adj.CreatedAt.UTC(),
	).Scan(&adj.ID)
}

func (t *pgTx) UpdateAdjustment(ctx context.Context, adj *settlement.Adjustment) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE adjustments
SET kind = $2, record_id = $3, insurer_id = $4, period = $5, amount = $6, note = $7, created_by = $8
WHERE id = $1`,
		adj.ID, string(adj.Kind), adj.RecordID, adj.InsurerID, adj.Period, adj.Amount, adj.Note, adj.CreatedBy)
	if err != nil {
		return err
	}
	return expectRow(res, settlement.ErrAdjustmentNotFound)
}

func (t *pgTx) GetAdjustment(ctx context.Context, id int64) (*settlement.Adjustment, error) {
	a, err := scanAdjustment(t.tx.QueryRowContext(ctx,
		`SELECT `+adjustmentColumns+` FROM adjustments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) queryAdjustments(ctx context.Context, query string, args ...any) ([]settlement.Adjustment, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settlement.Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) GetAdjustments(ctx context.Context, ids []int64) (map[int64]settlement.Adjustment, error) {
	out := make(map[int64]settlement.Adjustment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	items, err := t.queryAdjustments(ctx,
		`SELECT `+adjustmentColumns+` FROM adjustments WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, a := range items {
		out[a.ID] = a
	}
	return out, nil
}

func (t *pgTx) DeleteAdjustment(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM adjustments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, settlement.ErrAdjustmentNotFound)
}

func (t *pgTx) ListAdjustments(ctx context.Context, filter settlement.AdjustmentFilter) ([]settlement.Adjustment, int, error) {
	filter = filter.Normalize()
	var (
		conds []string
		args  []any
	)
	if filter.InsurerID > 0 {
		args = append(args, filter.InsurerID)
		conds = append(conds, fmt.Sprintf("insurer_id = $%d", len(args)))
	}
	if filter.Period != nil {
		args = append(args, *filter.Period)
		conds = append(conds, fmt.Sprintf("period = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM adjustments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	pageArgs := append(append([]any(nil), args...), filter.PageSize, filter.Offset())
	items, err := t.queryAdjustments(ctx, fmt.Sprintf(
		`SELECT %s FROM adjustments%s ORDER BY id LIMIT $%d OFFSET $%d`,
		adjustmentColumns, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (t *pgTx) AdjustmentsForRecords(ctx context.Context, insurerID int64, p period.Period, recordIDs []int64) ([]settlement.Adjustment, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	return t.queryAdjustments(ctx, `
SELECT `+adjustmentColumns+`
FROM adjustments
WHERE insurer_id = $1 AND period = $2 AND record_id = ANY($3)
ORDER BY id`, insurerID, p, recordIDs)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}
