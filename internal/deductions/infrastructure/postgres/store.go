package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	deductions "medliq-cloud/internal/deductions/domain"
)

// Store is the Postgres implementation of deductions.Store. It reads the
// settlement tables directly for funds and summary totals.
type Store struct {
	db *sql.DB
}

// NewStore constructs a store.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("deductions store: nil db")
	}
	return &Store{db: db}, nil
}

// WithinTx runs fn inside one database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx deductions.Tx) error) error {
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

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *pgTx) SummaryExists(ctx context.Context, summaryID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM settlement_summaries WHERE id = $1)`, summaryID).Scan(&exists)
	return exists, err
}

func (t *pgTx) GetDefinition(ctx context.Context, id int64) (*deductions.Definition, error) {
	var d deductions.Definition
	err := t.tx.QueryRowContext(ctx, `
SELECT id, concept_number, name, price, percentage
FROM deduction_definitions WHERE id = $1`, id).Scan(&d.ID, &d.ConceptNumber, &d.Name, &d.Price, &d.Percentage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) GetSpecialty(ctx context.Context, id int64) (*deductions.Specialty, error) {
	var s deductions.Specialty
	err := t.tx.QueryRowContext(ctx, `
SELECT id, name, price, percentage
FROM specialties WHERE id = $1`, id).Scan(&s.ID, &s.Name, &s.Price, &s.Percentage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) ListAssignments(ctx context.Context) ([]deductions.Assignment, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT doctor_id, memberships, specialties
FROM doctor_assignments
ORDER BY doctor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deductions.Assignment
	for rows.Next() {
		var (
			doctorID                 int64
			memberships, specialties []byte
		)
		if err := rows.Scan(&doctorID, &memberships, &specialties); err != nil {
			return nil, err
		}
		out = append(out, deductions.DecodeAssignment(doctorID, memberships, specialties))
	}
	return out, rows.Err()
}

func (t *pgTx) GrossByDoctor(ctx context.Context, summaryID int64) (map[int64]decimal.Decimal, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT d.doctor_id, COALESCE(SUM(d.gross_amount), 0)
FROM settlement_details d
JOIN settlements s ON s.id = d.settlement_id
WHERE s.summary_id = $1
GROUP BY d.doctor_id`, summaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			doctorID int64
			gross    decimal.Decimal
		)
		if err := rows.Scan(&doctorID, &gross); err != nil {
			return nil, err
		}
		out[doctorID] = gross
	}
	return out, rows.Err()
}

func (t *pgTx) FundsByDoctor(ctx context.Context, summaryID int64) ([]deductions.Funds, error) {
	rows, err := t.tx.QueryContext(ctx, `
WITH detail_funds AS (
	SELECT d.doctor_id,
	       SUM(d.gross_amount) AS gross,
	       SUM(CASE WHEN a.kind = 'debit' THEN a.amount ELSE 0 END) AS debits,
	       SUM(CASE WHEN a.kind = 'credit' THEN a.amount ELSE 0 END) AS credits
	FROM settlement_details d
	JOIN settlements s ON s.id = d.settlement_id
	LEFT JOIN adjustments a ON a.id = d.adjustment_id
	WHERE s.summary_id = $1
	GROUP BY d.doctor_id
), applied AS (
	SELECT doctor_id, SUM(applied) AS applied
	FROM deduction_applications
	WHERE summary_id = $1
	GROUP BY doctor_id
)
SELECT f.doctor_id,
       ROUND(COALESCE(f.gross, 0), 2),
       ROUND(COALESCE(f.debits, 0), 2),
       ROUND(COALESCE(f.credits, 0), 2),
       ROUND(COALESCE(a.applied, 0), 2)
FROM detail_funds f
LEFT JOIN applied a ON a.doctor_id = f.doctor_id
ORDER BY f.doctor_id`, summaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deductions.Funds
	for rows.Next() {
		var f deductions.Funds
		if err := rows.Scan(&f.DoctorID, &f.Gross, &f.Debits, &f.Credits, &f.Applied); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertCharge reports created through xmax, which is zero only for rows
// inserted by this statement.
func (t *pgTx) UpsertCharge(ctx context.Context, charge *deductions.Charge) (bool, error) {
	var created bool
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO deduction_charges
	(doctor_id, summary_id, concept_type, concept_id, amount, percentage, base, total, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (doctor_id, summary_id, concept_type, concept_id)
DO UPDATE SET amount = EXCLUDED.amount,
              percentage = EXCLUDED.percentage,
              base = EXCLUDED.base,
              total = EXCLUDED.total,
              updated_at = EXCLUDED.updated_at
RETURNING id, created_at, (xmax = 0)`,
		charge.DoctorID, charge.SummaryID, string(charge.ConceptType), charge.ConceptID,
		charge.Amount, charge.Percentage, charge.Base, charge.Total, charge.UpdatedAt.UTC(),
	).Scan(&charge.ID, &charge.CreatedAt, &created)
	return created, err
}

const balanceColumns = `id, doctor_id, concept_type, concept_id, balance, updated_at`

func scanBalance(row rowScanner) (deductions.Balance, error) {
	var (
		b           deductions.Balance
		conceptType string
	)
	if err := row.Scan(&b.ID, &b.DoctorID, &conceptType, &b.ConceptID, &b.Balance, &b.UpdatedAt); err != nil {
		return deductions.Balance{}, err
	}
	b.ConceptType = deductions.ConceptType(conceptType)
	return b, nil
}

func (t *pgTx) queryBalances(ctx context.Context, query string, args ...any) ([]deductions.Balance, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deductions.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) AddToBalance(ctx context.Context, doctorID int64, conceptType deductions.ConceptType, conceptID int64, amount decimal.Decimal) (deductions.Balance, error) {
	if amount.IsNegative() {
		return deductions.Balance{}, deductions.ErrNegativeAmount
	}
	return scanBalance(t.tx.QueryRowContext(ctx, `
INSERT INTO deduction_balances (doctor_id, concept_type, concept_id, balance, updated_at)
VALUES ($1, $2, $3, ROUND($4::numeric, 2), NOW())
ON CONFLICT (doctor_id, concept_type, concept_id)
DO UPDATE SET balance = deduction_balances.balance + EXCLUDED.balance,
              updated_at = EXCLUDED.updated_at
RETURNING `+balanceColumns, doctorID, string(conceptType), conceptID, amount))
}

func (t *pgTx) LockOutstandingBalances(ctx context.Context) ([]deductions.Balance, error) {
	return t.queryBalances(ctx, `
SELECT `+balanceColumns+`
FROM deduction_balances
WHERE balance > 0
ORDER BY id
FOR UPDATE`)
}

func (t *pgTx) DecrementBalance(ctx context.Context, balanceID int64, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE deduction_balances
SET balance = balance - ROUND($2::numeric, 2), updated_at = NOW()
WHERE id = $1 AND balance >= ROUND($2::numeric, 2)`, balanceID, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return deductions.ErrOverdraw
	}
	return nil
}

func (t *pgTx) AddApplication(ctx context.Context, key deductions.ApplicationKey, applied decimal.Decimal) (bool, error) {
	var created bool
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO deduction_applications (summary_id, doctor_id, concept_type, concept_id, applied, updated_at)
VALUES ($1, $2, $3, $4, ROUND($5::numeric, 2), NOW())
ON CONFLICT (summary_id, doctor_id, concept_type, concept_id)
DO UPDATE SET applied = deduction_applications.applied + EXCLUDED.applied,
              updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)`,
		key.SummaryID, key.DoctorID, string(key.ConceptType), key.ConceptID, applied,
	).Scan(&created)
	return created, err
}

func (t *pgTx) SumApplications(ctx context.Context, summaryID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(applied), 0) FROM deduction_applications WHERE summary_id = $1`, summaryID).Scan(&total)
	return total, err
}

func (t *pgTx) SetSummaryDeduction(ctx context.Context, summaryID int64, total decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE settlement_summaries SET total_deduction = ROUND($2::numeric, 2) WHERE id = $1`, summaryID, total)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return deductions.ErrSummaryNotFound
	}
	return nil
}

func (t *pgTx) ListCharges(ctx context.Context, summaryID int64) ([]deductions.Charge, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, doctor_id, summary_id, concept_type, concept_id, amount, percentage, base, total, created_at, updated_at
FROM deduction_charges
WHERE summary_id = $1
ORDER BY id`, summaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deductions.Charge
	for rows.Next() {
		var (
			c           deductions.Charge
			conceptType string
		)
		if err := rows.Scan(&c.ID, &c.DoctorID, &c.SummaryID, &conceptType, &c.ConceptID,
			&c.Amount, &c.Percentage, &c.Base, &c.Total, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.ConceptType = deductions.ConceptType(conceptType)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) ListBalances(ctx context.Context, doctorID int64) ([]deductions.Balance, error) {
	if doctorID == 0 {
		return t.queryBalances(ctx, `SELECT `+balanceColumns+` FROM deduction_balances ORDER BY id`)
	}
	return t.queryBalances(ctx,
		`SELECT `+balanceColumns+` FROM deduction_balances WHERE doctor_id = $1 ORDER BY id`, doctorID)
}

func (t *pgTx) ListApplications(ctx context.Context, summaryID int64) ([]deductions.Application, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, summary_id, doctor_id, concept_type, concept_id, applied, updated_at
FROM deduction_applications
WHERE summary_id = $1
ORDER BY id`, summaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deductions.Application
	for rows.Next() {
		var (
			a           deductions.Application
			conceptType string
		)
		if err := rows.Scan(&a.ID, &a.SummaryID, &a.DoctorID, &conceptType, &a.ConceptID, &a.Applied, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.ConceptType = deductions.ConceptType(conceptType)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertDefinition(ctx context.Context, def *deductions.Definition) error {
	if def.ID == 0 {
		return t.tx.QueryRowContext(ctx, `
INSERT INTO deduction_definitions (concept_number, name, price, percentage)
VALUES ($1, $2, $3, $4)
RETURNING id`, def.ConceptNumber, def.Name, def.Price, def.Percentage).Scan(&def.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO deduction_definitions (id, concept_number, name, price, percentage)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET concept_number = EXCLUDED.concept_number,
                               name = EXCLUDED.name,
                               price = EXCLUDED.price,
                               percentage = EXCLUDED.percentage`,
		def.ID, def.ConceptNumber, def.Name, def.Price, def.Percentage)
	if err != nil {
		return err
	}
	return t.syncSequence(ctx, "deduction_definitions")
}

func (t *pgTx) UpsertSpecialty(ctx context.Context, sp *deductions.Specialty) error {
	if sp.ID == 0 {
		return t.tx.QueryRowContext(ctx, `
INSERT INTO specialties (name, price, percentage)
VALUES ($1, $2, $3)
RETURNING id`, sp.Name, sp.Price, sp.Percentage).Scan(&sp.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO specialties (id, name, price, percentage)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
                               price = EXCLUDED.price,
                               percentage = EXCLUDED.percentage`,
		sp.ID, sp.Name, sp.Price, sp.Percentage)
	if err != nil {
		return err
	}
	return t.syncSequence(ctx, "specialties")
}

// syncSequence moves the id sequence past rows inserted with explicit ids.
func (t *pgTx) syncSequence(ctx context.Context, table string) error {
	_, err := t.tx.ExecContext(ctx, `
SELECT setval(pg_get_serial_sequence($1, 'id'), GREATEST((SELECT MAX(id) FROM `+table+`), 1))`, table)
	return err
}

func (t *pgTx) UpsertAssignment(ctx context.Context, doctorID int64, memberships, specialties json.RawMessage) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO doctor_assignments (doctor_id, memberships, specialties, updated_at)
VALUES ($1, $2::jsonb, $3::jsonb, NOW())
ON CONFLICT (doctor_id) DO UPDATE SET memberships = EXCLUDED.memberships,
                                      specialties = EXCLUDED.specialties,
                                      updated_at = EXCLUDED.updated_at`,
		doctorID, jsonOrEmpty(memberships), jsonOrEmpty(specialties))
	return err
}

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}
