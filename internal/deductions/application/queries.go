package application

import (
	"context"
	"errors"

	deductions "medliq-cloud/internal/deductions/domain"
)

// Queries exposes read views over charges, balances and applications.
type Queries struct {
	store deductions.Store
}

// NewQueries constructs the read service.
func NewQueries(store deductions.Store) (*Queries, error) {
	if store == nil {
		return nil, errors.New("deduction queries: nil store")
	}
	return &Queries{store: store}, nil
}

// Charges lists the charges of a summary.
func (q *Queries) Charges(ctx context.Context, summaryID int64) ([]deductions.Charge, error) {
	var out []deductions.Charge
	err := q.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		if err := requireSummary(ctx, tx, summaryID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListCharges(ctx, summaryID)
		return err
	})
	return out, err
}

// Applications lists what was withheld under a summary.
func (q *Queries) Applications(ctx context.Context, summaryID int64) ([]deductions.Application, error) {
	var out []deductions.Application
	err := q.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		if err := requireSummary(ctx, tx, summaryID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListApplications(ctx, summaryID)
		return err
	})
	return out, err
}

// Balances lists a doctor's balances; doctorID 0 lists every doctor.
func (q *Queries) Balances(ctx context.Context, doctorID int64) ([]deductions.Balance, error) {
	var out []deductions.Balance
	err := q.store.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		var err error
		out, err = tx.ListBalances(ctx, doctorID)
		return err
	})
	return out, err
}

func requireSummary(ctx context.Context, tx deductions.Tx, summaryID int64) error {
	ok, err := tx.SummaryExists(ctx, summaryID)
	if err != nil {
		return err
	}
	if !ok {
		return deductions.ErrSummaryNotFound
	}
	return nil
}
