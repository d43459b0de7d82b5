package deductions

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Store runs units of work atomically.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ChargeKey identifies a charge row.
type ChargeKey struct {
	DoctorID    int64
	SummaryID   int64
	ConceptType ConceptType
	ConceptID   int64
}

// ApplicationKey identifies an application row.
type ApplicationKey struct {
	SummaryID   int64
	DoctorID    int64
	ConceptType ConceptType
	ConceptID   int64
}

// Tx is the persistence surface inside one transaction. Finders return
// nil, nil when the row is missing.
type Tx interface {
	SummaryExists(ctx context.Context, summaryID int64) (bool, error)
	GetDefinition(ctx context.Context, id int64) (*Definition, error)
	GetSpecialty(ctx context.Context, id int64) (*Specialty, error)
	ListAssignments(ctx context.Context) ([]Assignment, error)

	// GrossByDoctor sums detail gross shares across every settlement of the
	// summary.
	GrossByDoctor(ctx context.Context, summaryID int64) (map[int64]decimal.Decimal, error)
	// FundsByDoctor returns gross, linked adjustment sums and already applied
	// amounts per doctor for the summary.
	FundsByDoctor(ctx context.Context, summaryID int64) ([]Funds, error)

	// UpsertCharge inserts or overwrites the charge keyed by doctor, summary
	// and concept in one statement. It reports whether a row was created.
	UpsertCharge(ctx context.Context, charge *Charge) (created bool, err error)
	// AddToBalance atomically adds amount to the balance, creating it when
	// absent, and returns the row after the write.
	AddToBalance(ctx context.Context, doctorID int64, conceptType ConceptType, conceptID int64, amount decimal.Decimal) (Balance, error)
	// LockOutstandingBalances returns every balance above zero, locked for
	// update until the transaction ends.
	LockOutstandingBalances(ctx context.Context) ([]Balance, error)
	// DecrementBalance lowers a locked balance; it fails with ErrOverdraw
	// rather than going below zero.
	DecrementBalance(ctx context.Context, balanceID int64, amount decimal.Decimal) error
	// AddApplication accumulates applied onto the application row.
	AddApplication(ctx context.Context, key ApplicationKey, applied decimal.Decimal) (created bool, err error)
	SumApplications(ctx context.Context, summaryID int64) (decimal.Decimal, error)
	SetSummaryDeduction(ctx context.Context, summaryID int64, total decimal.Decimal) error

	ListCharges(ctx context.Context, summaryID int64) ([]Charge, error)
	ListBalances(ctx context.Context, doctorID int64) ([]Balance, error)
	ListApplications(ctx context.Context, summaryID int64) ([]Application, error)

	UpsertDefinition(ctx context.Context, def *Definition) error
	UpsertSpecialty(ctx context.Context, sp *Specialty) error
	// UpsertAssignment stores the raw membership and specialty lists.
	UpsertAssignment(ctx context.Context, doctorID int64, memberships, specialties json.RawMessage) error
}
