package deductions

import (
	"time"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/money"
)

// Charge is the snapshot of one concept charged to one doctor for one
// summary period.
type Charge struct {
	ID          int64           `json:"id"`
	DoctorID    int64           `json:"doctor_id"`
	SummaryID   int64           `json:"summary_id"`
	ConceptType ConceptType     `json:"concept_type"`
	ConceptID   int64           `json:"concept_id"`
	Amount      decimal.Decimal `json:"amount"`
	Percentage  decimal.Decimal `json:"percentage"`
	Base        decimal.Decimal `json:"base"`
	Total       decimal.Decimal `json:"total"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ComputeCharge returns round2(amount + base * pct / 100).
func ComputeCharge(amount, pct, base decimal.Decimal) decimal.Decimal {
	return money.Round2(amount.Add(money.PercentOf(base, pct)))
}

// Overrides replace the stored price or percentage for one run.
type Overrides struct {
	Amount     *decimal.Decimal
	Percentage *decimal.Decimal
}

// Resolve returns the amount and percentage snapshot for the concept.
func (o Overrides) Resolve(c Concept) (amount, pct decimal.Decimal, err error) {
	amount = c.Price
	pct = c.Percentage
	if o.Amount != nil {
		amount = *o.Amount
	}
	if o.Percentage != nil {
		pct = *o.Percentage
	}
	if amount.IsNegative() || pct.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrNegativeAmount
	}
	return money.Round2(amount), money.Round2(pct), nil
}

// Balance is the running amount a doctor owes for one concept.
type Balance struct {
	ID          int64           `json:"id"`
	DoctorID    int64           `json:"doctor_id"`
	ConceptType ConceptType     `json:"concept_type"`
	ConceptID   int64           `json:"concept_id"`
	Balance     decimal.Decimal `json:"balance"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Application is the amount withheld from a doctor for one concept in one
// summary period.
type Application struct {
	ID          int64           `json:"id"`
	SummaryID   int64           `json:"summary_id"`
	DoctorID    int64           `json:"doctor_id"`
	ConceptType ConceptType     `json:"concept_type"`
	ConceptID   int64           `json:"concept_id"`
	Applied     decimal.Decimal `json:"applied"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
