package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
)

// Status is the settlement lifecycle state.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Summary is the monthly envelope aggregating all insurer settlements.
type Summary struct {
	ID             int64           `json:"id"`
	Period         period.Period   `json:"period"`
	TotalGross     decimal.Decimal `json:"total_gross"`
	TotalDebits    decimal.Decimal `json:"total_debits"`
	TotalDeduction decimal.Decimal `json:"total_deduction"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Settlement is one payout batch for one insurer and period. Re-settling
// the same insurer and period produces a new row with a higher version.
type Settlement struct {
	ID           int64           `json:"id"`
	SummaryID    int64           `json:"summary_id"`
	InsurerID    int64           `json:"insurer_id"`
	Period       period.Period   `json:"period"`
	Version      int             `json:"version"`
	Status       Status          `json:"status"`
	Number       string          `json:"number"`
	TotalGross   decimal.Decimal `json:"total_gross"`
	TotalDebits  decimal.Decimal `json:"total_debits"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	TotalNet     decimal.Decimal `json:"total_net"`
	CreatedAt    time.Time       `json:"created_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// FormatNumber builds the display number "{version:03d}-{base}".
func FormatNumber(version int, base string) string {
	return fmt.Sprintf("%03d-%s", version, base)
}

// IsResettlement reports whether this is not the first settlement of its
// insurer and period.
func (s *Settlement) IsResettlement() bool { return s.Version > 0 }

// IsClosed reports whether details may no longer change.
func (s *Settlement) IsClosed() bool { return s.Status == StatusClosed }

// ApplyTotals sets gross, debit and credit sums and derives net.
func (s *Settlement) ApplyTotals(gross, debits, credits decimal.Decimal) {
	s.TotalGross = money.Round2(gross)
	s.TotalDebits = money.Round2(debits)
	s.TotalCredits = money.Round2(credits)
	s.TotalNet = NetTotal(s.TotalGross, s.TotalDebits, s.TotalCredits)
}

// Close moves an open settlement to CLOSED. Closing twice is a no-op.
func (s *Settlement) Close(at time.Time) bool {
	if s.IsClosed() {
		return false
	}
	closedAt := at.UTC()
	s.Status = StatusClosed
	s.ClosedAt = &closedAt
	return true
}

// NetTotal is gross - debits + credits, rounded to two places.
func NetTotal(gross, debits, credits decimal.Decimal) decimal.Decimal {
	return money.Round2(gross.Sub(debits).Add(credits))
}

// Detail is one share of one record paid in one settlement.
type Detail struct {
	ID            int64           `json:"id"`
	SettlementID  int64           `json:"settlement_id"`
	DoctorID      int64           `json:"doctor_id"`
	InsurerID     int64           `json:"insurer_id"`
	RecordRef     string          `json:"record_ref"`
	PredecessorID *int64          `json:"predecessor_id,omitempty"`
	AdjustmentID  *int64          `json:"adjustment_id,omitempty"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	// Version is the owning settlement's version, filled on reads used for
	// lineage resolution.
	Version int `json:"-"`
}

// BaseAmount is the gross share for first-time settlements and the amount
// already paid along the lineage chain for re-settlements.
func (d Detail) BaseAmount() decimal.Decimal {
	if d.PredecessorID != nil {
		return d.PaidAmount
	}
	return d.GrossAmount
}

// RowTotal applies the linked adjustment, if any, to the base amount.
func (d Detail) RowTotal(adj *Adjustment) decimal.Decimal {
	base := d.BaseAmount()
	if adj == nil || d.AdjustmentID == nil || *d.AdjustmentID != adj.ID {
		return money.Round2(base)
	}
	return money.Round2(base.Add(adj.Signed()))
}

// DetailRow is a detail together with its computed row value.
type DetailRow struct {
	Detail     Detail          `json:"detail"`
	Adjustment *Adjustment     `json:"adjustment,omitempty"`
	Base       decimal.Decimal `json:"base"`
	Total      decimal.Decimal `json:"total"`
}

// BuildDetailRow resolves the consumption rule for one detail.
func BuildDetailRow(d Detail, adj *Adjustment) DetailRow {
	return DetailRow{
		Detail:     d,
		Adjustment: adj,
		Base:       money.Round2(d.BaseAmount()),
		Total:      d.RowTotal(adj),
	}
}
