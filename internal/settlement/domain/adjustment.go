package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
)

// AdjustmentKind is debit or credit.
type AdjustmentKind string

const (
	KindDebit  AdjustmentKind = "debit"
	KindCredit AdjustmentKind = "credit"
)

// ParseKind validates an adjustment kind.
func ParseKind(value string) (AdjustmentKind, error) {
	switch AdjustmentKind(value) {
	case KindDebit, KindCredit:
		return AdjustmentKind(value), nil
	default:
		return "", ErrInvalidKind
	}
}

// Adjustment is a manual correction tied to one billed-service record.
// Amount is stored as a non-negative magnitude; Kind carries the sign.
type Adjustment struct {
	ID        int64           `json:"id"`
	Kind      AdjustmentKind  `json:"kind"`
	RecordID  int64           `json:"record_id"`
	InsurerID int64           `json:"insurer_id"`
	Period    period.Period   `json:"period"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// Signed returns -amount for debits and +amount for credits.
func (a Adjustment) Signed() decimal.Decimal {
	if a.Kind == KindDebit {
		return a.Amount.Neg()
	}
	return a.Amount
}

// MatchesRecord reports whether insurer and period agree with the record.
func (a Adjustment) MatchesRecord(record BilledServiceRecord) bool {
	return a.InsurerID == record.InsurerID && a.Period == record.Period
}

// AdjustmentTotals sums debits and credits separately.
type AdjustmentTotals struct {
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

// SumAdjustments totals a set of adjustments by kind.
func SumAdjustments(adjustments []Adjustment) AdjustmentTotals {
	debits := decimal.Zero
	credits := decimal.Zero
	for _, adj := range adjustments {
		switch adj.Kind {
		case KindDebit:
			debits = debits.Add(adj.Amount)
		case KindCredit:
			credits = credits.Add(adj.Amount)
		}
	}
	return AdjustmentTotals{Debits: money.Round2(debits), Credits: money.Round2(credits)}
}

// LatestByRecord returns, per record id, the adjustment with the highest id.
func LatestByRecord(adjustments []Adjustment) map[int64]Adjustment {
	latest := make(map[int64]Adjustment, len(adjustments))
	for _, adj := range adjustments {
		current, ok := latest[adj.RecordID]
		if !ok || adj.ID > current.ID {
			latest[adj.RecordID] = adj
		}
	}
	return latest
}

// AdjustmentFilter narrows adjustment listings.
type AdjustmentFilter struct {
	InsurerID int64
	Period    *period.Period
	Kind      AdjustmentKind
	Page      int
	PageSize  int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Normalize fills paging defaults.
func (f AdjustmentFilter) Normalize() AdjustmentFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

// Offset returns the row offset for the page.
func (f AdjustmentFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches reports whether adj passes the filter (paging excluded).
func (f AdjustmentFilter) Matches(adj Adjustment) bool {
	if f.InsurerID > 0 && adj.InsurerID != f.InsurerID {
		return false
	}
	if f.Period != nil && adj.Period != *f.Period {
		return false
	}
	if f.Kind != "" && adj.Kind != f.Kind {
		return false
	}
	return true
}

// AdjustmentPage is one page of an adjustment listing.
type AdjustmentPage struct {
	Items    []Adjustment `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}
