package deductions

import (
	"sort"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/money"
)

// Funds is what a doctor earned in one summary period.
type Funds struct {
	DoctorID int64
	Gross    decimal.Decimal
	Debits   decimal.Decimal
	Credits  decimal.Decimal
	// Applied is what earlier allocation runs already withheld for the
	// same summary.
	Applied decimal.Decimal
}

// Available is gross - debits + credits - applied.
func (f Funds) Available() decimal.Decimal {
	return money.Round2(f.Gross.Sub(f.Debits).Add(f.Credits).Sub(f.Applied))
}

// Allocation is one planned withholding against a balance.
type Allocation struct {
	Balance Balance
	Applied decimal.Decimal
}

// SortForAllocation orders balances largest first; ties fall back to concept
// type and concept id so runs are deterministic.
func SortForAllocation(balances []Balance) {
	sort.SliceStable(balances, func(i, j int) bool {
		a, b := balances[i], balances[j]
		if c := a.Balance.Cmp(b.Balance); c != 0 {
			return c > 0
		}
		if a.ConceptType != b.ConceptType {
			return a.ConceptType < b.ConceptType
		}
		return a.ConceptID < b.ConceptID
	})
}

// PlanAllocation greedily consumes available funds against one doctor's
// balances, largest balance first. Only positive allocations are returned
// and their sum never exceeds available.
func PlanAllocation(available decimal.Decimal, balances []Balance) []Allocation {
	ordered := append([]Balance(nil), balances...)
	SortForAllocation(ordered)

	remaining := money.Round2(available)
	var plan []Allocation
	for _, b := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !b.Balance.IsPositive() {
			continue
		}
		applied := money.Round2(money.Min(remaining, b.Balance))
		remaining = remaining.Sub(applied)
		plan = append(plan, Allocation{Balance: b, Applied: applied})
	}
	return plan
}

// GroupByDoctor splits balances per doctor.
func GroupByDoctor(balances []Balance) map[int64][]Balance {
	out := make(map[int64][]Balance)
	for _, b := range balances {
		out[b.DoctorID] = append(out[b.DoctorID], b)
	}
	return out
}
