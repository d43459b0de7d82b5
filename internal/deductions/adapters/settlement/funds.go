// Package settlement reads settlement-owned data for the deductions context.
package settlement

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/money"
	settlementdomain "medliq-cloud/internal/settlement/domain"
	settlementmemory "medliq-cloud/internal/settlement/infrastructure/memory"
)

// MemoryFunds derives doctor funds from the in-memory settlement store.
type MemoryFunds struct {
	store *settlementmemory.Store
}

// NewMemoryFunds constructs the adapter.
func NewMemoryFunds(store *settlementmemory.Store) (*MemoryFunds, error) {
	if store == nil {
		return nil, errors.New("memory funds: nil settlement store")
	}
	return &MemoryFunds{store: store}, nil
}

// SummaryExists reports whether the summary is stored.
func (m *MemoryFunds) SummaryExists(summaryID int64) bool {
	_, ok := m.store.SummaryByID(summaryID)
	return ok
}

// GrossByDoctor sums detail gross shares per doctor under the summary.
func (m *MemoryFunds) GrossByDoctor(summaryID int64) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal)
	for _, d := range m.store.DetailsForSummary(summaryID) {
		out[d.DoctorID] = out[d.DoctorID].Add(d.GrossAmount)
	}
	for k, v := range out {
		out[k] = money.Round2(v)
	}
	return out
}

// FundsByDoctor adds debit and credit sums of adjustments linked through the
// summary's details.
func (m *MemoryFunds) FundsByDoctor(summaryID int64) []deductions.Funds {
	byDoctor := make(map[int64]*deductions.Funds)
	for _, d := range m.store.DetailsForSummary(summaryID) {
		f, ok := byDoctor[d.DoctorID]
		if !ok {
			f = &deductions.Funds{DoctorID: d.DoctorID, Gross: money.Zero, Debits: money.Zero, Credits: money.Zero, Applied: money.Zero}
			byDoctor[d.DoctorID] = f
		}
		f.Gross = f.Gross.Add(d.GrossAmount)
		if d.AdjustmentID == nil {
			continue
		}
		adj, ok := m.store.AdjustmentByID(*d.AdjustmentID)
		if !ok {
			continue
		}
		switch adj.Kind {
		case settlementdomain.KindDebit:
			f.Debits = f.Debits.Add(adj.Amount)
		case settlementdomain.KindCredit:
			f.Credits = f.Credits.Add(adj.Amount)
		}
	}
	out := make([]deductions.Funds, 0, len(byDoctor))
	for _, f := range byDoctor {
		f.Gross = money.Round2(f.Gross)
		f.Debits = money.Round2(f.Debits)
		f.Credits = money.Round2(f.Credits)
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DoctorID < out[j].DoctorID })
	return out
}

// SetSummaryDeduction writes the summary's total deduction.
func (m *MemoryFunds) SetSummaryDeduction(summaryID int64, total decimal.Decimal) bool {
	return m.store.SetSummaryDeduction(summaryID, total)
}
