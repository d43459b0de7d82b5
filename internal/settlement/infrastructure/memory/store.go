package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlement "medliq-cloud/internal/settlement/domain"
)

// Store is an in-memory settlement store. Transactions are serialized by a
// single mutex and rolled back by restoring a snapshot.
type Store struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	nextID      int64
	summaries   map[int64]settlement.Summary
	settlements map[int64]settlement.Settlement
	details     map[int64]settlement.Detail
	records     map[int64]settlement.BilledServiceRecord
	adjustments map[int64]settlement.Adjustment
	counters    map[string]int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: state{
		summaries:   make(map[int64]settlement.Summary),
		settlements: make(map[int64]settlement.Settlement),
		details:     make(map[int64]settlement.Detail),
		records:     make(map[int64]settlement.BilledServiceRecord),
		adjustments: make(map[int64]settlement.Adjustment),
		counters:    make(map[string]int),
	}}
}

func (s state) clone() state {
	c := state{
		nextID:      s.nextID,
		summaries:   make(map[int64]settlement.Summary, len(s.summaries)),
		settlements: make(map[int64]settlement.Settlement, len(s.settlements)),
		details:     make(map[int64]settlement.Detail, len(s.details)),
		records:     make(map[int64]settlement.BilledServiceRecord, len(s.records)),
		adjustments: make(map[int64]settlement.Adjustment, len(s.adjustments)),
		counters:    make(map[string]int, len(s.counters)),
	}
	for k, v := range s.summaries {
		c.summaries[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.details {
		c.details[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.adjustments {
		c.adjustments[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

// PutRecord seeds a billed-service record.
func (s *Store) PutRecord(record settlement.BilledServiceRecord) {
	s.mu.Lock()
	s.state.records[record.ID] = record
	s.mu.Unlock()
}

// WithinTx runs fn atomically.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx settlement.Tx) error) error {
	if s == nil {
		return errors.New("settlement memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &memTx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Summaries returns a copy of all summaries.
func (s *Store) Summaries() []settlement.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]settlement.Summary, 0, len(s.state.summaries))
	for _, v := range s.state.summaries {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SummaryByID returns a summary copy.
func (s *Store) SummaryByID(id int64) (settlement.Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state.summaries[id]
	return v, ok
}

// SetSummaryDeduction overwrites a summary's total deduction.
func (s *Store) SetSummaryDeduction(id int64, total decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.summaries[id]
	if !ok {
		return false
	}
	v.TotalDeduction = money.Round2(total)
	s.state.summaries[id] = v
	return true
}

// DetailsForSummary returns details of every settlement under the summary.
func (s *Store) DetailsForSummary(summaryID int64) []settlement.Detail {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []settlement.Detail
	for _, d := range s.state.details {
		st, ok := s.state.settlements[d.SettlementID]
		if ok && st.SummaryID == summaryID {
			d.Version = st.Version
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AdjustmentByID returns an adjustment copy.
func (s *Store) AdjustmentByID(id int64) (settlement.Adjustment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state.adjustments[id]
	return v, ok
}

// SettlementCount returns the number of stored settlements.
func (s *Store) SettlementCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.settlements)
}

type memTx struct {
	st *state
}

func (t *memTx) newID() int64 {
	t.st.nextID++
	return t.st.nextID
}

func (t *memTx) GetSummary(_ context.Context, id int64) (*settlement.Summary, error) {
	v, ok := t.st.summaries[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) FindSummaryByPeriod(_ context.Context, p period.Period) (*settlement.Summary, error) {
	for _, v := range t.st.summaries {
		if v.Period == p {
			found := v
			return &found, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSummary(_ context.Context, summary *settlement.Summary) error {
	for _, v := range t.st.summaries {
		if v.Period == summary.Period {
			return errors.New("settlement memory store: duplicate summary period")
		}
	}
	summary.ID = t.newID()
	t.st.summaries[summary.ID] = *summary
	return nil
}

func (t *memTx) SumSettlementTotals(_ context.Context, summaryID int64) (decimal.Decimal, decimal.Decimal, error) {
	gross := decimal.Zero
	debits := decimal.Zero
	for _, st := range t.st.settlements {
		if st.SummaryID == summaryID {
			gross = gross.Add(st.TotalGross)
			debits = debits.Add(st.TotalDebits)
		}
	}
	return money.Round2(gross), money.Round2(debits), nil
}

func (t *memTx) UpdateSummaryTotals(_ context.Context, summaryID int64, gross, debits decimal.Decimal) error {
	v, ok := t.st.summaries[summaryID]
	if !ok {
		return settlement.ErrSummaryNotFound
	}
	v.TotalGross = money.Round2(gross)
	v.TotalDebits = money.Round2(debits)
	t.st.summaries[summaryID] = v
	return nil
}

func counterKey(insurerID int64, p period.Period) string {
	return settlement.RecordRef(insurerID) + "|" + p.String()
}

func (t *memTx) LockVersionCounter(_ context.Context, insurerID int64, p period.Period) error {
	t.st.counters[counterKey(insurerID, p)]++
	return nil
}

func (t *memTx) CountSettlements(_ context.Context, insurerID int64, p period.Period) (int, error) {
	count := 0
	for _, st := range t.st.settlements {
		if st.InsurerID == insurerID && st.Period == p {
			count++
		}
	}
	return count, nil
}

func (t *memTx) SettlementExists(_ context.Context, summaryID, insurerID int64, p period.Period, version int) (bool, error) {
	for _, st := range t.st.settlements {
		if st.SummaryID == summaryID && st.InsurerID == insurerID && st.Period == p && st.Version == version {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertSettlement(ctx context.Context, s *settlement.Settlement) error {
	exists, _ := t.SettlementExists(ctx, s.SummaryID, s.InsurerID, s.Period, s.Version)
	if exists {
		return settlement.ErrSettlementExists
	}
	s.ID = t.newID()
	t.st.settlements[s.ID] = *s
	return nil
}

func (t *memTx) UpdateSettlementTotals(_ context.Context, s *settlement.Settlement) error {
	v, ok := t.st.settlements[s.ID]
	if !ok {
		return settlement.ErrSettlementNotFound
	}
	v.TotalGross = s.TotalGross
	v.TotalDebits = s.TotalDebits
	v.TotalCredits = s.TotalCredits
	v.TotalNet = s.TotalNet
	t.st.settlements[s.ID] = v
	return nil
}

func (t *memTx) GetSettlement(_ context.Context, id int64, _ bool) (*settlement.Settlement, error) {
	v, ok := t.st.settlements[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) ListSettlements(_ context.Context, summaryID int64) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	for _, st := range t.st.settlements {
		if st.SummaryID == summaryID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) MarkSettlementClosed(_ context.Context, id int64, closedAt time.Time) error {
	v, ok := t.st.settlements[id]
	if !ok {
		return settlement.ErrSettlementNotFound
	}
	v.Close(closedAt)
	t.st.settlements[id] = v
	return nil
}

func (t *memTx) GetRecord(_ context.Context, id int64) (*settlement.BilledServiceRecord, error) {
	v, ok := t.st.records[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) UpsertRecord(_ context.Context, record *settlement.BilledServiceRecord) error {
	if record.ID == 0 {
		record.ID = t.newID()
	} else if record.ID > t.st.nextID {
		t.st.nextID = record.ID
	}
	t.st.records[record.ID] = *record
	return nil
}

func (t *memTx) ListRecords(_ context.Context, insurerID int64, p period.Period, excludeClaimed bool) ([]settlement.BilledServiceRecord, error) {
	claimed := make(map[string]struct{})
	if excludeClaimed {
		for _, d := range t.st.details {
			claimed[d.RecordRef] = struct{}{}
		}
	}
	var out []settlement.BilledServiceRecord
	for _, rec := range t.st.records {
		if rec.InsurerID != insurerID || rec.Period != p {
			continue
		}
		if _, ok := claimed[rec.Ref()]; ok {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) LineageCandidates(_ context.Context, insurerID int64, p period.Period, version int) ([]settlement.Detail, error) {
	var out []settlement.Detail
	for _, d := range t.st.details {
		st, ok := t.st.settlements[d.SettlementID]
		if !ok || st.InsurerID != insurerID || st.Period != p || st.Version >= version {
			continue
		}
		d.Version = st.Version
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertDetails(_ context.Context, details []settlement.Detail) error {
	seen := make(map[string]struct{})
	for _, d := range t.st.details {
		seen[detailKey(d)] = struct{}{}
	}
	for i := range details {
		key := detailKey(details[i])
		if _, dup := seen[key]; dup {
			return errors.New("settlement memory store: duplicate detail for record, settlement and doctor")
		}
		seen[key] = struct{}{}
		details[i].ID = t.newID()
		t.st.details[details[i].ID] = details[i]
	}
	return nil
}

func detailKey(d settlement.Detail) string {
	return d.RecordRef + "|" + settlement.RecordRef(d.SettlementID) + "|" + settlement.RecordRef(d.DoctorID)
}

func (t *memTx) ListDetails(_ context.Context, settlementID int64) ([]settlement.Detail, error) {
	st, ok := t.st.settlements[settlementID]
	var out []settlement.Detail
	for _, d := range t.st.details {
		if d.SettlementID == settlementID {
			if ok {
				d.Version = st.Version
			}
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SettlementsLinkedToAdjustment(_ context.Context, adjustmentID int64) ([]settlement.Settlement, error) {
	seen := make(map[int64]struct{})
	var out []settlement.Settlement
	for _, d := range t.st.details {
		if d.AdjustmentID == nil || *d.AdjustmentID != adjustmentID {
			continue
		}
		if _, ok := seen[d.SettlementID]; ok {
			continue
		}
		seen[d.SettlementID] = struct{}{}
		if st, ok := t.st.settlements[d.SettlementID]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (t *memTx) ClearAdjustmentLinks(_ context.Context, adjustmentID int64) error {
	for id, d := range t.st.details {
		if d.AdjustmentID != nil && *d.AdjustmentID == adjustmentID {
			d.AdjustmentID = nil
			t.st.details[id] = d
		}
	}
	return nil
}

func (t *memTx) InsertAdjustment(_ context.Context, adj *settlement.Adjustment) error {
	adj.ID = t.newID()
	t.st.adjustments[adj.ID] = *adj
	return nil
}

func (t *memTx) UpdateAdjustment(_ context.Context, adj *settlement.Adjustment) error {
	if _, ok := t.st.adjustments[adj.ID]; !ok {
		return settlement.ErrAdjustmentNotFound
	}
	t.st.adjustments[adj.ID] = *adj
	return nil
}

func (t *memTx) GetAdjustment(_ context.Context, id int64) (*settlement.Adjustment, error) {
	v, ok := t.st.adjustments[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetAdjustments(_ context.Context, ids []int64) (map[int64]settlement.Adjustment, error) {
	out := make(map[int64]settlement.Adjustment, len(ids))
	for _, id := range ids {
		if v, ok := t.st.adjustments[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (t *memTx) DeleteAdjustment(_ context.Context, id int64) error {
	delete(t.st.adjustments, id)
	return nil
}

func (t *memTx) ListAdjustments(_ context.Context, filter settlement.AdjustmentFilter) ([]settlement.Adjustment, int, error) {
	filter = filter.Normalize()
	var matched []settlement.Adjustment
	for _, adj := range t.st.adjustments {
		if filter.Matches(adj) {
			matched = append(matched, adj)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (t *memTx) AdjustmentsForRecords(_ context.Context, insurerID int64, p period.Period, recordIDs []int64) ([]settlement.Adjustment, error) {
	wanted := make(map[int64]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = struct{}{}
	}
	var out []settlement.Adjustment
	for _, adj := range t.st.adjustments {
		if adj.InsurerID != insurerID || adj.Period != p {
			continue
		}
		if _, ok := wanted[adj.RecordID]; ok {
			out = append(out, adj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
