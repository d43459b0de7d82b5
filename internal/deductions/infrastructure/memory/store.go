package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/money"
)

// FundsSource reads settlement data owned by the settlement context.
type FundsSource interface {
	SummaryExists(summaryID int64) bool
	GrossByDoctor(summaryID int64) map[int64]decimal.Decimal
	// FundsByDoctor returns gross and linked adjustment sums; Applied is
	// filled by the store.
	FundsByDoctor(summaryID int64) []deductions.Funds
	SetSummaryDeduction(summaryID int64, total decimal.Decimal) bool
}

// Store is an in-memory deductions store. Transactions are serialized and
// rolled back by restoring a snapshot.
type Store struct {
	mu     sync.Mutex
	source FundsSource
	now    func() time.Time
	state  state
}

type state struct {
	nextID       int64
	definitions  map[int64]deductions.Definition
	specialties  map[int64]deductions.Specialty
	assignments  map[int64]assignmentRow
	charges      map[deductions.ChargeKey]deductions.Charge
	balances     map[int64]deductions.Balance
	applications map[deductions.ApplicationKey]deductions.Application
}

type assignmentRow struct {
	memberships json.RawMessage
	specialties json.RawMessage
}

// NewStore constructs a store reading funds from source.
func NewStore(source FundsSource) (*Store, error) {
	if source == nil {
		return nil, errors.New("deductions memory store: nil funds source")
	}
	return &Store{
		source: source,
		now:    time.Now,
		state: state{
			definitions:  make(map[int64]deductions.Definition),
			specialties:  make(map[int64]deductions.Specialty),
			assignments:  make(map[int64]assignmentRow),
			charges:      make(map[deductions.ChargeKey]deductions.Charge),
			balances:     make(map[int64]deductions.Balance),
			applications: make(map[deductions.ApplicationKey]deductions.Application),
		},
	}, nil
}

func (s state) clone() state {
	c := state{
		nextID:       s.nextID,
		definitions:  make(map[int64]deductions.Definition, len(s.definitions)),
		specialties:  make(map[int64]deductions.Specialty, len(s.specialties)),
		assignments:  make(map[int64]assignmentRow, len(s.assignments)),
		charges:      make(map[deductions.ChargeKey]deductions.Charge, len(s.charges)),
		balances:     make(map[int64]deductions.Balance, len(s.balances)),
		applications: make(map[deductions.ApplicationKey]deductions.Application, len(s.applications)),
	}
	for k, v := range s.definitions {
		c.definitions[k] = v
	}
	for k, v := range s.specialties {
		c.specialties[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.charges {
		c.charges[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	return c
}

// WithinTx runs fn atomically. Summary deduction totals are written to the
// funds source only after fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx deductions.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memTx{store: s, st: &s.state, pending: map[int64]decimal.Decimal{}}
	if err := fn(ctx, tx); err != nil {
		s.state = snapshot
		return err
	}
	for summaryID, total := range tx.pending {
		s.source.SetSummaryDeduction(summaryID, total)
	}
	return nil
}

type memTx struct {
	store   *Store
	st      *state
	pending map[int64]decimal.Decimal
}

func (t *memTx) newID() int64 {
	t.st.nextID++
	return t.st.nextID
}

func (t *memTx) SummaryExists(_ context.Context, summaryID int64) (bool, error) {
	return t.store.source.SummaryExists(summaryID), nil
}

func (t *memTx) GetDefinition(_ context.Context, id int64) (*deductions.Definition, error) {
	v, ok := t.st.definitions[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) GetSpecialty(_ context.Context, id int64) (*deductions.Specialty, error) {
	v, ok := t.st.specialties[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (t *memTx) ListAssignments(_ context.Context) ([]deductions.Assignment, error) {
	out := make([]deductions.Assignment, 0, len(t.st.assignments))
	for doctorID, row := range t.st.assignments {
		out = append(out, deductions.DecodeAssignment(doctorID, row.memberships, row.specialties))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DoctorID < out[j].DoctorID })
	return out, nil
}

func (t *memTx) GrossByDoctor(_ context.Context, summaryID int64) (map[int64]decimal.Decimal, error) {
	return t.store.source.GrossByDoctor(summaryID), nil
}

func (t *memTx) FundsByDoctor(_ context.Context, summaryID int64) ([]deductions.Funds, error) {
	funds := t.store.source.FundsByDoctor(summaryID)
	applied := make(map[int64]decimal.Decimal)
	for key, app := range t.st.applications {
		if key.SummaryID == summaryID {
			applied[key.DoctorID] = applied[key.DoctorID].Add(app.Applied)
		}
	}
	for i := range funds {
		funds[i].Applied = money.Round2(applied[funds[i].DoctorID])
	}
	return funds, nil
}

func (t *memTx) UpsertCharge(_ context.Context, charge *deductions.Charge) (bool, error) {
	key := deductions.ChargeKey{
		DoctorID:    charge.DoctorID,
		SummaryID:   charge.SummaryID,
		ConceptType: charge.ConceptType,
		ConceptID:   charge.ConceptID,
	}
	existing, ok := t.st.charges[key]
	if ok {
		charge.ID = existing.ID
		charge.CreatedAt = existing.CreatedAt
	} else {
		charge.ID = t.newID()
	}
	t.st.charges[key] = *charge
	return !ok, nil
}

func (t *memTx) findBalance(doctorID int64, conceptType deductions.ConceptType, conceptID int64) (deductions.Balance, bool) {
	for _, b := range t.st.balances {
		if b.DoctorID == doctorID && b.ConceptType == conceptType && b.ConceptID == conceptID {
			return b, true
		}
	}
	return deductions.Balance{}, false
}

func (t *memTx) AddToBalance(_ context.Context, doctorID int64, conceptType deductions.ConceptType, conceptID int64, amount decimal.Decimal) (deductions.Balance, error) {
	if amount.IsNegative() {
		return deductions.Balance{}, deductions.ErrNegativeAmount
	}
	b, ok := t.findBalance(doctorID, conceptType, conceptID)
	if !ok {
		b = deductions.Balance{
			ID:          t.newID(),
			DoctorID:    doctorID,
			ConceptType: conceptType,
			ConceptID:   conceptID,
			Balance:     money.Zero,
		}
	}
	b.Balance = money.Round2(b.Balance.Add(amount))
	b.UpdatedAt = t.store.now().UTC()
	t.st.balances[b.ID] = b
	return b, nil
}

func (t *memTx) LockOutstandingBalances(_ context.Context) ([]deductions.Balance, error) {
	var out []deductions.Balance
	for _, b := range t.st.balances {
		if b.Balance.IsPositive() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) DecrementBalance(_ context.Context, balanceID int64, amount decimal.Decimal) error {
	b, ok := t.st.balances[balanceID]
	if !ok {
		return errors.New("deductions memory store: balance not found")
	}
	next := money.Round2(b.Balance.Sub(amount))
	if next.IsNegative() {
		return deductions.ErrOverdraw
	}
	b.Balance = next
	b.UpdatedAt = t.store.now().UTC()
	t.st.balances[balanceID] = b
	return nil
}

func (t *memTx) AddApplication(_ context.Context, key deductions.ApplicationKey, applied decimal.Decimal) (bool, error) {
	app, ok := t.st.applications[key]
	if !ok {
		app = deductions.Application{
			ID:          t.newID(),
			SummaryID:   key.SummaryID,
			DoctorID:    key.DoctorID,
			ConceptType: key.ConceptType,
			ConceptID:   key.ConceptID,
			Applied:     money.Zero,
		}
	}
	app.Applied = money.Round2(app.Applied.Add(applied))
	app.UpdatedAt = t.store.now().UTC()
	t.st.applications[key] = app
	return !ok, nil
}

func (t *memTx) SumApplications(_ context.Context, summaryID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, app := range t.st.applications {
		if key.SummaryID == summaryID {
			total = total.Add(app.Applied)
		}
	}
	return money.Round2(total), nil
}

func (t *memTx) SetSummaryDeduction(_ context.Context, summaryID int64, total decimal.Decimal) error {
	if !t.store.source.SummaryExists(summaryID) {
		return deductions.ErrSummaryNotFound
	}
	t.pending[summaryID] = money.Round2(total)
	return nil
}

func (t *memTx) ListCharges(_ context.Context, summaryID int64) ([]deductions.Charge, error) {
	var out []deductions.Charge
	for key, c := range t.st.charges {
		if key.SummaryID == summaryID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListBalances(_ context.Context, doctorID int64) ([]deductions.Balance, error) {
	var out []deductions.Balance
	for _, b := range t.st.balances {
		if doctorID == 0 || b.DoctorID == doctorID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListApplications(_ context.Context, summaryID int64) ([]deductions.Application, error) {
	var out []deductions.Application
	for key, app := range t.st.applications {
		if key.SummaryID == summaryID {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpsertDefinition(_ context.Context, def *deductions.Definition) error {
	if def.ID == 0 {
		def.ID = t.newID()
	} else if def.ID > t.st.nextID {
		t.st.nextID = def.ID
	}
	t.st.definitions[def.ID] = *def
	return nil
}

func (t *memTx) UpsertSpecialty(_ context.Context, sp *deductions.Specialty) error {
	if sp.ID == 0 {
		sp.ID = t.newID()
	} else if sp.ID > t.st.nextID {
		t.st.nextID = sp.ID
	}
	t.st.specialties[sp.ID] = *sp
	return nil
}

func (t *memTx) UpsertAssignment(_ context.Context, doctorID int64, memberships, specialties json.RawMessage) error {
	t.st.assignments[doctorID] = assignmentRow{
		memberships: append(json.RawMessage(nil), memberships...),
		specialties: append(json.RawMessage(nil), specialties...),
	}
	return nil
}
