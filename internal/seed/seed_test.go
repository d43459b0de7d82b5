package seed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"medliq-cloud/internal/apperr"
	fundsadapter "medliq-cloud/internal/deductions/adapters/settlement"
	deductions "medliq-cloud/internal/deductions/domain"
	deductionsmemory "medliq-cloud/internal/deductions/infrastructure/memory"
	"medliq-cloud/internal/money"
	settlement "medliq-cloud/internal/settlement/domain"
	settlementmemory "medliq-cloud/internal/settlement/infrastructure/memory"
)

const fixture = `
records:
  - id: 1
    primary_doctor_id: 10
    first_assistant_id: 11
    insurer_id: 7
    period: "2024-03"
    primary_value: 1000.50
    first_assistant_value: "250"
  - id: 2
    primary_doctor_id: 12
    insurer_id: 7
    period: "2024-03"
    primary_value: 90
    inactive: true
definitions:
  - id: 1
    concept_number: 40
    name: dues
    price: 1000
    percentage: 5
specialties:
  - id: 3
    name: cardiology
    price: 15
assignments:
  - doctor_id: 10
    memberships: [40, "41"]
    specialties: ["3"]
`

func stores(t *testing.T) (*settlementmemory.Store, *deductionsmemory.Store) {
	t.Helper()
	sst := settlementmemory.NewStore()
	funds, err := fundsadapter.NewMemoryFunds(sst)
	if err != nil {
		t.Fatalf("funds: %v", err)
	}
	dst, err := deductionsmemory.NewStore(funds)
	if err != nil {
		t.Fatalf("deductions store: %v", err)
	}
	return sst, dst
}

func TestLoadAndApply(t *testing.T) {
	ds, err := Load(strings.NewReader(fixture))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sst, dst := stores(t)
	ctx := context.Background()

	stats, err := Apply(ctx, sst, dst, ds, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if stats != (Stats{Records: 2, Definitions: 1, Specialties: 1, Assignments: 1}) {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	err = sst.WithinTx(ctx, func(ctx context.Context, tx settlement.Tx) error {
		r, err := tx.GetRecord(ctx, 1)
		if err != nil || r == nil {
			t.Fatalf("record 1 missing: %v", err)
		}
		if !r.PrimaryValue.Equal(money.MustParse("1000.50")) || r.Period.String() != "2024-03" || !r.Active {
			t.Fatalf("unexpected record: %+v", r)
		}
		inactive, _ := tx.GetRecord(ctx, 2)
		if inactive == nil || inactive.Active {
			t.Fatalf("expected record 2 inactive: %+v", inactive)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read records: %v", err)
	}

	err = dst.WithinTx(ctx, func(ctx context.Context, tx deductions.Tx) error {
		assignments, err := tx.ListAssignments(ctx)
		if err != nil {
			return err
		}
		if len(assignments) != 1 || !assignments[0].Memberships.Contains(41) || !assignments[0].Specialties.Contains(3) {
			t.Fatalf("unexpected assignments: %+v", assignments)
		}
		def, _ := tx.GetDefinition(ctx, 1)
		if def == nil || !def.Price.Equal(money.MustParse("1000")) {
			t.Fatalf("unexpected definition: %+v", def)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read master data: %v", err)
	}
}

func TestApplyIsRepeatable(t *testing.T) {
	ds, err := Load(strings.NewReader(fixture))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sst, dst := stores(t)
	for i := 0; i < 2; i++ {
		if _, err := Apply(context.Background(), sst, dst, ds, nil); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader("records:\n  - id: 1\n    colour: red\n"))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyRejectsBadMembership(t *testing.T) {
	ds, err := Load(strings.NewReader("assignments:\n  - doctor_id: 1\n    memberships: [\"x\"]\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sst, dst := stores(t)
	if _, err := Apply(context.Background(), sst, dst, ds, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadEmpty(t *testing.T) {
	ds, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stats, err := Apply(context.Background(), nil, nil, ds, nil)
	if err != nil || stats != (Stats{}) {
		t.Fatalf("expected no-op, got %+v %v", stats, err)
	}
}
