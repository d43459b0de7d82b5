package migrations

import (
	"strings"
	"testing"
)

func TestNamesAreOrdered(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) < 3 {
		t.Fatalf("expected at least 3 migrations, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestSchemaCarriesUniqueKeys(t *testing.T) {
	settlementSQL, err := Read("001_settlement.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{
		"UNIQUE (summary_id, insurer_id, period, version)",
		"UNIQUE (record_ref, settlement_id, doctor_id)",
		"UNIQUE (year, month)",
	} {
		if !strings.Contains(settlementSQL, want) {
			t.Fatalf("001_settlement.sql missing %q", want)
		}
	}
	deductionSQL, _ := Read("002_deductions.sql")
	if !strings.Contains(deductionSQL, "CHECK (balance >= 0)") {
		t.Fatalf("balances must never go below zero")
	}
}
