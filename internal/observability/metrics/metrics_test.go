package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveBeforeInitIsSafe(t *testing.T) {
	if settlementCreateTotal != nil {
		t.Skip("metrics already initialised in this process")
	}
	ObserveSettlementCreate(ResultSuccess, time.Millisecond)
	ObserveAdjustment("create", ResultError, time.Millisecond)
	AddApplied(10)
	IncEventPublished("", "")
}

func TestCountersAfterInit(t *testing.T) {
	Init(nil, nil)

	before := testutil.ToFloat64(settlementCreateTotal.WithLabelValues(ResultConflict))
	ObserveSettlementCreate(ResultConflict, 5*time.Millisecond)
	after := testutil.ToFloat64(settlementCreateTotal.WithLabelValues(ResultConflict))
	if after-before != 1 {
		t.Fatalf("expected conflict counter +1, got %v", after-before)
	}

	beforeApplied := testutil.ToFloat64(appliedAmount)
	AddApplied(12.5)
	AddApplied(-3)
	if got := testutil.ToFloat64(appliedAmount) - beforeApplied; got != 12.5 {
		t.Fatalf("expected applied +12.5, got %v", got)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}
