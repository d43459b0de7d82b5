package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"medliq-cloud/internal/audit"
	fundsadapter "medliq-cloud/internal/deductions/adapters/settlement"
	"medliq-cloud/internal/deductions/application"
	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/deductions/infrastructure/memory"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
	settlementmemory "medliq-cloud/internal/settlement/infrastructure/memory"
)

type testEnv struct {
	server    *httptest.Server
	summaryID int64
	recorder  *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	march := period.Period{Year: 2024, Month: 3}

	sst := settlementmemory.NewStore()
	sst.PutRecord(settlement.BilledServiceRecord{
		ID:              1,
		PrimaryDoctorID: 10,
		InsurerID:       7,
		Period:          march,
		PrimaryValue:    money.MustParse("1000.00"),
		ConsultationRef: "C",
		Active:          true,
	})
	decomposer, err := settlement.NewDecomposer(settlement.DecomposerPolicy{})
	if err != nil {
		t.Fatalf("decomposer: %v", err)
	}
	builder, err := settlementapp.NewService(sst, decomposer)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	summary, err := builder.OpenSummary(ctx, march)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if _, err := builder.CreateSettlement(ctx, settlementapp.CreateSettlementInput{SummaryID: summary.ID, InsurerID: 7, Period: march}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	funds, err := fundsadapter.NewMemoryFunds(sst)
	if err != nil {
		t.Fatalf("funds: %v", err)
	}
	store, err := memory.NewStore(funds)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	charges, _ := application.NewChargeGenerator(store)
	allocator, _ := application.NewAllocator(store)
	queries, _ := application.NewQueries(store)
	catalog, _ := application.NewCatalog(store)
	recorder := &audit.Recorder{}
	h, err := NewHandler(Deps{
		Charges:     charges,
		Allocator:   allocator,
		Queries:     queries,
		Catalog:     catalog,
		AuditLogger: recorder,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, summaryID: summary.ID, recorder: recorder}
}

func (e *testEnv) call(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestChargeAndApplyOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	summary := "/summaries/" + strconv.FormatInt(env.summaryID, 10)

	var def deductions.Definition
	if code := env.call(t, http.MethodPut, "/deductions/definitions", `{"id":1,"concept_number":3,"name":"Fee","price":"100"}`, &def); code != http.StatusOK {
		t.Fatalf("save definition status %d", code)
	}
	if code := env.call(t, http.MethodPut, "/assignments/10", `{"memberships":[3]}`, nil); code != http.StatusOK {
		t.Fatalf("save assignment status %d", code)
	}

	var res application.ChargeResult
	if code := env.call(t, http.MethodPost, summary+"/charges", `{"deduction_id":1,"percentage":"10"}`, &res); code != http.StatusOK {
		t.Fatalf("charges status %d", code)
	}
	if res.Matched != 1 || !res.Total.Equal(money.MustParse("200")) {
		t.Fatalf("unexpected charge result: %+v", res)
	}

	var applied application.ApplyResult
	if code := env.call(t, http.MethodPost, summary+"/deductions/apply", "", &applied); code != http.StatusOK {
		t.Fatalf("apply status %d", code)
	}
	if !applied.TotalApplied.Equal(money.MustParse("200")) {
		t.Fatalf("expected 200 applied, got %s", applied.TotalApplied)
	}

	var balances []deductions.Balance
	if code := env.call(t, http.MethodGet, "/balances?doctor_id=10", "", &balances); code != http.StatusOK {
		t.Fatalf("balances status %d", code)
	}
	if len(balances) != 1 || !balances[0].Balance.IsZero() {
		t.Fatalf("expected settled balance, got %+v", balances)
	}

	var apps []deductions.Application
	if code := env.call(t, http.MethodGet, summary+"/applications", "", &apps); code != http.StatusOK {
		t.Fatalf("applications status %d", code)
	}
	if len(apps) != 1 {
		t.Fatalf("expected one application, got %d", len(apps))
	}
	if len(env.recorder.Entries()) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(env.recorder.Entries()))
	}
}

func TestDeductionErrorsOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	summary := "/summaries/" + strconv.FormatInt(env.summaryID, 10)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown summary", http.MethodPost, "/summaries/999/charges", `{"deduction_id":1}`, http.StatusNotFound},
		{"unknown definition", http.MethodPost, summary + "/charges", `{"deduction_id":42}`, http.StatusNotFound},
		{"negative price", http.MethodPut, "/deductions/definitions", `{"concept_number":3,"name":"Fee","price":"-5"}`, http.StatusBadRequest},
		{"unknown specialty", http.MethodPost, summary + "/specialty-charges", `{"specialty_id":9}`, http.StatusNotFound},
		{"bad doctor filter", http.MethodGet, "/balances?doctor_id=x", "", http.StatusBadRequest},
		{"bad assignment", http.MethodPut, "/assignments/10", `{"memberships":["abc"]}`, http.StatusBadRequest},
		{"apply unknown summary", http.MethodPost, "/summaries/999/deductions/apply", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := env.call(t, tc.method, tc.path, tc.body, nil); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}
