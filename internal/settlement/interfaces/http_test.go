package interfaces

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"medliq-cloud/internal/audit"
	"medliq-cloud/internal/money"
	"medliq-cloud/internal/period"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
	"medliq-cloud/internal/settlement/infrastructure/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *audit.Recorder) {
	t.Helper()
	store := memory.NewStore()
	store.PutRecord(settlement.BilledServiceRecord{
		ID:              1,
		PrimaryDoctorID: 10,
		InsurerID:       7,
		Period:          period.Period{Year: 2024, Month: 3},
		PrimaryValue:    money.MustParse("1000.00"),
		Quantity:        1,
		TreatmentCount:  1,
		ConsultationRef: "C-1",
		Active:          true,
	})
	decomposer, err := settlement.NewDecomposer(settlement.DecomposerPolicy{})
	if err != nil {
		t.Fatalf("decomposer: %v", err)
	}
	svc, err := settlementapp.NewService(store, decomposer)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ledger, err := settlementapp.NewAdjustmentLedger(store)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	recorder := &audit.Recorder{}
	h, err := NewHandler(svc, ledger, recorder, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, recorder
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	srv, recorder := newTestServer(t)
	base := srv.URL

	var adj settlement.Adjustment
	status := doJSON(t, http.MethodPost, base+"/adjustments",
		`{"kind":"debit","record_id":1,"insurer_id":7,"period":"2024-03","amount":"100.00","note":"missing report"}`, &adj)
	if status != http.StatusCreated {
		t.Fatalf("create adjustment status %d", status)
	}

	var summary settlement.Summary
	if status := doJSON(t, http.MethodPost, base+"/summaries", `{"period":"2024-03"}`, &summary); status != http.StatusOK {
		t.Fatalf("open summary status %d", status)
	}

	var created settlementapp.CreateSettlementResult
	status = doJSON(t, http.MethodPost, base+"/summaries/"+itoa(summary.ID)+"/settlements",
		`{"insurer_id":7,"period":"2024-03","number_base":"ABC"}`, &created)
	if status != http.StatusCreated {
		t.Fatalf("create settlement status %d", status)
	}
	if !created.Settlement.TotalNet.Equal(money.MustParse("900.00")) {
		t.Fatalf("expected net 900, got %s", created.Settlement.TotalNet)
	}

	var rows []settlement.DetailRow
	if status := doJSON(t, http.MethodGet, base+"/settlements/"+itoa(created.Settlement.ID)+"/rows", "", &rows); status != http.StatusOK {
		t.Fatalf("rows status %d", status)
	}
	if len(rows) == 0 {
		t.Fatalf("expected detail rows")
	}

	resp, err := http.Get(base + "/settlements/" + itoa(created.Settlement.ID) + "/export.csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("unexpected export response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	var closed settlement.Settlement
	if status := doJSON(t, http.MethodPost, base+"/settlements/"+itoa(created.Settlement.ID)+"/close", "", &closed); status != http.StatusOK {
		t.Fatalf("close status %d", status)
	}
	if closed.Status != settlement.StatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}

	if status := doJSON(t, http.MethodDelete, base+"/adjustments/"+itoa(adj.ID), "", nil); status != http.StatusConflict {
		t.Fatalf("expected conflict deleting adjustment of closed settlement, got %d", status)
	}

	if got := len(recorder.Entries()); got < 4 {
		t.Fatalf("expected audit entries, got %d", got)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown summary", http.MethodGet, "/summaries/99", "", http.StatusNotFound},
		{"bad id", http.MethodGet, "/settlements/abc", "", http.StatusBadRequest},
		{"bad period", http.MethodPost, "/summaries", `{"period":"2024-13"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/summaries", `{"period":"2024-03","extra":1}`, http.StatusBadRequest},
		{"bad kind", http.MethodPost, "/adjustments", `{"kind":"refund","record_id":1,"insurer_id":7,"period":"2024-03","amount":"1"}`, http.StatusBadRequest},
		{"insurer mismatch", http.MethodPost, "/adjustments", `{"kind":"debit","record_id":1,"insurer_id":8,"period":"2024-03","amount":"1"}`, http.StatusBadRequest},
		{"unknown format", http.MethodGet, "/settlements/1/export.doc", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := doJSON(t, tc.method, base+tc.path, tc.body, nil); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestListAdjustmentsFilters(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL
	for _, kind := range []string{"debit", "credit"} {
		body := `{"kind":"` + kind + `","record_id":1,"insurer_id":7,"period":"2024-03","amount":"5"}`
		if status := doJSON(t, http.MethodPost, base+"/adjustments", body, nil); status != http.StatusCreated {
			t.Fatalf("create %s status %d", kind, status)
		}
	}
	var page settlement.AdjustmentPage
	if status := doJSON(t, http.MethodGet, base+"/adjustments?insurer_id=7&period=2024-03&kind=credit", "", &page); status != http.StatusOK {
		t.Fatalf("list status %d", status)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Kind != settlement.KindCredit {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
