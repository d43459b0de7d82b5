package interfaces

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"medliq-cloud/internal/api/respond"
	"medliq-cloud/internal/apperr"
	"medliq-cloud/internal/audit"
	"medliq-cloud/internal/auth"
	"medliq-cloud/internal/observability/metrics"
	"medliq-cloud/internal/period"
	settlementapp "medliq-cloud/internal/settlement/application"
	settlement "medliq-cloud/internal/settlement/domain"
)

// Handler serves summary, settlement and adjustment routes.
type Handler struct {
	service     *settlementapp.Service
	ledger      *settlementapp.AdjustmentLedger
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(service *settlementapp.Service, ledger *settlementapp.AdjustmentLedger, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("settlement handler: nil service")
	}
	if ledger == nil {
		return nil, errors.New("settlement handler: nil ledger")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, ledger: ledger, auditLogger: auditLogger, logger: logger}, nil
}

// Routes mounts the handler on r, relative to /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/summaries", h.handleOpenSummary)
	r.Get("/summaries/{summaryID}", h.handleGetSummary)
	r.Get("/summaries/{summaryID}/settlements", h.handleListSettlements)
	r.Post("/summaries/{summaryID}/settlements", h.handleCreateSettlement)
	r.Get("/summaries/{summaryID}/export.xlsx", h.handleExportSummaryXLSX)

	r.Get("/settlements/{settlementID}", h.handleGetSettlement)
	r.Get("/settlements/{settlementID}/rows", h.handleRows)
	r.Post("/settlements/{settlementID}/close", h.handleClose)
	r.Get("/settlements/{settlementID}/export.{format}", h.handleExport)

	r.Post("/adjustments", h.handleCreateAdjustment)
	r.Get("/adjustments", h.handleListAdjustments)
	r.Get("/adjustments/{adjustmentID}", h.handleGetAdjustment)
	r.Put("/adjustments/{adjustmentID}", h.handleUpdateAdjustment)
	r.Delete("/adjustments/{adjustmentID}", h.handleDeleteAdjustment)
}

func (h *Handler) handleOpenSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Period string `json:"period"`
	}
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	p, err := period.Parse(req.Period)
	if err != nil {
		respond.Error(w, err)
		return
	}
	summary, err := h.service.OpenSummary(r.Context(), p)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, summary)
	h.logAudit(r, "summary.open", "summary", summary.ID, map[string]any{"period": p.String()})
}

func (h *Handler) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	summary, err := h.service.GetSummary(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	list, err := h.service.ListSettlements(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if list == nil {
		list = []settlement.Settlement{}
	}
	respond.JSON(w, http.StatusOK, list)
}

func (h *Handler) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	summaryID, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req struct {
		InsurerID  int64  `json:"insurer_id"`
		Period     string `json:"period"`
		NumberBase string `json:"number_base"`
	}
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	p, err := period.Parse(req.Period)
	if err != nil {
		respond.Error(w, err)
		return
	}
	res, err := h.service.CreateSettlement(r.Context(), settlementapp.CreateSettlementInput{
		SummaryID:  summaryID,
		InsurerID:  req.InsurerID,
		Period:     p,
		NumberBase: req.NumberBase,
	})
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
	h.logAudit(r, "settlement.create", "settlement", res.Settlement.ID, map[string]any{
		"summary_id": summaryID,
		"insurer_id": req.InsurerID,
		"period":     p.String(),
		"version":    res.Settlement.Version,
	})
}

func (h *Handler) handleExportSummaryXLSX(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveExport("summary_xlsx", result, time.Since(start))
	}()

	id, err := respond.IDParam(r, "summaryID")
	if err != nil {
		result = metrics.ResultError
		respond.Error(w, err)
		return
	}
	summary, err := h.service.GetSummary(r.Context(), id)
	if err != nil {
		result = metrics.ResultError
		respond.Error(w, err)
		return
	}
	list, err := h.service.ListSettlements(r.Context(), id)
	if err != nil {
		result = metrics.ResultError
		respond.Error(w, err)
		return
	}
	data, err := BuildSummaryXLSX(summary, list)
	if err != nil {
		result = metrics.ResultError
		h.logger.Error("summary export failed", zap.Int64("summary_id", id), zap.Error(err))
		http.Error(w, "export xlsx error", http.StatusInternalServerError)
		return
	}
	writeFile(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		fmt.Sprintf("summary-%s.xlsx", summary.Period), data)
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "settlementID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	st, err := h.service.GetSettlement(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (h *Handler) handleRows(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "settlementID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	rows, err := h.service.ListDetailRows(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, rows)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "settlementID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	st, err := h.service.CloseSettlement(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
	h.logAudit(r, "settlement.close", "settlement", st.ID, map[string]any{"status": st.Status})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveExport(format, result, time.Since(start))
	}()

	id, err := respond.IDParam(r, "settlementID")
	if err != nil {
		result = metrics.ResultError
		respond.Error(w, err)
		return
	}
	if format != "pdf" && format != "xlsx" && format != "csv" {
		result = metrics.ResultError
		respond.Error(w, fmt.Errorf("%w: unsupported export format %q", apperr.ErrValidation, format))
		return
	}
	st, err := h.service.GetSettlement(r.Context(), id)
	if err != nil {
		result = metrics.ResultError
		respond.Error(w, err)
		return
	}
	rows, err := h.service.ListDetailRows(r.Context(), id)
	if err != nil {
		result = metrics.ResultError
		respond.Error(w, err)
		return
	}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		contentType = "application/pdf"
		data, err = BuildSettlementPDF(st, rows)
	case "xlsx":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		data, err = BuildSettlementXLSX(st, rows)
	case "csv":
		contentType = "text/csv; charset=utf-8"
		var buf bytes.Buffer
		err = WriteRowsCSV(&buf, rows)
		data = buf.Bytes()
	}
	if err != nil {
		result = metrics.ResultError
		h.logger.Error("settlement export failed", zap.Int64("settlement_id", id), zap.String("format", format), zap.Error(err))
		http.Error(w, "export "+format+" error", http.StatusInternalServerError)
		return
	}
	writeFile(w, contentType, fmt.Sprintf("settlement-%s.%s", st.Number, format), data)
	h.logAudit(r, "settlement.export", "settlement", st.ID, map[string]any{"format": format})
}

func (h *Handler) handleCreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var in settlementapp.AdjustmentInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, err)
		return
	}
	if in.CreatedBy == "" {
		in.CreatedBy = auth.SubjectFromContext(r.Context())
	}
	adj, err := h.ledger.Create(r.Context(), in)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, adj)
	h.logAudit(r, "adjustment.create", "adjustment", adj.ID, in)
}

func (h *Handler) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter settlement.AdjustmentFilter
	var err error
	if filter.InsurerID, err = respond.QueryInt(r, "insurer_id"); err != nil {
		respond.Error(w, err)
		return
	}
	if raw := q.Get("period"); raw != "" {
		p, err := period.Parse(raw)
		if err != nil {
			respond.Error(w, err)
			return
		}
		filter.Period = &p
	}
	filter.Kind = settlement.AdjustmentKind(q.Get("kind"))
	page, err := respond.QueryInt(r, "page")
	if err != nil {
		respond.Error(w, err)
		return
	}
	size, err := respond.QueryInt(r, "page_size")
	if err != nil {
		respond.Error(w, err)
		return
	}
	filter.Page, filter.PageSize = int(page), int(size)

	out, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "adjustmentID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	adj, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleUpdateAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "adjustmentID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var in settlementapp.AdjustmentInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, err)
		return
	}
	adj, err := h.ledger.Update(r.Context(), id, in)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, adj)
	h.logAudit(r, "adjustment.update", "adjustment", adj.ID, in)
}

func (h *Handler) handleDeleteAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := respond.IDParam(r, "adjustmentID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.ledger.Delete(r.Context(), id); err != nil {
		respond.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logAudit(r, "adjustment.delete", "adjustment", id, nil)
}

func (h *Handler) logAudit(r *http.Request, action, resourceType string, resourceID int64, meta any) {
	if h.auditLogger == nil {
		return
	}
	entry := audit.FromRequest(r, action, resourceType, strconv.FormatInt(resourceID, 10), meta)
	if err := h.auditLogger.Log(r.Context(), entry); err != nil {
		h.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func writeFile(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
