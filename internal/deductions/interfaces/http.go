package interfaces

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"medliq-cloud/internal/api/respond"
	"medliq-cloud/internal/audit"
	"medliq-cloud/internal/deductions/application"
	deductions "medliq-cloud/internal/deductions/domain"
)

// Handler serves charge generation, allocation and the deduction catalog.
type Handler struct {
	charges     *application.ChargeGenerator
	allocator   *application.Allocator
	queries     *application.Queries
	catalog     *application.Catalog
	auditLogger audit.Logger
	logger      *zap.Logger
}

// Deps groups the services the handler needs.
type Deps struct {
	Charges     *application.ChargeGenerator
	Allocator   *application.Allocator
	Queries     *application.Queries
	Catalog     *application.Catalog
	AuditLogger audit.Logger
	Logger      *zap.Logger
}

// NewHandler constructs a handler.
func NewHandler(deps Deps) (*Handler, error) {
	if deps.Charges == nil || deps.Allocator == nil || deps.Queries == nil || deps.Catalog == nil {
		return nil, errors.New("deductions handler: missing service")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		charges:     deps.Charges,
		allocator:   deps.Allocator,
		queries:     deps.Queries,
		catalog:     deps.Catalog,
		auditLogger: deps.AuditLogger,
		logger:      logger,
	}, nil
}

// Routes mounts the handler on r, relative to /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/summaries/{summaryID}/charges", h.handleCharges)
	r.Get("/summaries/{summaryID}/charges", h.handleListCharges)
	r.Post("/summaries/{summaryID}/specialty-charges", h.handleSpecialtyCharges)
	r.Post("/summaries/{summaryID}/deductions/apply", h.handleApply)
	r.Get("/summaries/{summaryID}/applications", h.handleListApplications)
	r.Get("/balances", h.handleBalances)

	r.Put("/deductions/definitions", h.handleSaveDefinition)
	r.Put("/specialties", h.handleSaveSpecialty)
	r.Put("/assignments/{doctorID}", h.handleSaveAssignment)
}

type chargeRequest struct {
	DeductionID int64            `json:"deduction_id"`
	SpecialtyID int64            `json:"specialty_id"`
	Amount      *decimal.Decimal `json:"amount"`
	Percentage  *decimal.Decimal `json:"percentage"`
}

func (h *Handler) handleCharges(w http.ResponseWriter, r *http.Request) {
	summaryID, req, ok := h.chargeInput(w, r)
	if !ok {
		return
	}
	res, err := h.charges.GenerateCharges(r.Context(), summaryID, req.DeductionID,
		deductions.Overrides{Amount: req.Amount, Percentage: req.Percentage})
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
	h.logAudit(r, "charges.generate", "summary", summaryID, res)
}

func (h *Handler) handleSpecialtyCharges(w http.ResponseWriter, r *http.Request) {
	summaryID, req, ok := h.chargeInput(w, r)
	if !ok {
		return
	}
	res, err := h.charges.GenerateSpecialtyCharges(r.Context(), summaryID, req.SpecialtyID,
		deductions.Overrides{Amount: req.Amount, Percentage: req.Percentage})
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
	h.logAudit(r, "charges.generate_specialty", "summary", summaryID, res)
}

func (h *Handler) chargeInput(w http.ResponseWriter, r *http.Request) (int64, chargeRequest, bool) {
	var req chargeRequest
	summaryID, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return 0, req, false
	}
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return 0, req, false
	}
	return summaryID, req, true
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	summaryID, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	res, err := h.allocator.ApplyDeductions(r.Context(), summaryID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
	h.logAudit(r, "deductions.apply", "summary", summaryID, res)
}

func (h *Handler) handleListCharges(w http.ResponseWriter, r *http.Request) {
	summaryID, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	out, err := h.queries.Charges(r.Context(), summaryID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if out == nil {
		out = []deductions.Charge{}
	}
	respond.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleListApplications(w http.ResponseWriter, r *http.Request) {
	summaryID, err := respond.IDParam(r, "summaryID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	out, err := h.queries.Applications(r.Context(), summaryID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if out == nil {
		out = []deductions.Application{}
	}
	respond.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	doctorID, err := respond.QueryInt(r, "doctor_id")
	if err != nil {
		respond.Error(w, err)
		return
	}
	out, err := h.queries.Balances(r.Context(), doctorID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if out == nil {
		out = []deductions.Balance{}
	}
	respond.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	var in application.ConceptInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, err)
		return
	}
	def, err := h.catalog.SaveDefinition(r.Context(), in)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, def)
	h.logAudit(r, "deduction.save", "deduction_definition", def.ID, in)
}

func (h *Handler) handleSaveSpecialty(w http.ResponseWriter, r *http.Request) {
	var in application.ConceptInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, err)
		return
	}
	sp, err := h.catalog.SaveSpecialty(r.Context(), in)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, sp)
	h.logAudit(r, "specialty.save", "specialty", sp.ID, in)
}

func (h *Handler) handleSaveAssignment(w http.ResponseWriter, r *http.Request) {
	doctorID, err := respond.IDParam(r, "doctorID")
	if err != nil {
		respond.Error(w, err)
		return
	}
	var in application.AssignmentInput
	if err := respond.Decode(r, &in); err != nil {
		respond.Error(w, err)
		return
	}
	in.DoctorID = doctorID
	out, err := h.catalog.SaveAssignment(r.Context(), in)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, out)
	h.logAudit(r, "assignment.save", "doctor", doctorID, out)
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
