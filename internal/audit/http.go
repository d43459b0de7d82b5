package audit

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medliq-cloud/internal/api/respond"
)

// Handler serves the audit trail.
type Handler struct {
	trail Trail
}

// NewHandler constructs a trail handler.
func NewHandler(trail Trail) (*Handler, error) {
	if trail == nil {
		return nil, errors.New("audit handler: nil trail")
	}
	return &Handler{trail: trail}, nil
}

// Routes mounts GET /audit.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/audit", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, err := respond.QueryInt(r, "limit")
	if err != nil {
		respond.Error(w, err)
		return
	}
	q := r.URL.Query()
	entries, err := h.trail.List(r.Context(), Filter{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Actor:        q.Get("actor"),
		Limit:        int(limit),
	})
	if err != nil {
		respond.Error(w, err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}
