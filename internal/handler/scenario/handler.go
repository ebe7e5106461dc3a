package scenario

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/routing"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
	"github.com/vetosce/osce-tavern/backend/pkg/utils"
)

// Handler serves the case catalog.
type Handler struct {
	catalog *scenario.Catalog
}

// New creates a scenario handler.
func New(catalog *scenario.Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// stageView is a stage annotated with the persona that answers by default.
type stageView struct {
	scenario.Stage
	DefaultPersona persona.RoleKey `json:"defaultPersona"`
}

type caseView struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Species string      `json:"species"`
	Summary string      `json:"summary"`
	Stages  []stageView `json:"stages"`
}

// RegisterRoutes mounts the catalog routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/cases", h.handleListCases)
	r.Get("/cases/{caseID}", h.handleGetCase)
}

func (h *Handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases := h.catalog.List()
	views := make([]caseView, 0, len(cases))
	for _, c := range cases {
		views = append(views, newCaseView(c))
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.catalog.Find(chi.URLParam(r, "caseID"))
	if errors.Is(err, scenario.ErrCaseNotFound) {
		utils.RespondError(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, newCaseView(c))
}

func newCaseView(c scenario.Case) caseView {
	stages := make([]stageView, len(c.Stages))
	for i, stage := range c.Stages {
		stages[i] = stageView{Stage: stage, DefaultPersona: routing.ForStage(stage)}
	}
	return caseView{ID: c.ID, Title: c.Title, Species: c.Species, Summary: c.Summary, Stages: stages}
}
