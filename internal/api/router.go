// Package api exposes the HTTP surface: the provider-facing webhook routes,
// Prometheus metrics, and the admin endpoints for reconciliation summaries,
// breaker status/incidents/overrides, chain-action requeue, and partner
// lookup — the admin group behind static-shared-secret auth with an
// idempotency cache in front of the mutating routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/nhb-labs/loanbridge/internal/breaker"
	"github.com/nhb-labs/loanbridge/internal/models"
	"github.com/nhb-labs/loanbridge/internal/pipeline"
	"github.com/nhb-labs/loanbridge/internal/webhook"
)

// Server bundles the dependencies the admin and webhook handlers read from.
type Server struct {
	db         *gorm.DB
	dispatcher *pipeline.Dispatcher
	breaker    *breaker.Breaker
	webhooks   *webhook.Handler
	log        *slog.Logger
}

// NewServer constructs the API Server.
func NewServer(db *gorm.DB, dispatcher *pipeline.Dispatcher, brk *breaker.Breaker, webhooks *webhook.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{db: db, dispatcher: dispatcher, breaker: brk, webhooks: webhooks, log: log}
}

// Router builds the chi.Router serving both surfaces: public webhook ingress
// under /webhooks/{provider}/... and the admin surface under /admin, gated
// by adminAPIKey.
func (s *Server) Router(adminAPIKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhooks/{provider}", func(wh chi.Router) {
		wh.Post("/disbursement", func(w http.ResponseWriter, r *http.Request) {
			s.webhooks.ServeDisbursement(chi.URLParam(r, "provider"))(w, r)
		})
		wh.Post("/repayment", func(w http.ResponseWriter, r *http.Request) {
			s.webhooks.ServeRepayment(chi.URLParam(r, "provider"))(w, r)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(adminAuth(adminAPIKey))

		admin.Get("/ops/reconciliation", s.handleReconciliationSummary)
		admin.Get("/breaker/status", s.handleBreakerStatus)
		admin.Get("/breaker/incidents", s.handleListIncidents)
		admin.Get("/breaker/overrides", s.handleListOverrides)
		admin.Get("/partners/{id}", s.handleGetPartner)

		admin.Group(func(mut chi.Router) {
			mut.Use(withIdempotency(s.db))
			mut.Post("/breaker/incidents/{id}/resolve", s.handleResolveIncident)
			mut.Post("/ops/chain-actions/{id}/requeue", s.handleRequeueAction)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleReconciliationSummary answers GET /admin/ops/reconciliation by
// reporting the most recent ReconReport plus its critical incidents.
func (s *Server) handleReconciliationSummary(w http.ResponseWriter, r *http.Request) {
	var report models.ReconReport
	if err := s.db.WithContext(r.Context()).Order("run_at DESC").First(&report).Error; err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"criticalMismatches": []any{}, "summary": nil})
		return
	}
	var incidents []models.ReconIncident
	if err := s.db.WithContext(r.Context()).
		Where("report_id = ? AND severity = ?", report.ID, models.SeverityCritical).
		Find(&incidents).Error; err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"criticalMismatches": incidents,
		"summary": map[string]any{
			"id":            report.ID,
			"runAt":         report.RunAt,
			"loansChecked":  report.LoansChecked,
			"criticalCount": report.CriticalCount,
			"checksum":      report.Checksum,
		},
	})
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.breaker.CurrentStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enforcement": map[string]any{
			"globalBlock":           status.GlobalBlock,
			"globalFreeze":          status.GlobalFreeze,
			"requireManualApproval": status.RequireManualApproval,
		},
		"openIncidentCount":   status.OpenIncidentCount,
		"activeOverrideCount": status.ActiveOverrideCount,
	})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.breaker.ListIncidents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.breaker.ListOverrides(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, overrides)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.breaker.ResolveIncident(r.Context(), id, operatorID(r), body.Note); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleRequeueAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	action, err := s.dispatcher.Requeue(r.Context(), id)
	if err != nil {
		if err == pipeline.ErrActionNotFound {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	s.log.InfoContext(r.Context(), "admin: requeued action",
		slog.String("action_id", action.ID.String()), slog.String("operator", operatorID(r)))
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var partner models.Partner
	if err := s.db.WithContext(r.Context()).First(&partner, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                partner.ID,
		"name":              partner.Name,
		"status":            partner.Status,
		"originationCapUsd": partner.OriginationCapUsd,
	})
}
