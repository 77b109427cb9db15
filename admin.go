package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminOption configures the admin HTTP server.
type AdminOption func(*adminServer)

// WithGatherer exposes the given registry on /metrics instead of the
// default one.
func WithGatherer(g prometheus.Gatherer) AdminOption {
	return func(s *adminServer) { s.gatherer = g }
}

type adminServer struct {
	engine   *Engine
	gatherer prometheus.Gatherer
}

// NewAdminHTTPServer exposes the engine's administrative interface, a
// dry-run authorize endpoint and filter derivation over HTTP.
func NewAdminHTTPServer(e *Engine, opts ...AdminOption) http.Handler {
	s := &adminServer{engine: e, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/roles", func(rr chi.Router) {
		rr.Get("/", s.listRoles)
		rr.Get("/{roleID}", s.getRole)
		rr.Put("/{roleID}", s.putRole)
	})
	r.Route("/policies", func(pr chi.Router) {
		pr.Get("/", s.listPolicies)
		pr.Post("/", s.createPolicy)
		pr.Post("/reload", s.reloadPolicies)
		pr.Get("/{policyID}", s.getPolicy)
		pr.Put("/{policyID}", s.updatePolicy)
		pr.Post("/{policyID}/enable", s.togglePolicy(true))
		pr.Post("/{policyID}/disable", s.togglePolicy(false))
	})
	r.Route("/consents/{patientID}", func(cr chi.Router) {
		cr.Get("/", s.getConsent)
		cr.Put("/", s.putConsent)
		cr.Delete("/", s.deleteConsent)
	})
	r.Route("/audit", func(ar chi.Router) {
		ar.Get("/", s.accessLog)
		ar.Get("/enabled", s.auditState)
		ar.Put("/enabled", s.setAuditState)
	})
	r.Post("/authorize", s.authorize)
	r.Post("/filters", s.filters)
	return r
}

func (s *adminServer) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.engine.ListRoles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *adminServer) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := s.engine.GetRole(r.Context(), Role(chi.URLParam(r, "roleID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *adminServer) putRole(w http.ResponseWriter, r *http.Request) {
	var role RoleDefinition
	if !decodeBody(w, r, &role) {
		return
	}
	role.ID = Role(chi.URLParam(r, "roleID"))
	if err := s.engine.RegisterRole(r.Context(), &role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &role)
}

func (s *adminServer) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.engine.ListPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *adminServer) createPolicy(w http.ResponseWriter, r *http.Request) {
	p := Policy{Enabled: true}
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.engine.AddPolicy(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *adminServer) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *adminServer) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var p Policy
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "policyID")
	if err := s.engine.UpdatePolicy(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *adminServer) togglePolicy(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "policyID")
		var err error
		if enabled {
			err = s.engine.EnablePolicy(r.Context(), id)
		} else {
			err = s.engine.DisablePolicy(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
	}
}

func (s *adminServer) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReloadPolicies(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) getConsent(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetConsent(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *adminServer) putConsent(w http.ResponseWriter, r *http.Request) {
	var c ConsentRecord
	if !decodeBody(w, r, &c) {
		return
	}
	c.PatientID = chi.URLParam(r, "patientID")
	if err := s.engine.UpsertConsent(r.Context(), &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &c)
}

func (s *adminServer) deleteConsent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeConsent(r.Context(), chi.URLParam(r, "patientID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) accessLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := AuditFilter{
		UserID:       q.Get("user_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Action:       Action(q.Get("action")),
	}
	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid allowed", http.StatusBadRequest)
			return
		}
		filter.Allowed = &allowed
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid start_time", http.StatusBadRequest)
			return
		}
		filter.StartTime = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
		filter.EndTime = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	entries, err := s.engine.GetAccessLog(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type auditState struct {
	Enabled bool `json:"enabled"`
}

func (s *adminServer) auditState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, auditState{Enabled: s.engine.AuditEnabled()})
}

func (s *adminServer) setAuditState(w http.ResponseWriter, r *http.Request) {
	var st auditState
	if !decodeBody(w, r, &st) {
		return
	}
	s.engine.SetAuditEnabled(st.Enabled)
	writeJSON(w, http.StatusOK, st)
}

func (s *adminServer) authorize(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Authorize(r.Context(), &req))
}

type filtersRequest struct {
	Context      *AuthContext `json:"context"`
	ResourceType string       `json:"resource_type"`
}

func (s *adminServer) filters(w http.ResponseWriter, r *http.Request) {
	var req filtersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.FiltersFor(r.Context(), req.Context, req.ResourceType))
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidPolicy), errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidConsent):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
