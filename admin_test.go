package authz_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	authz "github.com/oarkflow/clinicauthz"
)

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHTTPServerPolicies(t *testing.T) {
	engine, _ := newTestEngine(t)
	srv := authz.NewAdminHTTPServer(engine)

	body := `{"id":"night-lock","name":"Night lock","effect":"deny","priority":5,"resource_types":["Encounter"],"actions":["update"]}`
	if rec := serve(t, srv, http.MethodPost, "/policies", body); rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := serve(t, srv, http.MethodPost, "/policies", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate create: status %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodPost, "/policies", `{"id":"x","effect":"deny"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid policy: status %d", rec.Code)
	}

	rec := serve(t, srv, http.MethodGet, "/policies/night-lock", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d", rec.Code)
	}
	var p authz.Policy
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Enabled || p.Name != "Night lock" {
		t.Fatalf("policies default to enabled: %+v", p)
	}

	if rec := serve(t, srv, http.MethodPost, "/policies/night-lock/disable", ""); rec.Code != http.StatusOK {
		t.Fatalf("disable: status %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodPost, "/policies/nope/enable", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("enable unknown: status %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodGet, "/policies/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown: status %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodPost, "/policies/reload", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("reload: status %d", rec.Code)
	}

	update := `{"name":"Night lock v2","effect":"deny","enabled":true,"priority":9,"resource_types":["Encounter"],"actions":["update","patch"]}`
	if rec := serve(t, srv, http.MethodPut, "/policies/night-lock", update); rec.Code != http.StatusOK {
		t.Fatalf("update: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = serve(t, srv, http.MethodGet, "/policies", "")
	var list []authz.Policy
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Night lock v2" || !list[0].Enabled {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestAdminHTTPServerRolesAndConsents(t *testing.T) {
	engine, _ := newTestEngine(t)
	srv := authz.NewAdminHTTPServer(engine)

	rec := serve(t, srv, http.MethodGet, "/roles", "")
	var roles []authz.RoleDefinition
	if err := json.NewDecoder(rec.Body).Decode(&roles); err != nil {
		t.Fatalf("decode roles: %v", err)
	}
	if len(roles) != len(authz.DefaultRoles()) {
		t.Fatalf("expected built-in roles, got %d", len(roles))
	}
	if rec := serve(t, srv, http.MethodGet, "/roles/janitor", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown role: status %d", rec.Code)
	}
	role := `{"name":"Pharmacist","priority":18,"scopes":[{"resource_type":"MedicationRequest","actions":["read","update"]}]}`
	if rec := serve(t, srv, http.MethodPut, "/roles/pharmacist", role); rec.Code != http.StatusOK {
		t.Fatalf("put role: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := serve(t, srv, http.MethodPut, "/roles/broken", `{"scopes":[{"resource_type":"X"}]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid role: status %d", rec.Code)
	}

	consent := `{"consented_actors":["dr-2"],"active":true}`
	if rec := serve(t, srv, http.MethodPut, "/consents/p1", consent); rec.Code != http.StatusOK {
		t.Fatalf("put consent: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = serve(t, srv, http.MethodGet, "/consents/p1", "")
	var c authz.ConsentRecord
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("decode consent: %v", err)
	}
	if c.PatientID != "p1" || len(c.ConsentedActors) != 1 {
		t.Fatalf("unexpected consent: %+v", c)
	}

	authorize := `{"context":{"user_id":"rx-1","roles":["pharmacist"]},"resource_type":"MedicationRequest","action":"update",` +
		`"resource_data":{"subject":{"reference":"Patient/p1"}}}`
	rec = serve(t, srv, http.MethodPost, "/authorize", authorize)
	var dec authz.Decision
	if err := json.NewDecoder(rec.Body).Decode(&dec); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if dec.Allowed || !dec.HasReason("No patient consent") {
		t.Fatalf("expected consent to deny the pharmacist, got %v", dec.Reasons)
	}

	if rec := serve(t, srv, http.MethodDelete, "/consents/p1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete consent: status %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodDelete, "/consents/p1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d", rec.Code)
	}
	rec = serve(t, srv, http.MethodPost, "/authorize", authorize)
	dec = authz.Decision{}
	_ = json.NewDecoder(rec.Body).Decode(&dec)
	if !dec.Allowed {
		t.Fatalf("expected allow after revoking consent, got %v", dec.Reasons)
	}
}

func TestAdminHTTPServerAuditAndFilters(t *testing.T) {
	engine, _ := newTestEngine(t)
	srv := authz.NewAdminHTTPServer(engine)

	authorize := `{"context":{"user_id":"p1","roles":["patient"]},"resource_type":"Patient","action":"read","resource_id":"p1","resource_data":{"id":"p1"}}`
	serve(t, srv, http.MethodPost, "/authorize", authorize)

	rec := serve(t, srv, http.MethodGet, "/audit?user_id=p1&allowed=true", "")
	var entries []authz.AuditEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) != 1 || entries[0].ResourceID != "p1" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
	if rec := serve(t, srv, http.MethodGet, "/audit?allowed=perhaps", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter: status %d", rec.Code)
	}

	if rec := serve(t, srv, http.MethodPut, "/audit/enabled", `{"enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("toggle: status %d", rec.Code)
	}
	if engine.AuditEnabled() {
		t.Fatalf("audit should be disabled")
	}
	rec = serve(t, srv, http.MethodGet, "/audit/enabled", "")
	if !strings.Contains(rec.Body.String(), `"enabled":false`) {
		t.Fatalf("unexpected state: %s", rec.Body.String())
	}

	rec = serve(t, srv, http.MethodPost, "/filters", `{"context":{"user_id":"p1","roles":["patient"]},"resource_type":"Observation"}`)
	var filters []authz.ResourceFilter
	if err := json.NewDecoder(rec.Body).Decode(&filters); err != nil {
		t.Fatalf("decode filters: %v", err)
	}
	if len(filters) != 1 || filters[0].Value != "Patient/p1" {
		t.Fatalf("unexpected filters: %+v", filters)
	}

	if rec := serve(t, srv, http.MethodPost, "/authorize", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status %d", rec.Code)
	}
	if rec := serve(t, srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}
