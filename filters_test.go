package authz_test

import (
	"context"
	"testing"

	authz "github.com/oarkflow/clinicauthz"
)

func TestDeriveFiltersPatient(t *testing.T) {
	filters := authz.DeriveFilters(patientCtx("p1"), "Observation")
	if len(filters) != 1 {
		t.Fatalf("expected one filter, got %d", len(filters))
	}
	f := filters[0]
	if f.Field != "patient.reference" || f.Operator != authz.OpEq || f.Value != "Patient/p1" {
		t.Fatalf("unexpected filter: %+v", f)
	}

	filters = authz.DeriveFilters(patientCtx("p1"), "Patient")
	if len(filters) != 1 || filters[0].Field != "_id" || filters[0].Value != "p1" {
		t.Fatalf("unexpected identity filter: %+v", filters)
	}
}

func TestDeriveFiltersPractitioner(t *testing.T) {
	filters := authz.DeriveFilters(practitionerCtx("dr-1", "org-1"), "Encounter")
	if len(filters) != 1 || filters[0].Field != "organization.reference" || filters[0].Value != "Organization/org-1" {
		t.Fatalf("unexpected filters: %+v", filters)
	}
	if filters := authz.DeriveFilters(practitionerCtx("dr-1", ""), "Encounter"); len(filters) != 0 {
		t.Fatalf("practitioner without organization gets no filter, got %+v", filters)
	}
}

func TestDeriveFiltersCombinedAndUnnarrowedRoles(t *testing.T) {
	both := &authz.AuthContext{UserID: "p1", OrganizationID: "org-1", Roles: []authz.Role{authz.RolePatient, authz.RolePractitioner}}
	if filters := authz.DeriveFilters(both, "Observation"); len(filters) != 2 {
		t.Fatalf("expected filters from both roles, got %+v", filters)
	}

	engine, _ := newTestEngine(t)
	for _, role := range []authz.Role{authz.RoleAdmin, authz.RoleResearcher, authz.RolePublicHealthOfficial} {
		ac := &authz.AuthContext{UserID: "u", Roles: []authz.Role{role}}
		filters := engine.FiltersFor(context.Background(), ac, "Observation")
		if filters == nil || len(filters) != 0 {
			t.Fatalf("%s: expected an empty filter list, got %+v", role, filters)
		}
	}
	if filters := authz.DeriveFilters(nil, "Observation"); len(filters) != 0 {
		t.Fatalf("nil context gets no filter")
	}
}
