package authz_test

import (
	"context"
	"errors"
	"testing"
	"time"

	authz "github.com/oarkflow/clinicauthz"
)

var consentNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func consentEngine(t *testing.T) *authz.Engine {
	t.Helper()
	engine, _ := newTestEngine(t, authz.WithClock(func() time.Time { return consentNow }))
	return engine
}

func readObservation(ac *authz.AuthContext, patientID string) *authz.Request {
	return &authz.Request{
		Context:      ac,
		ResourceType: "Observation",
		Action:       authz.ActionRead,
		ResourceData: observationFor(patientID),
	}
}

func TestConsentUndeclaredDefaultsToAllow(t *testing.T) {
	engine := consentEngine(t)
	dec := engine.Authorize(context.Background(), readObservation(practitionerCtx("dr-1", "org-1"), "p1"))
	if !dec.Allowed {
		t.Fatalf("expected allow without a consent record, got %v", dec.Reasons)
	}
}

func TestConsentDenials(t *testing.T) {
	past := consentNow.Add(-48 * time.Hour)
	future := consentNow.Add(48 * time.Hour)
	cases := []struct {
		name    string
		consent *authz.ConsentRecord
		ac      *authz.AuthContext
		allowed bool
		reason  string
	}{
		{
			name:    "actor not consented",
			consent: authz.NewConsentBuilder("p1").Actors("dr-2").Build(),
			ac:      practitionerCtx("dr-1", "org-1"),
			reason:  "No patient consent",
		},
		{
			name:    "organization consented",
			consent: authz.NewConsentBuilder("p1").Actors("org-1").Build(),
			ac:      practitionerCtx("dr-1", "org-1"),
			allowed: true,
		},
		{
			name:    "resource type excluded",
			consent: authz.NewConsentBuilder("p1").Actors("dr-1").Exclude("Observation").Build(),
			ac:      practitionerCtx("dr-1", ""),
			reason:  "Observation excluded by patient",
		},
		{
			name:    "expired",
			consent: authz.NewConsentBuilder("p1").Actors("dr-1").ValidUntil(past).Build(),
			ac:      practitionerCtx("dr-1", ""),
			reason:  "Consent expired",
		},
		{
			name:    "not yet active",
			consent: authz.NewConsentBuilder("p1").Actors("dr-1").ValidFrom(future).Build(),
			ac:      practitionerCtx("dr-1", ""),
			reason:  "Consent not yet active",
		},
		{
			name:    "inside window",
			consent: authz.NewConsentBuilder("p1").Actors("dr-1").ValidFrom(past).ValidUntil(future).Build(),
			ac:      practitionerCtx("dr-1", ""),
			allowed: true,
		},
		{
			name:    "inactive record",
			consent: authz.NewConsentBuilder("p1").Actors("dr-2").Active(false).Build(),
			ac:      practitionerCtx("dr-1", ""),
			allowed: true,
		},
		{
			name:    "patient not listed on own record",
			consent: authz.NewConsentBuilder("p1").Actors("dr-2").Build(),
			ac:      patientCtx("p1"),
			reason:  "No patient consent",
		},
		{
			name:    "patient listed on own record",
			consent: authz.NewConsentBuilder("p1").Actors("p1", "dr-2").Build(),
			ac:      patientCtx("p1"),
			allowed: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := consentEngine(t)
			if err := engine.UpsertConsent(context.Background(), tc.consent); err != nil {
				t.Fatalf("upsert consent: %v", err)
			}
			dec := engine.Authorize(context.Background(), readObservation(tc.ac, "p1"))
			if dec.Allowed != tc.allowed {
				t.Fatalf("allowed = %v, want %v (reasons %v)", dec.Allowed, tc.allowed, dec.Reasons)
			}
			if tc.reason != "" && !dec.HasReason(tc.reason) {
				t.Fatalf("expected reason %q, got %v", tc.reason, dec.Reasons)
			}
		})
	}
}

func TestConsentAppliesToPatientResourceById(t *testing.T) {
	engine := consentEngine(t)
	ctx := context.Background()
	if err := engine.UpsertConsent(ctx, authz.NewConsentBuilder("p1").Actors("dr-2").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dec := engine.Authorize(ctx, &authz.Request{
		Context:      practitionerCtx("dr-1", ""),
		ResourceType: "Patient",
		Action:       authz.ActionRead,
		ResourceID:   "p1",
		ResourceData: map[string]any{"id": "p1"},
	})
	if dec.Allowed || !dec.HasReason("No patient consent") {
		t.Fatalf("expected consent denial on the Patient resource, got %v", dec.Reasons)
	}
}

func TestConsentSkippedForNonPatientData(t *testing.T) {
	engine := consentEngine(t)
	ctx := context.Background()
	if err := engine.UpsertConsent(ctx, authz.NewConsentBuilder("p1").Actors("nobody").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	dec := engine.Authorize(ctx, &authz.Request{
		Context:      practitionerCtx("dr-1", ""),
		ResourceType: "Practitioner",
		Action:       authz.ActionRead,
		ResourceData: map[string]any{"patient": "Patient/p1"},
	})
	if !dec.Allowed {
		t.Fatalf("consent must not gate non patient-data types, got %v", dec.Reasons)
	}
}

func TestConsentOverride(t *testing.T) {
	engine := consentEngine(t)
	ctx := context.Background()
	if err := engine.UpsertConsent(ctx, authz.NewConsentBuilder("p1").Actors("dr-2").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ac := practitionerCtx("dr-1", "")
	ac.ConsentOverrides = []string{"p1"}
	dec := engine.Authorize(ctx, readObservation(ac, "p1"))
	if !dec.Allowed {
		t.Fatalf("expected override to bypass consent, got %v", dec.Reasons)
	}
	found := false
	for _, c := range dec.ConditionsApplied {
		if c == authz.ConditionConsentOverride {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected consent_override in %v", dec.ConditionsApplied)
	}
	if dec := engine.Authorize(ctx, readObservation(ac, "p2")); !dec.Allowed {
		t.Fatalf("p2 has no consent record, got %v", dec.Reasons)
	}
}

func TestConsentLifecycle(t *testing.T) {
	engine := consentEngine(t)
	ctx := context.Background()
	if err := engine.UpsertConsent(ctx, &authz.ConsentRecord{ConsentedActors: []string{"x"}}); !errors.Is(err, authz.ErrInvalidConsent) {
		t.Fatalf("expected ErrInvalidConsent for missing patient, got %v", err)
	}
	bad := authz.NewConsentBuilder("p1").ValidFrom(consentNow).ValidUntil(consentNow.Add(-time.Hour)).Build()
	if err := engine.UpsertConsent(ctx, bad); !errors.Is(err, authz.ErrInvalidConsent) {
		t.Fatalf("expected ErrInvalidConsent for inverted window, got %v", err)
	}

	if err := engine.UpsertConsent(ctx, authz.NewConsentBuilder("p1").Actors("dr-2").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := engine.UpsertConsent(ctx, authz.NewConsentBuilder("p1").Actors("dr-1").Build()); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := engine.GetConsent(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.ConsentedActors) != 1 || got.ConsentedActors[0] != "dr-1" {
		t.Fatalf("last write should win, got %v", got.ConsentedActors)
	}
	if err := engine.RevokeConsent(ctx, "p1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := engine.GetConsent(ctx, "p1"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
	if err := engine.RevokeConsent(ctx, "p1"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestConsentRecordCheck(t *testing.T) {
	c := authz.NewConsentBuilder("p1").Actors("dr-1").Exclude("Encounter").Build()
	ac := &authz.AuthContext{UserID: "dr-1"}
	if r := c.Check(ac, "Observation", consentNow); r != "" {
		t.Fatalf("expected permit, got %q", r)
	}
	if r := c.Check(ac, "Encounter", consentNow); r != "Encounter excluded by patient" {
		t.Fatalf("unexpected reason %q", r)
	}
	if r := c.Check(nil, "Observation", consentNow); r != "No patient consent" {
		t.Fatalf("nil context must not be covered, got %q", r)
	}
	var none *authz.ConsentRecord
	if r := none.Check(ac, "Observation", consentNow); r != "" {
		t.Fatalf("nil record permits, got %q", r)
	}
}
