package authz_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	authz "github.com/oarkflow/clinicauthz"
)

// scrape returns the text exposition of reg through the admin server.
func scrape(t *testing.T, engine *authz.Engine, reg *prometheus.Registry) string {
	t.Helper()
	srv := authz.NewAdminHTTPServer(engine, authz.WithGatherer(reg))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func newMetrics(t *testing.T) (*authz.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := authz.NewMetrics(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return m, reg
}

func TestDecisionCache(t *testing.T) {
	m, reg := newMetrics(t)
	engine, audits := newTestEngine(t, authz.WithMetrics(m), authz.WithDecisionCache(authz.DecisionCacheConfig{TTL: time.Minute}))
	ctx := context.Background()
	req := &authz.Request{Context: practitionerCtx("dr-1", "org-1"), ResourceType: "Encounter", Action: authz.ActionRead, ResourceID: "enc-1"}

	first := engine.Authorize(ctx, req)
	second := engine.Authorize(ctx, req)
	if !first.Allowed || !second.Allowed {
		t.Fatalf("expected both decisions allowed")
	}
	if second.Reason() != first.Reason() {
		t.Fatalf("cached decision differs: %q vs %q", second.Reason(), first.Reason())
	}
	if second.AuditInfo == nil || audits.Len() != 2 {
		t.Fatalf("cached decisions must still be audited, got %d entries", audits.Len())
	}
	text := scrape(t, engine, reg)
	if !strings.Contains(text, "authz_decision_cache_hits_total 1") {
		t.Fatalf("expected one cache hit:\n%s", text)
	}
	if !strings.Contains(text, `authz_decisions_total{outcome="allowed",stage="cache"} 1`) {
		t.Fatalf("expected the hit to be counted as a cache decision:\n%s", text)
	}

	withData := &authz.Request{
		Context:      practitionerCtx("dr-1", "org-1"),
		ResourceType: "Encounter",
		Action:       authz.ActionRead,
		ResourceData: map[string]any{"status": "finished"},
	}
	engine.Authorize(ctx, withData)
	engine.Authorize(ctx, withData)
	if text := scrape(t, engine, reg); !strings.Contains(text, "authz_decision_cache_hits_total 1") {
		t.Fatalf("requests with resource data must bypass the cache:\n%s", text)
	}

	p := authz.NewPolicyBuilder().ID("lock").Deny().ResourceTypes("Encounter").Actions(authz.ActionRead).Build()
	if err := engine.AddPolicy(ctx, p); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	if dec := engine.Authorize(ctx, req); dec.Allowed {
		t.Fatalf("policy change must invalidate cached decisions")
	}
}

func TestDecisionCacheExpires(t *testing.T) {
	m, reg := newMetrics(t)
	engine, _ := newTestEngine(t, authz.WithMetrics(m), authz.WithDecisionCache(authz.DecisionCacheConfig{TTL: 20 * time.Millisecond}))
	req := &authz.Request{Context: practitionerCtx("dr-1", ""), ResourceType: "Encounter", Action: authz.ActionRead}
	engine.Authorize(context.Background(), req)
	time.Sleep(60 * time.Millisecond)
	engine.Authorize(context.Background(), req)
	if text := scrape(t, engine, reg); strings.Contains(text, "authz_decision_cache_hits_total 1") {
		t.Fatalf("expired entry was served:\n%s", text)
	}
}

func TestDecisionMetricsByStage(t *testing.T) {
	m, reg := newMetrics(t)
	engine, _ := newTestEngine(t, authz.WithMetrics(m))
	ctx := context.Background()
	engine.Authorize(ctx, &authz.Request{Context: &authz.AuthContext{UserID: "x"}, ResourceType: "Encounter", Action: authz.ActionRead})
	engine.Authorize(ctx, &authz.Request{Context: &authz.AuthContext{EmergencyAccess: true}, ResourceType: "Condition", Action: authz.ActionRead})
	engine.Authorize(ctx, nil)

	text := scrape(t, engine, reg)
	for _, want := range []string{
		`authz_decisions_total{outcome="denied",stage="role"} 1`,
		`authz_decisions_total{outcome="allowed",stage="emergency"} 1`,
		`authz_decisions_total{outcome="denied",stage="error"} 1`,
		"authz_decision_duration_seconds_count 3",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	_, reg := newMetrics(t)
	if _, err := authz.NewMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
