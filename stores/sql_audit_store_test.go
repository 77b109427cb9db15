package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	authz "github.com/oarkflow/clinicauthz"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every pooled connection to :memory: would get its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLAuditStoreRoundtrip(t *testing.T) {
	db := newTestDB(t)
	store, _ := NewSQLAuditStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*authz.AuditEntry{
		{
			ID:           "evt-1",
			Timestamp:    base,
			UserID:       "p1",
			ResourceType: "Patient",
			ResourceID:   "p1",
			Action:       authz.ActionRead,
			Allowed:      true,
			Reasons:      []string{"Allowed by role 'Patient' for Patient"},
			Info:         map[string]any{"session_id": "s-1", "decision": "allowed"},
		},
		{
			ID:           "evt-2",
			Timestamp:    base.Add(time.Minute),
			UserID:       "p1",
			ResourceType: "Patient",
			ResourceID:   "p2",
			Action:       authz.ActionRead,
			Allowed:      false,
			Reasons:      []string{"No matching role permissions found"},
			Info:         map[string]any{"decision": "denied"},
		},
		{
			ID:           "evt-3",
			Timestamp:    base.Add(2 * time.Minute),
			UserID:       "dr-1",
			ResourceType: "Observation",
			Action:       authz.ActionSearch,
			Allowed:      true,
		},
	}
	for _, e := range entries {
		if err := store.LogDecision(ctx, e); err != nil {
			t.Fatalf("log decision %s: %v", e.ID, err)
		}
	}

	logs, err := store.GetAccessLog(ctx, authz.AuditFilter{UserID: "p1", Limit: 10})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs for p1, got %d", len(logs))
	}
	got := logs[0]
	if got.ID != "evt-1" || !got.Allowed || got.ResourceID != "p1" {
		t.Fatalf("unexpected first entry: %+v", got)
	}
	if len(got.Reasons) != 1 || got.Reasons[0] != "Allowed by role 'Patient' for Patient" {
		t.Fatalf("reasons not preserved: %v", got.Reasons)
	}
	if got.Info["session_id"] != "s-1" {
		t.Fatalf("info not preserved: %v", got.Info)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, base)
	}

	denied := false
	logs, err = store.GetAccessLog(ctx, authz.AuditFilter{Allowed: &denied})
	if err != nil {
		t.Fatalf("get denied log: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != "evt-2" {
		t.Fatalf("expected only evt-2 as denied, got %d entries", len(logs))
	}

	logs, err = store.GetAccessLog(ctx, authz.AuditFilter{ResourceType: "Observation", Action: authz.ActionSearch})
	if err != nil {
		t.Fatalf("get observation log: %v", err)
	}
	if len(logs) != 1 || logs[0].UserID != "dr-1" {
		t.Fatalf("expected dr-1 search entry, got %d entries", len(logs))
	}
}
