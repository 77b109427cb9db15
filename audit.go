package authz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	phlog "github.com/oarkflow/log"

	"github.com/oarkflow/clinicauthz/logger"
)

// auditInfo builds the reconstructible record attached to every decision.
func auditInfo(req *Request, d *Decision) map[string]any {
	info := map[string]any{
		"timestamp":          d.Timestamp.UTC().Format(time.RFC3339Nano),
		"decision":           outcome(d.Allowed),
		"reasons":            clone(d.Reasons),
		"applicable_roles":   roleStrings(d.ApplicableRoles),
		"conditions_applied": clone(d.ConditionsApplied),
		"user_id":            "",
		"roles":              []string{},
		"organization_id":    "",
		"session_id":         "",
		"ip_address":         "",
		"emergency_access":   false,
		"resource_type":      "",
		"resource_id":        "",
		"action":             "",
	}
	if req == nil {
		return info
	}
	info["resource_type"] = req.ResourceType
	info["resource_id"] = req.ResourceID
	info["action"] = string(req.Action)
	if req.Compartment != "" {
		info["compartment"] = req.Compartment
	}
	if c := req.Context; c != nil {
		info["user_id"] = c.UserID
		info["roles"] = roleStrings(c.Roles)
		info["organization_id"] = c.OrganizationID
		info["session_id"] = c.SessionID
		info["ip_address"] = c.IPAddress
		info["emergency_access"] = c.EmergencyAccess
	}
	return info
}

func roleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func newAuditEntry(req *Request, d *Decision) *AuditEntry {
	entry := &AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: d.Timestamp,
		Allowed:   d.Allowed,
		Reasons:   clone(d.Reasons),
		Info:      d.AuditInfo,
	}
	if req != nil {
		entry.ResourceType = req.ResourceType
		entry.ResourceID = req.ResourceID
		entry.Action = req.Action
		entry.UserID = req.callerID()
	}
	return entry
}

// auditRecorder forwards decision records to an AuditStore. Writes go
// through a bounded queue drained by one worker unless sync is set; a full
// queue drops the record rather than blocking a decision.
type auditRecorder struct {
	store   AuditStore
	enabled atomic.Bool
	sync    bool
	log     logger.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	ch     chan *AuditEntry
	done   chan struct{}
}

func newAuditRecorder(store AuditStore, buffer int, syncWrites bool, log logger.Logger, m *Metrics) *auditRecorder {
	r := &auditRecorder{store: store, sync: syncWrites, log: log, metrics: m}
	if syncWrites {
		return r
	}
	if buffer <= 0 {
		buffer = 1024
	}
	r.ch = make(chan *AuditEntry, buffer)
	r.done = make(chan struct{})
	go r.drain()
	return r
}

func (r *auditRecorder) drain() {
	defer close(r.done)
	bg := context.Background()
	for entry := range r.ch {
		r.write(bg, entry)
	}
}

func (r *auditRecorder) write(ctx context.Context, entry *AuditEntry) {
	if err := r.store.LogDecision(ctx, entry); err != nil {
		r.log.Error("audit write failed", "audit_id", entry.ID, "user_id", entry.UserID, "error", err.Error())
	}
}

func (r *auditRecorder) record(ctx context.Context, req *Request, d *Decision) {
	if !r.enabled.Load() {
		return
	}
	entry := newAuditEntry(req, d)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sync || r.closed {
		r.write(ctx, entry)
		return
	}
	select {
	case r.ch <- entry:
	default:
		r.metrics.auditDrop()
		r.log.Error("audit queue full, record dropped", "audit_id", entry.ID, "user_id", entry.UserID)
	}
}

// close stops accepting queued records and waits for the worker to flush.
func (r *auditRecorder) close() {
	r.mu.Lock()
	if r.closed || r.sync {
		r.closed = true
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

// LogAuditStore writes every decision as a structured log line and
// optionally forwards it to another store for querying.
type LogAuditStore struct {
	next AuditStore
}

// NewLogAuditStore returns a log-backed audit sink. next may be nil.
func NewLogAuditStore(next AuditStore) *LogAuditStore {
	return &LogAuditStore{next: next}
}

func (s *LogAuditStore) LogDecision(ctx context.Context, entry *AuditEntry) error {
	phlog.Info().
		Str("audit_id", entry.ID).
		Str("user_id", entry.UserID).
		Str("resource_type", entry.ResourceType).
		Str("resource_id", entry.ResourceID).
		Str("action", string(entry.Action)).
		Bool("allowed", entry.Allowed).
		Strs("reasons", entry.Reasons).
		Any("info", entry.Info).
		Msg("audit decision")
	if s.next != nil {
		return s.next.LogDecision(ctx, entry)
	}
	return nil
}

func (s *LogAuditStore) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if s.next == nil {
		return []*AuditEntry{}, nil
	}
	return s.next.GetAccessLog(ctx, filter)
}
