package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/clinicauthz/logger"
)

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithClock replaces the time source used for decision timestamps and
// consent validity checks.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		e.now = now
		return nil
	}
}

// WithMetrics records decision metrics on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithDecisionCache enables the decision cache for requests that carry no
// resource snapshot.
func WithDecisionCache(cfg DecisionCacheConfig) EngineOption {
	return func(e *Engine) error {
		e.cacheCfg = &cfg
		return nil
	}
}

// WithAuditEnabled sets the initial audit state. Auditing is on by default.
func WithAuditEnabled(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.auditOn = enabled
		return nil
	}
}

// WithAuditBuffer sizes the asynchronous audit queue.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("audit buffer must not be negative: %d", n)
		}
		e.auditBuffer = n
		return nil
	}
}

// WithSyncAudit writes audit records on the calling goroutine.
func WithSyncAudit() EngineOption {
	return func(e *Engine) error {
		e.syncAudit = true
		return nil
	}
}

// WithRequireResourceData makes plain key/value conditions fail when a
// request carries no resource snapshot.
func WithRequireResourceData(strict bool) EngineOption {
	return func(e *Engine) error {
		e.requireData = strict
		return nil
	}
}

// WithDefaultRoles controls whether the built-in catalog is seeded into the
// role store. Roles already present in the store are left untouched.
func WithDefaultRoles(seed bool) EngineOption {
	return func(e *Engine) error {
		e.seedDefaults = seed
		return nil
	}
}

// policySnapshot is the immutable, priority-ordered view of enabled
// policies read by Authorize.
type policySnapshot struct {
	deny  []*Policy
	allow []*Policy
}

func newPolicySnapshot(policies []*Policy) *policySnapshot {
	sorted := make([]*Policy, 0, len(policies))
	for _, p := range policies {
		if p != nil && p.Enabled {
			sorted = append(sorted, clonePolicy(p))
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	snap := &policySnapshot{}
	for _, p := range sorted {
		switch p.Effect {
		case EffectDeny:
			snap.deny = append(snap.deny, p)
		case EffectAllow:
			snap.allow = append(snap.allow, p)
		}
	}
	return snap
}

// Engine decides whether a caller may perform an action on a clinical
// resource. It is safe for concurrent use.
type Engine struct {
	roles    RoleStore
	policies PolicyStore
	consents ConsentStore
	audits   AuditStore

	snapshot   atomic.Pointer[policySnapshot]
	roleCache  sync.Map
	roleGen    atomic.Uint64
	cache      *decisionCache
	audit      *auditRecorder
	conditions conditionEvaluator
	metrics    *Metrics
	log        logger.Logger
	now        func() time.Time

	// serializes administrative writes so snapshot rebuilds apply in order
	adminMu sync.Mutex

	cacheCfg     *DecisionCacheConfig
	auditOn      bool
	auditBuffer  int
	syncAudit    bool
	requireData  bool
	seedDefaults bool
}

// NewEngine wires an engine over the given stores. Nil stores are replaced
// with in-memory ones. The built-in role catalog is seeded and the policy
// snapshot loaded before NewEngine returns.
func NewEngine(roles RoleStore, policies PolicyStore, consents ConsentStore, audits AuditStore, opts ...EngineOption) (*Engine, error) {
	if roles == nil {
		roles = NewMemoryRoleStore()
	}
	if policies == nil {
		policies = NewMemoryPolicyStore()
	}
	if consents == nil {
		consents = NewMemoryConsentStore()
	}
	if audits == nil {
		audits = NewMemoryAuditStore()
	}
	e := &Engine{
		roles:        roles,
		policies:     policies,
		consents:     consents,
		audits:       audits,
		log:          logger.NewNullLogger(),
		now:          time.Now,
		auditOn:      true,
		auditBuffer:  1024,
		seedDefaults: true,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.conditions = conditionEvaluator{strict: e.requireData, log: e.log}
	if e.cacheCfg != nil {
		c, err := newDecisionCache(*e.cacheCfg)
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
		e.cache = c
	}

	ctx := context.Background()
	if e.seedDefaults {
		if err := e.seedRoles(ctx); err != nil {
			return nil, err
		}
	}
	if err := e.ReloadPolicies(ctx); err != nil {
		return nil, err
	}
	e.audit = newAuditRecorder(audits, e.auditBuffer, e.syncAudit, e.log, e.metrics)
	e.audit.enabled.Store(e.auditOn)
	return e, nil
}

func (e *Engine) seedRoles(ctx context.Context) error {
	for _, r := range DefaultRoles() {
		_, err := e.roles.GetRole(ctx, r.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
		if err := e.roles.PutRole(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
	}
	return nil
}

// Authorize runs the decision pipeline for one request. It never panics and
// always returns a decision; failures surface as a denial whose reasons
// start with "Authorization error:".
func (e *Engine) Authorize(ctx context.Context, req *Request) *Decision {
	start := time.Now()
	var (
		dec   *Decision
		stage string
	)
	key, cacheable := "", false
	if e.cache != nil {
		key, cacheable = decisionCacheKey(req)
	}
	if cacheable {
		if cached, ok := e.cache.get(key); ok {
			dec = cloneDecision(cached)
			dec.Timestamp = e.now()
			stage = stageCache
			e.metrics.cacheHit()
		}
	}
	if dec == nil {
		dec, stage = e.evaluate(ctx, req)
		if cacheable && stage != stageError {
			e.cache.set(key, dec)
		}
	}

	dec.AuditInfo = auditInfo(req, dec)
	e.metrics.observeDecision(dec, stage, time.Since(start))
	e.audit.record(ctx, req, dec)
	return dec
}

// BatchAuthorize evaluates multiple authorization requests
func (e *Engine) BatchAuthorize(ctx context.Context, requests []*Request) []*Decision {
	decisions := make([]*Decision, len(requests))
	for i, req := range requests {
		decisions[i] = e.Authorize(ctx, req)
	}
	return decisions
}

func (e *Engine) evaluate(ctx context.Context, req *Request) (dec *Decision, stage string) {
	dec = &Decision{
		Reasons:           []string{},
		ApplicableRoles:   []Role{},
		ConditionsApplied: []string{},
		Timestamp:         e.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			e.fail(req, dec, fmt.Errorf("%v", r))
			stage = stageError
		}
	}()
	if err := validateRequest(req); err != nil {
		e.fail(req, dec, err)
		return dec, stageError
	}

	snap := e.snapshot.Load()
	deny, err := e.firstMatch(req, snap.deny)
	if err != nil {
		e.fail(req, dec, err)
		return dec, stageError
	}
	if deny != nil {
		dec.deny("Denied by policy: " + deny.displayName())
		return dec, stageDenyPolicy
	}

	stage = stageRole
	if err := e.roleStage(ctx, req, dec); err != nil {
		e.fail(req, dec, err)
		return dec, stageError
	}

	allow, err := e.firstMatch(req, snap.allow)
	if err != nil {
		e.fail(req, dec, err)
		return dec, stageError
	}
	if allow != nil {
		dec.allow("Allowed by policy: " + allow.displayName())
		stage = stageAllowPolicy
	}

	if dec.Allowed && IsPatientDataType(req.ResourceType) {
		denied, err := e.consentStage(ctx, req, dec)
		if err != nil {
			e.fail(req, dec, err)
			return dec, stageError
		}
		if denied {
			stage = stageConsent
		}
	}

	if !dec.Allowed && req.Context.EmergencyAccess {
		e.emergencyStage(req, dec)
		stage = stageEmergency
	}
	return dec, stage
}

func validateRequest(req *Request) error {
	switch {
	case req == nil:
		return errors.New("request is nil")
	case req.Context == nil:
		return errors.New("authorization context is missing")
	case req.ResourceType == "":
		return errors.New("resource type is required")
	case req.Action == "":
		return errors.New("action is required")
	}
	return nil
}

func (e *Engine) fail(req *Request, dec *Decision, err error) {
	dec.deny("Authorization error: " + err.Error())
	kv := []any{"error", err.Error()}
	if req != nil {
		kv = append(kv, "user_id", req.callerID(), "resource_type", req.ResourceType, "action", string(req.Action))
	}
	e.log.Error("authorization evaluation failed", kv...)
}

// firstMatch returns the first policy in priority order that applies to req.
func (e *Engine) firstMatch(req *Request, policies []*Policy) (*Policy, error) {
	for _, p := range policies {
		if !p.appliesTo(req.ResourceType, req.Action) {
			continue
		}
		ok, err := e.conditions.evaluate(req, p.Conditions)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		if ok {
			return p, nil
		}
	}
	return nil, nil
}

func (e *Engine) roleStage(ctx context.Context, req *Request, dec *Decision) error {
	for _, id := range req.Context.Roles {
		role, err := e.role(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		dec.ApplicableRoles = append(dec.ApplicableRoles, id)
		for _, scope := range role.Scopes {
			if !scope.matchesType(req.ResourceType) || !scope.permits(req.Action) {
				continue
			}
			ok, err := e.conditions.evaluate(req, scope.Conditions)
			if err != nil {
				return fmt.Errorf("role %s: %w", id, err)
			}
			if ok {
				dec.allow(fmt.Sprintf("Allowed by role '%s' for %s", role.Name, req.ResourceType))
				dec.ConditionsApplied = append(dec.ConditionsApplied, conditionNames(scope.Conditions)...)
				return nil
			}
		}
	}
	dec.deny("No matching role permissions found")
	return nil
}

// cachedRole tags a cached definition with the role generation it was read
// under. Entries from an older generation are ignored.
type cachedRole struct {
	gen  uint64
	role *RoleDefinition
}

func (e *Engine) role(ctx context.Context, id Role) (*RoleDefinition, error) {
	gen := e.roleGen.Load()
	if v, ok := e.roleCache.Load(id); ok {
		if c := v.(cachedRole); c.gen == gen {
			return c.role, nil
		}
	}
	r, err := e.roles.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	e.roleCache.Store(id, cachedRole{gen: gen, role: r})
	return r, nil
}

func (e *Engine) emergencyStage(req *Request, dec *Decision) {
	switch {
	case !IsEmergencyType(req.ResourceType):
		dec.deny("Emergency access not available for this resource type")
	case req.Action != ActionRead && req.Action != ActionSearch:
		dec.deny("Emergency access only allows read operations")
	default:
		dec.allow("Emergency access granted")
		dec.ConditionsApplied = append(dec.ConditionsApplied, ConditionEmergencyOverride)
		e.log.Info("emergency access granted",
			"user_id", req.callerID(), "resource_type", req.ResourceType,
			"resource_id", req.ResourceID, "action", string(req.Action))
	}
}

// ============================================================================
// ADMINISTRATION
// ============================================================================

// RegisterRole adds a role definition or overwrites the one with the same id.
func (e *Engine) RegisterRole(ctx context.Context, role *RoleDefinition) error {
	if err := role.Validate(); err != nil {
		return err
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	_, err := e.roles.GetRole(ctx, role.ID)
	overwrite := err == nil
	if err := e.roles.PutRole(ctx, role); err != nil {
		return err
	}
	// bump after the write so a read that raced it cannot be cached as current
	e.roleGen.Add(1)
	e.roleCache.Delete(role.ID)
	e.InvalidateDecisionCache()
	if overwrite {
		e.log.Info("role overwritten", "role", string(role.ID), "scopes", len(role.Scopes))
	} else {
		e.log.Info("role registered", "role", string(role.ID), "scopes", len(role.Scopes))
	}
	return nil
}

func (e *Engine) GetRole(ctx context.Context, id Role) (*RoleDefinition, error) {
	return e.roles.GetRole(ctx, id)
}

func (e *Engine) ListRoles(ctx context.Context) ([]*RoleDefinition, error) {
	return e.roles.ListRoles(ctx)
}

// ReloadPolicies rebuilds the policy snapshot from the policy store.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return err
	}
	e.snapshot.Store(newPolicySnapshot(policies))
	e.InvalidateDecisionCache()
	return nil
}

// AddPolicy stores a new policy and makes it visible to Authorize.
func (e *Engine) AddPolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	if err := e.policies.AddPolicy(ctx, p); err != nil {
		return err
	}
	e.log.Info("policy added", "policy", p.ID, "effect", string(p.Effect), "priority", p.Priority, "enabled", p.Enabled)
	return e.ReloadPolicies(ctx)
}

func (e *Engine) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	e.log.Info("policy updated", "policy", p.ID, "effect", string(p.Effect), "priority", p.Priority, "enabled", p.Enabled)
	return e.ReloadPolicies(ctx)
}

func (e *Engine) EnablePolicy(ctx context.Context, id string) error {
	return e.setPolicyEnabled(ctx, id, true)
}

func (e *Engine) DisablePolicy(ctx context.Context, id string) error {
	return e.setPolicyEnabled(ctx, id, false)
}

func (e *Engine) setPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	if err := e.policies.SetPolicyEnabled(ctx, id, enabled); err != nil {
		return err
	}
	e.log.Info("policy toggled", "policy", id, "enabled", enabled)
	return e.ReloadPolicies(ctx)
}

func (e *Engine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return e.policies.GetPolicy(ctx, id)
}

// ListPolicies returns every stored policy, enabled or not, in evaluation
// order.
func (e *Engine) ListPolicies(ctx context.Context) ([]*Policy, error) {
	return e.policies.ListPolicies(ctx)
}

// SetAuditEnabled turns audit recording on or off at runtime.
func (e *Engine) SetAuditEnabled(enabled bool) {
	e.audit.enabled.Store(enabled)
	e.log.Info("audit toggled", "enabled", enabled)
}

func (e *Engine) AuditEnabled() bool {
	return e.audit.enabled.Load()
}

// GetAccessLog wrapper
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	return e.audits.GetAccessLog(ctx, filter)
}

// InvalidateDecisionCache drops every cached decision.
func (e *Engine) InvalidateDecisionCache() {
	if e.cache != nil {
		e.cache.clear()
	}
}

// Close flushes pending audit records and releases the decision cache.
// Decisions made after Close are audited synchronously.
func (e *Engine) Close() error {
	e.audit.close()
	if e.cache != nil {
		e.cache.close()
	}
	return nil
}
