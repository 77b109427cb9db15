package authz

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DecisionCacheConfig sizes the ristretto-backed decision cache.
type DecisionCacheConfig struct {
	TTL         time.Duration
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func (c DecisionCacheConfig) withDefaults() DecisionCacheConfig {
	if c.TTL <= 0 {
		c.TTL = time.Second
	}
	if c.NumCounters <= 0 {
		c.NumCounters = 1e5
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1 << 14
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	return c
}

type decisionCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newDecisionCache(cfg DecisionCacheConfig) (*decisionCache, error) {
	cfg = cfg.withDefaults()
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &decisionCache{c: c, ttl: cfg.TTL}, nil
}

func (dc *decisionCache) get(key string) (*Decision, bool) {
	v, ok := dc.c.Get(key)
	if !ok {
		return nil, false
	}
	d, ok := v.(*Decision)
	return d, ok
}

// set stores a copy of d; the write is made visible before returning.
func (dc *decisionCache) set(key string, d *Decision) {
	cp := cloneDecision(d)
	cp.AuditInfo = nil
	if dc.c.SetWithTTL(key, cp, 1, dc.ttl) {
		dc.c.Wait()
	}
}

func (dc *decisionCache) clear() { dc.c.Clear() }

func (dc *decisionCache) close() { dc.c.Close() }

// decisionCacheKey identifies a request whose outcome depends only on the
// caller and the resource descriptor. Requests carrying a resource
// snapshot are never cached.
func decisionCacheKey(req *Request) (string, bool) {
	if req == nil || req.Context == nil || req.ResourceData != nil {
		return "", false
	}
	roles := make([]string, len(req.Context.Roles))
	for i, r := range req.Context.Roles {
		roles[i] = string(r)
	}
	sort.Strings(roles)
	overrides := clone(req.Context.ConsentOverrides)
	sort.Strings(overrides)
	return strings.Join([]string{
		req.Context.UserID,
		strings.Join(roles, ","),
		req.Context.OrganizationID,
		strconv.FormatBool(req.Context.EmergencyAccess),
		strings.Join(overrides, ","),
		req.ResourceType,
		string(req.Action),
		req.ResourceID,
		req.Compartment,
	}, "\x1f"), true
}

func cloneDecision(d *Decision) *Decision {
	cp := *d
	cp.Reasons = clone(d.Reasons)
	cp.ApplicableRoles = clone(d.ApplicableRoles)
	cp.ConditionsApplied = clone(d.ConditionsApplied)
	return &cp
}
