package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRoleStore implements in-memory role persistence
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[Role]*RoleDefinition
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[Role]*RoleDefinition)}
}

func (s *MemoryRoleStore) PutRole(ctx context.Context, r *RoleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneRole(r)
	now := time.Now()
	if old, ok := s.roles[r.ID]; ok {
		cp.CreatedAt = old.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.roles[r.ID] = cp
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id Role) (*RoleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
	}
	return cloneRole(r), nil
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context) ([]*RoleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*RoleDefinition, 0, len(s.roles))
	for _, r := range s.roles {
		result = append(result, cloneRole(r))
	}
	sortRoles(result)
	return result, nil
}

// sortRoles orders by descending priority, then id.
func sortRoles(roles []*RoleDefinition) {
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority > roles[j].Priority
		}
		return roles[i].ID < roles[j].ID
	})
}

// MemoryPolicyStore implements policy persistence in-memory. Insertion
// order is remembered so equal priorities keep a stable order.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	seq      map[string]int64
	next     int64
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*Policy), seq: make(map[string]int64)}
}

func (s *MemoryPolicyStore) AddPolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("%w: policy %s already exists", ErrInvalidPolicy, p.ID)
	}
	cp := clonePolicy(p)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.policies[p.ID] = cp
	s.next++
	s.seq[p.ID] = s.next
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrNotFound)
	}
	cp := clonePolicy(p)
	cp.CreatedAt = old.CreatedAt
	cp.UpdatedAt = time.Now()
	s.policies[p.ID] = cp
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return clonePolicy(p), nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, clonePolicy(p))
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return s.seq[result[i].ID] < s.seq[result[j].ID]
	})
	return result, nil
}

func (s *MemoryPolicyStore) SetPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	p.Enabled = enabled
	p.UpdatedAt = time.Now()
	return nil
}

// MemoryConsentStore keeps one record per patient.
type MemoryConsentStore struct {
	mu       sync.RWMutex
	consents map[string]*ConsentRecord
}

func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{consents: make(map[string]*ConsentRecord)}
}

func (s *MemoryConsentStore) GetConsent(ctx context.Context, patientID string) (*ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[patientID]
	if !ok {
		return nil, fmt.Errorf("consent for %s: %w", patientID, ErrNotFound)
	}
	return cloneConsent(c), nil
}

func (s *MemoryConsentStore) PutConsent(ctx context.Context, c *ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneConsent(c)
	cp.UpdatedAt = time.Now()
	s.consents[c.PatientID] = cp
	return nil
}

func (s *MemoryConsentStore) DeleteConsent(ctx context.Context, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consents[patientID]; !ok {
		return fmt.Errorf("consent for %s: %w", patientID, ErrNotFound)
	}
	delete(s.consents, patientID)
	return nil
}

// MemoryAuditStore keeps audit entries in memory, newest last.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AuditEntry, 0)
	for _, entry := range s.entries {
		if !filter.Matches(entry) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of stored entries.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
