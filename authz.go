package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Role identifies a role definition in the catalog.
type Role string

const (
	RolePatient              Role = "patient"
	RolePractitioner         Role = "practitioner"
	RoleAdmin                Role = "admin"
	RoleCaregiver            Role = "caregiver"
	RoleResearcher           Role = "researcher"
	RoleEmergencyResponder   Role = "emergency_responder"
	RolePublicHealthOfficial Role = "public_health_official"
	RoleRefugeeOfficer       Role = "refugee_officer"
)

// Action is the kind of operation attempted on a resource.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionSearch  Action = "search"
	ActionHistory Action = "history"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionPatch   Action = "patch"
	ActionVRead   Action = "vread"
)

// AllActions lists every action kind.
var AllActions = []Action{
	ActionRead, ActionWrite, ActionDelete, ActionSearch, ActionHistory,
	ActionCreate, ActionUpdate, ActionPatch, ActionVRead,
}

// Effect is the outcome a custom policy asserts when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Wildcard matches any resource type in scopes and policies.
const Wildcard = "*"

// PatientResourceType is the identity-bearing resource type.
const PatientResourceType = "Patient"

// ResourceScope binds a role to a resource type, the actions it permits on
// that type and the conditions the request must satisfy.
type ResourceScope struct {
	ResourceType string         `json:"resource_type" yaml:"resource_type"`
	Actions      []Action       `json:"actions" yaml:"actions"`
	Conditions   map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

func (s ResourceScope) matchesType(resourceType string) bool {
	return s.ResourceType == Wildcard || s.ResourceType == resourceType
}

func (s ResourceScope) permits(action Action) bool {
	return containsAction(s.Actions, action)
}

// RoleDefinition is a named bundle of resource scopes.
type RoleDefinition struct {
	ID          Role            `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Scopes      []ResourceScope `json:"scopes" yaml:"scopes"`
	BuiltIn     bool            `json:"built_in" yaml:"built_in"`
	Priority    int             `json:"priority" yaml:"priority"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"-"`
}

// AuthContext is the authenticated caller as produced by the upstream
// identity layer.
type AuthContext struct {
	UserID           string         `json:"user_id"`
	Roles            []Role         `json:"roles"`
	OrganizationID   string         `json:"organization_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	IPAddress        string         `json:"ip_address,omitempty"`
	EmergencyAccess  bool           `json:"emergency_access"`
	ConsentOverrides []string       `json:"consent_overrides,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

// HasRole reports whether the caller holds role.
func (c *AuthContext) HasRole(role Role) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Request is one authorization question. ResourceData is the parsed
// resource body when one exists (write operations, or reads after fetch).
type Request struct {
	Context      *AuthContext   `json:"context"`
	ResourceType string         `json:"resource_type"`
	Action       Action         `json:"action"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceData map[string]any `json:"resource_data,omitempty"`
	Compartment  string         `json:"compartment,omitempty"`
}

func (r *Request) callerID() string {
	if r == nil || r.Context == nil {
		return ""
	}
	return r.Context.UserID
}

// Decision is the engine's answer. It is built once per request and must be
// treated as read-only by callers.
type Decision struct {
	Allowed           bool           `json:"allowed"`
	Reasons           []string       `json:"reasons"`
	ApplicableRoles   []Role         `json:"applicable_roles"`
	ConditionsApplied []string       `json:"conditions_applied"`
	AuditInfo         map[string]any `json:"audit_info"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Reason joins all reasons into one line.
func (d *Decision) Reason() string {
	return strings.Join(d.Reasons, "; ")
}

// HasReason reports whether any reason contains substr.
func (d *Decision) HasReason(substr string) bool {
	for _, r := range d.Reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func (d *Decision) allow(reason string) {
	d.Allowed = true
	d.Reasons = append(d.Reasons, reason)
}

func (d *Decision) deny(reason string) {
	d.Allowed = false
	d.Reasons = append(d.Reasons, reason)
}

// Policy is a custom allow/deny rule evaluated around the role stage.
type Policy struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Priority      int            `json:"priority" yaml:"priority"` // higher = evaluated first
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Conditions    map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Effect        Effect         `json:"effect" yaml:"effect"`
	ResourceTypes []string       `json:"resource_types" yaml:"resource_types"`
	Actions       []Action       `json:"actions" yaml:"actions"`
	CreatedAt     time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"-"`
}

func (p *Policy) appliesTo(resourceType string, action Action) bool {
	if !containsAction(p.Actions, action) {
		return false
	}
	for _, t := range p.ResourceTypes {
		if t == Wildcard || t == resourceType {
			return true
		}
	}
	return false
}

// Validate checks the fields a policy needs to be stored.
func (p *Policy) Validate() error {
	switch {
	case p == nil:
		return wrapInvalid(ErrInvalidPolicy, "policy is nil")
	case p.ID == "":
		return wrapInvalid(ErrInvalidPolicy, "policy ID is required")
	case p.Effect != EffectAllow && p.Effect != EffectDeny:
		return wrapInvalid(ErrInvalidPolicy, "policy %s: effect must be allow or deny, got %q", p.ID, p.Effect)
	case len(p.Actions) == 0:
		return wrapInvalid(ErrInvalidPolicy, "policy %s: at least one action is required", p.ID)
	case len(p.ResourceTypes) == 0:
		return wrapInvalid(ErrInvalidPolicy, "policy %s: at least one resource type is required", p.ID)
	}
	return nil
}

func (p *Policy) displayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// ConsentRecord is the patient's statement of who may access their data.
type ConsentRecord struct {
	PatientID             string     `json:"patient_id" yaml:"patient_id"`
	ConsentedActors       []string   `json:"consented_actors" yaml:"consented_actors"`
	Purposes              []string   `json:"purposes,omitempty" yaml:"purposes,omitempty"`
	ExcludedResourceTypes []string   `json:"excluded_resource_types,omitempty" yaml:"excluded_resource_types,omitempty"`
	ValidFrom             *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil            *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Active                bool       `json:"active" yaml:"active"`
	UpdatedAt             time.Time  `json:"updated_at" yaml:"-"`
}

// FilterOperator is the comparison a query layer applies for a filter.
type FilterOperator string

const (
	OpEq       FilterOperator = "eq"
	OpNe       FilterOperator = "ne"
	OpGt       FilterOperator = "gt"
	OpLt       FilterOperator = "lt"
	OpIn       FilterOperator = "in"
	OpContains FilterOperator = "contains"
)

// ResourceFilter narrows list/search results to the caller's scope.
type ResourceFilter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPolicy  = errors.New("invalid policy")
	ErrInvalidRole    = errors.New("invalid role")
	ErrInvalidConsent = errors.New("invalid consent")
)

func wrapInvalid(base error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{base}, args...)...)
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RoleStore manages role definitions. PutRole overwrites by id.
type RoleStore interface {
	GetRole(ctx context.Context, id Role) (*RoleDefinition, error)
	PutRole(ctx context.Context, r *RoleDefinition) error
	ListRoles(ctx context.Context) ([]*RoleDefinition, error)
}

// PolicyStore keeps custom policies. ListPolicies returns them by descending
// priority; ties keep insertion order.
type PolicyStore interface {
	AddPolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]*Policy, error)
	SetPolicyEnabled(ctx context.Context, id string, enabled bool) error
}

// ConsentStore holds one consent record per patient; last write wins.
type ConsentStore interface {
	GetConsent(ctx context.Context, patientID string) (*ConsentRecord, error)
	PutConsent(ctx context.Context, c *ConsentRecord) error
	DeleteConsent(ctx context.Context, patientID string) error
}

// AuditStore is the sink for decision records.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry is one persisted decision.
type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       Action         `json:"action"`
	Allowed      bool           `json:"allowed"`
	Reasons      []string       `json:"reasons"`
	Info         map[string]any `json:"info"`
}

// AuditFilter for querying audit logs
type AuditFilter struct {
	UserID       string
	ResourceType string
	ResourceID   string
	Action       Action
	Allowed      *bool
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
}

// Matches reports whether entry passes the filter.
func (f AuditFilter) Matches(entry *AuditEntry) bool {
	switch {
	case f.UserID != "" && entry.UserID != f.UserID:
		return false
	case f.ResourceType != "" && entry.ResourceType != f.ResourceType:
		return false
	case f.ResourceID != "" && entry.ResourceID != f.ResourceID:
		return false
	case f.Action != "" && entry.Action != f.Action:
		return false
	case f.Allowed != nil && entry.Allowed != *f.Allowed:
		return false
	case !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime):
		return false
	}
	return true
}

func containsAction(actions []Action, action Action) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
