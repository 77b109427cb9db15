package authz

import "time"

// Builders provide a fluent API for creating Policies, Roles and Consents

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Actions: []Action{}, ResourceTypes: []string{}, Enabled: true}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder         { b.p.ID = id; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder        { b.p.Name = n; return b }
func (b *PolicyBuilder) Description(d string) *PolicyBuilder { b.p.Description = d; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder      { b.p.Effect = e; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder       { b.p.Priority = p; return b }
func (b *PolicyBuilder) Enabled(enabled bool) *PolicyBuilder { b.p.Enabled = enabled; return b }
func (b *PolicyBuilder) Allow() *PolicyBuilder               { return b.Effect(EffectAllow) }
func (b *PolicyBuilder) Deny() *PolicyBuilder                { return b.Effect(EffectDeny) }
func (b *PolicyBuilder) Actions(a ...Action) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}
func (b *PolicyBuilder) ResourceTypes(t ...string) *PolicyBuilder {
	b.p.ResourceTypes = append(b.p.ResourceTypes, t...)
	return b
}
func (b *PolicyBuilder) When(key string, value any) *PolicyBuilder {
	if b.p.Conditions == nil {
		b.p.Conditions = map[string]any{}
	}
	b.p.Conditions[key] = value
	return b
}
func (b *PolicyBuilder) Build() *Policy { return b.p }

// RoleBuilder builds a RoleDefinition
type RoleBuilder struct {
	r *RoleDefinition
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &RoleDefinition{Scopes: []ResourceScope{}}}
}
func (b *RoleBuilder) ID(id Role) *RoleBuilder           { b.r.ID = id; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder        { b.r.Name = n; return b }
func (b *RoleBuilder) Description(d string) *RoleBuilder { b.r.Description = d; return b }
func (b *RoleBuilder) Priority(p int) *RoleBuilder       { b.r.Priority = p; return b }
func (b *RoleBuilder) Scope(resourceType string, actions ...Action) *RoleBuilder {
	b.r.Scopes = append(b.r.Scopes, ResourceScope{ResourceType: resourceType, Actions: actions})
	return b
}

// ScopeWhen adds a scope gated by conditions.
func (b *RoleBuilder) ScopeWhen(resourceType string, conditions map[string]any, actions ...Action) *RoleBuilder {
	b.r.Scopes = append(b.r.Scopes, ResourceScope{ResourceType: resourceType, Actions: actions, Conditions: conditions})
	return b
}
func (b *RoleBuilder) Build() *RoleDefinition { return b.r }

// ConsentBuilder builds a ConsentRecord
type ConsentBuilder struct {
	c *ConsentRecord
}

func NewConsentBuilder(patientID string) *ConsentBuilder {
	return &ConsentBuilder{c: &ConsentRecord{PatientID: patientID, ConsentedActors: []string{}, Active: true}}
}
func (b *ConsentBuilder) Actors(ids ...string) *ConsentBuilder {
	b.c.ConsentedActors = append(b.c.ConsentedActors, ids...)
	return b
}
func (b *ConsentBuilder) Purposes(p ...string) *ConsentBuilder {
	b.c.Purposes = append(b.c.Purposes, p...)
	return b
}
func (b *ConsentBuilder) Exclude(resourceTypes ...string) *ConsentBuilder {
	b.c.ExcludedResourceTypes = append(b.c.ExcludedResourceTypes, resourceTypes...)
	return b
}
func (b *ConsentBuilder) ValidFrom(t time.Time) *ConsentBuilder  { b.c.ValidFrom = &t; return b }
func (b *ConsentBuilder) ValidUntil(t time.Time) *ConsentBuilder { b.c.ValidUntil = &t; return b }
func (b *ConsentBuilder) Active(active bool) *ConsentBuilder     { b.c.Active = active; return b }
func (b *ConsentBuilder) Build() *ConsentRecord                  { return b.c }
