package authz

// Resource types that carry patient data and therefore pass through the
// consent stage.
var patientDataTypes = map[string]struct{}{
	"Patient":             {},
	"Observation":         {},
	"Condition":           {},
	"MedicationRequest":   {},
	"MedicationStatement": {},
	"AllergyIntolerance":  {},
	"Immunization":        {},
	"Procedure":           {},
	"DiagnosticReport":    {},
	"Encounter":           {},
	"DocumentReference":   {},
	"CarePlan":            {},
}

// Resource types reachable through the emergency override.
var emergencyTypes = map[string]struct{}{
	"Patient":            {},
	"AllergyIntolerance": {},
	"Condition":          {},
	"MedicationRequest":  {},
	"Immunization":       {},
}

// IsPatientDataType reports whether resources of this type are subject to
// patient consent.
func IsPatientDataType(resourceType string) bool {
	_, ok := patientDataTypes[resourceType]
	return ok
}

// IsEmergencyType reports whether the emergency override can reach this
// resource type.
func IsEmergencyType(resourceType string) bool {
	_, ok := emergencyTypes[resourceType]
	return ok
}

var (
	readOnly      = []Action{ActionRead, ActionSearch}
	clinicalWrite = []Action{ActionRead, ActionSearch, ActionCreate, ActionUpdate, ActionPatch, ActionHistory, ActionVRead}
	selfPatient   = map[string]any{ConditionPatient: conditionSelf}
)

// DefaultRoles returns the built-in catalog. Each call returns fresh values.
func DefaultRoles() []*RoleDefinition {
	patientScopes := []ResourceScope{
		{
			ResourceType: PatientResourceType,
			Actions:      []Action{ActionRead, ActionUpdate, ActionPatch, ActionHistory, ActionVRead},
			Conditions:   map[string]any{ConditionOwner: conditionSelf},
		},
		{ResourceType: PatientResourceType, Actions: []Action{ActionSearch}},
	}
	for _, t := range []string{
		"Observation", "Condition", "MedicationRequest", "MedicationStatement",
		"AllergyIntolerance", "Immunization", "Procedure", "DiagnosticReport",
		"Encounter", "DocumentReference", "CarePlan",
	} {
		patientScopes = append(patientScopes,
			ResourceScope{ResourceType: t, Actions: []Action{ActionRead, ActionHistory, ActionVRead}, Conditions: cloneConditions(selfPatient)},
			ResourceScope{ResourceType: t, Actions: []Action{ActionSearch}},
		)
	}
	patientScopes = append(patientScopes, ResourceScope{
		ResourceType: "Consent",
		Actions:      []Action{ActionRead, ActionSearch, ActionCreate, ActionUpdate},
		Conditions:   cloneConditions(selfPatient),
	})

	return []*RoleDefinition{
		{
			ID:          RolePatient,
			Name:        "Patient",
			Description: "Access to the caller's own record",
			Scopes:      patientScopes,
			BuiltIn:     true,
			Priority:    10,
		},
		{
			ID:          RolePractitioner,
			Name:        "Practitioner",
			Description: "Clinical read and write access",
			Scopes:      []ResourceScope{{ResourceType: Wildcard, Actions: clone(clinicalWrite)}},
			BuiltIn:     true,
			Priority:    20,
		},
		{
			ID:          RoleAdmin,
			Name:        "Administrator",
			Description: "Full access",
			Scopes:      []ResourceScope{{ResourceType: Wildcard, Actions: clone(AllActions)}},
			BuiltIn:     true,
			Priority:    100,
		},
		{
			ID:          RoleCaregiver,
			Name:        "Caregiver",
			Description: "Read access to a dependant's record, narrowed by consent",
			Scopes: scopesFor(readOnly, nil,
				"Patient", "Observation", "MedicationRequest", "AllergyIntolerance", "Immunization", "CarePlan"),
			BuiltIn:  true,
			Priority: 15,
		},
		{
			ID:          RoleResearcher,
			Name:        "Researcher",
			Description: "Read access to anonymized clinical data",
			Scopes: scopesFor(readOnly, map[string]any{"anonymized": true},
				"Observation", "Condition", "DiagnosticReport", "Immunization"),
			BuiltIn:  true,
			Priority: 5,
		},
		{
			ID:          RoleEmergencyResponder,
			Name:        "Emergency Responder",
			Description: "Read access to critical clinical data",
			Scopes: scopesFor(readOnly, nil,
				"Patient", "AllergyIntolerance", "Condition", "MedicationRequest", "Immunization", "Observation"),
			BuiltIn:  true,
			Priority: 30,
		},
		{
			ID:          RolePublicHealthOfficial,
			Name:        "Public Health Official",
			Description: "Surveillance access to reportable data",
			Scopes: append(scopesFor(readOnly, nil, "Immunization", "Condition"),
				ResourceScope{
					ResourceType: "Observation",
					Actions:      clone(readOnly),
					Conditions:   map[string]any{"status": []any{"final", "amended", "corrected"}},
				}),
			BuiltIn:  true,
			Priority: 10,
		},
		{
			ID:          RoleRefugeeOfficer,
			Name:        "Refugee Officer",
			Description: "Registration and document handling for displaced persons",
			Scopes: []ResourceScope{
				{ResourceType: "Patient", Actions: []Action{ActionRead, ActionSearch, ActionCreate, ActionUpdate}},
				{ResourceType: "DocumentReference", Actions: []Action{ActionRead, ActionSearch, ActionCreate}},
			},
			BuiltIn:  true,
			Priority: 10,
		},
	}
}

func scopesFor(actions []Action, conditions map[string]any, types ...string) []ResourceScope {
	out := make([]ResourceScope, 0, len(types))
	for _, t := range types {
		out = append(out, ResourceScope{ResourceType: t, Actions: clone(actions), Conditions: cloneConditions(conditions)})
	}
	return out
}

func clone[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneConditions(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRole(r *RoleDefinition) *RoleDefinition {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Scopes = make([]ResourceScope, len(r.Scopes))
	for i, s := range r.Scopes {
		cp.Scopes[i] = ResourceScope{ResourceType: s.ResourceType, Actions: clone(s.Actions), Conditions: cloneConditions(s.Conditions)}
	}
	return &cp
}

func clonePolicy(p *Policy) *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Conditions = cloneConditions(p.Conditions)
	cp.ResourceTypes = clone(p.ResourceTypes)
	cp.Actions = clone(p.Actions)
	return &cp
}

func cloneConsent(c *ConsentRecord) *ConsentRecord {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ConsentedActors = clone(c.ConsentedActors)
	cp.Purposes = clone(c.Purposes)
	cp.ExcludedResourceTypes = clone(c.ExcludedResourceTypes)
	return &cp
}

// Validate checks the fields a role needs to be registered.
func (r *RoleDefinition) Validate() error {
	switch {
	case r == nil:
		return wrapInvalid(ErrInvalidRole, "role is nil")
	case r.ID == "":
		return wrapInvalid(ErrInvalidRole, "role ID is required")
	}
	for i, s := range r.Scopes {
		if s.ResourceType == "" {
			return wrapInvalid(ErrInvalidRole, "scope %d: resource type is required", i)
		}
		if len(s.Actions) == 0 {
			return wrapInvalid(ErrInvalidRole, "scope %d: at least one action is required", i)
		}
	}
	return nil
}

// Validate checks the fields a consent record needs to be stored.
func (c *ConsentRecord) Validate() error {
	switch {
	case c == nil:
		return wrapInvalid(ErrInvalidConsent, "consent is nil")
	case c.PatientID == "":
		return wrapInvalid(ErrInvalidConsent, "patient ID is required")
	case c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom):
		return wrapInvalid(ErrInvalidConsent, "valid_until precedes valid_from")
	}
	return nil
}
