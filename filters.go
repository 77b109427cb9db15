package authz

import (
	"context"

	"github.com/oarkflow/clinicauthz/utils"
)

// DeriveFilters computes the query filters that keep a list or search
// within the caller's scope. Only the patient and practitioner roles are
// narrowed; every other role gets no filter.
func DeriveFilters(ac *AuthContext, resourceType string) []ResourceFilter {
	filters := []ResourceFilter{}
	if ac == nil {
		return filters
	}
	if ac.HasRole(RolePatient) && ac.UserID != "" {
		if resourceType == PatientResourceType {
			filters = append(filters, ResourceFilter{Field: "_id", Operator: OpEq, Value: ac.UserID})
		} else {
			filters = append(filters, ResourceFilter{
				Field:    "patient.reference",
				Operator: OpEq,
				Value:    utils.Reference(PatientResourceType, ac.UserID),
			})
		}
	}
	if ac.HasRole(RolePractitioner) && ac.OrganizationID != "" {
		filters = append(filters, ResourceFilter{
			Field:    "organization.reference",
			Operator: OpEq,
			Value:    utils.Reference("Organization", ac.OrganizationID),
		})
	}
	return filters
}

// FiltersFor returns DeriveFilters for the caller and logs when a caller
// holding roles receives no narrowing at all.
func (e *Engine) FiltersFor(_ context.Context, ac *AuthContext, resourceType string) []ResourceFilter {
	filters := DeriveFilters(ac, resourceType)
	if len(filters) == 0 && ac != nil && len(ac.Roles) > 0 {
		e.log.Debug("no narrowing filter for caller",
			"user_id", ac.UserID, "roles", roleStrings(ac.Roles), "resource_type", resourceType)
	}
	return filters
}
