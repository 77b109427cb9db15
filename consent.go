package authz

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Check returns the reason the record forbids ac from reading
// resourceType at the given instant, or "" when it permits the access.
// Inactive records permit everything. The patient is always an actor on
// their own record.
func (c *ConsentRecord) Check(ac *AuthContext, resourceType string, at time.Time) string {
	if c == nil || !c.Active {
		return ""
	}
	if !c.covers(ac) {
		return "No patient consent"
	}
	if containsString(c.ExcludedResourceTypes, resourceType) {
		return fmt.Sprintf("%s excluded by patient", resourceType)
	}
	if c.ValidFrom != nil && at.Before(*c.ValidFrom) {
		return "Consent not yet active"
	}
	if c.ValidUntil != nil && at.After(*c.ValidUntil) {
		return "Consent expired"
	}
	return ""
}

func (c *ConsentRecord) covers(ac *AuthContext) bool {
	if ac == nil {
		return false
	}
	if ac.UserID != "" && containsString(c.ConsentedActors, ac.UserID) {
		return true
	}
	return ac.OrganizationID != "" && containsString(c.ConsentedActors, ac.OrganizationID)
}

// consentSubject extracts the patient a request's resource belongs to.
func consentSubject(req *Request) (string, bool) {
	if req.ResourceData == nil {
		return "", false
	}
	if req.ResourceType == PatientResourceType {
		id, ok := req.ResourceData["id"].(string)
		return id, ok && id != ""
	}
	return referencedPatient(req.ResourceData)
}

// consentStage narrows an allowed decision by the patient's consent. It
// reports whether the consent denied the request.
func (e *Engine) consentStage(ctx context.Context, req *Request, dec *Decision) (bool, error) {
	patientID, ok := consentSubject(req)
	if !ok {
		return false, nil
	}
	if containsString(req.Context.ConsentOverrides, patientID) {
		dec.ConditionsApplied = append(dec.ConditionsApplied, ConditionConsentOverride)
		e.log.Info("consent override applied", "user_id", req.callerID(), "patient_id", patientID, "resource_type", req.ResourceType)
		return false, nil
	}
	rec, err := e.consents.GetConsent(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consent lookup for %s: %w", patientID, err)
	}
	if reason := rec.Check(req.Context, req.ResourceType, e.now()); reason != "" {
		dec.deny(reason)
		return true, nil
	}
	return false, nil
}

// UpsertConsent stores a consent record, replacing any previous record for
// the same patient.
func (e *Engine) UpsertConsent(ctx context.Context, c *ConsentRecord) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	if err := e.consents.PutConsent(ctx, c); err != nil {
		return err
	}
	e.InvalidateDecisionCache()
	e.log.Info("consent upserted", "patient_id", c.PatientID, "active", c.Active, "actors", len(c.ConsentedActors))
	return nil
}

func (e *Engine) GetConsent(ctx context.Context, patientID string) (*ConsentRecord, error) {
	return e.consents.GetConsent(ctx, patientID)
}

// RevokeConsent removes a patient's consent record. Access then falls back
// to the undeclared-consent behavior.
func (e *Engine) RevokeConsent(ctx context.Context, patientID string) error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	if err := e.consents.DeleteConsent(ctx, patientID); err != nil {
		return err
	}
	e.InvalidateDecisionCache()
	e.log.Info("consent revoked", "patient_id", patientID)
	return nil
}
