package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	authz "github.com/oarkflow/clinicauthz"
	"github.com/oarkflow/squealx"
)

// SQLConsentStore keeps one consent row per patient.
type SQLConsentStore struct {
	db *squealx.DB
}

func NewSQLConsentStore(db *squealx.DB) *SQLConsentStore {
	return &SQLConsentStore{db: db}
}

func (s *SQLConsentStore) PutConsent(ctx context.Context, c *authz.ConsentRecord) error {
	actors, err := toJSON(nonNil(c.ConsentedActors))
	if err != nil {
		return err
	}
	purposes, err := toJSON(nonNil(c.Purposes))
	if err != nil {
		return err
	}
	excluded, err := toJSON(nonNil(c.ExcludedResourceTypes))
	if err != nil {
		return err
	}
	q := `INSERT INTO consents(patient_id, actors_json, purposes_json, excluded_json, valid_from, valid_until, active, updated_at)
VALUES(:patient_id, :actors_json, :purposes_json, :excluded_json, :valid_from, :valid_until, :active, :updated_at)
ON CONFLICT(patient_id) DO UPDATE SET actors_json=excluded.actors_json, purposes_json=excluded.purposes_json,
excluded_json=excluded.excluded_json, valid_from=excluded.valid_from, valid_until=excluded.valid_until,
active=excluded.active, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"patient_id":    c.PatientID,
		"actors_json":   actors,
		"purposes_json": purposes,
		"excluded_json": excluded,
		"valid_from":    sqlNullTimeOrNil(c.ValidFrom),
		"valid_until":   sqlNullTimeOrNil(c.ValidUntil),
		"active":        boolToInt(c.Active),
		"updated_at":    time.Now().UTC(),
	})
	return err
}

func (s *SQLConsentStore) GetConsent(ctx context.Context, patientID string) (*authz.ConsentRecord, error) {
	q := `SELECT patient_id, actors_json, purposes_json, excluded_json, valid_from, valid_until, active, updated_at FROM consents WHERE patient_id = :patient_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"patient_id": patientID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("consent for %s: %w", patientID, authz.ErrNotFound)
	}
	var pid, actorsJSON, purposesJSON, excludedJSON string
	var fromRaw, untilRaw, updatedRaw interface{}
	var active int
	if err := r.Scan(&pid, &actorsJSON, &purposesJSON, &excludedJSON, &fromRaw, &untilRaw, &active, &updatedRaw); err != nil {
		return nil, err
	}
	c := &authz.ConsentRecord{PatientID: pid, Active: active != 0}
	if c.ValidFrom, err = scanTimePtr(fromRaw); err != nil {
		return nil, fmt.Errorf("consent for %s: valid_from: %w", pid, err)
	}
	if c.ValidUntil, err = scanTimePtr(untilRaw); err != nil {
		return nil, fmt.Errorf("consent for %s: valid_until: %w", pid, err)
	}
	for _, col := range []struct {
		raw string
		dst *[]string
	}{
		{actorsJSON, &c.ConsentedActors},
		{purposesJSON, &c.Purposes},
		{excludedJSON, &c.ExcludedResourceTypes},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("decode consent for %s: %w", pid, err)
		}
	}
	c.UpdatedAt, _ = scanTime(updatedRaw)
	return c, nil
}

func (s *SQLConsentStore) DeleteConsent(ctx context.Context, patientID string) error {
	q := `DELETE FROM consents WHERE patient_id = :patient_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"patient_id": patientID})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("consent for %s: %w", patientID, authz.ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
