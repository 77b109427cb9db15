package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	authz "github.com/oarkflow/clinicauthz"
	"github.com/oarkflow/squealx"
)

// SQLPolicyStore persists policies in SQL (squealx). Every write also
// appends a JSON snapshot to policy_history.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func policyParams(p *authz.Policy) (map[string]any, error) {
	types, err := toJSON(p.ResourceTypes)
	if err != nil {
		return nil, err
	}
	actions, err := toJSON(p.Actions)
	if err != nil {
		return nil, err
	}
	conds := "{}"
	if len(p.Conditions) > 0 {
		if conds, err = toJSON(p.Conditions); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"id":                  p.ID,
		"name":                p.Name,
		"description":         p.Description,
		"effect":              string(p.Effect),
		"resource_types_json": types,
		"actions_json":        actions,
		"conditions_json":     conds,
		"priority":            p.Priority,
		"enabled":             boolToInt(p.Enabled),
	}, nil
}

func (s *SQLPolicyStore) AddPolicy(ctx context.Context, p *authz.Policy) error {
	if _, err := s.GetPolicy(ctx, p.ID); err == nil {
		return fmt.Errorf("%w: policy %s already exists", authz.ErrInvalidPolicy, p.ID)
	} else if !errors.Is(err, authz.ErrNotFound) {
		return err
	}
	params, err := policyParams(p)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	now := time.Now().UTC()
	params["created_at"] = now
	params["updated_at"] = now
	q := `INSERT INTO policies(id, name, description, effect, resource_types_json, actions_json, conditions_json, priority, enabled, created_at, updated_at)
VALUES(:id, :name, :description, :effect, :resource_types_json, :actions_json, :conditions_json, :priority, :enabled, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		return err
	}
	return s.insertPolicyHistory(ctx, p.ID)
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *authz.Policy) error {
	params, err := policyParams(p)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	params["updated_at"] = time.Now().UTC()
	q := `UPDATE policies SET name=:name, description=:description, effect=:effect, resource_types_json=:resource_types_json,
actions_json=:actions_json, conditions_json=:conditions_json, priority=:priority, enabled=:enabled, updated_at=:updated_at WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("policy %s: %w", p.ID, authz.ErrNotFound)
	}
	return s.insertPolicyHistory(ctx, p.ID)
}

func (s *SQLPolicyStore) SetPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	q := `UPDATE policies SET enabled=:enabled, updated_at=:updated_at WHERE id=:id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         id,
		"enabled":    boolToInt(enabled),
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("policy %s: %w", id, authz.ErrNotFound)
	}
	return s.insertPolicyHistory(ctx, id)
}

const policyColumns = `id, name, description, effect, resource_types_json, actions_json, conditions_json, priority, enabled, created_at, updated_at`

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*authz.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("policy %s: %w", id, authz.ErrNotFound)
	}
	return scanPolicy(r)
}

// ListPolicies returns policies by descending priority; ties keep insertion
// order.
func (s *SQLPolicyStore) ListPolicies(ctx context.Context) ([]*authz.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies ORDER BY priority DESC, seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(r rowScanner) (*authz.Policy, error) {
	var idv, name, description, effect, typesJSON, actionsJSON, condsJSON string
	var priority, enabledInt int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&idv, &name, &description, &effect, &typesJSON, &actionsJSON, &condsJSON, &priority, &enabledInt, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p := &authz.Policy{
		ID:          idv,
		Name:        name,
		Description: description,
		Effect:      authz.Effect(effect),
		Priority:    priority,
		Enabled:     enabledInt != 0,
	}
	if err := json.Unmarshal([]byte(typesJSON), &p.ResourceTypes); err != nil {
		return nil, fmt.Errorf("decode resource types for policy %s: %w", idv, err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &p.Actions); err != nil {
		return nil, fmt.Errorf("decode actions for policy %s: %w", idv, err)
	}
	if err := json.Unmarshal([]byte(condsJSON), &p.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions for policy %s: %w", idv, err)
	}
	if len(p.Conditions) == 0 {
		p.Conditions = nil
	}
	p.CreatedAt, _ = scanTime(createdRaw)
	p.UpdatedAt, _ = scanTime(updatedRaw)
	return p, nil
}

// insertPolicyHistory appends the stored state of a policy to policy_history
func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, id string) error {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	snap, err := toJSON(p)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_history(policy_id, snapshot_json, created_at) VALUES(:policy_id, :snapshot_json, :created_at)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"policy_id": id, "snapshot_json": snap, "created_at": time.Now().UTC()})
	return err
}

// GetPolicyHistory returns every recorded state of a policy, oldest first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*authz.Policy, error) {
	q := `SELECT snapshot_json FROM policy_history WHERE policy_id = :policy_id ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Policy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		p := &authz.Policy{}
		if err := json.Unmarshal([]byte(snap), p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("history for policy %s: %w", id, authz.ErrNotFound)
	}
	return out, nil
}
