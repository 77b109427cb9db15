package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	authz "github.com/oarkflow/clinicauthz"
	"github.com/oarkflow/squealx"
)

// SQLRoleStore persists role definitions in SQL (squealx). Scopes are kept
// as a JSON column.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) PutRole(ctx context.Context, r *authz.RoleDefinition) error {
	scopes, err := toJSON(r.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes for role %s: %w", r.ID, err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO roles(id, name, description, scopes_json, built_in, priority, created_at, updated_at)
VALUES(:id, :name, :description, :scopes_json, :built_in, :priority, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, scopes_json=excluded.scopes_json,
built_in=excluded.built_in, priority=excluded.priority, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          string(r.ID),
		"name":        r.Name,
		"description": r.Description,
		"scopes_json": scopes,
		"built_in":    boolToInt(r.BuiltIn),
		"priority":    r.Priority,
		"created_at":  now,
		"updated_at":  now,
	})
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id authz.Role) (*authz.RoleDefinition, error) {
	q := `SELECT id, name, description, scopes_json, built_in, priority, created_at, updated_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": string(id)})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role %s: %w", id, authz.ErrNotFound)
	}
	var idv, name, description, scopesJSON string
	var builtIn, priority int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&idv, &name, &description, &scopesJSON, &builtIn, &priority, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	role := &authz.RoleDefinition{
		ID:          authz.Role(idv),
		Name:        name,
		Description: description,
		BuiltIn:     builtIn != 0,
		Priority:    priority,
	}
	if err := json.Unmarshal([]byte(scopesJSON), &role.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes for role %s: %w", idv, err)
	}
	role.CreatedAt, _ = scanTime(createdRaw)
	role.UpdatedAt, _ = scanTime(updatedRaw)
	return role, nil
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*authz.RoleDefinition, error) {
	q := `SELECT id FROM roles ORDER BY priority DESC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			r.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	r.Close()
	out := make([]*authz.RoleDefinition, 0, len(ids))
	for _, id := range ids {
		role, err := s.GetRole(ctx, authz.Role(id))
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}
