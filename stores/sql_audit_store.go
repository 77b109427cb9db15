package stores

import (
	"context"
	"encoding/json"

	authz "github.com/oarkflow/clinicauthz"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *authz.AuditEntry) error {
	reasonsB, err := json.Marshal(nonNil(entry.Reasons))
	if err != nil {
		return err
	}
	infoB, err := json.Marshal(entry.Info)
	if err != nil {
		return err
	}
	q := `INSERT INTO audit_log(id, timestamp, user_id, resource_type, resource_id, action, allowed, reasons_json, info_json) VALUES(:id, :timestamp, :user_id, :resource_type, :resource_id, :action, :allowed, :reasons_json, :info_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     entry.Timestamp.UTC(),
		"user_id":       entry.UserID,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"action":        string(entry.Action),
		"allowed":       boolToInt(entry.Allowed),
		"reasons_json":  string(reasonsB),
		"info_json":     string(infoB),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter authz.AuditFilter) ([]*authz.AuditEntry, error) {
	q := `SELECT id, timestamp, user_id, resource_type, resource_id, action, allowed, reasons_json, info_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = filter.ResourceType
	}
	if filter.ResourceID != "" {
		q += " AND resource_id = :resource_id"
		params["resource_id"] = filter.ResourceID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime.UTC()
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime.UTC()
	}
	q += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.AuditEntry, 0)
	for r.Next() {
		var id, user, resourceType, resourceID, action, reasonsJSON, infoJSON string
		var timestampRaw interface{}
		var allowedInt int
		if err := r.Scan(&id, &timestampRaw, &user, &resourceType, &resourceID, &action, &allowedInt, &reasonsJSON, &infoJSON); err != nil {
			return nil, err
		}
		entry := &authz.AuditEntry{
			ID:           id,
			UserID:       user,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Action:       authz.Action(action),
			Allowed:      allowedInt != 0,
		}
		entry.Timestamp, _ = scanTime(timestampRaw)
		_ = json.Unmarshal([]byte(reasonsJSON), &entry.Reasons)
		_ = json.Unmarshal([]byte(infoJSON), &entry.Info)
		out = append(out, entry)
	}
	return out, nil
}
