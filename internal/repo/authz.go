package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"signline/internal/domain"
)

const policyColumns = `id,name,priority,effect,type,enabled,resource_types_json,actions_json,roles_json,permissions_json,relationships_json,conditions_json,created_at,updated_at`

func (r Repo) UpsertPolicy(ctx context.Context, tx *sql.Tx, p domain.Policy) error {
	resourceTypes, err := encodeJSON(p.ResourceTypes)
	if err != nil {
		return err
	}
	actions, err := encodeJSON(p.Actions)
	if err != nil {
		return err
	}
	roles, err := encodeJSON(p.Roles)
	if err != nil {
		return err
	}
	perms, err := encodeJSON(p.Permissions)
	if err != nil {
		return err
	}
	rels, err := encodeJSON(p.Relationships)
	if err != nil {
		return err
	}
	conds, err := encodeJSON(p.Conditions)
	if err != nil {
		return err
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO policies(`+policyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, priority=excluded.priority, effect=excluded.effect, type=excluded.type,
enabled=excluded.enabled, resource_types_json=excluded.resource_types_json, actions_json=excluded.actions_json,
roles_json=excluded.roles_json, permissions_json=excluded.permissions_json, relationships_json=excluded.relationships_json,
conditions_json=excluded.conditions_json, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.Priority, p.Effect, p.Type, enabled,
		orEmptyList(resourceTypes), orEmptyList(actions), orEmptyList(roles), orEmptyList(perms), orEmptyList(rels), orEmptyList(conds),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func orEmptyList(v string) string {
	if v == "" {
		return "[]"
	}
	return v
}

func scanPolicy(row rowScanner) (domain.Policy, error) {
	var p domain.Policy
	var enabled int
	var resourceTypes, actions, roles, perms, rels, conds string
	err := row.Scan(&p.ID, &p.Name, &p.Priority, &p.Effect, &p.Type, &enabled,
		&resourceTypes, &actions, &roles, &perms, &rels, &conds, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Enabled = enabled != 0
	for _, pair := range []struct {
		raw  string
		dest any
	}{
		{resourceTypes, &p.ResourceTypes},
		{actions, &p.Actions},
		{roles, &p.Roles},
		{perms, &p.Permissions},
		{rels, &p.Relationships},
		{conds, &p.Conditions},
	} {
		if pair.raw == "" || pair.raw == "[]" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return p, fmt.Errorf("decode policy %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func (r Repo) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	return scanPolicy(r.DB.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=?`, id))
}

// ListEnabledPolicies returns enabled policies in evaluation order:
// priority descending, then id for a stable tiebreak.
func (r Repo) ListEnabledPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE enabled=1 ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPolicies(rows)
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPolicies(rows)
}

func collectPolicies(rows *sql.Rows) ([]domain.Policy, error) {
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPolicyEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool, now string) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE policies SET enabled=?, updated_at=? WHERE id=?`, v, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePolicy(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO relationships(subject,relation,object,object_type,created_at) VALUES (?,?,?,?,?)`,
		rel.Subject, rel.Relation, rel.Object, rel.ObjectType, rel.CreatedAt)
	return err
}

func (r Repo) DeleteRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE subject=? AND relation=? AND object=? AND object_type=?`,
		rel.Subject, rel.Relation, rel.Object, rel.ObjectType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRelationshipsBySubject(ctx context.Context, subject string) ([]domain.Relationship, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT subject,relation,object,object_type,created_at FROM relationships WHERE subject=?`, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func (r Repo) ListRelationshipsByObject(ctx context.Context, object, objectType string) ([]domain.Relationship, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT subject,relation,object,object_type,created_at FROM relationships WHERE object=? AND object_type=?`, object, objectType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func collectRelationships(rows *sql.Rows) ([]domain.Relationship, error) {
	var res []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		if err := rows.Scan(&rel.Subject, &rel.Relation, &rel.Object, &rel.ObjectType, &rel.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// HasRelationship reports whether a direct triple exists for any of the
// given relations.
func (r Repo) HasRelationship(ctx context.Context, subject string, relations []string, object, objectType string) (bool, error) {
	if len(relations) == 0 {
		return false, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(relations)), ",")
	args := []any{subject}
	for _, rel := range relations {
		args = append(args, rel)
	}
	args = append(args, object, objectType)
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM relationships WHERE subject=? AND relation IN (`+placeholders+`) AND object=? AND object_type=?`, args...).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SubjectOrgs returns organization ids the subject is a member of, for the
// two-hop relationship walk.
func (r Repo) SubjectOrgs(ctx context.Context, subject string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT object FROM relationships WHERE subject=? AND relation=? AND object_type=?`,
		subject, "member", "organization")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (r Repo) UpsertAttribute(ctx context.Context, tx *sql.Tx, attr domain.Attribute) error {
	value, err := encodeJSON(attr.Value)
	if err != nil {
		return err
	}
	if value == "" {
		value = "null"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO attributes(entity_id,key,value_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(entity_id,key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		attr.EntityID, attr.Key, value, attr.UpdatedAt)
	return err
}

func (r Repo) DeleteAttribute(ctx context.Context, tx *sql.Tx, entityID, key string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE entity_id=? AND key=?`, entityID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EntityAttributes returns the flat attribute map of one entity.
func (r Repo) EntityAttributes(ctx context.Context, entityID string) (map[string]any, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value_json FROM attributes WHERE entity_id=?`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode attribute %s/%s: %w", entityID, key, err)
		}
		res[key] = v
	}
	return res, rows.Err()
}
