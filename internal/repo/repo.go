package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"signline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func (r Repo) InsertDefinition(ctx context.Context, tx *sql.Tx, def domain.WorkflowDefinition) error {
	nodes, err := encodeJSON(def.Nodes)
	if err != nil {
		return err
	}
	edges, err := encodeJSON(def.Edges)
	if err != nil {
		return err
	}
	vars, err := encodeJSON(def.Variables)
	if err != nil {
		return err
	}
	settings, err := encodeJSON(def.Settings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_definitions(workflow_id,version,name,org_id,created_by,nodes_json,edges_json,variables_json,settings_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		def.WorkflowID, def.Version, def.Name, def.OrgID, def.CreatedBy, nodes, edges, vars, settings, def.CreatedAt)
	return err
}

func scanDefinition(row rowScanner) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var nodes, edges, vars, settings string
	err := row.Scan(&def.WorkflowID, &def.Version, &def.Name, &def.OrgID, &def.CreatedBy, &nodes, &edges, &vars, &settings, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return def, ErrNotFound
	}
	if err != nil {
		return def, err
	}
	if err := json.Unmarshal([]byte(nodes), &def.Nodes); err != nil {
		return def, fmt.Errorf("decode nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edges), &def.Edges); err != nil {
		return def, fmt.Errorf("decode edges: %w", err)
	}
	if vars != "" && vars != "[]" {
		if err := json.Unmarshal([]byte(vars), &def.Variables); err != nil {
			return def, fmt.Errorf("decode variables: %w", err)
		}
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &def.Settings); err != nil {
			return def, fmt.Errorf("decode settings: %w", err)
		}
	}
	return def, nil
}

const definitionColumns = `workflow_id,version,name,org_id,created_by,nodes_json,edges_json,variables_json,settings_json,created_at`

// GetDefinition returns a specific version, or the latest when version <= 0.
func (r Repo) GetDefinition(ctx context.Context, workflowID string, version int) (domain.WorkflowDefinition, error) {
	if version > 0 {
		return scanDefinition(r.DB.QueryRowContext(ctx,
			`SELECT `+definitionColumns+` FROM workflow_definitions WHERE workflow_id=? AND version=?`, workflowID, version))
	}
	return scanDefinition(r.DB.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE workflow_id=? ORDER BY version DESC LIMIT 1`, workflowID))
}

func (r Repo) GetDefinitionTx(ctx context.Context, tx *sql.Tx, workflowID string, version int) (domain.WorkflowDefinition, error) {
	if version > 0 {
		return scanDefinition(tx.QueryRowContext(ctx,
			`SELECT `+definitionColumns+` FROM workflow_definitions WHERE workflow_id=? AND version=?`, workflowID, version))
	}
	return scanDefinition(tx.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE workflow_id=? ORDER BY version DESC LIMIT 1`, workflowID))
}

func (r Repo) LatestDefinitionVersion(ctx context.Context, tx *sql.Tx, workflowID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM workflow_definitions WHERE workflow_id=?`, workflowID).Scan(&v)
	return v, err
}

type DefinitionFilters struct {
	WorkflowID string
	OrgID      string
	Limit      int
}

func (r Repo) ListDefinitions(ctx context.Context, f DefinitionFilters) ([]domain.WorkflowDefinition, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions ` + where + ` ORDER BY workflow_id ASC, version DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, def)
	}
	return res, rows.Err()
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	nodes, err := encodeJSON(inst.CurrentNodes)
	if err != nil {
		return err
	}
	vars, err := encodeJSON(inst.Variables)
	if err != nil {
		return err
	}
	docs, err := encodeJSON(inst.Documents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,workflow_id,workflow_version,org_id,status,current_nodes_json,variables_json,documents_json,initiated_by,deadline,started_at,finished_at,predicted_duration,failure_reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.WorkflowID, inst.WorkflowVersion, inst.OrgID, inst.Status, nodes, vars, docs, inst.InitiatedBy,
		nullableStringPtr(inst.Deadline), inst.StartedAt, nullableStringPtr(inst.FinishedAt), inst.PredictedDuration, inst.FailureReason)
	return err
}

// UpdateInstance rewrites the mutable fields of an instance row.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) error {
	nodes, err := encodeJSON(inst.CurrentNodes)
	if err != nil {
		return err
	}
	vars, err := encodeJSON(inst.Variables)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET status=?, current_nodes_json=?, variables_json=?, deadline=?, finished_at=?, failure_reason=? WHERE id=?`,
		inst.Status, nodes, vars, nullableStringPtr(inst.Deadline), nullableStringPtr(inst.FinishedAt), inst.FailureReason, inst.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const instanceColumns = `id,workflow_id,workflow_version,org_id,status,current_nodes_json,variables_json,documents_json,initiated_by,deadline,started_at,finished_at,predicted_duration,failure_reason`

func scanInstance(row rowScanner) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var nodes, vars, docs string
	var deadline, finishedAt sql.NullString
	err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.OrgID, &inst.Status, &nodes, &vars, &docs,
		&inst.InitiatedBy, &deadline, &inst.StartedAt, &finishedAt, &inst.PredictedDuration, &inst.FailureReason)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(nodes), &inst.CurrentNodes); err != nil {
		return inst, fmt.Errorf("decode current nodes: %w", err)
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &inst.Variables); err != nil {
			return inst, fmt.Errorf("decode variables: %w", err)
		}
	}
	if docs != "" && docs != "[]" {
		if err := json.Unmarshal([]byte(docs), &inst.Documents); err != nil {
			return inst, fmt.Errorf("decode documents: %w", err)
		}
	}
	if deadline.Valid {
		inst.Deadline = &deadline.String
	}
	if finishedAt.Valid {
		inst.FinishedAt = &finishedAt.String
	}
	return inst, nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
}

type InstanceFilters struct {
	OrgID           string
	WorkflowID      string
	Status          string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.WorkflowInstance, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// ListRunningInstanceIDs feeds the deadline sweep of the timer service.
func (r Repo) ListRunningInstanceIDs(ctx context.Context, deadlineBefore string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM workflow_instances WHERE status=? AND deadline IS NOT NULL AND deadline<=?`,
		domain.InstanceRunning, deadlineBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertParticipants(ctx context.Context, tx *sql.Tx, instanceID string, parts []domain.Participant) error {
	for _, p := range parts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO participants(instance_id,id,email,display_name,role,credential_id) VALUES (?,?,?,?,?,?)`,
			instanceID, p.ID, p.Email, p.DisplayName, p.Role, p.CredentialID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListParticipants(ctx context.Context, instanceID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT instance_id,id,email,display_name,role,credential_id FROM participants WHERE instance_id=? ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func (r Repo) ListParticipantsTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.Participant, error) {
	rows, err := tx.QueryContext(ctx, `SELECT instance_id,id,email,display_name,role,credential_id FROM participants WHERE instance_id=? ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]domain.Participant, error) {
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.InstanceID, &p.ID, &p.Email, &p.DisplayName, &p.Role, &p.CredentialID); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
