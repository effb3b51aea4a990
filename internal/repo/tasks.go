package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"signline/internal/domain"
)

const taskColumns = `id,instance_id,node_id,ord,kind,status,assignee_participant_id,assignee_email,assignee_display_name,assignee_role,dependencies_json,requirements_json,due_at,assigned_at,completed_at,evidence_json,attempts,reminders_json,delegated_to,escalated_at,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	deps, err := encodeJSON(t.Dependencies)
	if err != nil {
		return err
	}
	reqs, err := encodeJSON(t.Requirements)
	if err != nil {
		return err
	}
	reminders, err := encodeJSON(t.RemindersSent)
	if err != nil {
		return err
	}
	var evidence any
	if t.Evidence != nil {
		enc, err := encodeJSON(t.Evidence)
		if err != nil {
			return err
		}
		evidence = enc
	}
	if deps == "" {
		deps = "[]"
	}
	if reminders == "" {
		reminders = "[]"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.InstanceID, t.NodeID, t.Order, t.Kind, t.Status,
		t.Assignee.ParticipantID, t.Assignee.Email, t.Assignee.DisplayName, t.Assignee.Role,
		deps, reqs, nullableStringPtr(t.DueAt), t.AssignedAt, nullableStringPtr(t.CompletedAt), evidence,
		t.Attempts, reminders, nullableStringPtr(t.DelegatedTo), nullableStringPtr(t.EscalatedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	reminders, err := encodeJSON(t.RemindersSent)
	if err != nil {
		return err
	}
	if reminders == "" {
		reminders = "[]"
	}
	var evidence any
	if t.Evidence != nil {
		enc, err := encodeJSON(t.Evidence)
		if err != nil {
			return err
		}
		evidence = enc
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, due_at=?, completed_at=?, evidence_json=?, attempts=?, reminders_json=?, delegated_to=?, escalated_at=?, updated_at=? WHERE id=?`,
		t.Status, nullableStringPtr(t.DueAt), nullableStringPtr(t.CompletedAt), evidence,
		t.Attempts, reminders, nullableStringPtr(t.DelegatedTo), nullableStringPtr(t.EscalatedAt), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var deps, reqs, reminders string
	var dueAt, completedAt, evidence, delegatedTo, escalatedAt sql.NullString
	err := row.Scan(&t.ID, &t.InstanceID, &t.NodeID, &t.Order, &t.Kind, &t.Status,
		&t.Assignee.ParticipantID, &t.Assignee.Email, &t.Assignee.DisplayName, &t.Assignee.Role,
		&deps, &reqs, &dueAt, &t.AssignedAt, &completedAt, &evidence,
		&t.Attempts, &reminders, &delegatedTo, &escalatedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if deps != "" && deps != "[]" {
		if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
			return t, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	if reqs != "" {
		if err := json.Unmarshal([]byte(reqs), &t.Requirements); err != nil {
			return t, fmt.Errorf("decode requirements: %w", err)
		}
	}
	if reminders != "" && reminders != "[]" {
		if err := json.Unmarshal([]byte(reminders), &t.RemindersSent); err != nil {
			return t, fmt.Errorf("decode reminders: %w", err)
		}
	}
	if evidence.Valid {
		var ev domain.Evidence
		if err := json.Unmarshal([]byte(evidence.String), &ev); err != nil {
			return t, fmt.Errorf("decode evidence: %w", err)
		}
		t.Evidence = &ev
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if delegatedTo.Valid {
		t.DelegatedTo = &delegatedTo.String
	}
	if escalatedAt.Valid {
		t.EscalatedAt = &escalatedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	InstanceID      string
	AssigneeID      string
	AssigneeEmail   string
	Status          string
	Kind            string
	DueBefore       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_participant_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.AssigneeEmail != "" {
		clauses = append(clauses, "assignee_email=?")
		args = append(args, f.AssigneeEmail)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.DueBefore != "" {
		clauses = append(clauses, "due_at IS NOT NULL AND due_at<=?")
		args = append(args, f.DueBefore)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListInstanceTasksTx returns every task of an instance in declared order,
// for successor activation inside a mutation transaction.
func (r Repo) ListInstanceTasksTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE instance_id=? ORDER BY ord ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListDueTasks returns open tasks whose due date has passed.
func (r Repo) ListDueTasks(ctx context.Context, before string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (?,?) AND due_at IS NOT NULL AND due_at<=? ORDER BY due_at ASC`
	args := []any{domain.TaskPending, domain.TaskInProgress, before}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListReminderCandidates returns pending tasks due before the window end.
// The caller applies the reminder cadence against reminders_sent.
func (r Repo) ListReminderCandidates(ctx context.Context, windowEnd string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status=? AND due_at IS NOT NULL AND due_at<=? ORDER BY due_at ASC`
	args := []any{domain.TaskPending, windowEnd}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListEscalationCandidates returns expired tasks past the escalation delay
// that have not yet been escalated.
func (r Repo) ListEscalationCandidates(ctx context.Context, dueBefore string, limit int) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status=? AND escalated_at IS NULL AND due_at IS NOT NULL AND due_at<=? ORDER BY due_at ASC`
	args := []any{domain.TaskExpired, dueBefore}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, instanceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE instance_id=? GROUP BY status`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
