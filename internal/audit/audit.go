package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"signline/internal/domain"
)

// Actions recorded in the audit log.
const (
	ActionWorkflowCreated     = "workflow_created"
	ActionWorkflowStarted     = "workflow_started"
	ActionTaskMaterialized    = "task_materialized"
	ActionTaskAssigned        = "task_assigned"
	ActionTaskCompleted       = "task_completed"
	ActionTaskExpired         = "task_expired"
	ActionTaskDelegated       = "task_delegated"
	ActionTaskFailed          = "task_failed"
	ActionTaskCancelled       = "task_cancelled"
	ActionTimerFired          = "timer_fired"
	ActionWorkflowCompleted   = "workflow_completed"
	ActionWorkflowFailed      = "workflow_failed"
	ActionWorkflowCancelled   = "workflow_cancelled"
	ActionWorkflowExpired     = "workflow_expired"
	ActionPolicyDenied        = "policy_denied"
	ActionPolicyAllowed       = "policy_allowed"
	ActionReminderSent        = "reminder_sent"
	ActionEscalationTriggered = "escalation_triggered"
	ActionCompensationInvoked = "compensation_invoked"
)

// Log is the append-only, hash-chained event record. One chain per
// instance, totally ordered by seq, rooted at a deterministic genesis.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record is the caller-supplied portion of an audit event.
type Record struct {
	Actor   string
	Action  string
	NodeID  string
	TaskID  string
	Details map[string]any
}

// canonicalEvent fixes the field order of the hashed encoding. The hash
// itself is excluded.
type canonicalEvent struct {
	InstanceID string  `json:"instance_id"`
	Seq        int64   `json:"seq"`
	PrevHash   string  `json:"prev_hash"`
	TS         string  `json:"ts"`
	Actor      string  `json:"actor"`
	Action     string  `json:"action"`
	NodeID     *string `json:"node_id"`
	TaskID     *string `json:"task_id"`
	Details    string  `json:"details"`
}

// GenesisHash roots an instance's chain.
func GenesisHash(instanceID string) string {
	sum := sha256.Sum256([]byte("signline:genesis:" + instanceID))
	return hex.EncodeToString(sum[:])
}

func chainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

func encodeCanonical(ev domain.AuditEvent) ([]byte, error) {
	return json.Marshal(canonicalEvent{
		InstanceID: ev.InstanceID,
		Seq:        ev.Seq,
		PrevHash:   ev.PrevHash,
		TS:         ev.TS,
		Actor:      ev.Actor,
		Action:     ev.Action,
		NodeID:     ev.NodeID,
		TaskID:     ev.TaskID,
		Details:    ev.Details,
	})
}

// Append writes the next event of the instance chain inside the caller's
// transaction and returns it with seq and hash filled in.
func (l Log) Append(ctx context.Context, tx *sql.Tx, instanceID string, rec Record) (domain.AuditEvent, error) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	var lastSeq int64
	var lastHash sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0),
(SELECT hash FROM audit_events WHERE instance_id=? AND seq=(SELECT MAX(seq) FROM audit_events WHERE instance_id=?))
FROM audit_events WHERE instance_id=?`, instanceID, instanceID, instanceID).Scan(&lastSeq, &lastHash)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("read chain head: %w", err)
	}
	prevHash := GenesisHash(instanceID)
	if lastSeq > 0 {
		if !lastHash.Valid {
			return domain.AuditEvent{}, fmt.Errorf("chain head missing hash for %s", instanceID)
		}
		prevHash = lastHash.String
	}
	details := "{}"
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return domain.AuditEvent{}, fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(data)
	}
	ev := domain.AuditEvent{
		InstanceID: instanceID,
		Seq:        lastSeq + 1,
		PrevHash:   prevHash,
		TS:         now().UTC().Format(time.RFC3339),
		Actor:      rec.Actor,
		Action:     rec.Action,
		Details:    details,
	}
	if rec.NodeID != "" {
		ev.NodeID = &rec.NodeID
	}
	if rec.TaskID != "" {
		ev.TaskID = &rec.TaskID
	}
	canonical, err := encodeCanonical(ev)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	ev.Hash = chainHash(prevHash, canonical)
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(instance_id,seq,prev_hash,ts,actor,action,node_id,task_id,details,hash)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.InstanceID, ev.Seq, ev.PrevHash, ev.TS, ev.Actor, ev.Action, nullableStr(ev.NodeID), nullableStr(ev.TaskID), ev.Details, ev.Hash)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}
	return ev, nil
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

const eventColumns = `instance_id,seq,prev_hash,ts,actor,action,node_id,task_id,details,hash`

func scanEvent(scan func(dest ...any) error) (domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var nodeID, taskID sql.NullString
	err := scan(&ev.InstanceID, &ev.Seq, &ev.PrevHash, &ev.TS, &ev.Actor, &ev.Action, &nodeID, &taskID, &ev.Details, &ev.Hash)
	if err != nil {
		return ev, err
	}
	if nodeID.Valid {
		ev.NodeID = &nodeID.String
	}
	if taskID.Valid {
		ev.TaskID = &taskID.String
	}
	return ev, nil
}

// List returns an instance's events ordered by seq, starting after afterSeq.
func (l Log) List(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE instance_id=? AND seq>? ORDER BY seq ASC`
	args := []any{instanceID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Tail returns an instance's most recent n events in chain order.
func (l Log) Tail(ctx context.Context, instanceID string, n int) ([]domain.AuditEvent, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE instance_id=? ORDER BY seq DESC LIMIT ?`, instanceID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// Entry pairs an event with its global cursor position for pollers.
type Entry struct {
	ID    int64
	Event domain.AuditEvent
}

// After returns events across all instances with rowids greater than the
// cursor, in commit order.
func (l Log) After(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT rowid,`+eventColumns+` FROM audit_events WHERE rowid>? ORDER BY rowid ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		var nodeID, taskID sql.NullString
		if err := rows.Scan(&e.ID, &e.Event.InstanceID, &e.Event.Seq, &e.Event.PrevHash, &e.Event.TS, &e.Event.Actor,
			&e.Event.Action, &nodeID, &taskID, &e.Event.Details, &e.Event.Hash); err != nil {
			return nil, err
		}
		if nodeID.Valid {
			e.Event.NodeID = &nodeID.String
		}
		if taskID.Valid {
			e.Event.TaskID = &taskID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestCursor returns the current end of the global event stream. New
// pollers start here instead of replaying history.
func (l Log) LatestCursor(ctx context.Context) (int64, error) {
	var cur int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid),0) FROM audit_events`).Scan(&cur)
	return cur, err
}

// Verify replays an instance's chain from genesis and recomputes every
// hash. It reports the first divergence found.
func (l Log) Verify(ctx context.Context, instanceID string) error {
	events, err := l.List(ctx, instanceID, 0, 0)
	if err != nil {
		return err
	}
	prevHash := GenesisHash(instanceID)
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			return fmt.Errorf("audit chain %s: gap at seq %d", instanceID, ev.Seq)
		}
		if ev.PrevHash != prevHash {
			return fmt.Errorf("audit chain %s: seq %d prev_hash mismatch", instanceID, ev.Seq)
		}
		canonical, err := encodeCanonical(ev)
		if err != nil {
			return err
		}
		if got := chainHash(prevHash, canonical); got != ev.Hash {
			return fmt.Errorf("audit chain %s: seq %d hash mismatch", instanceID, ev.Seq)
		}
		prevHash = ev.Hash
	}
	return nil
}
