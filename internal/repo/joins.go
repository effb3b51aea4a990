package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// JoinState tracks branch arrivals at a join node of one instance.
type JoinState struct {
	InstanceID string
	NodeID     string
	Expected   int
	Arrived    []string
	Fired      bool
}

func (r Repo) EnsureJoinState(ctx context.Context, tx *sql.Tx, instanceID, nodeID string, expected int) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO join_state(instance_id,node_id,expected,arrived_json,fired) VALUES (?,?,?,'[]',0)`,
		instanceID, nodeID, expected)
	return err
}

// ResetJoinState arms a join for a fresh round: expected is set, arrivals
// cleared, fired lowered. Splits call this each time they fire so loops
// back through a gateway can pass the join again.
func (r Repo) ResetJoinState(ctx context.Context, tx *sql.Tx, instanceID, nodeID string, expected int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO join_state(instance_id,node_id,expected,arrived_json,fired) VALUES (?,?,?,'[]',0)
ON CONFLICT(instance_id,node_id) DO UPDATE SET expected=excluded.expected, arrived_json='[]', fired=0`, instanceID, nodeID, expected)
	return err
}

func (r Repo) GetJoinState(ctx context.Context, tx *sql.Tx, instanceID, nodeID string) (JoinState, error) {
	var js JoinState
	var arrived string
	var fired int
	err := tx.QueryRowContext(ctx, `SELECT instance_id,node_id,expected,arrived_json,fired FROM join_state WHERE instance_id=? AND node_id=?`,
		instanceID, nodeID).Scan(&js.InstanceID, &js.NodeID, &js.Expected, &arrived, &fired)
	if err == sql.ErrNoRows {
		return js, ErrNotFound
	}
	if err != nil {
		return js, err
	}
	js.Fired = fired != 0
	if arrived != "" && arrived != "[]" {
		if err := json.Unmarshal([]byte(arrived), &js.Arrived); err != nil {
			return js, fmt.Errorf("decode join arrivals: %w", err)
		}
	}
	return js, nil
}

// AddJoinArrival records one branch arrival and returns the updated state.
// Arrivals are deduplicated by source node, so re-delivery is harmless.
func (r Repo) AddJoinArrival(ctx context.Context, tx *sql.Tx, instanceID, nodeID, fromNodeID string) (JoinState, error) {
	js, err := r.GetJoinState(ctx, tx, instanceID, nodeID)
	if err != nil {
		return js, err
	}
	for _, src := range js.Arrived {
		if src == fromNodeID {
			return js, nil
		}
	}
	js.Arrived = append(js.Arrived, fromNodeID)
	arrived, err := encodeJSON(js.Arrived)
	if err != nil {
		return js, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE join_state SET arrived_json=? WHERE instance_id=? AND node_id=?`, arrived, instanceID, nodeID)
	return js, err
}

func (r Repo) MarkJoinFired(ctx context.Context, tx *sql.Tx, instanceID, nodeID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE join_state SET fired=1 WHERE instance_id=? AND node_id=?`, instanceID, nodeID)
	return err
}

// AppendNodeVisit records that a node finished executing, preserving order
// for reverse-order compensation.
func (r Repo) AppendNodeVisit(ctx context.Context, tx *sql.Tx, instanceID, nodeID, visitedAt string) error {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM node_visits WHERE instance_id=?`, instanceID).Scan(&next); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO node_visits(instance_id,seq,node_id,visited_at) VALUES (?,?,?,?)`,
		instanceID, next, nodeID, visitedAt)
	return err
}

func (r Repo) ListNodeVisitsTx(ctx context.Context, tx *sql.Tx, instanceID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT node_id FROM node_visits WHERE instance_id=? ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		nodes = append(nodes, id)
	}
	return nodes, rows.Err()
}

func (r Repo) GetWebhookCursor(ctx context.Context, name string) (int64, error) {
	var cursor int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM webhook_cursors WHERE name=?`, name).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, name string, cursor int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(name,cursor) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET cursor=excluded.cursor`, name, cursor)
	return err
}
