// Package scheduler owns the task lifecycle: materialization from the
// definition graph, activation, completion with requirement checks,
// delegation, expiry and cancellation. Every mutation runs inside the
// transaction handed down by the engine.
package scheduler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"time"

	"signline/internal/domain"
	"signline/internal/graph"
	"signline/internal/ports"
	"signline/internal/repo"
)

type Scheduler struct {
	Repo         repo.Repo
	Clock        ports.Clock
	Store        ports.ObjectStore
	TSA          ports.Timestamper
	PKI          ports.CertVerifier
	DefaultDueIn time.Duration
}

func (s Scheduler) now() time.Time { return s.Clock.Now().UTC() }

func (s Scheduler) nowString() string { return s.now().Format(time.RFC3339) }

// ResolveAssignee maps a definition assignee reference onto the start
// context participants, by id first, then by the first matching role.
func ResolveAssignee(ref *domain.AssigneeRef, participants []domain.Participant) (domain.Assignee, error) {
	if ref == nil {
		return domain.Assignee{}, domain.E(domain.KindValidation, "node has no assignee reference")
	}
	if ref.ParticipantID != "" {
		for _, p := range participants {
			if p.ID == ref.ParticipantID {
				return domain.Assignee{ParticipantID: p.ID, Email: p.Email, DisplayName: p.DisplayName, Role: p.Role}, nil
			}
		}
		return domain.Assignee{}, domain.E(domain.KindValidation, "assignee %s is not among the participants", ref.ParticipantID)
	}
	for _, p := range participants {
		if p.Role == ref.Role {
			return domain.Assignee{ParticipantID: p.ID, Email: p.Email, DisplayName: p.DisplayName, Role: p.Role}, nil
		}
	}
	return domain.Assignee{}, domain.E(domain.KindValidation, "no participant carries role %q", ref.Role)
}

var systemAssignee = domain.Assignee{ParticipantID: "system", DisplayName: "system", Role: "system"}

// Materialize creates one waiting task per task node, in declaration
// order. Activation is the engine's move.
func (s Scheduler) Materialize(ctx context.Context, tx *sql.Tx, g *graph.Graph, instanceID string, participants []domain.Participant) ([]domain.Task, error) {
	var tasks []domain.Task
	for i, node := range g.TaskNodes() {
		t, err := s.MaterializeNode(ctx, tx, g, node, instanceID, participants, i)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// MaterializeNode creates a single waiting task for a node. Loop-backs
// reuse it to mint a fresh task when a node is entered again.
func (s Scheduler) MaterializeNode(ctx context.Context, tx *sql.Tx, g *graph.Graph, node domain.Node, instanceID string, participants []domain.Participant, ord int) (domain.Task, error) {
	assignee := systemAssignee
	if node.Kind == domain.NodeSignature || node.Kind == domain.NodeApproval {
		resolved, err := ResolveAssignee(node.Config.Assignee, participants)
		if err != nil {
			return domain.Task{}, err
		}
		assignee = resolved
	}
	var reqs domain.Requirements
	if node.Config.Requirements != nil {
		reqs = *node.Config.Requirements
	}
	now := s.nowString()
	t := domain.Task{
		ID:           domain.NewID("tsk"),
		InstanceID:   instanceID,
		NodeID:       node.ID,
		Order:        ord,
		Kind:         graph.TaskKindFor(node),
		Status:       domain.TaskWaiting,
		Assignee:     assignee,
		Dependencies: g.Dependencies(node.ID),
		Requirements: reqs,
		AssignedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "insert task for node %s", node.ID)
	}
	return t, nil
}

// Activate promotes a waiting task to pending and stamps its due date.
// Dependencies must already be settled; anything else is an engine bug.
func (s Scheduler) Activate(ctx context.Context, tx *sql.Tx, node domain.Node, t domain.Task) (domain.Task, error) {
	if t.Status != domain.TaskWaiting {
		return domain.Task{}, domain.E(domain.KindState, "task %s cannot activate from %s", t.ID, t.Status)
	}
	if err := s.checkDependenciesSettled(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	due, err := s.dueFor(node)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskPending
	t.DueAt = due
	t.UpdatedAt = s.nowString()
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "activate task %s", t.ID)
	}
	return t, nil
}

// checkDependenciesSettled rejects activation while an upstream task is
// still actively worked on. Dependencies on branches that never ran stay
// waiting and do not block.
func (s Scheduler) checkDependenciesSettled(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if len(t.Dependencies) == 0 {
		return nil
	}
	all, err := s.Repo.ListInstanceTasksTx(ctx, tx, t.InstanceID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "list instance tasks")
	}
	byNode := map[string][]domain.Task{}
	for _, other := range all {
		byNode[other.NodeID] = append(byNode[other.NodeID], other)
	}
	for _, dep := range t.Dependencies {
		var blocked, completed bool
		for _, other := range byNode[dep] {
			switch other.Status {
			case domain.TaskCompleted:
				completed = true
			case domain.TaskPending, domain.TaskInProgress, domain.TaskDelegated:
				blocked = true
			}
		}
		if blocked && !completed {
			return domain.E(domain.KindInternal, "task %s activated before dependency %s settled", t.ID, dep)
		}
	}
	return nil
}

func (s Scheduler) dueFor(node domain.Node) (*string, error) {
	now := s.now()
	switch node.Kind {
	case domain.NodeTimer:
		if node.Config.Absolute != "" {
			due := node.Config.Absolute
			return &due, nil
		}
		d, err := time.ParseDuration(node.Config.Delay)
		if err != nil {
			return nil, domain.E(domain.KindValidation, "timer %s delay: %v", node.ID, err)
		}
		due := now.Add(d).Format(time.RFC3339)
		return &due, nil
	case domain.NodeSignature, domain.NodeApproval:
		d := s.DefaultDueIn
		if node.Config.DueIn != "" {
			parsed, err := time.ParseDuration(node.Config.DueIn)
			if err != nil {
				return nil, domain.E(domain.KindValidation, "node %s due_in: %v", node.ID, err)
			}
			d = parsed
		}
		if d <= 0 {
			return nil, nil
		}
		due := now.Add(d).Format(time.RFC3339)
		return &due, nil
	}
	return nil, nil
}

// digestInput selects the bytes the evidence digest covers: the raw
// signature when present, otherwise the recorded outcome.
func digestInput(ev *domain.Evidence) ([]byte, error) {
	if ev == nil {
		return nil, nil
	}
	if ev.Signature != "" {
		raw, err := base64.StdEncoding.DecodeString(ev.Signature)
		if err != nil {
			return nil, domain.E(domain.KindValidation, "signature is not valid base64")
		}
		return raw, nil
	}
	return []byte("outcome:" + ev.Outcome), nil
}

// EvidenceDigest returns the digest bytes and the sha256:<hex> form
// recorded on completion. Clients obtaining timestamp tokens up front
// must cover exactly these bytes.
func EvidenceDigest(ev *domain.Evidence) ([]byte, string, error) {
	input, err := digestInput(ev)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(input)
	return sum[:], "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Complete finishes a task. It verifies the node requirements, moves
// signature bytes into the object store, and records the evidence digest.
// The bool reports whether this call performed the completion; a repeat
// with identical evidence is acknowledged without effect.
func (s Scheduler) Complete(ctx context.Context, tx *sql.Tx, t domain.Task, ev *domain.Evidence) (domain.Task, bool, error) {
	input, err := digestInput(ev)
	if err != nil {
		return domain.Task{}, false, err
	}
	sum := sha256.Sum256(input)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	switch t.Status {
	case domain.TaskCompleted:
		if t.Evidence != nil && t.Evidence.Digest == digest {
			return t, false, nil
		}
		return domain.Task{}, false, domain.E(domain.KindConflict, "task %s already completed with different evidence", t.ID).
			With("task_id", t.ID)
	case domain.TaskPending, domain.TaskInProgress:
	default:
		return domain.Task{}, false, domain.E(domain.KindState, "task %s cannot complete from %s", t.ID, t.Status).
			With("task_id", t.ID).With("status", t.Status)
	}

	if t.Kind == domain.TaskKindApproval && (ev == nil || ev.Outcome == "") {
		return domain.Task{}, false, domain.E(domain.KindValidation, "approval task %s requires an outcome", t.ID)
	}
	if ev != nil && ev.Outcome != "" && ev.Outcome != "approved" && ev.Outcome != "rejected" {
		return domain.Task{}, false, domain.E(domain.KindValidation, "outcome must be approved or rejected, got %q", ev.Outcome)
	}

	if err := s.checkRequirements(ctx, t, ev, sum[:]); err != nil {
		return domain.Task{}, false, err
	}

	stored := domain.Evidence{}
	if ev != nil {
		stored = *ev
	}
	if stored.Signature != "" {
		key := "evidence/" + t.InstanceID + "/" + t.ID + ".sig"
		uri, err := s.Store.Put(ctx, key, "application/octet-stream", input)
		if err != nil {
			return domain.Task{}, false, domain.Wrap(domain.KindInternal, err, "store signature for task %s", t.ID)
		}
		stored.SignatureRef = uri
		stored.Signature = ""
	}
	stored.Digest = digest

	now := s.nowString()
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	t.Evidence = &stored
	t.UpdatedAt = now
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, false, domain.Wrap(domain.KindInternal, err, "complete task %s", t.ID)
	}
	return t, true, nil
}

func (s Scheduler) checkRequirements(ctx context.Context, t domain.Task, ev *domain.Evidence, digest []byte) error {
	req := t.Requirements
	if req.RequireMFA {
		if ev == nil || ev.MFA == nil {
			return domain.E(domain.KindRequirementUnmet, "task %s requires an mfa assertion", t.ID).
				With("requirement", "mfa")
		}
		if ev.MFA.Level < req.MFALevel {
			return domain.E(domain.KindRequirementUnmet, "mfa level %d is below the required %d", ev.MFA.Level, req.MFALevel).
				With("requirement", "mfa")
		}
	}
	if req.RequireTimestamp {
		if ev == nil || ev.TimestampToken == "" {
			return domain.E(domain.KindRequirementUnmet, "task %s requires a timestamp token", t.ID).
				With("requirement", "timestamp")
		}
		token, err := base64.StdEncoding.DecodeString(ev.TimestampToken)
		if err != nil {
			return domain.E(domain.KindRequirementUnmet, "timestamp token is not valid base64").
				With("requirement", "timestamp")
		}
		if err := s.TSA.Verify(ctx, token, digest); err != nil {
			return domain.Wrap(domain.KindRequirementUnmet, err, "timestamp token rejected").
				With("requirement", "timestamp")
		}
	}
	if req.SignatureType == domain.SignatureQualified {
		if ev == nil || ev.Certificate == "" {
			return domain.E(domain.KindRequirementUnmet, "task %s requires a qualified certificate", t.ID).
				With("requirement", "certificate")
		}
		if err := s.PKI.VerifyQualified(ctx, []byte(ev.Certificate)); err != nil {
			return domain.Wrap(domain.KindRequirementUnmet, err, "certificate rejected").
				With("requirement", "certificate")
		}
	}
	return nil
}

// BumpAttempts persists a failed completion attempt. Runs in its own
// transaction so the rejection survives the rolled-back completion.
func (s Scheduler) BumpAttempts(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	t.Attempts++
	t.UpdatedAt = s.nowString()
	return s.Repo.UpdateTask(ctx, tx, t)
}

// Delegate parks the current task as delegated and supersedes it with a
// pending clone assigned to the new participant.
func (s Scheduler) Delegate(ctx context.Context, tx *sql.Tx, t domain.Task, to domain.Participant) (domain.Task, domain.Task, error) {
	if t.Status != domain.TaskPending && t.Status != domain.TaskInProgress {
		return domain.Task{}, domain.Task{}, domain.E(domain.KindState, "task %s cannot delegate from %s", t.ID, t.Status)
	}
	if !t.Requirements.AllowDelegation {
		return domain.Task{}, domain.Task{}, domain.E(domain.KindPolicyForbids, "task %s does not allow delegation", t.ID).
			With("task_id", t.ID)
	}

	now := s.nowString()
	clone := t
	clone.ID = domain.NewID("tsk")
	clone.Status = domain.TaskPending
	clone.Assignee = domain.Assignee{ParticipantID: to.ID, Email: to.Email, DisplayName: to.DisplayName, Role: to.Role}
	clone.Attempts = 0
	clone.RemindersSent = nil
	clone.DelegatedTo = nil
	clone.EscalatedAt = nil
	clone.AssignedAt = now
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if err := s.Repo.InsertTask(ctx, tx, clone); err != nil {
		return domain.Task{}, domain.Task{}, domain.Wrap(domain.KindInternal, err, "insert delegated task")
	}

	t.Status = domain.TaskDelegated
	t.DelegatedTo = &to.ID
	t.UpdatedAt = now
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Task{}, domain.Wrap(domain.KindInternal, err, "mark task %s delegated", t.ID)
	}
	return t, clone, nil
}

// Expire moves an overdue task to expired.
func (s Scheduler) Expire(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	if t.Status != domain.TaskPending && t.Status != domain.TaskInProgress {
		return domain.Task{}, domain.E(domain.KindState, "task %s cannot expire from %s", t.ID, t.Status)
	}
	t.Status = domain.TaskExpired
	t.UpdatedAt = s.nowString()
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "expire task %s", t.ID)
	}
	return t, nil
}

// Fail terminates a task whose automated work gave up, recording how many
// attempts were spent.
func (s Scheduler) Fail(ctx context.Context, tx *sql.Tx, t domain.Task, attempts int) (domain.Task, error) {
	if t.Status != domain.TaskPending && t.Status != domain.TaskInProgress {
		return domain.Task{}, domain.E(domain.KindState, "task %s cannot fail from %s", t.ID, t.Status)
	}
	t.Status = domain.TaskFailed
	if attempts > t.Attempts {
		t.Attempts = attempts
	}
	t.UpdatedAt = s.nowString()
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "fail task %s", t.ID)
	}
	return t, nil
}

// Cancel terminates a non-terminal task.
func (s Scheduler) Cancel(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	switch t.Status {
	case domain.TaskWaiting, domain.TaskPending, domain.TaskInProgress:
	default:
		return domain.Task{}, domain.E(domain.KindState, "task %s cannot cancel from %s", t.ID, t.Status)
	}
	t.Status = domain.TaskCancelled
	t.UpdatedAt = s.nowString()
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "cancel task %s", t.ID)
	}
	return t, nil
}

// MarkEscalated stamps the escalation time on an expired task.
func (s Scheduler) MarkEscalated(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	now := s.nowString()
	t.EscalatedAt = &now
	t.UpdatedAt = now
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "mark task %s escalated", t.ID)
	}
	return t, nil
}

// RecordReminder appends a reminder timestamp to the task.
func (s Scheduler) RecordReminder(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	now := s.nowString()
	t.RemindersSent = append(t.RemindersSent, now)
	t.UpdatedAt = now
	if err := s.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "record reminder for task %s", t.ID)
	}
	return t, nil
}
