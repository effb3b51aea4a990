// Package engine drives workflow instances from definition intake to a
// terminal state: start, task completion, delegation, timers, expiry,
// cancellation. Every mutation takes the instance's lock, runs in a
// single transaction, and lands on the audit chain before committing.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"signline/internal/audit"
	"signline/internal/authz"
	"signline/internal/config"
	"signline/internal/domain"
	"signline/internal/graph"
	"signline/internal/metrics"
	"signline/internal/ports"
	"signline/internal/repo"
	"signline/internal/scheduler"
)

const actorSystem = "system"

// Ports bundles the outbound adapters the composition root wires in.
type Ports struct {
	Store    ports.ObjectStore
	TSA      ports.Timestamper
	PKI      ports.CertVerifier
	Notifier ports.Notifier
	Invoker  ports.ServiceInvoker
	Clock    ports.Clock
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *config.Config
	Sched    scheduler.Scheduler
	Audit    audit.Log
	Authz    *authz.Decider
	Notifier ports.Notifier
	Invoker  ports.ServiceInvoker
	Clock    ports.Clock
	Log      *logrus.Logger

	// RetryInterval seeds the service call backoff. Tests shrink it.
	RetryInterval time.Duration

	locks    *lockTable
	allowSeq *atomic.Int64
}

func New(db *sql.DB, cfg *config.Config, log *logrus.Logger, p Ports) Engine {
	if p.Clock == nil {
		p.Clock = ports.WallClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Sched: scheduler.Scheduler{
			Repo:         r,
			Clock:        p.Clock,
			Store:        p.Store,
			TSA:          p.TSA,
			PKI:          p.PKI,
			DefaultDueIn: cfg.DefaultDueIn(),
		},
		Audit:    audit.Log{DB: db, Now: p.Clock.Now},
		Authz:    authz.New(r, log, cfg.AuthzCacheSize(), cfg.AuthzCacheTTL()),
		Notifier: p.Notifier,
		Invoker:  p.Invoker,
		Clock:    p.Clock,
		Log:      log,
		locks:    &lockTable{},
		allowSeq: &atomic.Int64{},
	}
}

// lockTable serializes mutations per instance. Entries are never removed;
// a mutex per live instance is cheap next to the rows it guards.
type lockTable struct {
	mu sync.Map // instance id -> *sync.Mutex
}

func (l *lockTable) lock(id string) func() {
	v, _ := l.mu.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (e Engine) now() time.Time    { return e.Clock.Now().UTC() }
func (e Engine) nowString() string { return e.now().Format(time.RFC3339) }

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "begin transaction")
	}
	return tx, nil
}

func (e Engine) retryInterval() time.Duration {
	if e.RetryInterval > 0 {
		return e.RetryInterval
	}
	return 500 * time.Millisecond
}

func (e Engine) append(ctx context.Context, tx *sql.Tx, chainID string, rec audit.Record) error {
	if _, err := e.Audit.Append(ctx, tx, chainID, rec); err != nil {
		return domain.Wrap(domain.KindInternal, err, "audit %s on %s", rec.Action, chainID)
	}
	metrics.AuditAppends.Inc()
	return nil
}

// authorize consults the decision point. Denies are always recorded on
// the chain; allows are sampled at the configured rate to keep chains
// lean. The append runs in its own transaction so it survives the denied
// operation's rollback.
func (e Engine) authorize(ctx context.Context, chainID string, req domain.AuthzRequest) error {
	dec, err := e.Authz.Decide(ctx, req)
	if err != nil {
		return err
	}
	matched := make([]string, 0, len(dec.MatchedPolicies))
	for _, tr := range dec.MatchedPolicies {
		if tr.Matched {
			matched = append(matched, tr.PolicyID)
		}
	}
	if dec.Allowed() {
		rate := int64(e.Config.AllowSampleRate())
		if chainID != "" && rate > 0 && e.allowSeq.Add(1)%rate == 0 {
			e.recordDecision(ctx, chainID, audit.ActionPolicyAllowed, req, dec.Reason, matched)
		}
		return nil
	}
	if chainID != "" {
		e.recordDecision(ctx, chainID, audit.ActionPolicyDenied, req, dec.Reason, matched)
	}
	return domain.E(domain.KindAuthz, "%s", dec.Reason).
		With("action", req.Action).
		With("matched_policies", matched)
}

func (e Engine) recordDecision(ctx context.Context, chainID, action string, req domain.AuthzRequest, reason string, matched []string) {
	tx, err := e.begin(ctx)
	if err != nil {
		e.Log.WithError(err).Error("record authz decision")
		return
	}
	defer tx.Rollback()
	err = e.append(ctx, tx, chainID, audit.Record{
		Actor:  req.Subject,
		Action: action,
		Details: map[string]any{
			"action":           req.Action,
			"resource":         req.Resource,
			"resource_type":    req.ResourceType,
			"reason":           reason,
			"matched_policies": matched,
		},
	})
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		e.Log.WithError(err).Error("record authz decision")
	}
}

// CreateDefinition validates and stores a new immutable version. Versions
// are assigned server-side: latest + 1 per workflow id.
func (e Engine) CreateDefinition(ctx context.Context, def domain.WorkflowDefinition, actor string) (domain.WorkflowDefinition, error) {
	if def.Name == "" {
		return domain.WorkflowDefinition{}, domain.E(domain.KindValidation, "definition needs a name")
	}
	if def.WorkflowID == "" {
		def.WorkflowID = domain.NewID("wfd")
	}
	if def.OrgID == "" {
		def.OrgID = e.Config.Org.ID
	}
	if _, err := graph.Build(def); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	def.CreatedBy = actor
	def.CreatedAt = e.nowString()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	defer tx.Rollback()

	latest, err := e.Repo.LatestDefinitionVersion(ctx, tx, def.WorkflowID)
	if err != nil {
		return domain.WorkflowDefinition{}, domain.Wrap(domain.KindInternal, err, "latest version of %s", def.WorkflowID)
	}
	def.Version = latest + 1
	if err := e.Repo.InsertDefinition(ctx, tx, def); err != nil {
		return domain.WorkflowDefinition{}, domain.Wrap(domain.KindInternal, err, "insert definition %s", def.WorkflowID)
	}
	if err := e.append(ctx, tx, def.WorkflowID, audit.Record{
		Actor:  actor,
		Action: audit.ActionWorkflowCreated,
		Details: map[string]any{
			"name":    def.Name,
			"version": def.Version,
		},
	}); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowDefinition{}, domain.Wrap(domain.KindInternal, err, "commit definition %s", def.WorkflowID)
	}
	e.Log.WithFields(logrus.Fields{"workflow_id": def.WorkflowID, "version": def.Version}).Info("definition created")
	return def, nil
}

// ValidateDefinition runs the static checks without storing anything.
func (e Engine) ValidateDefinition(def domain.WorkflowDefinition) error {
	_, err := graph.Build(def)
	return err
}

// StartResult is what a caller needs right after a start: the instance,
// the nodes holding tokens, and the tasks that went pending.
type StartResult struct {
	Instance      domain.WorkflowInstance
	StartingNodes []string
	Tasks         []domain.Task
}

// StartWorkflow materializes an instance of a stored definition and walks
// from the start node until the flow rests on external work.
func (e Engine) StartWorkflow(ctx context.Context, workflowID string, version int, sc domain.StartContext, initiatedBy string) (StartResult, error) {
	def, err := e.Repo.GetDefinition(ctx, workflowID, version)
	if errors.Is(err, repo.ErrNotFound) {
		return StartResult{}, domain.E(domain.KindNotFound, "workflow %s not found", workflowID)
	}
	if err != nil {
		return StartResult{}, domain.Wrap(domain.KindInternal, err, "load workflow %s", workflowID)
	}
	if err := e.authorize(ctx, def.WorkflowID, domain.AuthzRequest{
		Subject:      initiatedBy,
		Action:       "workflow.start",
		Resource:     def.WorkflowID,
		ResourceType: "workflow",
	}); err != nil {
		return StartResult{}, err
	}
	g, err := graph.Build(def)
	if err != nil {
		return StartResult{}, err
	}
	if len(sc.Participants) == 0 {
		return StartResult{}, domain.E(domain.KindValidation, "start context has no participants")
	}
	seen := map[string]bool{}
	for _, p := range sc.Participants {
		if p.ID == "" || p.Email == "" {
			return StartResult{}, domain.E(domain.KindValidation, "participants need id and email")
		}
		if seen[p.ID] {
			return StartResult{}, domain.E(domain.KindValidation, "duplicate participant %s", p.ID)
		}
		seen[p.ID] = true
	}

	now := e.now()
	inst := domain.WorkflowInstance{
		ID:                domain.NewID("wfi"),
		WorkflowID:        def.WorkflowID,
		WorkflowVersion:   def.Version,
		OrgID:             def.OrgID,
		Status:            domain.InstanceRunning,
		Variables:         startVariables(def, sc.Variables),
		Documents:         sc.Documents,
		InitiatedBy:       initiatedBy,
		StartedAt:         now.Format(time.RFC3339),
		PredictedDuration: predictDuration(g, e.Config.DefaultDueIn()),
	}
	if def.Settings.MaxDuration != "" {
		if d, derr := time.ParseDuration(def.Settings.MaxDuration); derr == nil {
			dl := now.Add(d).Format(time.RFC3339)
			inst.Deadline = &dl
		}
	}

	unlock := e.locks.lock(inst.ID)
	defer unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return StartResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return StartResult{}, domain.Wrap(domain.KindInternal, err, "insert instance %s", inst.ID)
	}
	if err := e.Repo.InsertParticipants(ctx, tx, inst.ID, sc.Participants); err != nil {
		return StartResult{}, domain.Wrap(domain.KindInternal, err, "insert participants of %s", inst.ID)
	}
	tasks, err := e.Sched.Materialize(ctx, tx, g, inst.ID, sc.Participants)
	if err != nil {
		return StartResult{}, err
	}

	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:  initiatedBy,
		Action: audit.ActionWorkflowStarted,
		Details: map[string]any{
			"workflow_id": def.WorkflowID,
			"version":     def.Version,
		},
	}); err != nil {
		return StartResult{}, err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:   actorSystem,
		Action:  audit.ActionTaskMaterialized,
		Details: map[string]any{"task_ids": ids},
	}); err != nil {
		return StartResult{}, err
	}

	ev, err := newEvaluator(def)
	if err != nil {
		return StartResult{}, err
	}
	w := &walker{eng: e, tx: tx, g: g, ev: ev, inst: &inst, parts: sc.Participants, tasks: tasks}
	started := time.Now()
	start := g.Start()
	if err := w.visit(ctx, start.ID); err != nil {
		return StartResult{}, err
	}
	if err := w.fireFrom(ctx, start.ID); err != nil {
		return StartResult{}, err
	}
	if err := w.run(ctx); err != nil {
		return StartResult{}, err
	}
	if err := w.finish(ctx); err != nil {
		return StartResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StartResult{}, domain.Wrap(domain.KindInternal, err, "commit start of %s", inst.ID)
	}
	metrics.InstancesStarted.Inc()
	metrics.AdvanceDuration.Observe(time.Since(started).Seconds())
	e.Log.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"workflow_id": def.WorkflowID,
		"version":     def.Version,
	}).Info("workflow started")
	return StartResult{
		Instance:      inst,
		StartingNodes: append([]string(nil), inst.CurrentNodes...),
		Tasks:         w.pending,
	}, nil
}

// startVariables lays the caller's values over the declared defaults.
func startVariables(def domain.WorkflowDefinition, overrides map[string]any) map[string]any {
	vars := map[string]any{}
	for _, v := range def.Variables {
		if v.Default != nil {
			vars[v.Name] = v.Default
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

// predictDuration is advisory: the longest dependency chain of human
// tasks times the default due window.
func predictDuration(g *graph.Graph, dueIn time.Duration) string {
	depth := map[string]int{}
	var chain func(id string) int
	chain = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		depth[id] = 1
		longest := 0
		for _, dep := range g.Dependencies(id) {
			if d := chain(dep); d > longest {
				longest = d
			}
		}
		depth[id] = longest + 1
		return depth[id]
	}
	deepest := 0
	for _, n := range g.TaskNodes() {
		if n.Kind == domain.NodeTimer || n.Kind == domain.NodeServiceTask {
			continue
		}
		if d := chain(n.ID); d > deepest {
			deepest = d
		}
	}
	if deepest == 0 {
		return ""
	}
	return (time.Duration(deepest) * dueIn).String()
}

// CompleteResult reports a completion: the settled task, the tasks it
// unblocked, and the instance as persisted.
type CompleteResult struct {
	Task         domain.Task
	NewlyPending []domain.Task
	Instance     domain.WorkflowInstance
}

// CompleteTask applies evidence to an open task and advances the
// instance. An identical resubmission is acknowledged without effect; a
// failed requirement check leaves the task in place and bumps its attempt
// counter.
func (e Engine) CompleteTask(ctx context.Context, taskID string, ev *domain.Evidence, actor string) (CompleteResult, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return CompleteResult{}, err
	}

	unlock := e.locks.lock(t.InstanceID)
	defer unlock()

	req := domain.AuthzRequest{
		Subject:      actor,
		Action:       "task.complete",
		Resource:     t.ID,
		ResourceType: "task",
	}
	if ev != nil && (ev.ClientIP != "" || ev.UserAgent != "") {
		req.ClientInfo = &domain.ClientInfo{IP: ev.ClientIP, UserAgent: ev.UserAgent}
	}
	if err := e.authorize(ctx, t.InstanceID, req); err != nil {
		return CompleteResult{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return CompleteResult{}, domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	inst, err := e.Repo.GetInstanceTx(ctx, tx, t.InstanceID)
	if err != nil {
		return CompleteResult{}, domain.Wrap(domain.KindInternal, err, "load instance %s", t.InstanceID)
	}
	if t.Status == domain.TaskCompleted {
		// Retried delivery: acknowledge an identical resubmission even on
		// a settled instance, reject a diverging one.
		done, _, err := e.Sched.Complete(ctx, tx, t, ev)
		if err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{Task: done, Instance: inst}, nil
	}
	if inst.Status != domain.InstanceRunning {
		return CompleteResult{}, domain.E(domain.KindState, "instance %s is %s", inst.ID, inst.Status)
	}

	done, performed, err := e.Sched.Complete(ctx, tx, t, ev)
	if err != nil {
		tx.Rollback()
		if domain.IsKind(err, domain.KindRequirementUnmet) {
			e.recordAttempt(ctx, t)
		}
		return CompleteResult{}, err
	}
	if !performed {
		return CompleteResult{Task: done, Instance: inst}, nil
	}
	metrics.TaskTransitions.WithLabelValues(domain.TaskCompleted).Inc()

	details := map[string]any{"digest": done.Evidence.Digest}
	if done.Evidence.Outcome != "" {
		details["outcome"] = done.Evidence.Outcome
	}
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:   actor,
		Action:  audit.ActionTaskCompleted,
		NodeID:  done.NodeID,
		TaskID:  done.ID,
		Details: details,
	}); err != nil {
		return CompleteResult{}, err
	}

	started := time.Now()
	w, err := e.newWalker(ctx, tx, &inst)
	if err != nil {
		return CompleteResult{}, err
	}
	node, ok := w.g.Node(done.NodeID)
	if !ok {
		return CompleteResult{}, domain.E(domain.KindInternal, "task %s references unknown node %s", done.ID, done.NodeID)
	}
	if err := w.taskDone(ctx, node, done); err != nil {
		return CompleteResult{}, err
	}
	if err := w.finish(ctx); err != nil {
		return CompleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CompleteResult{}, domain.Wrap(domain.KindInternal, err, "commit completion of %s", done.ID)
	}
	metrics.AdvanceDuration.Observe(time.Since(started).Seconds())
	e.Log.WithFields(logrus.Fields{
		"instance_id": inst.ID,
		"task_id":     done.ID,
		"node_id":     done.NodeID,
		"actor":       actor,
	}).Info("task completed")
	return CompleteResult{Task: done, NewlyPending: w.pending, Instance: inst}, nil
}

// recordAttempt persists a rejected completion after the main transaction
// rolled back; the rejection must outlive it.
func (e Engine) recordAttempt(ctx context.Context, t domain.Task) {
	tx, err := e.begin(ctx)
	if err != nil {
		e.Log.WithError(err).Error("record completion attempt")
		return
	}
	defer tx.Rollback()
	if err := e.Sched.BumpAttempts(ctx, tx, t); err != nil {
		e.Log.WithError(err).Error("record completion attempt")
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.WithError(err).Error("record completion attempt")
	}
}

// DelegateResult pairs the superseded task with its pending clone.
type DelegateResult struct {
	OldTask domain.Task
	NewTask domain.Task
}

// DelegateTask hands a task to a new participant: the original is kept as
// delegated, a pending clone supersedes it. The decision point rules on
// the delegation before the task's own policy does.
func (e Engine) DelegateTask(ctx context.Context, taskID string, to domain.Participant, actor string) (DelegateResult, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return DelegateResult{}, err
	}
	if to.ID == "" || to.Email == "" {
		return DelegateResult{}, domain.E(domain.KindValidation, "delegate needs id and email")
	}

	unlock := e.locks.lock(t.InstanceID)
	defer unlock()

	if err := e.authorize(ctx, t.InstanceID, domain.AuthzRequest{
		Subject:      actor,
		Action:       "task.delegate",
		Resource:     t.ID,
		ResourceType: "task",
	}); err != nil {
		return DelegateResult{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return DelegateResult{}, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return DelegateResult{}, domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	inst, err := e.Repo.GetInstanceTx(ctx, tx, t.InstanceID)
	if err != nil {
		return DelegateResult{}, domain.Wrap(domain.KindInternal, err, "load instance %s", t.InstanceID)
	}
	if inst.Status != domain.InstanceRunning {
		return DelegateResult{}, domain.E(domain.KindState, "instance %s is %s", inst.ID, inst.Status)
	}
	parts, err := e.Repo.ListParticipantsTx(ctx, tx, inst.ID)
	if err != nil {
		return DelegateResult{}, domain.Wrap(domain.KindInternal, err, "list participants of %s", inst.ID)
	}
	known := false
	for _, p := range parts {
		if p.ID == to.ID {
			to = p
			known = true
			break
		}
	}
	if !known {
		if to.Role == "" {
			to.Role = t.Assignee.Role
		}
		if err := e.Repo.InsertParticipants(ctx, tx, inst.ID, []domain.Participant{to}); err != nil {
			return DelegateResult{}, domain.Wrap(domain.KindInternal, err, "insert delegate %s", to.ID)
		}
	}

	old, clone, err := e.Sched.Delegate(ctx, tx, t, to)
	if err != nil {
		return DelegateResult{}, err
	}
	metrics.TaskTransitions.WithLabelValues(domain.TaskDelegated).Inc()
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:  actor,
		Action: audit.ActionTaskDelegated,
		NodeID: old.NodeID,
		TaskID: old.ID,
		Details: map[string]any{
			"to":            to.ID,
			"superseded_by": clone.ID,
		},
	}); err != nil {
		return DelegateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DelegateResult{}, domain.Wrap(domain.KindInternal, err, "commit delegation of %s", old.ID)
	}
	e.Log.WithFields(logrus.Fields{
		"task_id": old.ID,
		"to":      to.ID,
		"actor":   actor,
	}).Info("task delegated")
	return DelegateResult{OldTask: old, NewTask: clone}, nil
}

// CancelWorkflow terminates a running instance administratively. Open
// tasks are cancelled with it.
func (e Engine) CancelWorkflow(ctx context.Context, instanceID, reason, actor string) (domain.WorkflowInstance, error) {
	if _, err := e.Repo.GetInstance(ctx, instanceID); errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowInstance{}, domain.E(domain.KindNotFound, "instance %s not found", instanceID)
	} else if err != nil {
		return domain.WorkflowInstance{}, domain.Wrap(domain.KindInternal, err, "load instance %s", instanceID)
	}

	unlock := e.locks.lock(instanceID)
	defer unlock()

	if err := e.authorize(ctx, instanceID, domain.AuthzRequest{
		Subject:      actor,
		Action:       "workflow.cancel",
		Resource:     instanceID,
		ResourceType: "instance",
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, domain.Wrap(domain.KindInternal, err, "load instance %s", instanceID)
	}
	if inst.Status != domain.InstanceRunning {
		return domain.WorkflowInstance{}, domain.E(domain.KindState, "instance %s is %s", inst.ID, inst.Status)
	}
	w, err := e.newWalker(ctx, tx, &inst)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := w.cancelOpenTasks(ctx, reason); err != nil {
		return domain.WorkflowInstance{}, err
	}
	now := e.nowString()
	inst.Status = domain.InstanceCancelled
	inst.FinishedAt = &now
	inst.FailureReason = reason
	inst.CurrentNodes = nil
	if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return domain.WorkflowInstance{}, domain.Wrap(domain.KindInternal, err, "update instance %s", inst.ID)
	}
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:   actor,
		Action:  audit.ActionWorkflowCancelled,
		Details: map[string]any{"reason": reason},
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, domain.Wrap(domain.KindInternal, err, "commit cancel of %s", inst.ID)
	}
	metrics.InstancesFinished.WithLabelValues(domain.InstanceCancelled).Inc()
	e.Log.WithFields(logrus.Fields{"instance_id": inst.ID, "actor": actor}).Info("workflow cancelled")
	return inst, nil
}

// FireTimer completes a due timer task and advances the instance. The
// reminder service calls this once a timer's due date passes; a timer
// already settled by another path is left alone.
func (e Engine) FireTimer(ctx context.Context, taskID string) error {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(t.InstanceID)
	defer unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	if t.Kind != domain.TaskKindTimer {
		return domain.E(domain.KindState, "task %s is not a timer", t.ID)
	}
	if t.Status != domain.TaskPending {
		return nil
	}
	inst, err := e.Repo.GetInstanceTx(ctx, tx, t.InstanceID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load instance %s", t.InstanceID)
	}
	if inst.Status != domain.InstanceRunning {
		return nil
	}
	done, performed, err := e.Sched.Complete(ctx, tx, t, nil)
	if err != nil {
		return err
	}
	if !performed {
		return nil
	}
	metrics.TaskTransitions.WithLabelValues(domain.TaskCompleted).Inc()
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:  actorSystem,
		Action: audit.ActionTimerFired,
		NodeID: done.NodeID,
		TaskID: done.ID,
	}); err != nil {
		return err
	}
	w, err := e.newWalker(ctx, tx, &inst)
	if err != nil {
		return err
	}
	node, ok := w.g.Node(done.NodeID)
	if !ok {
		return domain.E(domain.KindInternal, "task %s references unknown node %s", done.ID, done.NodeID)
	}
	if err := w.taskDone(ctx, node, done); err != nil {
		return err
	}
	if err := w.finish(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit timer %s", done.ID)
	}
	return nil
}

// ExpireTask moves an overdue task to expired, then routes the node's
// on_expire edge or fails the instance.
func (e Engine) ExpireTask(ctx context.Context, taskID string) error {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(t.InstanceID)
	defer unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskInProgress {
		return nil
	}
	inst, err := e.Repo.GetInstanceTx(ctx, tx, t.InstanceID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load instance %s", t.InstanceID)
	}
	if inst.Status != domain.InstanceRunning {
		return nil
	}
	expired, err := e.Sched.Expire(ctx, tx, t)
	if err != nil {
		return err
	}
	metrics.TaskTransitions.WithLabelValues(domain.TaskExpired).Inc()
	details := map[string]any{}
	if expired.DueAt != nil {
		details["due_at"] = *expired.DueAt
	}
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:   actorSystem,
		Action:  audit.ActionTaskExpired,
		NodeID:  expired.NodeID,
		TaskID:  expired.ID,
		Details: details,
	}); err != nil {
		return err
	}

	w, err := e.newWalker(ctx, tx, &inst)
	if err != nil {
		return err
	}
	node, ok := w.g.Node(expired.NodeID)
	if !ok {
		return domain.E(domain.KindInternal, "task %s references unknown node %s", expired.ID, expired.NodeID)
	}
	w.removeCurrent(node.ID)
	if node.Config.OnExpire != "" {
		w.enqueue(node.Config.OnExpire, node.ID)
		if err := w.run(ctx); err != nil {
			return err
		}
	} else if err := w.fail(ctx, fmt.Sprintf("task %s expired", expired.ID)); err != nil {
		return err
	}
	if err := w.finish(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit expiry of %s", expired.ID)
	}
	e.Log.WithFields(logrus.Fields{"instance_id": inst.ID, "task_id": expired.ID}).Info("task expired")
	return nil
}

// RemindTask records one reminder on a pending task and notifies the
// assignee after commit.
func (e Engine) RemindTask(ctx context.Context, taskID string) error {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(t.InstanceID)
	defer unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	if t.Status != domain.TaskPending {
		return nil
	}
	updated, err := e.Sched.RecordReminder(ctx, tx, t)
	if err != nil {
		return err
	}
	details := map[string]any{"count": len(updated.RemindersSent)}
	if updated.DueAt != nil {
		details["due_at"] = *updated.DueAt
	}
	if err := e.append(ctx, tx, updated.InstanceID, audit.Record{
		Actor:   actorSystem,
		Action:  audit.ActionReminderSent,
		NodeID:  updated.NodeID,
		TaskID:  updated.ID,
		Details: details,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit reminder for %s", updated.ID)
	}
	metrics.RemindersSent.Inc()

	n := ports.Notification{
		Kind:       ports.NotifyReminder,
		Channel:    "email",
		Recipient:  updated.Assignee.Email,
		TemplateID: "task-reminder",
		InstanceID: updated.InstanceID,
		TaskID:     updated.ID,
	}
	if updated.DueAt != nil {
		n.Vars = map[string]string{"due_at": *updated.DueAt}
	}
	if err := e.Notifier.Send(ctx, n); err != nil {
		e.Log.WithFields(logrus.Fields{"task_id": updated.ID}).WithError(err).Warn("reminder notification failed")
		return nil
	}
	metrics.Notifications.WithLabelValues(n.Channel).Inc()
	return nil
}

// EscalateTask stamps an expired task as escalated and alerts past the
// assignee. One escalation per task.
func (e Engine) EscalateTask(ctx context.Context, taskID string) error {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(t.InstanceID)
	defer unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	if t.Status != domain.TaskExpired || t.EscalatedAt != nil {
		return nil
	}
	inst, err := e.Repo.GetInstanceTx(ctx, tx, t.InstanceID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load instance %s", t.InstanceID)
	}
	marked, err := e.Sched.MarkEscalated(ctx, tx, t)
	if err != nil {
		return err
	}
	details := map[string]any{"assignee": marked.Assignee.ParticipantID}
	if marked.DueAt != nil {
		details["due_at"] = *marked.DueAt
	}
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:   actorSystem,
		Action:  audit.ActionEscalationTriggered,
		NodeID:  marked.NodeID,
		TaskID:  marked.ID,
		Details: details,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit escalation of %s", marked.ID)
	}

	n := ports.Notification{
		Kind:       ports.NotifyEscalation,
		Channel:    "email",
		Recipient:  marked.Assignee.Email,
		TemplateID: "task-escalation",
		InstanceID: inst.ID,
		TaskID:     marked.ID,
		Vars:       map[string]string{"initiated_by": inst.InitiatedBy},
	}
	if err := e.Notifier.Send(ctx, n); err != nil {
		e.Log.WithFields(logrus.Fields{"task_id": marked.ID}).WithError(err).Warn("escalation notification failed")
		return nil
	}
	metrics.Notifications.WithLabelValues(n.Channel).Inc()
	e.Log.WithFields(logrus.Fields{"instance_id": inst.ID, "task_id": marked.ID}).Warn("task escalated")
	return nil
}

// ExpireInstance settles a running instance whose deadline passed.
func (e Engine) ExpireInstance(ctx context.Context, instanceID string) error {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstanceTx(ctx, tx, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.E(domain.KindNotFound, "instance %s not found", instanceID)
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load instance %s", instanceID)
	}
	if inst.Status != domain.InstanceRunning || inst.Deadline == nil {
		return nil
	}
	if *inst.Deadline > e.nowString() {
		return nil
	}
	w, err := e.newWalker(ctx, tx, &inst)
	if err != nil {
		return err
	}
	if err := w.cancelOpenTasks(ctx, "workflow deadline passed"); err != nil {
		return err
	}
	now := e.nowString()
	inst.Status = domain.InstanceExpired
	inst.FinishedAt = &now
	inst.FailureReason = "deadline exceeded"
	inst.CurrentNodes = nil
	if err := e.Repo.UpdateInstance(ctx, tx, inst); err != nil {
		return domain.Wrap(domain.KindInternal, err, "update instance %s", inst.ID)
	}
	if err := e.append(ctx, tx, inst.ID, audit.Record{
		Actor:   actorSystem,
		Action:  audit.ActionWorkflowExpired,
		Details: map[string]any{"deadline": *inst.Deadline},
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit expiry of %s", inst.ID)
	}
	metrics.InstancesFinished.WithLabelValues(domain.InstanceExpired).Inc()
	e.Log.WithFields(logrus.Fields{"instance_id": inst.ID}).Info("workflow expired")
	return nil
}

func (e Engine) loadTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, domain.E(domain.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return domain.Task{}, domain.Wrap(domain.KindInternal, err, "load task %s", taskID)
	}
	return t, nil
}

// GetWorkflow returns the instance with its tasks.
func (e Engine) GetWorkflow(ctx context.Context, instanceID, actor string) (domain.WorkflowInstance, []domain.Task, error) {
	inst, err := e.Repo.GetInstance(ctx, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowInstance{}, nil, domain.E(domain.KindNotFound, "instance %s not found", instanceID)
	}
	if err != nil {
		return domain.WorkflowInstance{}, nil, domain.Wrap(domain.KindInternal, err, "load instance %s", instanceID)
	}
	if actor != "" && actor != actorSystem {
		if err := e.authorize(ctx, instanceID, domain.AuthzRequest{
			Subject:      actor,
			Action:       "workflow.read",
			Resource:     instanceID,
			ResourceType: "instance",
		}); err != nil {
			return domain.WorkflowInstance{}, nil, err
		}
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{InstanceID: instanceID})
	if err != nil {
		return domain.WorkflowInstance{}, nil, domain.Wrap(domain.KindInternal, err, "list tasks of %s", instanceID)
	}
	return inst, tasks, nil
}

// ListUserTasks returns a participant's tasks. Listing someone else's
// work needs a policy behind it; one's own does not.
func (e Engine) ListUserTasks(ctx context.Context, userID string, f repo.TaskFilters, actor string) ([]domain.Task, error) {
	if actor != "" && actor != actorSystem && actor != userID {
		if err := e.authorize(ctx, "", domain.AuthzRequest{
			Subject:      actor,
			Action:       "task.list",
			Resource:     userID,
			ResourceType: "participant",
		}); err != nil {
			return nil, err
		}
	}
	f.AssigneeID = userID
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "list tasks of %s", userID)
	}
	return tasks, nil
}

// Authorize is the pure decision operation: no side effects beyond the
// decision cache.
func (e Engine) Authorize(ctx context.Context, req domain.AuthzRequest) (domain.AuthzDecision, error) {
	return e.Authz.Decide(ctx, req)
}

// AuditTrail pages through an instance's chain.
func (e Engine) AuditTrail(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]domain.AuditEvent, error) {
	return e.Audit.List(ctx, instanceID, afterSeq, limit)
}

// VerifyAudit replays an instance's chain against its hashes.
func (e Engine) VerifyAudit(ctx context.Context, instanceID string) error {
	return e.Audit.Verify(ctx, instanceID)
}

var conditionOperators = map[string]bool{
	"eq": true, "neq": true,
	"lt": true, "lte": true, "gt": true, "gte": true,
	"in": true, "not_in": true,
	"contains": true, "not_contains": true,
	"starts_with": true, "ends_with": true,
	"matches_regex": true,
}

// PutPolicy upserts a policy and clears the decision cache.
func (e Engine) PutPolicy(ctx context.Context, p domain.Policy, actor string) (domain.Policy, error) {
	if p.Name == "" {
		return domain.Policy{}, domain.E(domain.KindValidation, "policy needs a name")
	}
	switch p.Effect {
	case domain.EffectAllow, domain.EffectDeny:
	default:
		return domain.Policy{}, domain.E(domain.KindValidation, "policy effect must be allow or deny")
	}
	switch p.Type {
	case domain.PolicyRBAC, domain.PolicyReBAC, domain.PolicyABAC, domain.PolicyHybrid:
	default:
		return domain.Policy{}, domain.E(domain.KindValidation, "policy type must be rbac, rebac, abac or hybrid")
	}
	for _, c := range p.Conditions {
		if c.AttributePath == "" {
			return domain.Policy{}, domain.E(domain.KindValidation, "condition needs an attribute_path")
		}
		if !conditionOperators[c.Operator] {
			return domain.Policy{}, domain.E(domain.KindValidation, "unknown condition operator %q", c.Operator)
		}
	}
	if p.ID == "" {
		p.ID = domain.NewID("pol")
	}
	now := e.nowString()
	if p.CreatedAt == "" {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Policy{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPolicy(ctx, tx, p); err != nil {
		return domain.Policy{}, domain.Wrap(domain.KindInternal, err, "upsert policy %s", p.ID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Policy{}, domain.Wrap(domain.KindInternal, err, "commit policy %s", p.ID)
	}
	e.Authz.InvalidateAll()
	e.Log.WithFields(logrus.Fields{"policy_id": p.ID, "actor": actor}).Info("policy updated")
	return p, nil
}

// SetPolicyEnabled toggles a policy without rewriting it.
func (e Engine) SetPolicyEnabled(ctx context.Context, policyID string, enabled bool, actor string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetPolicyEnabled(ctx, tx, policyID, enabled, e.nowString()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.E(domain.KindNotFound, "policy %s not found", policyID)
		}
		return domain.Wrap(domain.KindInternal, err, "toggle policy %s", policyID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit policy %s", policyID)
	}
	e.Authz.InvalidateAll()
	e.Log.WithFields(logrus.Fields{"policy_id": policyID, "enabled": enabled, "actor": actor}).Info("policy toggled")
	return nil
}

// DeletePolicy removes a policy and clears the decision cache.
func (e Engine) DeletePolicy(ctx context.Context, policyID, actor string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePolicy(ctx, tx, policyID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.E(domain.KindNotFound, "policy %s not found", policyID)
		}
		return domain.Wrap(domain.KindInternal, err, "delete policy %s", policyID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit policy delete %s", policyID)
	}
	e.Authz.InvalidateAll()
	e.Log.WithFields(logrus.Fields{"policy_id": policyID, "actor": actor}).Info("policy deleted")
	return nil
}

// AddRelationship inserts a subject-relation-object triple and drops the
// cache entries it could change.
func (e Engine) AddRelationship(ctx context.Context, rel domain.Relationship) error {
	if rel.Subject == "" || rel.Relation == "" || rel.Object == "" || rel.ObjectType == "" {
		return domain.E(domain.KindValidation, "relationship needs subject, relation, object and object_type")
	}
	rel.CreatedAt = e.nowString()
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRelationship(ctx, tx, rel); err != nil {
		return domain.Wrap(domain.KindInternal, err, "insert relationship")
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit relationship")
	}
	e.Authz.InvalidateSubject(rel.Subject)
	e.Authz.InvalidateResource(rel.Object)
	return nil
}

// RemoveRelationship deletes a triple and drops the cache entries it
// could change.
func (e Engine) RemoveRelationship(ctx context.Context, rel domain.Relationship) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRelationship(ctx, tx, rel); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.E(domain.KindNotFound, "relationship not found")
		}
		return domain.Wrap(domain.KindInternal, err, "delete relationship")
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit relationship delete")
	}
	e.Authz.InvalidateSubject(rel.Subject)
	e.Authz.InvalidateResource(rel.Object)
	return nil
}

// PutAttribute upserts one entity attribute used by ABAC conditions.
func (e Engine) PutAttribute(ctx context.Context, attr domain.Attribute) error {
	if attr.EntityID == "" || attr.Key == "" {
		return domain.E(domain.KindValidation, "attribute needs entity_id and key")
	}
	attr.UpdatedAt = e.nowString()
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertAttribute(ctx, tx, attr); err != nil {
		return domain.Wrap(domain.KindInternal, err, "upsert attribute %s/%s", attr.EntityID, attr.Key)
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit attribute")
	}
	e.Authz.InvalidateSubject(attr.EntityID)
	e.Authz.InvalidateResource(attr.EntityID)
	return nil
}

// DeleteAttribute removes one entity attribute.
func (e Engine) DeleteAttribute(ctx context.Context, entityID, key string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAttribute(ctx, tx, entityID, key); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.E(domain.KindNotFound, "attribute %s/%s not found", entityID, key)
		}
		return domain.Wrap(domain.KindInternal, err, "delete attribute %s/%s", entityID, key)
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "commit attribute delete")
	}
	e.Authz.InvalidateSubject(entityID)
	e.Authz.InvalidateResource(entityID)
	return nil
}

// CreateAPIKey mints a key for a subject. The plaintext is returned once
// and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, subjectID, name string) (string, domain.APIKey, error) {
	if subjectID == "" {
		return "", domain.APIKey{}, domain.E(domain.KindValidation, "api key needs a subject")
	}
	plain := domain.NewID("sgk")
	key := domain.APIKey{
		ID:        domain.NewID("key"),
		SubjectID: subjectID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, domain.Wrap(domain.KindInternal, err, "insert api key")
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, domain.Wrap(domain.KindInternal, err, "commit api key")
	}
	return plain, key, nil
}
