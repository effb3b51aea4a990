package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"signline/internal/audit"
	"signline/internal/domain"
	"signline/internal/expr"
	"signline/internal/graph"
	"signline/internal/metrics"
	"signline/internal/ports"
	"signline/internal/repo"
)

// arrival is one token handed along an edge: the node entered and the
// node it came from. Joins key their dedup on the source.
type arrival struct {
	node string
	from string
}

// walker advances one instance inside a single transaction. Arrivals are
// drained breadth-first until every token rests on external work (a
// pending task, an unfilled join) or the instance reaches a terminal
// state. Nothing is persisted outside tx.
type walker struct {
	eng     Engine
	tx      *sql.Tx
	g       *graph.Graph
	ev      *expr.Evaluator
	inst    *domain.WorkflowInstance
	parts   []domain.Participant
	tasks   []domain.Task
	pending []domain.Task
	queue   []arrival
	steps   int
}

func newEvaluator(def domain.WorkflowDefinition) (*expr.Evaluator, error) {
	ev, err := expr.New(def)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "expression env for %s", def.WorkflowID)
	}
	return ev, nil
}

func (e Engine) newWalker(ctx context.Context, tx *sql.Tx, inst *domain.WorkflowInstance) (*walker, error) {
	def, err := e.Repo.GetDefinitionTx(ctx, tx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "load definition %s v%d", inst.WorkflowID, inst.WorkflowVersion)
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}
	ev, err := newEvaluator(def)
	if err != nil {
		return nil, err
	}
	parts, err := e.Repo.ListParticipantsTx(ctx, tx, inst.ID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "list participants of %s", inst.ID)
	}
	tasks, err := e.Repo.ListInstanceTasksTx(ctx, tx, inst.ID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "list tasks of %s", inst.ID)
	}
	return &walker{eng: e, tx: tx, g: g, ev: ev, inst: inst, parts: parts, tasks: tasks}, nil
}

func (w *walker) now() string { return w.eng.nowString() }

func (w *walker) enqueue(node, from string) {
	w.queue = append(w.queue, arrival{node: node, from: from})
}

// run drains the arrival queue. The step budget only trips on a cycle
// that never rests on a task, which the static checks cannot rule out
// when every guard happens to hold.
func (w *walker) run(ctx context.Context) error {
	budget := 8 * (len(w.g.Def.Nodes) + 2)
	for len(w.queue) > 0 {
		a := w.queue[0]
		w.queue = w.queue[1:]
		w.steps++
		if w.steps > budget {
			return domain.E(domain.KindValidation, "instance %s advanced through %d nodes without resting", w.inst.ID, w.steps)
		}
		if err := w.enter(ctx, a); err != nil {
			return err
		}
		if w.inst.Status != domain.InstanceRunning {
			w.queue = nil
			break
		}
	}
	return nil
}

func (w *walker) enter(ctx context.Context, a arrival) error {
	node, ok := w.g.Node(a.node)
	if !ok {
		return domain.E(domain.KindInternal, "arrival at unknown node %s", a.node)
	}
	switch node.Kind {
	case domain.NodeEnd:
		return w.visit(ctx, node.ID)
	case domain.NodeSignature, domain.NodeApproval, domain.NodeTimer:
		_, _, err := w.activateTask(ctx, node)
		return err
	case domain.NodeServiceTask:
		t, activated, err := w.activateTask(ctx, node)
		if err != nil || !activated {
			return err
		}
		return w.execService(ctx, node, t)
	case domain.NodeNotification:
		w.notify(ctx, node)
		if err := w.visit(ctx, node.ID); err != nil {
			return err
		}
		return w.fireFrom(ctx, node.ID)
	case domain.NodeScript:
		if err := w.runScript(node); err != nil {
			return err
		}
		if err := w.visit(ctx, node.ID); err != nil {
			return err
		}
		return w.fireFrom(ctx, node.ID)
	case domain.NodeCondition, domain.NodeExclusiveGateway:
		if err := w.visit(ctx, node.ID); err != nil {
			return err
		}
		return w.fireExclusive(node)
	case domain.NodeParallelSplit:
		if err := w.visit(ctx, node.ID); err != nil {
			return err
		}
		return w.fireParallel(ctx, node)
	case domain.NodeParallelJoin:
		return w.joinArrival(ctx, node, a.from)
	case domain.NodeInclusiveGateway:
		if len(w.g.Incoming(node.ID)) > 1 {
			return w.joinArrival(ctx, node, a.from)
		}
		if err := w.visit(ctx, node.ID); err != nil {
			return err
		}
		return w.fireInclusive(ctx, node)
	}
	return domain.E(domain.KindInternal, "node %s has unhandled kind %s", node.ID, node.Kind)
}

func (w *walker) visit(ctx context.Context, nodeID string) error {
	if err := w.eng.Repo.AppendNodeVisit(ctx, w.tx, w.inst.ID, nodeID, w.now()); err != nil {
		return domain.Wrap(domain.KindInternal, err, "record visit of %s", nodeID)
	}
	return nil
}

func (w *walker) addCurrent(node string) {
	for _, n := range w.inst.CurrentNodes {
		if n == node {
			return
		}
	}
	w.inst.CurrentNodes = append(w.inst.CurrentNodes, node)
}

func (w *walker) removeCurrent(node string) {
	kept := w.inst.CurrentNodes[:0]
	for _, n := range w.inst.CurrentNodes {
		if n != node {
			kept = append(kept, n)
		}
	}
	w.inst.CurrentNodes = kept
}

func (w *walker) setVariable(name string, v any) {
	if w.inst.Variables == nil {
		w.inst.Variables = map[string]any{}
	}
	w.inst.Variables[name] = v
}

func (w *walker) waitingTask(nodeID string) (domain.Task, bool) {
	for i := len(w.tasks) - 1; i >= 0; i-- {
		if w.tasks[i].NodeID == nodeID && w.tasks[i].Status == domain.TaskWaiting {
			return w.tasks[i], true
		}
	}
	return domain.Task{}, false
}

func (w *walker) openTask(nodeID string) (domain.Task, bool) {
	for i := len(w.tasks) - 1; i >= 0; i-- {
		if w.tasks[i].NodeID != nodeID {
			continue
		}
		switch w.tasks[i].Status {
		case domain.TaskPending, domain.TaskInProgress:
			return w.tasks[i], true
		}
	}
	return domain.Task{}, false
}

func (w *walker) replaceTask(t domain.Task) {
	for i := range w.tasks {
		if w.tasks[i].ID == t.ID {
			w.tasks[i] = t
			return
		}
	}
	w.tasks = append(w.tasks, t)
}

// fireFrom fires every outgoing edge whose guard holds and enqueues the
// targets.
func (w *walker) fireFrom(ctx context.Context, nodeID string) error {
	for _, e := range w.g.Outgoing(nodeID) {
		if e.Guard != "" {
			ok, err := w.ev.EvalBool(e.Guard, w.inst.Variables)
			if err != nil {
				return domain.Wrap(domain.KindValidation, err, "guard on %s -> %s", e.SourceID, e.TargetID)
			}
			if !ok {
				continue
			}
		}
		w.enqueue(e.TargetID, nodeID)
	}
	return nil
}

// fireExclusive routes through the first edge whose guard holds, falling
// through to the unguarded default. No match is a definition defect.
func (w *walker) fireExclusive(node domain.Node) error {
	for _, e := range w.g.Outgoing(node.ID) {
		if e.Guard == "" {
			w.enqueue(e.TargetID, node.ID)
			return nil
		}
		ok, err := w.ev.EvalBool(e.Guard, w.inst.Variables)
		if err != nil {
			return domain.Wrap(domain.KindValidation, err, "guard on %s -> %s", node.ID, e.TargetID)
		}
		if ok {
			w.enqueue(e.TargetID, node.ID)
			return nil
		}
	}
	return domain.E(domain.KindValidation, "no guard matched at %s and it has no default edge", node.ID)
}

// fireParallel opens every branch and arms the paired join for as many
// arrivals.
func (w *walker) fireParallel(ctx context.Context, node domain.Node) error {
	out := w.g.Outgoing(node.ID)
	if join, ok := w.g.SplitJoin(node.ID); ok {
		if err := w.eng.Repo.ResetJoinState(ctx, w.tx, w.inst.ID, join, len(out)); err != nil {
			return domain.Wrap(domain.KindInternal, err, "arm join %s", join)
		}
	}
	for _, e := range out {
		w.enqueue(e.TargetID, node.ID)
	}
	return nil
}

// fireInclusive fires every edge whose guard holds; unguarded edges
// always fire. The paired join is armed with the fired count, so it waits
// for exactly the branches that opened.
func (w *walker) fireInclusive(ctx context.Context, node domain.Node) error {
	var fired []domain.Edge
	for _, e := range w.g.Outgoing(node.ID) {
		if e.Guard != "" {
			ok, err := w.ev.EvalBool(e.Guard, w.inst.Variables)
			if err != nil {
				return domain.Wrap(domain.KindValidation, err, "guard on %s -> %s", node.ID, e.TargetID)
			}
			if !ok {
				continue
			}
		}
		fired = append(fired, e)
	}
	if len(fired) == 0 {
		return domain.E(domain.KindValidation, "inclusive gateway %s fired no branches", node.ID)
	}
	if join, ok := w.g.SplitJoin(node.ID); ok {
		if err := w.eng.Repo.ResetJoinState(ctx, w.tx, w.inst.ID, join, len(fired)); err != nil {
			return domain.Wrap(domain.KindInternal, err, "arm join %s", join)
		}
	}
	for _, e := range fired {
		w.enqueue(e.TargetID, node.ID)
	}
	return nil
}

// joinArrival records one branch at a join. The join fires once, when the
// arrivals reach the count its split armed; later arrivals are absorbed.
func (w *walker) joinArrival(ctx context.Context, node domain.Node, from string) error {
	js, err := w.eng.Repo.GetJoinState(ctx, w.tx, w.inst.ID, node.ID)
	if errors.Is(err, repo.ErrNotFound) {
		// A join can be reached before its split fires only through an
		// explicit join_of; arm it with the static in-degree.
		if err := w.eng.Repo.EnsureJoinState(ctx, w.tx, w.inst.ID, node.ID, len(w.g.Incoming(node.ID))); err != nil {
			return domain.Wrap(domain.KindInternal, err, "arm join %s", node.ID)
		}
		js, err = w.eng.Repo.GetJoinState(ctx, w.tx, w.inst.ID, node.ID)
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "load join %s", node.ID)
	}
	if js.Fired {
		return nil
	}
	js, err = w.eng.Repo.AddJoinArrival(ctx, w.tx, w.inst.ID, node.ID, from)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "record arrival at %s", node.ID)
	}
	if len(js.Arrived) < js.Expected {
		w.addCurrent(node.ID)
		return nil
	}
	if err := w.eng.Repo.MarkJoinFired(ctx, w.tx, w.inst.ID, node.ID); err != nil {
		return domain.Wrap(domain.KindInternal, err, "mark join %s fired", node.ID)
	}
	w.removeCurrent(node.ID)
	if err := w.visit(ctx, node.ID); err != nil {
		return err
	}
	if node.Kind == domain.NodeInclusiveGateway && len(w.g.Outgoing(node.ID)) > 1 {
		return w.fireInclusive(ctx, node)
	}
	return w.fireFrom(ctx, node.ID)
}

// activateTask promotes the node's waiting task to pending, minting a
// fresh one on loop re-entry. A second token reaching an already-open
// task is an OR-merge and activates nothing.
func (w *walker) activateTask(ctx context.Context, node domain.Node) (domain.Task, bool, error) {
	t, ok := w.waitingTask(node.ID)
	if !ok {
		if _, open := w.openTask(node.ID); open {
			return domain.Task{}, false, nil
		}
		fresh, err := w.eng.Sched.MaterializeNode(ctx, w.tx, w.g, node, w.inst.ID, w.parts, len(w.tasks))
		if err != nil {
			return domain.Task{}, false, err
		}
		w.tasks = append(w.tasks, fresh)
		if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
			Actor:   actorSystem,
			Action:  audit.ActionTaskMaterialized,
			NodeID:  node.ID,
			TaskID:  fresh.ID,
			Details: map[string]any{"task_ids": []string{fresh.ID}, "reentry": true},
		}); err != nil {
			return domain.Task{}, false, err
		}
		t = fresh
	}
	act, err := w.eng.Sched.Activate(ctx, w.tx, node, t)
	if err != nil {
		return domain.Task{}, false, err
	}
	w.replaceTask(act)
	w.pending = append(w.pending, act)
	w.addCurrent(node.ID)
	metrics.TaskTransitions.WithLabelValues(domain.TaskPending).Inc()
	if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
		Actor:  actorSystem,
		Action: audit.ActionTaskAssigned,
		NodeID: node.ID,
		TaskID: act.ID,
		Details: map[string]any{
			"assignee": act.Assignee.ParticipantID,
			"kind":     act.Kind,
		},
	}); err != nil {
		return domain.Task{}, false, err
	}
	return act, true, nil
}

// execService runs a service_task synchronously with exponential backoff.
// Success completes the task and fires the node's edges; exhaustion
// routes to on_error or fails the instance. Rejections the service will
// never accept are not retried.
func (w *walker) execService(ctx context.Context, node domain.Node, t domain.Task) error {
	budget := w.eng.Config.RetryAttempts()
	if node.Config.RetryAttempts != nil {
		budget = *node.Config.RetryAttempts
	}
	if budget < 0 {
		budget = 0
	}
	req := ports.ServiceRequest{
		Service:    node.Config.Service,
		InstanceID: w.inst.ID,
		NodeID:     node.ID,
		Input:      node.Config.Input,
	}
	var res ports.ServiceResult
	attempts := 0
	op := func() error {
		attempts++
		r, err := w.eng.Invoker.Invoke(ctx, req)
		if err != nil {
			if errors.Is(err, ports.ErrBadRequest) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.eng.retryInterval()
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(budget)), ctx))
	if err != nil {
		metrics.ServiceCalls.WithLabelValues(node.Config.Service, "error").Inc()
		failed, ferr := w.eng.Sched.Fail(ctx, w.tx, t, attempts)
		if ferr != nil {
			return ferr
		}
		w.replaceTask(failed)
		w.removeCurrent(node.ID)
		metrics.TaskTransitions.WithLabelValues(domain.TaskFailed).Inc()
		if aerr := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
			Actor:  actorSystem,
			Action: audit.ActionTaskFailed,
			NodeID: node.ID,
			TaskID: failed.ID,
			Details: map[string]any{
				"service":  node.Config.Service,
				"attempts": attempts,
				"error":    err.Error(),
			},
		}); aerr != nil {
			return aerr
		}
		if node.Config.OnError != "" {
			w.enqueue(node.Config.OnError, node.ID)
			return nil
		}
		return w.fail(ctx, fmt.Sprintf("service %s failed after %d attempts", node.Config.Service, attempts))
	}
	metrics.ServiceCalls.WithLabelValues(node.Config.Service, "ok").Inc()
	for k, v := range res.Output {
		w.setVariable(k, v)
	}
	done, _, err := w.eng.Sched.Complete(ctx, w.tx, t, nil)
	if err != nil {
		return err
	}
	w.replaceTask(done)
	w.removeCurrent(node.ID)
	metrics.TaskTransitions.WithLabelValues(domain.TaskCompleted).Inc()
	if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
		Actor:  actorSystem,
		Action: audit.ActionTaskCompleted,
		NodeID: node.ID,
		TaskID: done.ID,
		Details: map[string]any{
			"digest":   done.Evidence.Digest,
			"service":  node.Config.Service,
			"attempts": attempts,
		},
	}); err != nil {
		return err
	}
	if err := w.visit(ctx, node.ID); err != nil {
		return err
	}
	return w.fireFrom(ctx, node.ID)
}

// notify hands the node's message to the notifier port. Delivery failure
// is logged and does not stop the flow.
func (w *walker) notify(ctx context.Context, node domain.Node) {
	recipient := node.Config.Recipient
	if p, ok := w.participantByRef(recipient); ok {
		recipient = p.Email
	}
	n := ports.Notification{
		Kind:       ports.NotifyNode,
		Channel:    node.Config.Channel,
		Recipient:  recipient,
		TemplateID: node.Config.TemplateID,
		InstanceID: w.inst.ID,
		Vars:       node.Config.Vars,
	}
	if err := w.eng.Notifier.Send(ctx, n); err != nil {
		w.eng.Log.WithFields(logrus.Fields{
			"instance_id": w.inst.ID,
			"node_id":     node.ID,
		}).WithError(err).Warn("notification failed")
		return
	}
	metrics.Notifications.WithLabelValues(n.Channel).Inc()
}

// participantByRef resolves a recipient naming a participant id or role.
func (w *walker) participantByRef(ref string) (domain.Participant, bool) {
	for _, p := range w.parts {
		if p.ID == ref {
			return p, true
		}
	}
	for _, p := range w.parts {
		if p.Role == ref {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// runScript applies the node's assignments. Right-hand sides all evaluate
// against the variables as they were on entry, so assignments of one node
// never observe their siblings.
func (w *walker) runScript(node domain.Node) error {
	staged := make(map[string]any, len(node.Config.Assignments))
	for name, src := range node.Config.Assignments {
		val, err := w.ev.Eval(src, w.inst.Variables)
		if err != nil {
			return domain.Wrap(domain.KindValidation, err, "script %s assignment %s", node.ID, name)
		}
		staged[name] = val
	}
	for name, val := range staged {
		w.setVariable(name, val)
	}
	return nil
}

// taskDone removes the settled task's token and pushes the flow onward.
// Approval outcomes become a variable guards can read.
func (w *walker) taskDone(ctx context.Context, node domain.Node, t domain.Task) error {
	w.removeCurrent(node.ID)
	if node.Kind == domain.NodeApproval {
		outcome := ""
		if t.Evidence != nil {
			outcome = t.Evidence.Outcome
		}
		w.setVariable(expr.OutcomeVar(node.ID), outcome)
	}
	if err := w.visit(ctx, node.ID); err != nil {
		return err
	}
	if err := w.fireFrom(ctx, node.ID); err != nil {
		return err
	}
	return w.run(ctx)
}

// finish settles the instance after a walk: completed when no tokens
// remain, otherwise the rewritten state is persisted as is.
func (w *walker) finish(ctx context.Context) error {
	if w.inst.Status == domain.InstanceRunning && len(w.inst.CurrentNodes) == 0 {
		if err := w.complete(ctx); err != nil {
			return err
		}
	}
	if err := w.eng.Repo.UpdateInstance(ctx, w.tx, *w.inst); err != nil {
		return domain.Wrap(domain.KindInternal, err, "update instance %s", w.inst.ID)
	}
	return nil
}

func (w *walker) complete(ctx context.Context) error {
	now := w.now()
	w.inst.Status = domain.InstanceCompleted
	w.inst.FinishedAt = &now
	if err := w.cancelOpenTasks(ctx, "workflow completed"); err != nil {
		return err
	}
	if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
		Actor:  actorSystem,
		Action: audit.ActionWorkflowCompleted,
	}); err != nil {
		return err
	}
	metrics.InstancesFinished.WithLabelValues(domain.InstanceCompleted).Inc()
	return nil
}

// fail settles the instance as failed, cancels its open work and runs
// compensation over the visited nodes in reverse order.
func (w *walker) fail(ctx context.Context, reason string) error {
	now := w.now()
	w.inst.Status = domain.InstanceFailed
	w.inst.FinishedAt = &now
	w.inst.FailureReason = reason
	w.inst.CurrentNodes = nil
	if err := w.cancelOpenTasks(ctx, reason); err != nil {
		return err
	}
	if err := w.compensate(ctx); err != nil {
		return err
	}
	if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
		Actor:   actorSystem,
		Action:  audit.ActionWorkflowFailed,
		Details: map[string]any{"reason": reason},
	}); err != nil {
		return err
	}
	metrics.InstancesFinished.WithLabelValues(domain.InstanceFailed).Inc()
	return nil
}

// compensate invokes the compensation calls of passed nodes, newest
// first. Best effort: a failing compensation is recorded, never fatal.
func (w *walker) compensate(ctx context.Context) error {
	visits, err := w.eng.Repo.ListNodeVisitsTx(ctx, w.tx, w.inst.ID)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "list node visits of %s", w.inst.ID)
	}
	seen := map[string]bool{}
	for i := len(visits) - 1; i >= 0; i-- {
		id := visits[i]
		if seen[id] {
			continue
		}
		seen[id] = true
		node, ok := w.g.Node(id)
		if !ok || node.Config.Compensation == nil {
			continue
		}
		comp := node.Config.Compensation
		_, cerr := w.eng.Invoker.Invoke(ctx, ports.ServiceRequest{
			Service:    comp.Service,
			InstanceID: w.inst.ID,
			NodeID:     id,
			Input:      comp.Input,
		})
		outcome := "ok"
		if cerr != nil {
			outcome = "error"
			w.eng.Log.WithFields(logrus.Fields{
				"instance_id": w.inst.ID,
				"node_id":     id,
				"service":     comp.Service,
			}).WithError(cerr).Warn("compensation failed")
		}
		metrics.ServiceCalls.WithLabelValues(comp.Service, outcome).Inc()
		if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
			Actor:  actorSystem,
			Action: audit.ActionCompensationInvoked,
			NodeID: id,
			Details: map[string]any{
				"service": comp.Service,
				"outcome": outcome,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) cancelOpenTasks(ctx context.Context, reason string) error {
	for i := range w.tasks {
		switch w.tasks[i].Status {
		case domain.TaskWaiting, domain.TaskPending, domain.TaskInProgress:
		default:
			continue
		}
		cancelled, err := w.eng.Sched.Cancel(ctx, w.tx, w.tasks[i])
		if err != nil {
			return err
		}
		w.tasks[i] = cancelled
		metrics.TaskTransitions.WithLabelValues(domain.TaskCancelled).Inc()
		if err := w.eng.append(ctx, w.tx, w.inst.ID, audit.Record{
			Actor:   actorSystem,
			Action:  audit.ActionTaskCancelled,
			NodeID:  cancelled.NodeID,
			TaskID:  cancelled.ID,
			Details: map[string]any{"reason": reason},
		}); err != nil {
			return err
		}
	}
	return nil
}
