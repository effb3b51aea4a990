package reminder

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/migrate"
	"signline/internal/ports"
)

var sweepNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc      *Service
	eng      engine.Engine
	ctx      context.Context
	clock    *stepClock
	notifier *ports.MemoryNotifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("org_1")
	cfg.Engine.AllowSampleRate = 1 << 20
	cfg.Engine.ReminderInterval = "24h"
	cfg.Engine.EscalationDelay = "4h"

	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := &stepClock{t: sweepNow}
	notifier := ports.NewMemoryNotifier()
	eng := engine.New(conn, cfg, log, engine.Ports{
		Store:    ports.NewMemoryStore(),
		TSA:      &ports.StaticTSA{Secret: []byte("test-secret"), Clock: clock},
		PKI:      &ports.StaticCertVerifier{Issuers: []string{"Qualified CA"}, Clock: clock},
		Notifier: notifier,
		Invoker:  ports.NewStubInvoker(),
		Clock:    clock,
	})

	ctx := context.Background()
	_, err = eng.PutPolicy(ctx, domain.Policy{
		Name:     "everyone",
		Priority: 1,
		Effect:   domain.EffectAllow,
		Type:     domain.PolicyABAC,
		Enabled:  true,
		Conditions: []domain.Condition{
			{AttributePath: "subject.id", Operator: "neq", Value: ""},
		},
	}, "admin")
	require.NoError(t, err)

	return &fixture{
		svc:      New(eng, cfg, log),
		eng:      eng,
		ctx:      ctx,
		clock:    clock,
		notifier: notifier,
	}
}

func (f *fixture) start(t *testing.T, nodes []domain.Node, edges []domain.Edge, settings domain.Settings) engine.StartResult {
	t.Helper()
	def, err := f.eng.CreateDefinition(f.ctx, domain.WorkflowDefinition{
		Name:     "sweep-flow",
		OrgID:    "org_1",
		Nodes:    nodes,
		Edges:    edges,
		Settings: settings,
	}, "ops")
	require.NoError(t, err)
	res, err := f.eng.StartWorkflow(f.ctx, def.WorkflowID, def.Version, domain.StartContext{
		Participants: []domain.Participant{
			{ID: "p_alice", Email: "alice@example.com", DisplayName: "Alice", Role: "signer"},
		},
	}, "ops")
	require.NoError(t, err)
	return res
}

func (f *fixture) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := f.eng.Repo.GetTask(f.ctx, id)
	require.NoError(t, err)
	return task
}

func signNode(dueIn string) []domain.Node {
	return []domain.Node{
		{ID: "start", Kind: domain.NodeStart},
		{ID: "sign", Kind: domain.NodeSignature, Config: domain.NodeConfig{
			Assignee: &domain.AssigneeRef{ParticipantID: "p_alice"},
			DueIn:    dueIn,
		}},
		{ID: "end", Kind: domain.NodeEnd},
	}
}

func lineEdges() []domain.Edge {
	return []domain.Edge{
		{SourceID: "start", TargetID: "sign"},
		{SourceID: "sign", TargetID: "end"},
	}
}

func TestSweepFiresDueTimer(t *testing.T) {
	f := setup(t)
	res := f.start(t, []domain.Node{
		{ID: "start", Kind: domain.NodeStart},
		{ID: "cool_off", Kind: domain.NodeTimer, Config: domain.NodeConfig{Delay: "24h"}},
		{ID: "sign", Kind: domain.NodeSignature, Config: domain.NodeConfig{
			Assignee: &domain.AssigneeRef{ParticipantID: "p_alice"},
		}},
		{ID: "end", Kind: domain.NodeEnd},
	}, []domain.Edge{
		{SourceID: "start", TargetID: "cool_off"},
		{SourceID: "cool_off", TargetID: "sign"},
		{SourceID: "sign", TargetID: "end"},
	}, domain.Settings{})
	timer := res.Tasks[0]

	// Not due yet: the sweep leaves it alone.
	f.svc.Sweep(f.ctx)
	assert.Equal(t, domain.TaskPending, f.task(t, timer.ID).Status)

	f.clock.advance(25 * time.Hour)
	f.svc.Sweep(f.ctx)
	assert.Equal(t, domain.TaskCompleted, f.task(t, timer.ID).Status)

	inst, tasks, err := f.eng.GetWorkflow(f.ctx, res.Instance.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceRunning, inst.Status)
	var signTask domain.Task
	for _, task := range tasks {
		if task.NodeID == "sign" {
			signTask = task
		}
	}
	assert.Equal(t, domain.TaskPending, signTask.Status)
}

func TestSweepExpiresOverdueTask(t *testing.T) {
	f := setup(t)
	res := f.start(t, signNode("1h"), lineEdges(), domain.Settings{})
	task := res.Tasks[0]

	f.clock.advance(2 * time.Hour)
	f.svc.Sweep(f.ctx)

	assert.Equal(t, domain.TaskExpired, f.task(t, task.ID).Status)
	inst, _, err := f.eng.GetWorkflow(f.ctx, res.Instance.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceFailed, inst.Status)
}

func TestSweepRemindsInsideWindowOnce(t *testing.T) {
	f := setup(t)
	res := f.start(t, signNode("48h"), lineEdges(), domain.Settings{})
	task := res.Tasks[0]

	// 48h out: not in the 24h reminder window yet.
	f.svc.Sweep(f.ctx)
	assert.Empty(t, f.task(t, task.ID).RemindersSent)

	f.clock.advance(25 * time.Hour)
	f.svc.Sweep(f.ctx)
	assert.Len(t, f.task(t, task.ID).RemindersSent, 1)

	// Same window, cadence not elapsed: no second nudge.
	f.clock.advance(time.Hour)
	f.svc.Sweep(f.ctx)
	assert.Len(t, f.task(t, task.ID).RemindersSent, 1)

	var reminders int
	for _, n := range f.notifier.Sent() {
		if n.Kind == ports.NotifyReminder {
			reminders++
		}
	}
	assert.Equal(t, 1, reminders)
}

func TestReminderDueCadence(t *testing.T) {
	now := sweepNow
	gap := time.Hour

	assert.True(t, reminderDue(domain.Task{}, now, gap))

	recent := domain.Task{RemindersSent: []string{now.Add(-30 * time.Minute).Format(time.RFC3339)}}
	assert.False(t, reminderDue(recent, now, gap))

	stale := domain.Task{RemindersSent: []string{now.Add(-2 * time.Hour).Format(time.RFC3339)}}
	assert.True(t, reminderDue(stale, now, gap))

	garbage := domain.Task{RemindersSent: []string{"not-a-timestamp"}}
	assert.True(t, reminderDue(garbage, now, gap))
}

func TestSweepEscalatesAfterDelay(t *testing.T) {
	f := setup(t)
	res := f.start(t, signNode("1h"), lineEdges(), domain.Settings{})
	task := res.Tasks[0]

	// Past due: expires, but the 4h escalation delay has not elapsed.
	f.clock.advance(2 * time.Hour)
	f.svc.Sweep(f.ctx)
	expired := f.task(t, task.ID)
	assert.Equal(t, domain.TaskExpired, expired.Status)
	assert.Nil(t, expired.EscalatedAt)

	f.clock.advance(3*time.Hour + time.Minute)
	f.svc.Sweep(f.ctx)
	escalated := f.task(t, task.ID)
	require.NotNil(t, escalated.EscalatedAt)

	// Sweeping again does not escalate twice.
	f.svc.Sweep(f.ctx)
	var escalations int
	for _, n := range f.notifier.Sent() {
		if n.Kind == ports.NotifyEscalation {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestSweepExpiresInstancePastDeadline(t *testing.T) {
	f := setup(t)
	res := f.start(t, signNode("72h"), lineEdges(), domain.Settings{MaxDuration: "24h"})

	f.svc.Sweep(f.ctx)
	inst, _, err := f.eng.GetWorkflow(f.ctx, res.Instance.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceRunning, inst.Status)

	f.clock.advance(25 * time.Hour)
	f.svc.Sweep(f.ctx)

	inst, tasks, err := f.eng.GetWorkflow(f.ctx, res.Instance.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceExpired, inst.Status)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskCancelled, task.Status)
	}
}

func TestStartStop(t *testing.T) {
	f := setup(t)
	f.svc.tick = 5 * time.Millisecond
	res := f.start(t, []domain.Node{
		{ID: "start", Kind: domain.NodeStart},
		{ID: "wait", Kind: domain.NodeTimer, Config: domain.NodeConfig{Delay: "1h"}},
		{ID: "end", Kind: domain.NodeEnd},
	}, []domain.Edge{
		{SourceID: "start", TargetID: "wait"},
		{SourceID: "wait", TargetID: "end"},
	}, domain.Settings{})
	f.clock.advance(2 * time.Hour)

	f.svc.Start(context.Background())
	require.Eventually(t, func() bool {
		task, err := f.eng.Repo.GetTask(f.ctx, res.Tasks[0].ID)
		return err == nil && task.Status == domain.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)
	f.svc.Stop()

	inst, _, err := f.eng.GetWorkflow(f.ctx, res.Instance.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
}
