// Package reminder runs the clock-driven side of the engine: firing timer
// nodes, expiring overdue tasks and instances, nudging assignees before a
// due date and escalating what stays expired.
package reminder

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"signline/internal/config"
	"signline/internal/domain"
	"signline/internal/engine"
)

const sweepBatch = 200

// Service sweeps the task and instance tables on a fixed tick. Every
// action goes through the engine, so sweeps take the same per-instance
// locks as user calls and can run next to them.
type Service struct {
	Engine engine.Engine
	Log    *logrus.Logger

	tick      time.Duration
	remindGap time.Duration
	escDelay  time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(e engine.Engine, cfg *config.Config, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		Engine:    e,
		Log:       log,
		tick:      cfg.TimerTick(),
		remindGap: cfg.ReminderInterval(),
		escDelay:  cfg.EscalationDelay(),
	}
}

// Start launches the sweep loop. It sweeps once immediately, then on every
// tick until the context is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx)
	s.Log.WithField("tick", s.tick.String()).Info("reminder service started")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop and waits for the sweep in flight.
func (s *Service) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

// Sweep runs one pass: due work first so nothing is reminded about a task
// that just expired, then reminders, escalations and instance deadlines.
// Errors are logged per item; one bad row never stalls the rest.
func (s *Service) Sweep(ctx context.Context) {
	now := s.Engine.Clock.Now().UTC()
	s.fireDue(ctx, now)
	s.remind(ctx, now)
	s.escalate(ctx, now)
	s.expireInstances(ctx, now)
}

func (s *Service) fireDue(ctx context.Context, now time.Time) {
	tasks, err := s.Engine.Repo.ListDueTasks(ctx, now.Format(time.RFC3339), sweepBatch)
	if err != nil {
		s.Log.WithError(err).Warn("sweep: list due tasks")
		return
	}
	for _, t := range tasks {
		var err error
		if t.Kind == domain.TaskKindTimer {
			err = s.Engine.FireTimer(ctx, t.ID)
		} else {
			err = s.Engine.ExpireTask(ctx, t.ID)
		}
		if err != nil {
			s.Log.WithFields(logrus.Fields{"task_id": t.ID, "kind": t.Kind}).WithError(err).Warn("sweep: due task")
		}
	}
}

func (s *Service) remind(ctx context.Context, now time.Time) {
	windowEnd := now.Add(s.remindGap).Format(time.RFC3339)
	tasks, err := s.Engine.Repo.ListReminderCandidates(ctx, windowEnd, sweepBatch)
	if err != nil {
		s.Log.WithError(err).Warn("sweep: list reminder candidates")
		return
	}
	for _, t := range tasks {
		// Timers rest pending with a due date but nobody to nudge.
		if t.Kind == domain.TaskKindTimer {
			continue
		}
		if !reminderDue(t, now, s.remindGap) {
			continue
		}
		if err := s.Engine.RemindTask(ctx, t.ID); err != nil {
			s.Log.WithFields(logrus.Fields{"task_id": t.ID}).WithError(err).Warn("sweep: remind")
		}
	}
}

// reminderDue applies the cadence: the first reminder goes out as soon as
// the task enters the window, then one per interval while it stays
// pending.
func reminderDue(t domain.Task, now time.Time, gap time.Duration) bool {
	if len(t.RemindersSent) == 0 {
		return true
	}
	last, err := time.Parse(time.RFC3339, t.RemindersSent[len(t.RemindersSent)-1])
	if err != nil {
		return true
	}
	return now.Sub(last) >= gap
}

func (s *Service) escalate(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.escDelay).Format(time.RFC3339)
	tasks, err := s.Engine.Repo.ListEscalationCandidates(ctx, cutoff, sweepBatch)
	if err != nil {
		s.Log.WithError(err).Warn("sweep: list escalation candidates")
		return
	}
	for _, t := range tasks {
		if err := s.Engine.EscalateTask(ctx, t.ID); err != nil {
			s.Log.WithFields(logrus.Fields{"task_id": t.ID}).WithError(err).Warn("sweep: escalate")
		}
	}
}

func (s *Service) expireInstances(ctx context.Context, now time.Time) {
	ids, err := s.Engine.Repo.ListRunningInstanceIDs(ctx, now.Format(time.RFC3339))
	if err != nil {
		s.Log.WithError(err).Warn("sweep: list instances past deadline")
		return
	}
	for _, id := range ids {
		if err := s.Engine.ExpireInstance(ctx, id); err != nil {
			s.Log.WithFields(logrus.Fields{"instance_id": id}).WithError(err).Warn("sweep: expire instance")
		}
	}
}
