package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"orderwatch/internal/domain"
	"orderwatch/internal/history"
)

// Fetcher performs one status lookup. Failures are *domain.FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, task *domain.MonitoringTask) (domain.StatusRecord, error)
}

// Notifier fans out change events and fetch-failure alerts.
type Notifier interface {
	Dispatch(ctx context.Context, ev *domain.ChangeEvent) []domain.NotificationOutcome
	DispatchAlert(ctx context.Context, task *domain.MonitoringTask, fe *domain.FetchError) []domain.NotificationOutcome
}

// Scheduler runs each enabled task on its own cadence. Tasks never block
// one another; a failing cycle only ever affects its own task.
type Scheduler struct {
	fetcher  Fetcher
	store    history.Store
	notifier Notifier
	log      zerolog.Logger
	tick     time.Duration

	mu    sync.Mutex
	tasks map[string]*taskState

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type taskState struct {
	task    *domain.MonitoringTask
	cron    cron.Schedule // nil for interval tasks
	nextRun time.Time
	busy    bool

	// authAlerted suppresses repeat alerts within one failure streak;
	// it resets on the next successful fetch.
	authAlerted bool
}

func New(fetcher Fetcher, store history.Store, notifier Notifier, tick time.Duration, log zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		fetcher:  fetcher,
		store:    store,
		notifier: notifier,
		log:      log,
		tick:     tick,
		tasks:    make(map[string]*taskState),
		stop:     make(chan struct{}),
	}
}

// Register adds a task. The first cycle runs on the next tick.
func (s *Scheduler) Register(task *domain.MonitoringTask) error {
	st := &taskState{task: task, nextRun: time.Now()}
	if task.CronExpr != "" {
		sched, err := cron.ParseStandard(task.CronExpr)
		if err != nil {
			return fmt.Errorf("task %s: invalid cron %q: %w", task.TaskID, task.CronExpr, err)
		}
		st.cron = sched
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return fmt.Errorf("task %s already registered", task.TaskID)
	}
	s.tasks[task.TaskID] = st
	return nil
}

// SetTasks replaces the task set on a config reload. Per-task runtime state
// (next run, alert streak) survives for task ids that remain; in-flight
// cycles are never interrupted.
func (s *Scheduler) SetTasks(tasks []*domain.MonitoringTask) {
	next := make(map[string]*taskState, len(tasks))
	for _, task := range tasks {
		st := &taskState{task: task, nextRun: time.Now()}
		if task.CronExpr != "" {
			sched, err := cron.ParseStandard(task.CronExpr)
			if err != nil {
				s.log.Error().Err(err).Str("task_id", task.TaskID).Msg("invalid cron on reload, task dropped")
				continue
			}
			st.cron = sched
		}
		next[task.TaskID] = st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.tasks {
		if st, ok := next[id]; ok {
			st.nextRun = old.nextRun
			st.busy = old.busy
			st.authAlerted = old.authAlerted
		}
	}
	s.tasks = next
}

// Run drives the due loop until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()

	s.log.Info().Dur("tick", s.tick).Int("tasks", s.taskCount()).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-t.C:
			s.runDue(ctx, now)
		}
	}
}

// Stop stops scheduling new cycles and waits for in-flight ones. Fetches
// in flight honor their own timeouts.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.tasks {
		if !st.task.Enabled || now.Before(st.nextRun) {
			continue
		}
		if st.busy {
			// Drop the tick, never queue it: one cycle per task at a time.
			st.nextRun = s.next(st, now)
			s.log.Warn().Str("task_id", id).Time("next_run", st.nextRun).Msg("cycle still running, tick skipped")
			continue
		}
		st.busy = true
		// Next run counts from the start of this one, so a slow fetch
		// cannot silently stretch the interval.
		st.nextRun = s.next(st, now)

		task := st.task
		s.wg.Add(1)
		go func(id string, task *domain.MonitoringTask) {
			defer s.wg.Done()
			defer s.clearBusy(id)
			s.runCycle(ctx, id, task)
		}(id, task)
	}
}

func (s *Scheduler) next(st *taskState, start time.Time) time.Time {
	if st.cron != nil {
		return st.cron.Next(start)
	}
	return start.Add(st.task.CheckInterval)
}

func (s *Scheduler) clearBusy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[id]; ok {
		st.busy = false
	}
}

// RunNow executes one cycle outside the timer, through the exact same code
// path as a scheduled tick. Used by configuration-testing tools.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) (*domain.ChangeEvent, []domain.NotificationOutcome, error) {
	s.mu.Lock()
	st, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("unknown task %s", taskID)
	}
	if st.busy {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("task %s: cycle already in progress", taskID)
	}
	st.busy = true
	task := st.task
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.clearBusy(taskID)
	return s.runCycle(ctx, taskID, task)
}

// runCycle is one fetch -> diff -> notify execution.
func (s *Scheduler) runCycle(ctx context.Context, id string, task *domain.MonitoringTask) (*domain.ChangeEvent, []domain.NotificationOutcome, error) {
	log := s.log.With().Str("task_id", id).Logger()
	log.Debug().Str("order_id", task.OrderID).Msg("checking order status")

	rec, err := s.fetcher.Fetch(ctx, task)
	if err != nil {
		fe, ok := domain.AsFetchError(err)
		if !ok {
			fe = domain.NewFetchError(domain.FetchNetwork, "unclassified", err)
		}
		log.Error().Str("kind", string(fe.Kind)).Err(err).Msg("fetch failed")
		if fe.Kind == domain.FetchAuth && s.markAuthAlerted(id) {
			// Retries cannot fix expired credentials; alert once per streak.
			log.Warn().Msg("credentials rejected, sending alert")
			s.notifier.DispatchAlert(ctx, task, fe)
		}
		return nil, nil, err
	}
	s.clearAuthAlerted(id)

	ev, err := s.store.Record(ctx, task, rec)
	if err != nil {
		log.Error().Err(err).Msg("record status failed")
		return nil, nil, err
	}
	log.Info().Int("status_code", rec.Code).Str("status", rec.Description).Bool("changed", ev != nil).Msg("status checked")

	if ev == nil {
		return nil, nil, nil
	}
	if ev.Previous != nil {
		log.Info().
			Int("from", ev.Previous.Code).
			Int("to", ev.Current.Code).
			Str("event_id", ev.ID).
			Msg("status change detected")
	} else {
		log.Info().Int("to", ev.Current.Code).Str("event_id", ev.ID).Msg("first observation")
	}
	outcomes := s.notifier.Dispatch(ctx, ev)
	return ev, outcomes, nil
}

// markAuthAlerted returns true the first time an auth failure is seen in
// the current streak.
func (s *Scheduler) markAuthAlerted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok || st.authAlerted {
		return false
	}
	st.authAlerted = true
	return true
}

func (s *Scheduler) clearAuthAlerted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[id]; ok {
		st.authAlerted = false
	}
}
