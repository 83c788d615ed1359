package monitor

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orderwatch/internal/config"
	"orderwatch/internal/domain"
	"orderwatch/internal/fetcher"
	"orderwatch/internal/history"
	"orderwatch/internal/notify"
	"orderwatch/internal/scheduler"
)

// historyTrim bounds per-task history growth inside one process lifetime.
const historyTrim = 1000

// Service is the process-wide facade: it builds the fetcher, store, router
// and scheduler from a loaded configuration document and owns their
// lifecycle.
type Service struct {
	log   zerolog.Logger
	store history.Store
	sched *scheduler.Scheduler

	mu    sync.RWMutex
	tasks map[string]*domain.MonitoringTask
}

func New(doc *config.Document, db *sql.DB, log zerolog.Logger) (*Service, error) {
	table := doc.Global.Table()
	store := history.NewSQLiteStore(db, history.Options{
		NotifyOnFirst: doc.Global.NotifyOnFirstObservation,
		MaxPerTask:    historyTrim,
	})
	fetch := fetcher.New(doc.Global.FetchTimeoutOr(config.DefaultFetchTimeout), table)
	router := notify.NewRouter(
		notify.SMTPSender{},
		notify.NewAliyunSMSSender(10*time.Second),
		doc.Global.NotifyRatePerSec,
		log,
	)
	sched := scheduler.New(fetch, store, router, time.Second, log)

	s := &Service{
		log:   log,
		store: store,
		sched: sched,
		tasks: make(map[string]*domain.MonitoringTask),
	}
	s.register(doc)
	return s, nil
}

func (s *Service) register(doc *config.Document) {
	tasks, errs := doc.BuildTasks()
	for _, err := range errs {
		s.log.Warn().Err(err).Msg("task skipped")
	}

	s.mu.Lock()
	s.tasks = make(map[string]*domain.MonitoringTask, len(tasks))
	enabled := make([]*domain.MonitoringTask, 0, len(tasks))
	for _, t := range tasks {
		s.tasks[t.TaskID] = t
		if !t.Enabled {
			s.log.Info().Str("task_id", t.TaskID).Msg("task disabled, not scheduled")
			continue
		}
		enabled = append(enabled, t)
	}
	s.mu.Unlock()

	s.sched.SetTasks(enabled)
	s.log.Info().Int("tasks", len(tasks)).Int("enabled", len(enabled)).Msg("configuration applied")
}

// Start runs the scheduler until ctx ends. Tasks are already registered;
// RunOnce works before and without Start, which is what the
// configuration-testing tools rely on.
func (s *Service) Start(ctx context.Context) {
	s.sched.Run(ctx)
}

// Stop stops scheduling new cycles and waits for in-flight cycles.
func (s *Service) Stop() {
	s.sched.Stop()
	s.log.Info().Msg("monitor stopped")
}

// RunOnce executes one on-demand cycle for the task, through the same
// fetch/diff/notify path as the timer.
func (s *Service) RunOnce(ctx context.Context, taskID string) (*domain.ChangeEvent, []domain.NotificationOutcome, error) {
	return s.sched.RunNow(ctx, taskID)
}

// ApplyConfig swaps the task set on a reload. Enabled flags and intervals
// take effect on the next tick; in-flight cycles finish undisturbed.
func (s *Service) ApplyConfig(doc *config.Document) {
	s.register(doc)
}

// Tasks returns descriptors sorted by id, for the diagnostics API.
func (s *Service) Tasks() []*domain.MonitoringTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.MonitoringTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (s *Service) Task(id string) (*domain.MonitoringTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Service) Store() history.Store { return s.store }
