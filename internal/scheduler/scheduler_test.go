package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orderwatch/internal/domain"
	"orderwatch/internal/history"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fetch func(ctx context.Context, task *domain.MonitoringTask) (domain.StatusRecord, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, task *domain.MonitoringTask) (domain.StatusRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fetch(ctx, task)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu         sync.Mutex
	dispatched []*domain.ChangeEvent
	alerts     []*domain.FetchError
}

func (n *fakeNotifier) Dispatch(_ context.Context, ev *domain.ChangeEvent) []domain.NotificationOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatched = append(n.dispatched, ev)
	return []domain.NotificationOutcome{{Channel: domain.ChannelEmail, Recipient: "a@x", Success: true}}
}

func (n *fakeNotifier) DispatchAlert(_ context.Context, _ *domain.MonitoringTask, fe *domain.FetchError) []domain.NotificationOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, fe)
	return nil
}

func (n *fakeNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// fakeStore mirrors the store's diff contract without SQLite.
type fakeStore struct {
	mu   sync.Mutex
	last map[string]*domain.StatusRecord
}

func newFakeStore() *fakeStore { return &fakeStore{last: make(map[string]*domain.StatusRecord)} }

func (s *fakeStore) Record(_ context.Context, task *domain.MonitoringTask, rec domain.StatusRecord) (*domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.last[task.TaskID]
	cp := rec
	s.last[task.TaskID] = &cp
	if prev == nil || prev.Code == rec.Code {
		return nil, nil
	}
	return &domain.ChangeEvent{ID: "evt_fake", Task: task, Previous: prev, Current: rec}, nil
}

func (s *fakeStore) Latest(_ context.Context, taskID string) (*domain.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.last[taskID]; rec != nil {
		return rec, nil
	}
	return nil, history.ErrNoHistory
}

func (s *fakeStore) Recent(context.Context, string, int) ([]domain.StatusRecord, error) {
	return nil, nil
}
func (s *fakeStore) Stats(context.Context) (history.Stats, error) { return history.Stats{}, nil }
func (s *fakeStore) Clear(context.Context, string) error          { return nil }

func testTask(id string) *domain.MonitoringTask {
	return &domain.MonitoringTask{TaskID: id, Name: id, OrderID: "o-" + id, Enabled: true, CheckInterval: time.Minute}
}

func TestRunNowDetectsChange(t *testing.T) {
	code := 2501
	var mu sync.Mutex
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		return domain.StatusRecord{Code: code, Description: "s", ObservedAt: time.Now()}, nil
	}}
	notif := &fakeNotifier{}
	s := New(fetch, newFakeStore(), notif, time.Second, zerolog.Nop())
	if err := s.Register(testTask("t1")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ev, outs, err := s.RunNow(ctx, "t1")
	if err != nil || ev != nil || outs != nil {
		t.Fatalf("first run: ev=%v outs=%v err=%v, want baseline only", ev, outs, err)
	}

	ev, _, err = s.RunNow(ctx, "t1")
	if err != nil || ev != nil {
		t.Fatalf("repeat run: ev=%v err=%v, want no change", ev, err)
	}

	mu.Lock()
	code = 2601
	mu.Unlock()
	ev, outs, err = s.RunNow(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || ev.Previous.Code != 2501 || ev.Current.Code != 2601 {
		t.Fatalf("change run: ev=%+v", ev)
	}
	if len(outs) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outs))
	}
	if len(notif.dispatched) != 1 {
		t.Fatalf("notifier dispatched %d times, want 1", len(notif.dispatched))
	}
}

func TestRunNowUnknownTask(t *testing.T) {
	s := New(&fakeFetcher{fetch: nil}, newFakeStore(), &fakeNotifier{}, time.Second, zerolog.Nop())
	if _, _, err := s.RunNow(context.Background(), "nope"); err == nil {
		t.Fatal("want error for unknown task")
	}
}

func TestAuthAlertOncePerStreak(t *testing.T) {
	authErr := domain.NewFetchError(domain.FetchAuth, "HTTP 401", nil)
	failing := true
	var mu sync.Mutex
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return domain.StatusRecord{}, authErr
		}
		return domain.StatusRecord{Code: 1, ObservedAt: time.Now()}, nil
	}}
	notif := &fakeNotifier{}
	s := New(fetch, newFakeStore(), notif, time.Second, zerolog.Nop())
	if err := s.Register(testTask("t1")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.RunNow(ctx, "t1")
	s.RunNow(ctx, "t1")
	if got := notif.alertCount(); got != 1 {
		t.Fatalf("alerts after two auth failures = %d, want 1", got)
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	if _, _, err := s.RunNow(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	failing = true
	mu.Unlock()
	s.RunNow(ctx, "t1")
	if got := notif.alertCount(); got != 2 {
		t.Fatalf("alerts after new streak = %d, want 2", got)
	}
}

func TestNetworkErrorDoesNotAlertOrRecord(t *testing.T) {
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchNetwork, "timeout", nil)
	}}
	notif := &fakeNotifier{}
	store := newFakeStore()
	s := New(fetch, store, notif, time.Second, zerolog.Nop())
	if err := s.Register(testTask("t1")); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.RunNow(context.Background(), "t1")
	if err == nil {
		t.Fatal("want fetch error")
	}
	if notif.alertCount() != 0 {
		t.Fatal("network error must not alert")
	}
	if _, err := store.Latest(context.Background(), "t1"); err != history.ErrNoHistory {
		t.Fatal("failed fetch must not touch history")
	}
}

func TestConcurrentCycleRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		close(started)
		<-release
		return domain.StatusRecord{Code: 1, ObservedAt: time.Now()}, nil
	}}
	s := New(fetch, newFakeStore(), &fakeNotifier{}, time.Second, zerolog.Nop())
	if err := s.Register(testTask("t1")); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunNow(context.Background(), "t1")
	}()
	<-started

	_, _, err := s.RunNow(context.Background(), "t1")
	if err == nil || !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("err = %v, want cycle in progress", err)
	}
	close(release)
	<-done
}

func TestDueTickSkippedWhileBusy(t *testing.T) {
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		return domain.StatusRecord{Code: 1, ObservedAt: time.Now()}, nil
	}}
	s := New(fetch, newFakeStore(), &fakeNotifier{}, time.Second, zerolog.Nop())
	if err := s.Register(testTask("t1")); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.mu.Lock()
	st := s.tasks["t1"]
	st.busy = true
	st.nextRun = now.Add(-time.Second)
	s.mu.Unlock()

	s.runDue(context.Background(), now)

	if got := fetch.count(); got != 0 {
		t.Fatalf("busy task fetched %d times, want 0 (tick dropped)", got)
	}
	s.mu.Lock()
	next := st.nextRun
	s.mu.Unlock()
	if !next.After(now) {
		t.Fatalf("nextRun %v not advanced past %v: tick was queued, not dropped", next, now)
	}
}

func TestDisabledTaskNeverRuns(t *testing.T) {
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		return domain.StatusRecord{Code: 1, ObservedAt: time.Now()}, nil
	}}
	s := New(fetch, newFakeStore(), &fakeNotifier{}, time.Second, zerolog.Nop())
	task := testTask("t1")
	task.Enabled = false
	if err := s.Register(task); err != nil {
		t.Fatal(err)
	}

	s.runDue(context.Background(), time.Now().Add(time.Hour))
	s.Stop()
	if got := fetch.count(); got != 0 {
		t.Fatalf("disabled task fetched %d times, want 0", got)
	}
}

func TestSetTasksPreservesRuntimeState(t *testing.T) {
	fetch := &fakeFetcher{fetch: func(context.Context, *domain.MonitoringTask) (domain.StatusRecord, error) {
		return domain.StatusRecord{}, domain.NewFetchError(domain.FetchAuth, "HTTP 401", nil)
	}}
	notif := &fakeNotifier{}
	s := New(fetch, newFakeStore(), notif, time.Second, zerolog.Nop())
	if err := s.Register(testTask("t1")); err != nil {
		t.Fatal(err)
	}
	s.RunNow(context.Background(), "t1")
	if notif.alertCount() != 1 {
		t.Fatal("expected one alert")
	}

	// Reload with the same task id: the alert streak must carry over.
	updated := testTask("t1")
	updated.CheckInterval = 2 * time.Minute
	s.SetTasks([]*domain.MonitoringTask{updated, testTask("t2")})

	s.RunNow(context.Background(), "t1")
	if got := notif.alertCount(); got != 1 {
		t.Fatalf("alerts after reload = %d, want 1 (streak preserved)", got)
	}
	if _, _, err := s.RunNow(context.Background(), "t2"); err != nil && strings.Contains(err.Error(), "unknown task") {
		t.Fatalf("t2 not registered after reload: %v", err)
	}
}
