package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orderwatch/internal/domain"
	"orderwatch/internal/history"
	"orderwatch/internal/monitor"
)

// Server is the read-only diagnostics surface plus the manual run trigger
// used by configuration-testing tools.
type Server struct {
	r   *chi.Mux
	svc *monitor.Service
}

func NewServer(svc *monitor.Service) http.Handler {
	return NewServerWithDebug(svc, false)
}

func NewServerWithDebug(svc *monitor.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/tasks/{id}/history", s.getHistory)
	r.Post("/api/tasks/{id}/run", s.runOnce)
	r.Get("/api/stats", s.stats)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type taskView struct {
	TaskID        string      `json:"task_id"`
	Name          string      `json:"name"`
	Enabled       bool        `json:"enabled"`
	OrderID       string      `json:"order_id"`
	CheckInterval string      `json:"check_interval"`
	Cron          string      `json:"cron,omitempty"`
	Latest        *statusView `json:"latest,omitempty"`
}

type statusView struct {
	Code        int       `json:"code"`
	Description string    `json:"description"`
	ObservedAt  time.Time `json:"observed_at"`
}

func (s *Server) taskView(r *http.Request, t *domain.MonitoringTask) taskView {
	v := taskView{
		TaskID:        t.TaskID,
		Name:          t.Name,
		Enabled:       t.Enabled,
		OrderID:       t.OrderID,
		CheckInterval: t.CheckInterval.String(),
		Cron:          t.CronExpr,
	}
	if rec, err := s.svc.Store().Latest(r.Context(), t.TaskID); err == nil {
		v.Latest = &statusView{Code: rec.Code, Description: rec.Description, ObservedAt: rec.ObservedAt}
	}
	return v
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.svc.Tasks()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.taskView(r, t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.svc.Task(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, s.taskView(r, t))
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.svc.Task(id); !ok {
		http.Error(w, "not found", 404)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.svc.Store().Recent(r.Context(), id, limit)
	if err != nil && err != history.ErrNoHistory {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]statusView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusView{Code: rec.Code, Description: rec.Description, ObservedAt: rec.ObservedAt})
	}
	writeJSON(w, 200, out)
}

type runResp struct {
	Changed  bool                         `json:"changed"`
	EventID  string                       `json:"event_id,omitempty"`
	From     *int                         `json:"from,omitempty"`
	To       *int                         `json:"to,omitempty"`
	Outcomes []domain.NotificationOutcome `json:"outcomes,omitempty"`
}

func (s *Server) runOnce(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, outcomes, err := s.svc.RunOnce(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	resp := runResp{Outcomes: outcomes}
	if ev != nil {
		resp.Changed = true
		resp.EventID = ev.ID
		if ev.Previous != nil {
			from := ev.Previous.Code
			resp.From = &from
		}
		to := ev.Current.Code
		resp.To = &to
	}
	writeJSON(w, 200, resp)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Store().Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
