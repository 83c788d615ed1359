package history

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"orderwatch/internal/domain"
)

var ErrNoHistory = errors.New("no history for task")

// EnsureSchema creates tables if they don't exist. The database is opened
// in-memory; history lives exactly as long as the process.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS status_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  status_code INTEGER NOT NULL,
  status_name TEXT NOT NULL,
  raw_payload BLOB,
  observed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_task ON status_history(task_id, id);
`
	_, err := db.Exec(schema)
	return err
}

// Store owns all task history. Record is the only mutator.
type Store interface {
	Record(ctx context.Context, task *domain.MonitoringTask, rec domain.StatusRecord) (*domain.ChangeEvent, error)
	Latest(ctx context.Context, taskID string) (*domain.StatusRecord, error)
	Recent(ctx context.Context, taskID string, limit int) ([]domain.StatusRecord, error)
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context, taskID string) error
}

type Stats struct {
	Tasks   int            `json:"tasks"`
	Records int            `json:"records"`
	PerTask map[string]int `json:"per_task"`
}

type Options struct {
	// NotifyOnFirst makes the first observation for a task emit a
	// ChangeEvent with a nil Previous. Default: baseline only.
	NotifyOnFirst bool
	// MaxPerTask trims each task's history to the newest N rows.
	// Zero disables trimming.
	MaxPerTask int
}

type sqliteStore struct {
	db   *sql.DB
	opts Options
}

func NewSQLiteStore(db *sql.DB, opts Options) Store {
	return &sqliteStore{db: db, opts: opts}
}

// changed is the diffing policy: equality on status code only. Descriptions
// and payloads are display data derived from the code and never diffed.
func changed(prev, cur int) bool { return prev != cur }

// Record appends rec to the task's history and returns a ChangeEvent iff the
// code differs from the immediately preceding one (or it is the first
// observation and NotifyOnFirst is set). The read-then-append runs in one
// serializable transaction so an overlapping manual run cannot double-report
// the same transition or drop an entry.
func (s *sqliteStore) Record(ctx context.Context, task *domain.MonitoringTask, rec domain.StatusRecord) (*domain.ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var prev domain.StatusRecord
	havePrev := true
	row := tx.QueryRowContext(ctx, `
SELECT status_code, status_name, observed_at FROM status_history
WHERE task_id=? ORDER BY id DESC LIMIT 1`, task.TaskID)
	if err = row.Scan(&prev.Code, &prev.Description, &prev.ObservedAt); err != nil {
		if err != sql.ErrNoRows {
			return nil, err
		}
		havePrev = false
		err = nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO status_history (task_id, status_code, status_name, raw_payload, observed_at)
VALUES (?,?,?,?,?)`, task.TaskID, rec.Code, rec.Description, rec.Raw, rec.ObservedAt)
	if err != nil {
		return nil, err
	}

	if s.opts.MaxPerTask > 0 {
		_, err = tx.ExecContext(ctx, `
DELETE FROM status_history WHERE task_id=? AND id NOT IN (
  SELECT id FROM status_history WHERE task_id=? ORDER BY id DESC LIMIT ?
)`, task.TaskID, task.TaskID, s.opts.MaxPerTask)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	switch {
	case !havePrev:
		if !s.opts.NotifyOnFirst {
			return nil, nil
		}
		return &domain.ChangeEvent{ID: "evt_" + uuid.NewString(), Task: task, Current: rec}, nil
	case changed(prev.Code, rec.Code):
		p := prev
		return &domain.ChangeEvent{ID: "evt_" + uuid.NewString(), Task: task, Previous: &p, Current: rec}, nil
	default:
		return nil, nil
	}
}

func (s *sqliteStore) Latest(ctx context.Context, taskID string) (*domain.StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT status_code, status_name, raw_payload, observed_at FROM status_history
WHERE task_id=? ORDER BY id DESC LIMIT 1`, taskID)
	var rec domain.StatusRecord
	var raw []byte
	if err := row.Scan(&rec.Code, &rec.Description, &raw, &rec.ObservedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoHistory
		}
		return nil, err
	}
	rec.Raw = raw
	return &rec, nil
}

func (s *sqliteStore) Recent(ctx context.Context, taskID string, limit int) ([]domain.StatusRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT status_code, status_name, observed_at FROM (
  SELECT id, status_code, status_name, observed_at FROM status_history
  WHERE task_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatusRecord
	for rows.Next() {
		var rec domain.StatusRecord
		if err := rows.Scan(&rec.Code, &rec.Description, &rec.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, COUNT(*) FROM status_history GROUP BY task_id`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := Stats{PerTask: make(map[string]int)}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return Stats{}, err
		}
		st.PerTask[id] = n
		st.Tasks++
		st.Records += n
	}
	return st, rows.Err()
}

func (s *sqliteStore) Clear(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM status_history WHERE task_id=?", taskID)
	return err
}
