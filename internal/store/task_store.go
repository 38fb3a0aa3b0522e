package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"github.com/metaflow/engine/internal/errs"
	"github.com/metaflow/engine/internal/model"
)

// TaskStore is the durable task log: every pending unit of pipeline
// work lives here until it is stored, converted, or moved to error.
type TaskStore struct {
	db *sqlx.DB
}

func NewTaskStore(db *sqlx.DB) *TaskStore {
	return &TaskStore{db: db}
}

type rawTask struct {
	TaskID       string `db:"task_id"`
	TaskType     int    `db:"task_type"`
	TaskKey      string `db:"task_key"`
	Data         []byte `db:"data"`
	CreateTime   int64  `db:"create_time"`
	ExecuteTime  int64  `db:"execute_time"`
	RetriedTimes int    `db:"retried_times"`
}

func fromModel(t model.RawTask) rawTask {
	return rawTask{
		TaskID:       t.TaskID,
		TaskType:     int(t.TaskType),
		TaskKey:      t.TaskKey,
		Data:         t.Data,
		CreateTime:   t.CreateTime,
		ExecuteTime:  t.ExecuteTime,
		RetriedTimes: t.RetriedTimes,
	}
}

func (r rawTask) toModel() model.RawTask {
	return model.RawTask{
		TaskID:       r.TaskID,
		TaskType:     model.TaskType(r.TaskType),
		TaskKey:      r.TaskKey,
		Data:         r.Data,
		CreateTime:   r.CreateTime,
		ExecuteTime:  r.ExecuteTime,
		RetriedTimes: r.RetriedTimes,
	}
}

// Insert writes a new task row. Idempotent: a pre-existing task_id
// (the caller retrying the same logical insert) is treated as success,
// not as a Duplicated error, since the task log's primary key is a
// content hash of the task itself.
func (s *TaskStore) Insert(ctx context.Context, t model.RawTask) error {
	const q = `INSERT INTO task (task_id, task_type, task_key, data, create_time, execute_time, retried_times)
		VALUES (:task_id, :task_type, :task_key, :data, :create_time, :execute_time, :retried_times)
		ON CONFLICT (task_id) DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, fromModel(t))
	if err != nil {
		return errs.Env(err, "insert task %s", t.TaskID)
	}
	return nil
}

// SaveBatch atomically inserts every child task and deletes the parent
// task in a single transaction, so a crash between the two never
// leaves an orphaned child or a resurrected parent.
func (s *TaskStore) SaveBatch(ctx context.Context, children []model.RawTask, parentTaskID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Env(err, "begin save_batch tx")
	}
	defer tx.Rollback()

	const insertQ = `INSERT INTO task (task_id, task_type, task_key, data, create_time, execute_time, retried_times)
		VALUES (:task_id, :task_type, :task_key, :data, :create_time, :execute_time, :retried_times)
		ON CONFLICT (task_id) DO NOTHING`
	for _, c := range children {
		if _, err := tx.NamedExecContext(ctx, insertQ, fromModel(c)); err != nil {
			return errs.Env(err, "insert child task %s", c.TaskID)
		}
	}
	if parentTaskID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task WHERE task_id = $1`, parentTaskID); err != nil {
			return errs.Env(err, "delete parent task %s", parentTaskID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Env(err, "commit save_batch tx")
	}
	return nil
}

// Delete removes a task row outright — used once its work is fully
// absorbed without producing children. A Delay result does not delete
// the row; it bumps execute_time in place via UpdateExecuteTime.
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task WHERE task_id = $1`, taskID)
	if err != nil {
		return errs.Env(err, "delete task %s", taskID)
	}
	return nil
}

// UpdateExecuteTime reschedules a task without counting it as a retry
// — used for the Delay converter result.
func (s *TaskStore) UpdateExecuteTime(ctx context.Context, taskID string, executeTime int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task SET execute_time = $1 WHERE task_id = $2`, executeTime, taskID)
	if err != nil {
		return errs.Env(err, "update execute_time for %s", taskID)
	}
	return nil
}

// NewBackoff builds the task log's retry schedule: initial 1s, factor
// 2, capped at 300s, never giving up — the task log itself is the
// source of truth for "still pending", so MaxElapsedTime is disabled.
func NewBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 300 * time.Second
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// NextInterval replays retriedTimes steps of the standard backoff
// schedule to deterministically recompute "how long to wait before the
// next retry", without persisting the stateful backoff object itself.
func NextInterval(retriedTimes int) time.Duration {
	b := NewBackoff()
	var d time.Duration
	for i := 0; i <= retriedTimes; i++ {
		d = b.NextBackOff()
	}
	return d
}

// IncreaseRetry bumps retried_times and reschedules execute_time using
// the standard backoff schedule.
func (s *TaskStore) IncreaseRetry(ctx context.Context, t model.RawTask, now time.Time) error {
	next := t.RetriedTimes + 1
	executeAt := now.Add(NextInterval(t.RetriedTimes)).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task SET retried_times = $1, execute_time = $2 WHERE task_id = $3`,
		next, executeAt, t.TaskID)
	if err != nil {
		return errs.Env(err, "increase retry for %s", t.TaskID)
	}
	return nil
}

// MoveToError atomically deletes the task row and inserts its
// TaskError sibling.
func (s *TaskStore) MoveToError(ctx context.Context, t model.RawTask, errCode, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Env(err, "begin move_to_error tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task WHERE task_id = $1`, t.TaskID); err != nil {
		return errs.Env(err, "delete task %s", t.TaskID)
	}
	raw := fromModel(t)
	const insertQ = `INSERT INTO task_error
		(task_id, task_type, task_key, data, create_time, execute_time, retried_times, err_code, err_msg)
		VALUES (:task_id, :task_type, :task_key, :data, :create_time, :execute_time, :retried_times, :err_code, :err_msg)
		ON CONFLICT (task_id) DO NOTHING`
	named := struct {
		rawTask
		ErrCode string `db:"err_code"`
		ErrMsg  string `db:"err_msg"`
	}{rawTask: raw, ErrCode: errCode, ErrMsg: errMsg}
	if _, err := tx.NamedExecContext(ctx, insertQ, named); err != nil {
		return errs.Env(err, "insert task_error %s", t.TaskID)
	}
	if err := tx.Commit(); err != nil {
		return errs.Env(err, "commit move_to_error tx")
	}
	return nil
}

// GetOverdue returns up to limit tasks whose execute_time has already
// passed, for the scavenger to re-enqueue.
func (s *TaskStore) GetOverdue(ctx context.Context, now int64, limit int) ([]model.RawTask, error) {
	const q = `SELECT task_id, task_type, task_key, data, create_time, execute_time, retried_times
		FROM task WHERE execute_time <= $1 ORDER BY execute_time LIMIT $2`
	var raws []rawTask
	if err := s.db.SelectContext(ctx, &raws, q, now, limit); err != nil {
		return nil, errs.Env(err, "get overdue tasks")
	}
	out := make([]model.RawTask, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toModel())
	}
	return out, nil
}
