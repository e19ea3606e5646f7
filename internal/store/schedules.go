package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a named cron expression plus a work-task payload template,
// distinct from a single task's payload-level repeat_interval_seconds
// recurrence.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	TaskType  string
	Payload   map[string]any
	LastRunAt *time.Time
	NextRunAt time.Time
	CreatedAt time.Time
}

// ScheduleCreate installs a new named schedule.
func (s *Store) ScheduleCreate(ctx context.Context, name, cronExpr, taskType string, payload map[string]any, nextRunAt time.Time) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal schedule payload: %w", err)
	}
	id := uuid.NewString()
	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, task_type, payload, next_run_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, name, cronExpr, taskType, string(payloadJSON), nextRunAt.UTC(), utcNow())
		return execErr
	})
	if err != nil {
		return "", unavailable(fmt.Errorf("create schedule: %w", err))
	}
	return id, nil
}

// DueSchedules returns every schedule whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, task_type, payload, last_run_at, next_run_at, created_at
		FROM schedules WHERE next_run_at <= ? ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, unavailable(fmt.Errorf("list due schedules: %w", err))
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns every registered schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, task_type, payload, last_run_at, next_run_at, created_at
		FROM schedules ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, unavailable(fmt.Errorf("list schedules: %w", err))
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var (
			sc          Schedule
			payloadJSON string
			lastRunAt   sql.NullTime
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.TaskType, &payloadJSON,
			&lastRunAt, &sc.NextRunAt, &sc.CreatedAt); err != nil {
			return nil, unavailable(fmt.Errorf("scan schedule: %w", err))
		}
		if err := json.Unmarshal([]byte(payloadJSON), &sc.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal schedule payload: %w", err)
		}
		if lastRunAt.Valid {
			v := lastRunAt.Time.UTC()
			sc.LastRunAt = &v
		}
		sc.NextRunAt = sc.NextRunAt.UTC()
		sc.CreatedAt = sc.CreatedAt.UTC()
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterate schedules: %w", err))
	}
	return out, nil
}

// ScheduleMarkRun stamps a fired schedule's last_run_at/next_run_at.
func (s *Store) ScheduleMarkRun(ctx context.Context, scheduleID string, ranAt, nextRunAt time.Time) error {
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, ranAt.UTC(), nextRunAt.UTC(), scheduleID)
		if execErr != nil {
			return execErr
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable(fmt.Errorf("mark schedule run: %w", err))
	}
	return nil
}
