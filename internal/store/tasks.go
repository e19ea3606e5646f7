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

// TaskCreate inserts a new task: initial state queued, timestamps set.
// If a JSON schema is registered for taskType (see schema.go), payload
// is validated before the row is written.
func (s *Store) TaskCreate(ctx context.Context, taskType string, payload map[string]any) (string, error) {
	if err := validatePayload(taskType, payload); err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := utcNow()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, type, payload, state, artifact_refs, created_at, updated_at)
			VALUES (?, ?, ?, ?, '[]', ?, ?);
		`, id, taskType, string(payloadJSON), StateQueued, now, now)
		return execErr
	})
	if err != nil {
		return "", unavailable(fmt.Errorf("create task: %w", err))
	}
	s.publish("task.created", map[string]any{"task_id": id, "task_type": taskType})
	return id, nil
}

// TaskGet returns (nil, nil) for a missing row: store operations are
// total, and only physical storage failures error.
func (s *Store) TaskGet(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload, state, artifact_refs, claimed_by, claim_expires_at, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("get task: %w", err))
	}
	return task, nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		t              Task
		payloadJSON    string
		artifactsJSON  string
		claimedBy      sql.NullString
		claimExpiresAt sql.NullTime
	)
	if err := scan(&t.ID, &t.Type, &payloadJSON, &t.State, &artifactsJSON,
		&claimedBy, &claimExpiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal task payload: %w", err)
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &t.ArtifactRefs); err != nil {
		return nil, fmt.Errorf("unmarshal artifact refs: %w", err)
	}
	if claimedBy.Valid {
		t.ClaimedBy = claimedBy.String
	}
	if claimExpiresAt.Valid {
		v := claimExpiresAt.Time.UTC()
		t.ClaimExpiresAt = &v
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// TaskUpdate deep-merges patch into the stored payload and any top-level
// fields present in patch ("state", "claimed_by", "claim_expires_at",
// "artifact_refs", "payload"), refreshing updated_at on any change.
// Returns (nil, nil) if taskID does not exist.
func (s *Store) TaskUpdate(ctx context.Context, taskID string, patch map[string]any) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, type, payload, state, artifact_refs, claimed_by, claim_expires_at, created_at, updated_at
			FROM tasks WHERE id = ?;
		`, taskID)
		task, scanErr := scanTask(row.Scan)
		if errors.Is(scanErr, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		if rawPayload, ok := patch["payload"].(map[string]any); ok {
			task.Payload = mergePatch(task.Payload, rawPayload)
		}
		if state, ok := patch["state"].(string); ok {
			task.State = State(state)
		}
		if claimedBy, ok := patch["claimed_by"]; ok {
			if claimedBy == nil {
				task.ClaimedBy = ""
			} else if v, ok := claimedBy.(string); ok {
				task.ClaimedBy = v
			}
		}
		if expires, ok := patch["claim_expires_at"]; ok {
			if expires == nil {
				task.ClaimExpiresAt = nil
			} else if v, ok := expires.(time.Time); ok {
				vv := v.UTC()
				task.ClaimExpiresAt = &vv
			}
		}
		if refs, ok := patch["artifact_refs"].([]string); ok {
			task.ArtifactRefs = refs
		}
		task.UpdatedAt = utcNow()

		if err := writeTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update tx: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

func writeTaskTx(ctx context.Context, tx *sql.Tx, t *Task) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	artifactsJSON, err := json.Marshal(t.ArtifactRefs)
	if err != nil {
		return fmt.Errorf("marshal artifact refs: %w", err)
	}
	var claimExpires any
	if t.ClaimExpiresAt != nil {
		claimExpires = *t.ClaimExpiresAt
	}
	var claimedBy any
	if t.ClaimedBy != "" {
		claimedBy = t.ClaimedBy
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET payload = ?, state = ?, artifact_refs = ?, claimed_by = ?, claim_expires_at = ?, updated_at = ?
		WHERE id = ?;
	`, string(payloadJSON), t.State, string(artifactsJSON), claimedBy, claimExpires, t.UpdatedAt, t.ID)
	return err
}

func mergePatch(target, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(target)+len(patch))
	for k, v := range target {
		merged[k] = v
	}
	for k, v := range patch {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := merged[k].(map[string]any); ok {
				merged[k] = mergePatch(existing, nested)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// TaskList returns tasks matching the given type/state filters. Either
// may be empty to mean "any".
func (s *Store) TaskList(ctx context.Context, taskType, state string) ([]Task, error) {
	query := `
		SELECT id, type, payload, state, artifact_refs, claimed_by, claim_expires_at, created_at, updated_at
		FROM tasks WHERE 1=1`
	var args []any
	if taskType != "" {
		query += " AND type = ?"
		args = append(args, taskType)
	}
	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}
	query += " ORDER BY created_at ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(fmt.Errorf("list tasks: %w", err))
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, unavailable(fmt.Errorf("scan task: %w", err))
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterate tasks: %w", err))
	}
	return out, nil
}

// ClaimFilter selects candidate tasks for TaskClaim by equality on the
// named attributes. Zero values mean "don't filter on this field".
type ClaimFilter struct {
	TaskID   string
	TaskType string
}

// TaskClaim is the store's single linearization point: it
// atomically selects the first task matching filter whose state is
// queued or running with an expired-or-absent claim, and claims it.
// Returns nil if nothing matched.
func (s *Store) TaskClaim(ctx context.Context, filter ClaimFilter, claimerID string, ttlSeconds int) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT id, type, payload, state, artifact_refs, claimed_by, claim_expires_at, created_at, updated_at
			FROM tasks
			WHERE state IN (?, ?)
			  AND (claimed_by IS NULL OR claim_expires_at IS NULL OR claim_expires_at <= ?)`
		args := []any{StateQueued, StateRunning, utcNow()}
		if filter.TaskID != "" {
			query += " AND id = ?"
			args = append(args, filter.TaskID)
		}
		if filter.TaskType != "" {
			query += " AND type = ?"
			args = append(args, filter.TaskType)
		}
		query += " ORDER BY created_at ASC LIMIT 1;"

		row := tx.QueryRowContext(ctx, query, args...)
		task, scanErr := scanTask(row.Scan)
		if errors.Is(scanErr, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		expires := utcNow().Add(time.Duration(ttlSeconds) * time.Second)
		task.ClaimedBy = claimerID
		task.ClaimExpiresAt = &expires
		task.State = StateRunning
		task.UpdatedAt = utcNow()
		if err := writeTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if result != nil {
		s.publish("task.claimed", map[string]any{"task_id": result.ID, "claimed_by": claimerID})
	}
	return result, nil
}

// TaskComplete sets state done and clears lease fields. Terminal states
// never transition out, so completing an already-terminal task is a
// no-op that still returns the task.
func (s *Store) TaskComplete(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.finalize(ctx, taskID, StateDone, nil)
	if err != nil {
		return nil, err
	}
	if task != nil {
		s.publish("task.completed", map[string]any{"task_id": task.ID})
	}
	return task, nil
}

// TaskFail sets state failed, clears lease fields, and merges
// {"error": errInfo} into payload.
func (s *Store) TaskFail(ctx context.Context, taskID string, errInfo map[string]any) (*Task, error) {
	task, err := s.finalize(ctx, taskID, StateFailed, errInfo)
	if err != nil {
		return nil, err
	}
	if task != nil {
		s.publish("task.failed", map[string]any{"task_id": task.ID, "error": errInfo})
	}
	return task, nil
}

func (s *Store) finalize(ctx context.Context, taskID string, final State, errInfo map[string]any) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, type, payload, state, artifact_refs, claimed_by, claim_expires_at, created_at, updated_at
			FROM tasks WHERE id = ?;
		`, taskID)
		task, scanErr := scanTask(row.Scan)
		if errors.Is(scanErr, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		// Terminal states never transition out; leave the task alone.
		if task.State == StateDone || task.State == StateFailed {
			result = task
			return nil
		}

		task.State = final
		task.ClaimedBy = ""
		task.ClaimExpiresAt = nil
		if errInfo != nil {
			task.Payload = mergePatch(task.Payload, map[string]any{"error": errInfo})
		}
		task.UpdatedAt = utcNow()
		if err := writeTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize tx: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

func (s *Store) publish(topic string, payload map[string]any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// TaskCounts returns the number of queued and running tasks, the
// at-a-glance queue depth the gateway's system.status and the status
// dashboard both read.
func (s *Store) TaskCounts(ctx context.Context) (pending, running int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE state = ?),
			(SELECT COUNT(*) FROM tasks WHERE state = ?);
	`, StateQueued, StateRunning)
	if scanErr := row.Scan(&pending, &running); scanErr != nil {
		return 0, 0, unavailable(fmt.Errorf("count tasks: %w", scanErr))
	}
	return pending, running, nil
}
