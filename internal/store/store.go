// Package store is the task-oriented execution fabric's durable state
// substrate: tasks, conversation turns, and artifacts, backed by SQLite.
// A single-writer *sql.DB keeps the claim transaction the store's sole
// linearization point.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskfabric/fabric/internal/bus"
)

// State is one of the four states in the task lifecycle.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Well-known task types. Runners may define additional sub-types; the
// store does not restrict task_type to this list.
const (
	TaskTypeUserRequest  = "user_request"
	TaskTypeWork         = "work"
	TaskTypeNotification = "notification"
)

// Task is one unit of scheduled work: identity, state, payload, lease.
type Task struct {
	ID             string
	Type           string
	Payload        map[string]any
	State          State
	ArtifactRefs   []string
	ClaimedBy      string
	ClaimExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Running reports whether the task currently holds an unexpired claim:
// state running, claimed_by set, claim_expires_at in the future.
func (t *Task) Running() bool {
	return t.State == StateRunning && t.ClaimedBy != "" &&
		t.ClaimExpiresAt != nil && t.ClaimExpiresAt.After(time.Now().UTC())
}

// Turn is a conversation journal entry.
type Turn struct {
	TurnID            string
	ConversationID    string
	UserMessage       string
	AssistantMessage  string
	HasAssistant      bool
	Artifacts         []string
	Metadata          map[string]any
	RelatedTaskID     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Artifact is a stored blob with metadata.
type Artifact struct {
	ArtifactID string
	MediaType  string
	Body       string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// ErrStoreUnavailable wraps physical storage failures. Store operations
// are otherwise total: a missing row is (nil, nil), never an error.
type ErrStoreUnavailable struct {
	Cause error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Cause)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Cause }

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &ErrStoreUnavailable{Cause: err}
}

const defaultBusyRetries = 5

// Store is the process-wide handle for tasks, turns, and artifacts.
// Construction order dictates ownership: callers build one Store and
// inject it into the session, dispatcher, and worker pool. No ambient
// globals.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the default SQLite path under the user's home
// directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fabric", "fabric.db")
}

// Open creates or opens the SQLite-backed store at path, running schema
// migrations. eventBus may be nil; when set, task state transitions are
// published for observability only, never for correctness.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer connection: SQLite serializes writers anyway and this
	// keeps the claim transaction the sole linearization point.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			state TEXT NOT NULL,
			artifact_refs TEXT NOT NULL DEFAULT '[]',
			claimed_by TEXT,
			claim_expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_type_state ON tasks(type, state);`,
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_message TEXT NOT NULL DEFAULT '',
			assistant_message TEXT,
			has_assistant INTEGER NOT NULL DEFAULT 0,
			artifacts TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			related_task_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			media_type TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			last_run_at DATETIME,
			next_run_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func utcNow() time.Time { return time.Now().UTC() }
