package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// TurnAppendUser opens a new turn with the user's message recorded and
// no assistant reply yet. The session appends the user turn before
// claiming work, so a failed claim still leaves the request journaled.
func (s *Store) TurnAppendUser(ctx context.Context, conversationID, userMessage, relatedTaskID string) (*Turn, error) {
	turn := &Turn{
		TurnID:         uuid.NewString(),
		ConversationID: conversationID,
		UserMessage:    userMessage,
		Metadata:       map[string]any{},
		RelatedTaskID:  relatedTaskID,
		CreatedAt:      utcNow(),
		UpdatedAt:      utcNow(),
	}
	metadataJSON, _ := json.Marshal(turn.Metadata)
	artifactsJSON, _ := json.Marshal([]string{})

	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO turns (turn_id, conversation_id, user_message, assistant_message, has_assistant,
				artifacts, metadata, related_task_id, created_at, updated_at)
			VALUES (?, ?, ?, NULL, 0, ?, ?, ?, ?, ?);
		`, turn.TurnID, turn.ConversationID, turn.UserMessage, string(artifactsJSON), string(metadataJSON),
			nullableString(turn.RelatedTaskID), turn.CreatedAt, turn.UpdatedAt)
		return execErr
	})
	if err != nil {
		return nil, unavailable(fmt.Errorf("append user turn: %w", err))
	}
	return turn, nil
}

// TurnSetAssistant fills in the assistant reply and artifact references
// on an existing turn.
func (s *Store) TurnSetAssistant(ctx context.Context, turnID, assistantMessage string, artifactRefs []string) (*Turn, error) {
	if artifactRefs == nil {
		artifactRefs = []string{}
	}
	artifactsJSON, err := json.Marshal(artifactRefs)
	if err != nil {
		return nil, fmt.Errorf("marshal turn artifacts: %w", err)
	}
	now := utcNow()

	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE turns
			SET assistant_message = ?, has_assistant = 1, artifacts = ?, updated_at = ?
			WHERE turn_id = ?;
		`, assistantMessage, string(artifactsJSON), now, turnID)
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
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("set assistant turn: %w", err))
	}
	return s.turnGet(ctx, turnID)
}

func (s *Store) turnGet(ctx context.Context, turnID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT turn_id, conversation_id, user_message, assistant_message, has_assistant,
			artifacts, metadata, related_task_id, created_at, updated_at
		FROM turns WHERE turn_id = ?;
	`, turnID)
	turn, err := scanTurn(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("get turn: %w", err))
	}
	return turn, nil
}

func scanTurn(scan func(dest ...any) error) (*Turn, error) {
	var (
		t                Turn
		assistantMessage sql.NullString
		relatedTaskID    sql.NullString
		hasAssistant     int
		artifactsJSON    string
		metadataJSON     string
	)
	if err := scan(&t.TurnID, &t.ConversationID, &t.UserMessage, &assistantMessage, &hasAssistant,
		&artifactsJSON, &metadataJSON, &relatedTaskID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.AssistantMessage = assistantMessage.String
	t.HasAssistant = hasAssistant != 0
	t.RelatedTaskID = relatedTaskID.String
	if err := json.Unmarshal([]byte(artifactsJSON), &t.Artifacts); err != nil {
		return nil, fmt.Errorf("unmarshal turn artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal turn metadata: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// TurnListRecent returns up to limit turns for conversationID, most
// recent last, the ordering SingleTurnRunner expects when building
// message history.
func (s *Store) TurnListRecent(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, conversation_id, user_message, assistant_message, has_assistant,
			artifacts, metadata, related_task_id, created_at, updated_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, conversationID, limit)
	if err != nil {
		return nil, unavailable(fmt.Errorf("list recent turns: %w", err))
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		turn, err := scanTurn(rows.Scan)
		if err != nil {
			return nil, unavailable(fmt.Errorf("scan turn: %w", err))
		}
		out = append(out, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterate turns: %w", err))
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
