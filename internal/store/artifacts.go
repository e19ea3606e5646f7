package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ArtifactWrite stores body under a freshly generated artifact ID.
func (s *Store) ArtifactWrite(ctx context.Context, mediaType, body string, metadata map[string]any) (*Artifact, error) {
	return s.artifactWriteNamed(ctx, uuid.NewString(), mediaType, body, metadata)
}

// ArtifactWriteNamed stores body under artifactID, overwriting any
// existing artifact with that ID, used when a runner wants a stable,
// addressable name such as "plan.json" rather than an opaque UUID.
func (s *Store) ArtifactWriteNamed(ctx context.Context, artifactID, mediaType, body string, metadata map[string]any) (*Artifact, error) {
	return s.artifactWriteNamed(ctx, artifactID, mediaType, body, metadata)
}

func (s *Store) artifactWriteNamed(ctx context.Context, artifactID, mediaType, body string, metadata map[string]any) (*Artifact, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact metadata: %w", err)
	}
	artifact := &Artifact{
		ArtifactID: artifactID,
		MediaType:  mediaType,
		Body:       body,
		Metadata:   metadata,
		CreatedAt:  utcNow(),
	}

	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (artifact_id, media_type, body, metadata, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(artifact_id) DO UPDATE SET
				media_type = excluded.media_type,
				body = excluded.body,
				metadata = excluded.metadata;
		`, artifact.ArtifactID, artifact.MediaType, artifact.Body, string(metadataJSON), artifact.CreatedAt)
		return execErr
	})
	if err != nil {
		return nil, unavailable(fmt.Errorf("write artifact: %w", err))
	}
	return artifact, nil
}

// ArtifactRead returns (nil, nil) if artifactID does not exist.
func (s *Store) ArtifactRead(ctx context.Context, artifactID string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, media_type, body, metadata, created_at
		FROM artifacts WHERE artifact_id = ?;
	`, artifactID)
	artifact, err := scanArtifact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Errorf("read artifact: %w", err))
	}
	return artifact, nil
}

func scanArtifact(scan func(dest ...any) error) (*Artifact, error) {
	var (
		a            Artifact
		metadataJSON string
	)
	if err := scan(&a.ArtifactID, &a.MediaType, &a.Body, &metadataJSON, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal artifact metadata: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// ArtifactSearch is a trivial substring match over body and media_type.
// A real ranking index would live behind an external search service;
// this keeps the contract ("given a query, return ranked artifacts")
// usable without one.
func (s *Store) ArtifactSearch(ctx context.Context, query string, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, media_type, body, metadata, created_at
		FROM artifacts
		WHERE body LIKE ? OR media_type LIKE ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, like, like, limit)
	if err != nil {
		return nil, unavailable(fmt.Errorf("search artifacts: %w", err))
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, unavailable(fmt.Errorf("scan artifact: %w", err))
		}
		out = append(out, *artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterate artifacts: %w", err))
	}
	return out, nil
}
