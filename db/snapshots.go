// ABOUTME: Database operations for document snapshots
// ABOUTME: Saves materialized states and finds the nearest one at or below a version
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harperreed/whiteboard/models"
)

// SaveSnapshot stores snap, replacing any snapshot at the same version.
func (r *VersionRepository) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	state, err := marshalJSON(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, version, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id, version) DO UPDATE SET
			state = excluded.state,
			created_at = excluded.created_at
	`, snap.DocumentID, snap.Version, state, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// NearestSnapshot returns the snapshot with the greatest version <= version.
func (r *VersionRepository) NearestSnapshot(ctx context.Context, id string, version int64) (*models.Snapshot, error) {
	var snap models.Snapshot
	var state string

	err := r.db.QueryRowContext(ctx, `
		SELECT document_id, version, state, created_at
		FROM snapshots
		WHERE document_id = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1
	`, id, version).Scan(&snap.DocumentID, &snap.Version, &state, &snap.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotVersions lists retained snapshot versions in ascending order.
func (r *VersionRepository) SnapshotVersions(ctx context.Context, id string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT version FROM snapshots WHERE document_id = ? ORDER BY version
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func insertSnapshot(ctx context.Context, x execer, snap models.Snapshot) error {
	state, err := marshalJSON(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, version, state, created_at)
		VALUES (?, ?, ?, ?)
	`, snap.DocumentID, snap.Version, state, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}
