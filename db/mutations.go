// ABOUTME: Database operations for the mutation log
// ABOUTME: Version-checked appends and ordered range reads keyed by (document_id, version)
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harperreed/whiteboard/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendMutation inserts m if its version directly follows the stored log
// and the document has not been frozen.
func (r *VersionRepository) AppendMutation(ctx context.Context, m models.Mutation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var frozenAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT frozen_at FROM documents WHERE id = ?
	`, m.DocumentID).Scan(&frozenAt)
	if err == sql.ErrNoRows {
		return models.ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if frozenAt.Valid {
		return models.ErrDocumentFrozen
	}

	var last int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM mutations WHERE document_id = ?
	`, m.DocumentID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read latest version: %w", err)
	}

	if last == 0 {
		return models.ErrDocumentNotFound
	}
	if m.Version != last+1 {
		return fmt.Errorf("%w: stored version is %d, got %d", models.ErrVersionConflict, last, m.Version)
	}

	if err := insertMutation(ctx, tx, m); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation: %w", err)
	}
	return nil
}

// LatestVersion returns the highest stored version for a document.
func (r *VersionRepository) LatestVersion(ctx context.Context, id string) (int64, error) {
	var latest int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM mutations WHERE document_id = ?
	`, id).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	if latest == 0 {
		return 0, models.ErrDocumentNotFound
	}
	return latest, nil
}

// Mutations returns records with from <= version <= to, in version order.
func (r *VersionRepository) Mutations(ctx context.Context, id string, from, to int64) ([]models.Mutation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM mutations
		WHERE document_id = ? AND version >= ? AND version <= ?
		ORDER BY version
	`, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]models.Mutation, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		var m models.Mutation
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("failed to decode mutation: %w", err)
		}
		records = append(records, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return records, nil
}

// GetMutation returns the record at exactly version, or nil if absent.
func (r *VersionRepository) GetMutation(ctx context.Context, id string, version int64) (*models.Mutation, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `
		SELECT payload FROM mutations WHERE document_id = ? AND version = ?
	`, id, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation: %w", err)
	}

	var m models.Mutation
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("failed to decode mutation: %w", err)
	}
	return &m, nil
}

// Compact drops records at or below horizon and the snapshots between the
// creation snapshot and horizon.
func (r *VersionRepository) Compact(ctx context.Context, id string, horizon int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snapshots WHERE document_id = ? AND version = ?
	`, id, horizon).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check snapshot: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("compact %s: no snapshot at horizon %d", id, horizon)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM mutations WHERE document_id = ? AND version <= ?
	`, id, horizon); err != nil {
		return fmt.Errorf("failed to compact mutations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM snapshots WHERE document_id = ? AND version > 1 AND version < ?
	`, id, horizon); err != nil {
		return fmt.Errorf("failed to compact snapshots: %w", err)
	}

	return tx.Commit()
}

func insertMutation(ctx context.Context, x execer, m models.Mutation) error {
	payload, err := marshalJSON(m)
	if err != nil {
		return fmt.Errorf("failed to encode mutation: %w", err)
	}

	var pageNumber sql.NullInt64
	if m.PageNumber > 0 {
		pageNumber = sql.NullInt64{Int64: int64(m.PageNumber), Valid: true}
	}
	var elementID sql.NullString
	if m.ElementID != "" {
		elementID = sql.NullString{String: m.ElementID, Valid: true}
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO mutations (document_id, version, id, kind, page_number, element_id, actor_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.DocumentID, m.Version, m.ID, string(m.Kind), pageNumber, elementID, m.ActorID, payload, m.Timestamp)
	if isConstraint(err) {
		return fmt.Errorf("%w: version %d already stored", models.ErrVersionConflict, m.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert mutation: %w", err)
	}
	return nil
}
