// ABOUTME: SQLite-backed version repository and the documents table
// ABOUTME: Creates, lists, and freezes whiteboard documents
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/harperreed/whiteboard/models"
)

// VersionRepository persists documents, their mutation log and snapshots in
// SQLite. It implements store.Backend.
type VersionRepository struct {
	db *sql.DB
}

// NewVersionRepository creates a new repository over an initialized database.
func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Open opens the database at path and wraps it in a repository.
func Open(path string) (*VersionRepository, error) {
	database, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	return NewVersionRepository(database), nil
}

// Close closes the underlying database.
func (r *VersionRepository) Close() error {
	return r.db.Close()
}

// CreateDocument writes the document row, its first mutation and its
// creation snapshot in one transaction.
func (r *VersionRepository) CreateDocument(ctx context.Context, info models.DocumentInfo, genesis models.Mutation, snap models.Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, session_id, created_by, created_at)
		VALUES (?, ?, ?, ?)
	`, info.ID, info.SessionID, info.CreatedBy, info.CreatedAt)
	if isConstraint(err) {
		return models.ErrDocumentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	if err := insertMutation(ctx, tx, genesis); err != nil {
		return err
	}
	if err := insertSnapshot(ctx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document's lifecycle record.
func (r *VersionRepository) GetDocument(ctx context.Context, id string) (*models.DocumentInfo, error) {
	var info models.DocumentInfo
	var createdBy sql.NullString
	var frozenAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, created_by, created_at, frozen_at
		FROM documents
		WHERE id = ?
	`, id).Scan(&info.ID, &info.SessionID, &createdBy, &info.CreatedAt, &frozenAt)

	if err == sql.ErrNoRows {
		return nil, models.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	info.CreatedBy = createdBy.String
	if frozenAt.Valid {
		info.FrozenAt = &frozenAt.Time
	}
	return &info, nil
}

// ListDocuments returns every document, oldest first.
func (r *VersionRepository) ListDocuments(ctx context.Context) ([]models.DocumentInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, created_by, created_at, frozen_at
		FROM documents
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	infos := make([]models.DocumentInfo, 0)
	for rows.Next() {
		var info models.DocumentInfo
		var createdBy sql.NullString
		var frozenAt sql.NullTime
		if err := rows.Scan(&info.ID, &info.SessionID, &createdBy, &info.CreatedAt, &frozenAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		info.CreatedBy = createdBy.String
		if frozenAt.Valid {
			t := frozenAt.Time
			info.FrozenAt = &t
		}
		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return infos, nil
}

// FreezeDocument stores the frozen timestamp of info.
func (r *VersionRepository) FreezeDocument(ctx context.Context, info models.DocumentInfo) error {
	if info.FrozenAt == nil {
		return fmt.Errorf("freeze %s: missing frozen_at", info.ID)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET frozen_at = ? WHERE id = ? AND frozen_at IS NULL
	`, *info.FrozenAt, info.ID)
	if err != nil {
		return fmt.Errorf("failed to freeze document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetDocument(ctx, info.ID); err != nil {
			return err
		}
	}
	return nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
