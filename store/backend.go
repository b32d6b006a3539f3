// ABOUTME: Storage contract for the document version store
// ABOUTME: Backends persist documents, the mutation log, and snapshots keyed by (document, version)
package store

import (
	"context"

	"github.com/harperreed/whiteboard/models"
)

// Backend is the durable home of the mutation log and snapshots. Any engine
// that offers atomic append-with-version-check and point lookups qualifies.
type Backend interface {
	// CreateDocument atomically writes the lifecycle record, the version 1
	// record and the creation snapshot. Returns models.ErrDocumentExists if
	// the id is taken.
	CreateDocument(ctx context.Context, info models.DocumentInfo, genesis models.Mutation, snap models.Snapshot) error

	// GetDocument returns models.ErrDocumentNotFound for unknown ids.
	GetDocument(ctx context.Context, id string) (*models.DocumentInfo, error)

	ListDocuments(ctx context.Context) ([]models.DocumentInfo, error)

	FreezeDocument(ctx context.Context, info models.DocumentInfo) error

	// AppendMutation persists m only if m.Version is exactly one greater than
	// the last stored version, otherwise it returns models.ErrVersionConflict.
	AppendMutation(ctx context.Context, m models.Mutation) error

	LatestVersion(ctx context.Context, id string) (int64, error)

	// Mutations returns records with from <= version <= to in version order.
	Mutations(ctx context.Context, id string, from, to int64) ([]models.Mutation, error)

	// GetMutation returns the record at exactly version, or nil if absent.
	GetMutation(ctx context.Context, id string, version int64) (*models.Mutation, error)

	SaveSnapshot(ctx context.Context, snap models.Snapshot) error

	// NearestSnapshot returns the snapshot with the greatest version <= version,
	// or nil if none is retained.
	NearestSnapshot(ctx context.Context, id string, version int64) (*models.Snapshot, error)

	SnapshotVersions(ctx context.Context, id string) ([]int64, error)

	// Compact deletes records with version <= horizon and snapshots with
	// 1 < version < horizon. The snapshot at horizon must exist.
	Compact(ctx context.Context, id string, horizon int64) error

	Close() error
}
