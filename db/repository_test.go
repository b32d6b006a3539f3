// ABOUTME: Tests for the SQLite version repository
// ABOUTME: Runs the shared backend suite plus SQLite-specific persistence checks
package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/store"
	"github.com/harperreed/whiteboard/store/storetest"
)

func newTestRepository(t *testing.T) *VersionRepository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "whiteboard.db"))
	require.NoError(t, err)
	return repo
}

func TestVersionRepositoryBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newTestRepository(t)
	})
}

func TestVersionRepositorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "whiteboard.db")

	repo, err := Open(path)
	require.NoError(t, err)
	want := storetest.Seed(t, repo, "board-a", 3)
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	records, err := repo.Mutations(ctx, "board-a", 1, 10)
	require.NoError(t, err)
	got, err := models.Replay(nil, records)
	require.NoError(t, err)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.ElementCount(), got.ElementCount())
}

func TestMutationColumnsAreIndexed(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	defer func() { _ = repo.Close() }()

	storetest.Seed(t, repo, "board-a", 2)

	var kind, elementID string
	var page int
	err := repo.db.QueryRowContext(ctx, `
		SELECT kind, page_number, element_id FROM mutations WHERE document_id = ? AND version = 3
	`, "board-a").Scan(&kind, &page, &elementID)
	require.NoError(t, err)
	assert.Equal(t, "add-element", kind)
	assert.Equal(t, 1, page)
	assert.Equal(t, "el-3", elementID)
}
