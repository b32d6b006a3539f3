// ABOUTME: Tests for the document version store
// ABOUTME: Covers snapshot policy, historical reconstruction, compaction, and storage failures
package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/whiteboard/kv"
	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/store"
	"github.com/harperreed/whiteboard/store/storetest"
)

func newBackend(t *testing.T) store.Backend {
	t.Helper()
	b, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newStore(t *testing.T, opts ...store.Option) (*store.Store, store.Backend) {
	t.Helper()
	b := newBackend(t)
	return store.New(b, opts...), b
}

func create(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, genesis, _ := storetest.Genesis(id)
	_, err := s.Create(context.Background(), genesis, "tester")
	require.NoError(t, err)
}

func appendN(t *testing.T, s *store.Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		v, err := s.Version(ctx, id)
		require.NoError(t, err)
		m := storetest.AddText(id, v+1, fmt.Sprintf("el-%d", v+1), fmt.Sprintf("note %d", v+1))
		_, err = s.Append(ctx, m)
		require.NoError(t, err)
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	create(t, s, "board-a")

	doc, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	require.Len(t, doc.Pages, 1)
	assert.Empty(t, doc.Pages[0].Elements)

	versions, err := s.SnapshotVersions(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, versions)

	_, genesis, _ := storetest.Genesis("board-a")
	_, err = s.Create(ctx, genesis, "tester")
	assert.ErrorIs(t, err, models.ErrDocumentExists)
}

func TestCreateRejectsNonGenesis(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Create(context.Background(), storetest.AddText("board-a", 1, "x", "x"), "tester")
	assert.ErrorIs(t, err, models.ErrInvalidMutation)
}

func TestUnknownDocument(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Current(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrDocumentNotFound)

	_, err = s.AtVersion(ctx, "nope", 3)
	assert.ErrorIs(t, err, models.ErrDocumentNotFound)
}

func TestAppendRequiresNextVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	create(t, s, "board-a")

	_, err := s.Append(ctx, storetest.AddText("board-a", 3, "x", "skip"))
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	v, err := s.Version(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestCurrentEqualsLatestVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.WithSnapshotInterval(3))
	create(t, s, "board-a")
	appendN(t, s, "board-a", 7)

	current, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	at, err := s.AtVersion(ctx, "board-a", current.Version)
	require.NoError(t, err)
	assert.Equal(t, current, at)
}

func TestSnapshotPolicy(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.WithSnapshotInterval(3))
	create(t, s, "board-a")
	appendN(t, s, "board-a", 9)

	versions, err := s.SnapshotVersions(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 6, 9}, versions)
}

func TestAtVersionMatchesReplayFromScratch(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.WithSnapshotInterval(4))
	create(t, s, "board-a")
	appendN(t, s, "board-a", 12)

	for v := int64(1); v <= 13; v++ {
		viaSnapshot, err := s.AtVersion(ctx, "board-a", v)
		require.NoError(t, err)
		scratch, err := s.ReplayFromScratch(ctx, "board-a", v)
		require.NoError(t, err)
		assert.Equal(t, scratch, viaSnapshot, "version %d", v)
		assert.Equal(t, int(v-1), viaSnapshot.ElementCount())
	}
}

func TestAtVersionClampsBelowOne(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	create(t, s, "board-a")
	appendN(t, s, "board-a", 2)

	doc, err := s.AtVersion(ctx, "board-a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, 0, doc.ElementCount())

	future, err := s.AtVersion(ctx, "board-a", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), future.Version)
}

func TestReadersGetCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	create(t, s, "board-a")
	appendN(t, s, "board-a", 1)

	doc, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	doc.Pages[0].Elements = nil

	again, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Len(t, again.Pages[0].Elements, 1)
}

func TestReloadAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	s, b := newStore(t, store.WithSnapshotInterval(3))
	create(t, s, "board-a")
	appendN(t, s, "board-a", 4)

	before, err := s.Current(ctx, "board-a")
	require.NoError(t, err)

	s.Invalidate("board-a")
	after, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	fresh := store.New(b)
	other, err := fresh.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, before, other)
}

func TestAppendDetectsForeignWriter(t *testing.T) {
	ctx := context.Background()
	s, b := newStore(t)
	create(t, s, "board-a")
	_, err := s.Current(ctx, "board-a")
	require.NoError(t, err)

	// Another process appends version 2 behind this store's cache.
	require.NoError(t, b.AppendMutation(ctx, storetest.AddText("board-a", 2, "theirs", "first")))

	_, err = s.Append(ctx, storetest.AddText("board-a", 2, "mine", "second"))
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	doc, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	el, _ := doc.FindElement("theirs")
	assert.NotNil(t, el)
}

func TestCurrentCatchesUpWithSharedBackend(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	a := store.New(b, store.WithSnapshotInterval(3))
	other := store.New(b, store.WithSnapshotInterval(3))
	create(t, a, "board-a")

	doc, err := other.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	appendN(t, a, "board-a", 4)

	doc, err = other.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc.Version)
	assert.Equal(t, 4, doc.ElementCount())

	latest, err := other.AtVersion(ctx, "board-a", 99)
	require.NoError(t, err)
	assert.Equal(t, doc, latest)

	// The cached state now moves with its own appends again.
	appendN(t, other, "board-a", 1)
	mine, err := a.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), mine.Version)
}

func TestAppendRejectedAfterForeignFreeze(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	a := store.New(b)
	other := store.New(b)
	create(t, a, "board-a")
	appendN(t, a, "board-a", 1)

	doc, err := other.Current(ctx, "board-a")
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Version)

	_, err = a.Freeze(ctx, "board-a")
	require.NoError(t, err)

	_, err = other.Append(ctx, storetest.AddText("board-a", 3, "late", "after freeze"))
	assert.ErrorIs(t, err, models.ErrDocumentFrozen)
	assert.NotErrorIs(t, err, models.ErrPersistence)

	info, err := other.Info(ctx, "board-a")
	require.NoError(t, err)
	assert.True(t, info.Frozen())

	latest, err := other.LatestVersion(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	create(t, s, "board-a")
	appendN(t, s, "board-a", 5)

	records, err := s.History(ctx, "board-a", 3, 5)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].Version)

	all, err := s.History(ctx, "board-a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	empty, err := s.History(ctx, "board-a", 9, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestElementHistory(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	create(t, s, "board-a")
	appendN(t, s, "board-a", 3)

	_, err := s.Append(ctx, models.Mutation{
		ID: "rm", DocumentID: "board-a", Version: 5, Kind: models.MutationRemoveElement,
		PageNumber: 1, ElementID: "el-3", Tombstone: true, Timestamp: storetest.Epoch,
	})
	require.NoError(t, err)

	records, err := s.ElementHistory(ctx, "board-a", "el-3")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.MutationAddElement, records[0].Kind)
	assert.True(t, records[1].Tombstone)
}

func TestCompactionKeepsRetainedHistory(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, store.WithSnapshotInterval(5), store.WithRetention(5))
	create(t, s, "board-a")
	appendN(t, s, "board-a", 19)

	versions, err := s.SnapshotVersions(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 15, 20}, versions)

	doc, err := s.AtVersion(ctx, "board-a", 16)
	require.NoError(t, err)
	assert.Equal(t, int64(16), doc.Version)
	assert.Equal(t, 15, doc.ElementCount())

	_, err = s.AtVersion(ctx, "board-a", 9)
	assert.ErrorIs(t, err, models.ErrVersionCompacted)

	creation, err := s.AtVersion(ctx, "board-a", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, creation.ElementCount())

	_, err = s.History(ctx, "board-a", 2, 20)
	assert.ErrorIs(t, err, models.ErrVersionCompacted)
	assert.Contains(t, err.Error(), "history before 2")

	_, err = s.ReplayFromScratch(ctx, "board-a", 20)
	assert.ErrorIs(t, err, models.ErrVersionCompacted)
}

func TestFreeze(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	create(t, s, "board-a")

	info, err := s.Freeze(ctx, "board-a")
	require.NoError(t, err)
	require.True(t, info.Frozen())

	again, err := s.Freeze(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, info.FrozenAt, again.FrozenAt)

	_, err = s.Append(ctx, storetest.AddText("board-a", 2, "x", "late"))
	assert.ErrorIs(t, err, models.ErrDocumentFrozen)

	s.Invalidate("board-a")
	reloaded, err := s.Info(ctx, "board-a")
	require.NoError(t, err)
	assert.True(t, reloaded.Frozen())
}

// flakyBackend fails appends while broken is set.
type flakyBackend struct {
	store.Backend
	broken atomic.Bool
}

func (f *flakyBackend) AppendMutation(ctx context.Context, m models.Mutation) error {
	if f.broken.Load() {
		return errors.New("disk unplugged")
	}
	return f.Backend.AppendMutation(ctx, m)
}

func TestPersistenceFailureLeavesVersionUnchanged(t *testing.T) {
	ctx := context.Background()
	fb := &flakyBackend{Backend: newBackend(t)}
	s := store.New(fb)
	create(t, s, "board-a")

	fb.broken.Store(true)
	_, err := s.Append(ctx, storetest.AddText("board-a", 2, "x", "lost"))
	assert.ErrorIs(t, err, models.ErrPersistence)

	doc, err := s.Current(ctx, "board-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, 0, doc.ElementCount())

	fb.broken.Store(false)
	_, err = s.Append(ctx, storetest.AddText("board-a", 2, "x", "kept"))
	require.NoError(t, err)
}
