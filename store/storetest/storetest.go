// ABOUTME: Shared conformance tests for store.Backend implementations
// ABOUTME: Every engine runs the same append, snapshot, and compaction checks
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/store"
)

// Epoch is the timestamp stamped on every fixture record.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Genesis returns the version 1 record, lifecycle info and creation snapshot
// for a fresh document.
func Genesis(id string) (models.DocumentInfo, models.Mutation, models.Snapshot) {
	m := models.Mutation{
		ID:         id + "-1",
		DocumentID: id,
		SessionID:  id,
		Version:    1,
		Kind:       models.MutationCreate,
		ActorID:    "tester",
		Timestamp:  Epoch,
	}
	doc := &models.Document{}
	if err := doc.Apply(m); err != nil {
		panic(err)
	}
	info := models.DocumentInfo{ID: id, SessionID: id, CreatedBy: "tester", CreatedAt: Epoch}
	return info, m, models.Snapshot{DocumentID: id, Version: 1, State: *doc, CreatedAt: Epoch}
}

// AddText returns an add-element record placing a text element on page 1.
func AddText(id string, version int64, elementID, text string) models.Mutation {
	at := Epoch.Add(time.Duration(version) * time.Second)
	el := models.NewElement(elementID, models.ElementSpec{
		Kind:    models.KindText,
		Content: json.RawMessage(fmt.Sprintf("%q", text)),
	}, "tester", at)
	return models.Mutation{
		ID:         fmt.Sprintf("%s-%d", id, version),
		DocumentID: id,
		Version:    version,
		Kind:       models.MutationAddElement,
		PageNumber: 1,
		ElementID:  elementID,
		Element:    &el,
		ActorID:    "tester",
		Timestamp:  at,
	}
}

// Seed creates id and appends n add-element records after the creation
// record, returning the resulting state.
func Seed(t *testing.T, b store.Backend, id string, n int) *models.Document {
	t.Helper()
	ctx := context.Background()

	info, genesis, snap := Genesis(id)
	require.NoError(t, b.CreateDocument(ctx, info, genesis, snap))

	doc := snap.State.Clone()
	for v := int64(2); v <= int64(n)+1; v++ {
		m := AddText(id, v, fmt.Sprintf("el-%d", v), fmt.Sprintf("note %d", v))
		require.NoError(t, b.AppendMutation(ctx, m))
		require.NoError(t, doc.Apply(m))
	}
	return doc
}

// Run exercises a Backend. newBackend must return an empty, open backend;
// Run closes it.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 0)

		info, err := b.GetDocument(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, "board-a", info.ID)
		assert.Equal(t, "tester", info.CreatedBy)
		assert.True(t, Epoch.Equal(info.CreatedAt))
		assert.False(t, info.Frozen())

		latest, err := b.LatestVersion(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), latest)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 0)
		info, genesis, snap := Genesis("board-a")
		err := b.CreateDocument(ctx, info, genesis, snap)
		assert.ErrorIs(t, err, models.ErrDocumentExists)
	})

	t.Run("UnknownDocument", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		_, err := b.GetDocument(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrDocumentNotFound)

		_, err = b.LatestVersion(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrDocumentNotFound)

		err = b.AppendMutation(ctx, AddText("missing", 2, "x", "x"))
		assert.ErrorIs(t, err, models.ErrDocumentNotFound)
	})

	t.Run("AppendRejectsWrongVersion", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 2)

		err := b.AppendMutation(ctx, AddText("board-a", 3, "dup", "again"))
		assert.ErrorIs(t, err, models.ErrVersionConflict)

		err = b.AppendMutation(ctx, AddText("board-a", 5, "gap", "skip"))
		assert.ErrorIs(t, err, models.ErrVersionConflict)

		latest, err := b.LatestVersion(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest)
	})

	t.Run("MutationsRange", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 5)
		Seed(t, b, "board-b", 2)

		records, err := b.Mutations(ctx, "board-a", 2, 4)
		require.NoError(t, err)
		require.Len(t, records, 3)
		for i, m := range records {
			assert.Equal(t, int64(i+2), m.Version)
			assert.Equal(t, "board-a", m.DocumentID)
		}

		all, err := b.Mutations(ctx, "board-a", 1, 100)
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, models.MutationCreate, all[0].Kind)

		replayed, err := models.Replay(nil, all)
		require.NoError(t, err)
		assert.Equal(t, 5, replayed.ElementCount())

		m, err := b.GetMutation(ctx, "board-a", 4)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "el-4", m.ElementID)
		assert.JSONEq(t, `"note 4"`, string(m.Element.Content))

		none, err := b.GetMutation(ctx, "board-a", 99)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("NearestSnapshot", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		doc := Seed(t, b, "board-a", 5)
		require.NoError(t, b.SaveSnapshot(ctx, models.Snapshot{DocumentID: "board-a", Version: 6, State: *doc, CreatedAt: Epoch}))

		snap, err := b.NearestSnapshot(ctx, "board-a", 5)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(1), snap.Version)

		snap, err = b.NearestSnapshot(ctx, "board-a", 40)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(6), snap.Version)
		assert.Equal(t, 5, snap.State.ElementCount())

		none, err := b.NearestSnapshot(ctx, "board-a", 0)
		require.NoError(t, err)
		assert.Nil(t, none)

		versions, err := b.SnapshotVersions(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 6}, versions)
	})

	t.Run("Compact", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 9)
		for _, v := range []int64{4, 7} {
			records, err := b.Mutations(ctx, "board-a", 1, v)
			require.NoError(t, err)
			state, err := models.Replay(nil, records)
			require.NoError(t, err)
			require.NoError(t, b.SaveSnapshot(ctx, models.Snapshot{DocumentID: "board-a", Version: v, State: *state, CreatedAt: Epoch}))
		}

		require.NoError(t, b.Compact(ctx, "board-a", 7))

		versions, err := b.SnapshotVersions(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 7}, versions)

		records, err := b.Mutations(ctx, "board-a", 1, 10)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, int64(8), records[0].Version)

		latest, err := b.LatestVersion(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, int64(10), latest)

		require.NoError(t, b.AppendMutation(ctx, AddText("board-a", 11, "after", "compaction")))

		assert.Error(t, b.Compact(ctx, "board-a", 5), "horizon without a snapshot")
	})

	t.Run("FreezeAndList", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 0)
		Seed(t, b, "board-b", 0)

		info, err := b.GetDocument(ctx, "board-b")
		require.NoError(t, err)
		frozenAt := Epoch.Add(time.Hour)
		info.FrozenAt = &frozenAt
		require.NoError(t, b.FreezeDocument(ctx, *info))

		infos, err := b.ListDocuments(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)

		byID := map[string]models.DocumentInfo{}
		for _, i := range infos {
			byID[i.ID] = i
		}
		assert.False(t, byID["board-a"].Frozen())
		require.True(t, byID["board-b"].Frozen())
		assert.True(t, frozenAt.Equal(*byID["board-b"].FrozenAt))

		missing := models.DocumentInfo{ID: "missing", FrozenAt: &frozenAt}
		assert.ErrorIs(t, b.FreezeDocument(ctx, missing), models.ErrDocumentNotFound)
	})

	t.Run("AppendAfterFreezeRejected", func(t *testing.T) {
		b := newBackend(t)
		defer func() { _ = b.Close() }()

		Seed(t, b, "board-a", 1)

		info, err := b.GetDocument(ctx, "board-a")
		require.NoError(t, err)
		frozenAt := Epoch.Add(time.Hour)
		info.FrozenAt = &frozenAt
		require.NoError(t, b.FreezeDocument(ctx, *info))

		err = b.AppendMutation(ctx, AddText("board-a", 3, "late", "after freeze"))
		assert.ErrorIs(t, err, models.ErrDocumentFrozen)

		latest, err := b.LatestVersion(ctx, "board-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), latest)
	})
}
