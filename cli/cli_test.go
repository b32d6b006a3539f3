// ABOUTME: Tests for the cobra command tree
// ABOUTME: Runs board commands against temp sqlite and badger stores and watches a live server
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/whiteboard/kv"
	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/web"
	"github.com/harperreed/whiteboard/whiteboard"
)

type harness struct {
	configPath string
	storePath  string
	backend    string
}

func newHarness(t *testing.T, backend string) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("log_level: error\n"), 0600))

	storePath := filepath.Join(dir, "boards.db")
	if backend == "badger" {
		storePath = filepath.Join(dir, "badger")
	}
	return &harness{configPath: cfg, storePath: storePath, backend: backend}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", h.configPath, "--backend", h.backend, "--db-path", h.storePath}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestVersionCommand(t *testing.T) {
	h := newHarness(t, "sqlite")
	out := h.mustRun(t, "version")
	assert.Equal(t, "whiteboard version test\n", out)
}

func TestBoardLifecycle(t *testing.T) {
	h := newHarness(t, "sqlite")

	out := h.mustRun(t, "board", "create", "standup")
	assert.Contains(t, out, "Created whiteboard standup (version 1)")

	out = h.mustRun(t, "board", "add-element", "standup", "--text", "ship it", "--x", "10", "--y", "20", "--json")
	var added struct {
		Version int64
		Element models.Element
	}
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	assert.Equal(t, int64(2), added.Version)
	elementID := added.Element.ID
	require.NotEmpty(t, elementID)

	out = h.mustRun(t, "board", "update-element", "standup", elementID, "--x", "50", "--actor", "bob")
	assert.Contains(t, out, "Committed update-element at version 3")

	out = h.mustRun(t, "board", "show", "standup", "--json")
	var doc models.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	el, _ := doc.FindElement(elementID)
	require.NotNil(t, el)
	assert.Equal(t, 50.0, el.Geometry.X)
	assert.Equal(t, 20.0, el.Geometry.Y, "unchanged geometry is kept")
	assert.Equal(t, "bob", el.Provenance.LastModifiedBy)

	out = h.mustRun(t, "board", "show", "standup", "--at", "2", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	el, _ = doc.FindElement(elementID)
	require.NotNil(t, el)
	assert.Equal(t, 10.0, el.Geometry.X)

	h.mustRun(t, "board", "add-page", "standup", "--background", "grid")
	h.mustRun(t, "board", "set-page", "standup", "2")
	h.mustRun(t, "board", "settings", "standup", "--theme", "dark")

	out = h.mustRun(t, "board", "show", "standup")
	assert.Contains(t, out, "version 6  active page 2")
	assert.Contains(t, out, "theme dark")
	assert.Contains(t, out, "Page 2 (grid)")

	out = h.mustRun(t, "board", "history", "standup")
	for _, kind := range []string{"create", "add-element", "update-element", "add-page", "set-active-page", "update-settings"} {
		assert.Contains(t, out, kind)
	}

	out = h.mustRun(t, "board", "history", "standup", "--element", elementID, "--json")
	var records []models.Mutation
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	assert.Len(t, records, 2)

	h.mustRun(t, "board", "remove-element", "standup", elementID)

	out = h.mustRun(t, "board", "freeze", "standup")
	assert.Contains(t, out, "Froze whiteboard standup")

	_, err := h.run(t, "board", "add-page", "standup")
	assert.ErrorIs(t, err, models.ErrDocumentFrozen)

	out = h.mustRun(t, "board", "list")
	assert.Contains(t, out, "standup")
	assert.Contains(t, out, "frozen")
}

func TestBoardErrors(t *testing.T) {
	h := newHarness(t, "sqlite")

	_, err := h.run(t, "board", "show", "missing")
	assert.ErrorIs(t, err, models.ErrDocumentNotFound)

	h.mustRun(t, "board", "create", "s1")
	_, err = h.run(t, "board", "add-element", "s1")
	assert.ErrorContains(t, err, "--content or --text is required")

	_, err = h.run(t, "board", "add-element", "s1", "--content", "{nope")
	assert.ErrorContains(t, err, "valid JSON")

	_, err = h.run(t, "board", "set-page", "s1", "two")
	assert.ErrorContains(t, err, "invalid page number")

	_, err = h.run(t, "--backend", "postgres", "board", "list")
	assert.ErrorContains(t, err, "unknown backend")
}

func TestBadgerBackendCommands(t *testing.T) {
	h := newHarness(t, "badger")

	h.mustRun(t, "board", "create", "s1")
	h.mustRun(t, "board", "add-element", "s1", "--type", "shape", "--content", `{"shape":"circle"}`)

	out := h.mustRun(t, "board", "list")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "open")

	out = h.mustRun(t, "board", "show", "s1")
	assert.Contains(t, out, `{"shape":"circle"}`)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPrintsCommits(t *testing.T) {
	ctx := context.Background()
	backend, err := kv.OpenInMemory()
	require.NoError(t, err)
	svc := whiteboard.New(backend, whiteboard.Options{})
	t.Cleanup(func() { _ = svc.Close() })
	srv, err := web.NewServer(svc, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, err = svc.Create(ctx, "live", "alice")
	require.NoError(t, err)

	h := newHarness(t, "sqlite")
	root := NewRootCommand("test")
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"--config", h.configPath, "watch", "live", "--server", ts.URL})

	done := make(chan error, 1)
	go func() { done <- root.Execute() }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "v1 snapshot") }, 2*time.Second, 10*time.Millisecond)

	_, err = svc.AddPage(ctx, "live", "bob", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "v2 add-page by bob page 2") }, 2*time.Second, 10*time.Millisecond)

	_, err = svc.Freeze(ctx, "live")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err, "a frozen board ends the watch cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not exit")
	}
}
