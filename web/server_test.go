// ABOUTME: Tests for the HTTP API, live stream, and dashboard
// ABOUTME: Drives the router through httptest with an in-memory badger backend
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/whiteboard/broadcast"
	"github.com/harperreed/whiteboard/kv"
	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/whiteboard"
)

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Version *int64          `json:"version"`
}

func newTestServer(t *testing.T) (*httptest.Server, *whiteboard.Service) {
	t.Helper()
	b, err := kv.OpenInMemory()
	require.NoError(t, err)
	svc := whiteboard.New(b, whiteboard.Options{})
	t.Cleanup(func() { _ = svc.Close() })

	srv, err := NewServer(svc, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "tester")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func createBoard(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	status, out := call(t, ts, http.MethodPost, "/whiteboards", map[string]string{"sessionId": id, "userId": "alice"})
	require.Equal(t, http.StatusCreated, status, out.Error)
}

func addText(t *testing.T, ts *httptest.Server, id string, page int, text string) MutationResponse {
	t.Helper()
	status, out := call(t, ts, http.MethodPost, "/whiteboards/"+id+"/elements", map[string]any{
		"pageNumber": page,
		"element":    map[string]any{"type": "text", "content": text, "position": map[string]float64{"x": 1, "y": 2}},
	})
	require.Equal(t, http.StatusCreated, status, out.Error)
	var res MutationResponse
	require.NoError(t, json.Unmarshal(out.Data, &res))
	return res
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	status, out := call(t, ts, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)
}

func TestCreateAndGet(t *testing.T) {
	ts, _ := newTestServer(t)
	createBoard(t, ts, "session-1")

	status, out := call(t, ts, http.MethodGet, "/whiteboards/session-1", nil)
	require.Equal(t, http.StatusOK, status)
	var doc models.Document
	require.NoError(t, json.Unmarshal(out.Data, &doc))
	assert.Equal(t, int64(1), doc.Version)
	assert.Len(t, doc.Pages, 1)

	status, out = call(t, ts, http.MethodPost, "/whiteboards", map[string]string{"sessionId": "session-1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, out.Success)

	status, out = call(t, ts, http.MethodGet, "/whiteboards", nil)
	require.Equal(t, http.StatusOK, status)
	var infos []models.DocumentInfo
	require.NoError(t, json.Unmarshal(out.Data, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "alice", infos[0].CreatedBy)
}

func TestElementRoutes(t *testing.T) {
	ts, _ := newTestServer(t)
	createBoard(t, ts, "session-1")

	added := addText(t, ts, "session-1", 1, "hello")
	assert.Equal(t, int64(2), added.Version)
	require.NotNil(t, added.Element)
	assert.Equal(t, "tester", added.Element.Provenance.CreatedBy)

	status, out := call(t, ts, http.MethodPatch, "/whiteboards/session-1/elements/"+added.Element.ID, map[string]any{
		"pageNumber": 1,
		"updates":    map[string]any{"content": "bye"},
	})
	require.Equal(t, http.StatusOK, status, out.Error)
	var updated MutationResponse
	require.NoError(t, json.Unmarshal(out.Data, &updated))
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, int64(2), updated.Element.Version)
	assert.Equal(t, 1.0, updated.Element.Geometry.X)

	status, out = call(t, ts, http.MethodGet, "/whiteboards/session-1?version=2", nil)
	require.Equal(t, http.StatusOK, status)
	var past models.Document
	require.NoError(t, json.Unmarshal(out.Data, &past))
	require.Len(t, past.Pages[0].Elements, 1)
	assert.Equal(t, `"hello"`, string(past.Pages[0].Elements[0].Content))

	status, _ = call(t, ts, http.MethodDelete, "/whiteboards/session-1/elements/"+added.Element.ID+"?page=1", nil)
	require.Equal(t, http.StatusOK, status)

	status, out = call(t, ts, http.MethodGet, "/whiteboards/session-1/elements/"+added.Element.ID+"/history", nil)
	require.Equal(t, http.StatusOK, status)
	var records []models.Mutation
	require.NoError(t, json.Unmarshal(out.Data, &records))
	assert.Len(t, records, 3)

	status, out = call(t, ts, http.MethodGet, "/whiteboards/session-1/history?from=2&to=3", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(out.Data, &records))
	assert.Len(t, records, 2)
}

func TestPagesAndSettings(t *testing.T) {
	ts, _ := newTestServer(t)
	createBoard(t, ts, "session-1")

	status, out := call(t, ts, http.MethodPost, "/whiteboards/session-1/pages", nil)
	require.Equal(t, http.StatusCreated, status, out.Error)

	status, out = call(t, ts, http.MethodPut, "/whiteboards/session-1/active-page", map[string]int{"pageNumber": 2})
	require.Equal(t, http.StatusOK, status, out.Error)

	status, out = call(t, ts, http.MethodPut, "/whiteboards/session-1/settings", map[string]any{"theme": "dark", "snap_to_grid": true})
	require.Equal(t, http.StatusOK, status, out.Error)
	var res MutationResponse
	require.NoError(t, json.Unmarshal(out.Data, &res))
	assert.Equal(t, int64(4), res.Version)
	assert.Equal(t, 2, res.Document.ActivePage)
	assert.Equal(t, "dark", res.Document.Settings.Theme)
	assert.True(t, res.Document.Settings.SnapToGrid)

	status, out = call(t, ts, http.MethodGet, "/whiteboards/session-1/snapshots", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[1]`, string(out.Data))
}

func TestErrorStatuses(t *testing.T) {
	ts, _ := newTestServer(t)
	createBoard(t, ts, "session-1")

	status, out := call(t, ts, http.MethodGet, "/whiteboards/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, out.Success)

	status, out = call(t, ts, http.MethodPost, "/whiteboards/session-1/elements", map[string]any{
		"pageNumber": 5,
		"element":    map[string]any{"type": "text", "content": "x"},
	})
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, out.Version)
	assert.Equal(t, int64(1), *out.Version)

	status, _ = call(t, ts, http.MethodPost, "/whiteboards/session-1/elements", map[string]any{
		"pageNumber": 1,
		"element":    map[string]any{"type": "sticker", "content": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/whiteboards", map[string]string{"sessionId": "bad id"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, ts, http.MethodPost, "/whiteboards/session-1/freeze", nil)
	require.Equal(t, http.StatusOK, status)

	status, out = call(t, ts, http.MethodPost, "/whiteboards/session-1/pages", nil)
	assert.Equal(t, http.StatusLocked, status)
	assert.Contains(t, out.Error, "frozen")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrBusy:             http.StatusServiceUnavailable,
		models.ErrVersionCompacted: http.StatusGone,
		models.ErrVersionConflict:  http.StatusConflict,
		models.ErrPersistence:      http.StatusInternalServerError,
		models.ErrElementNotFound:  http.StatusNotFound,
	}
	for err, want := range cases {
		wrapped := &models.Error{Op: "op", DocumentID: "d", Err: fmt.Errorf("ctx: %w", err)}
		assert.Equal(t, want, StatusFor(wrapped), err.Error())
	}
}

func dialStream(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) broadcast.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f broadcast.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestStreamSnapshotThenMutations(t *testing.T) {
	ts, svc := newTestServer(t)
	createBoard(t, ts, "session-1")
	addText(t, ts, "session-1", 1, "before")

	conn := dialStream(t, ts, "/whiteboards/session-1/stream")
	first := readFrame(t, conn)
	require.Equal(t, broadcast.FrameSnapshot, first.Type)
	require.NotNil(t, first.Document)
	assert.Equal(t, int64(2), first.Version)

	replica := first.Document
	for i := 0; i < 3; i++ {
		addText(t, ts, "session-1", 1, fmt.Sprintf("after %d", i))
	}
	for want := int64(3); want <= 5; want++ {
		f := readFrame(t, conn)
		require.Equal(t, broadcast.FrameMutation, f.Type)
		require.Equal(t, want, f.Version)
		require.NoError(t, replica.Apply(*f.Mutation))
	}

	current, err := svc.Current(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, current.ElementCount(), replica.ElementCount())
	assert.Equal(t, current.Version, replica.Version)

	_, err = svc.Freeze(context.Background(), "session-1")
	require.NoError(t, err)
	closed := readFrame(t, conn)
	assert.Equal(t, broadcast.FrameClosed, closed.Type)
	assert.Contains(t, closed.Error, "frozen")
}

func TestStreamResumeSendsLogTail(t *testing.T) {
	ts, _ := newTestServer(t)
	createBoard(t, ts, "session-1")
	for i := 0; i < 3; i++ {
		addText(t, ts, "session-1", 1, "n")
	}

	conn := dialStream(t, ts, "/whiteboards/session-1/stream?after=2")
	for want := int64(3); want <= 4; want++ {
		f := readFrame(t, conn)
		assert.Equal(t, broadcast.FrameMutation, f.Type)
		assert.Equal(t, want, f.Version)
	}

	ahead := dialStream(t, ts, "/whiteboards/session-1/stream?after=40")
	f := readFrame(t, ahead)
	assert.Equal(t, broadcast.FrameSnapshot, f.Type)
	assert.Equal(t, int64(4), f.Version)
}

func TestStreamUnknownBoard(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/whiteboards/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDashboard(t *testing.T) {
	ts, _ := newTestServer(t)
	createBoard(t, ts, "session-1")
	addText(t, ts, "session-1", 1, "dashboard note")

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "session-1")

	resp, err = http.Get(ts.URL + "/boards/session-1")
	require.NoError(t, err)
	body.Reset()
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "dashboard note")
}
