// ABOUTME: JSON handlers for whiteboard reads and mutations
// ABOUTME: Wraps every reply in a success envelope and maps engine errors to HTTP statuses
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/harperreed/whiteboard/models"
	"github.com/harperreed/whiteboard/whiteboard"
)

const (
	actorHeader  = "X-Actor-ID"
	defaultActor = "anonymous"
	maxBodyBytes = 4 << 20
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Version *int64 `json:"version,omitempty"`
}

type createRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type addPageRequest struct {
	Background string `json:"background"`
	UserID     string `json:"userId"`
}

type activePageRequest struct {
	PageNumber int    `json:"pageNumber"`
	UserID     string `json:"userId"`
}

type settingsRequest struct {
	models.SettingsUpdate
	UserID string `json:"userId"`
}

type addElementRequest struct {
	PageNumber int                `json:"pageNumber"`
	Element    models.ElementSpec `json:"element"`
	UserID     string             `json:"userId"`
}

type updateElementRequest struct {
	PageNumber int                  `json:"pageNumber"`
	Updates    models.ElementUpdate `json:"updates"`
	UserID     string               `json:"userId"`
}

// MutationResponse is the data payload of every successful mutation.
type MutationResponse struct {
	Version  int64            `json:"version"`
	Element  *models.Element  `json:"element,omitempty"`
	Mutation models.Mutation  `json:"mutation"`
	Document *models.Document `json:"document"`
}

func mutationResponse(res *whiteboard.Result) MutationResponse {
	return MutationResponse{
		Version:  res.Version,
		Element:  res.Element,
		Mutation: res.Mutation,
		Document: res.Document,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, fmt.Errorf("%w: sessionId is required", models.ErrInvalidDocumentID))
		return
	}

	doc, err := s.svc.Create(r.Context(), req.SessionID, actor(r, req.UserID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	raw := r.URL.Query().Get("version")
	if raw == "" {
		doc, err := s.svc.Current(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}

	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad version %q", models.ErrInvalidMutation, raw))
		return
	}
	doc, err := s.svc.AtVersion(r.Context(), id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	from, err := queryInt(r, "from", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryInt(r, "to", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := s.svc.History(r.Context(), id, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleElementHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	records, err := s.svc.ElementHistory(r.Context(), vars["id"], vars["elementId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.SnapshotVersions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleAddPage(w http.ResponseWriter, r *http.Request) {
	var req addPageRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.AddPage(r.Context(), mux.Vars(r)["id"], actor(r, req.UserID), req.Background)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse(res))
}

func (s *Server) handleSetActivePage(w http.ResponseWriter, r *http.Request) {
	var req activePageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.SetActivePage(r.Context(), mux.Vars(r)["id"], actor(r, req.UserID), req.PageNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse(res))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.UpdateSettings(r.Context(), mux.Vars(r)["id"], actor(r, req.UserID), req.SettingsUpdate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse(res))
}

func (s *Server) handleAddElement(w http.ResponseWriter, r *http.Request) {
	var req addElementRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.AddElement(r.Context(), mux.Vars(r)["id"], actor(r, req.UserID), req.PageNumber, req.Element)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse(res))
}

func (s *Server) handleUpdateElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req updateElementRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.UpdateElement(r.Context(), vars["id"], actor(r, req.UserID), req.PageNumber, vars["elementId"], req.Updates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse(res))
}

func (s *Server) handleRemoveElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.RemoveElement(r.Context(), vars["id"], actor(r, ""), int(page), vars["elementId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse(res))
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Freeze(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func actor(r *http.Request, bodyUser string) string {
	if id := strings.TrimSpace(r.Header.Get(actorHeader)); id != "" {
		return id
	}
	if bodyUser != "" {
		return bodyUser
	}
	return defaultActor
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrInvalidMutation, err)
	}
	return nil
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeBody(w, r, v)
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", models.ErrInvalidMutation, key, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := envelope{Success: false, Error: err.Error()}
	if v, ok := models.LastVersion(err); ok {
		body.Version = &v
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrDocumentNotFound),
		errors.Is(err, models.ErrPageNotFound),
		errors.Is(err, models.ErrElementNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidElement),
		errors.Is(err, models.ErrInvalidDocumentID),
		errors.Is(err, models.ErrInvalidMutation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDocumentFrozen):
		return http.StatusLocked
	case errors.Is(err, models.ErrDocumentExists),
		errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrVersionCompacted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
