// ABOUTME: Read-only HTML dashboard for browsing whiteboards
// ABOUTME: Lists boards and renders a board's pages at any retained version
package web

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/harperreed/whiteboard/models"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	infos, err := s.svc.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), StatusFor(err))
		return
	}

	data := map[string]interface{}{
		"Title":  "Whiteboards",
		"Boards": infos,
	}
	s.renderTemplate(w, "dashboard", data)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var doc *models.Document
	var err error
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			http.Error(w, "bad version", http.StatusBadRequest)
			return
		}
		doc, err = s.svc.AtVersion(r.Context(), id, v)
	} else {
		doc, err = s.svc.Current(r.Context(), id)
	}
	if err != nil {
		http.Error(w, err.Error(), StatusFor(err))
		return
	}

	info, err := s.svc.Info(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), StatusFor(err))
		return
	}

	data := map[string]interface{}{
		"Title":    "Whiteboard " + doc.ID,
		"Document": doc,
		"Info":     info,
	}
	s.renderTemplate(w, "board", data)
}

func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("template error", "template", name, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// renderContent shows text payloads as text and anything else as JSON.
func renderContent(raw json.RawMessage) template.HTML {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML("<code>" + template.HTMLEscapeString(string(raw)) + "</code>")
}
