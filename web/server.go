// ABOUTME: HTTP server exposing the whiteboard engine as a JSON API, live stream, and dashboard
// ABOUTME: Routes with gorilla/mux and logs every request through httpsnoop
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/harperreed/whiteboard/whiteboard"
)

//go:embed templates/*
var templatesFS embed.FS

const shutdownTimeout = 5 * time.Second

type Server struct {
	svc       *whiteboard.Service
	logger    *log.Logger
	templates *template.Template
	upgrader  websocket.Upgrader
	router    *mux.Router
}

func NewServer(svc *whiteboard.Service, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	funcMap := template.FuncMap{
		"content": renderContent,
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		svc:       svc,
		logger:    logger.With("component", "web"),
		templates: tmpl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)

	r.Methods(http.MethodPost).Path("/whiteboards").HandlerFunc(s.handleCreate)
	r.Methods(http.MethodGet).Path("/whiteboards").HandlerFunc(s.handleList)

	api := r.PathPrefix("/whiteboards").Subrouter()
	api.Methods(http.MethodGet).Path("/{id}").HandlerFunc(s.handleGet)
	api.Methods(http.MethodGet).Path("/{id}/history").HandlerFunc(s.handleHistory)
	api.Methods(http.MethodGet).Path("/{id}/snapshots").HandlerFunc(s.handleSnapshots)
	api.Methods(http.MethodPost).Path("/{id}/pages").HandlerFunc(s.handleAddPage)
	api.Methods(http.MethodPut).Path("/{id}/active-page").HandlerFunc(s.handleSetActivePage)
	api.Methods(http.MethodPut).Path("/{id}/settings").HandlerFunc(s.handleUpdateSettings)
	api.Methods(http.MethodPost).Path("/{id}/elements").HandlerFunc(s.handleAddElement)
	api.Methods(http.MethodPatch).Path("/{id}/elements/{elementId}").HandlerFunc(s.handleUpdateElement)
	api.Methods(http.MethodDelete).Path("/{id}/elements/{elementId}").HandlerFunc(s.handleRemoveElement)
	api.Methods(http.MethodGet).Path("/{id}/elements/{elementId}/history").HandlerFunc(s.handleElementHistory)
	api.Methods(http.MethodPost).Path("/{id}/freeze").HandlerFunc(s.handleFreeze)
	api.Methods(http.MethodGet).Path("/{id}/stream").HandlerFunc(s.handleStream)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.handleDashboard)
	r.Methods(http.MethodGet).Path("/boards/{id}").HandlerFunc(s.handleBoard)
	return r
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled", "method", r.Method, "path", r.URL.Path, "status", m.Code, "duration", m.Duration)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
