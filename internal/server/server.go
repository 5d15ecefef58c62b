/*
   Copyright 2020 Docker Compose CLI authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package server implements the REST API (§6.1) and the bidirectional
// message channel (§6.2) that exposes the lifecycle engine, the output
// fabric and the session authoriser over HTTP/WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/internal/authn"
	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/lifecycle"
	"github.com/factorial-io/scotty/pkg/output"
	"github.com/factorial-io/scotty/pkg/registry"
	"github.com/factorial-io/scotty/pkg/shell"
	"github.com/factorial-io/scotty/pkg/task"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// AuthMode describes which authentication path is enabled, surfaced by
// GET /api/v1/info.
type AuthMode string

const (
	AuthModeBearer AuthMode = "bearer"
	AuthModeOIDC   AuthMode = "oidc"
	AuthModeBoth   AuthMode = "bearer+oidc"
)

// Server wires together the Registry, Task Manager, Enforcer, Output
// Fabric and Session Authoriser behind gorilla/mux routes.
type Server struct {
	Registry      *registry.Registry
	Tasks         *task.Manager
	Enforcer      *authz.Enforcer
	Fabric        *output.Fabric
	Shells        *shell.Manager
	ShellOpener   runtime.ShellOpener
	Authenticator *authn.Authenticator
	AuthMode      AuthMode

	router *mux.Router
}

// New builds a Server with its routes mounted.
func New(s *Server) *Server {
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/info", s.handleInfo).Methods(http.MethodGet)

	auth := s.router.PathPrefix("/api/v1/authenticated").Subrouter()
	auth.Use(s.authMiddleware)

	auth.HandleFunc("/apps/list", s.handleListApps).Methods(http.MethodGet)
	auth.HandleFunc("/apps", s.handleCreateApp).Methods(http.MethodPost)
	auth.HandleFunc("/apps/{name}/{op}", s.handleOperation).Methods(http.MethodPost)
	auth.HandleFunc("/apps/{name}/actions/{action}", s.handleCustomAction).Methods(http.MethodPost)
	auth.HandleFunc("/channel", s.handleChannel).Methods(http.MethodGet)

	s.customActionRoutes(auth)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run starts an HTTP server on addr and blocks until ctx is cancelled, then
// shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("server: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logrus.Info("server: shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"auth_mode": string(s.AuthMode),
	})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	visible := s.Registry.Visible(func(app *api.Application) bool {
		return s.Enforcer.Can(principal, app.ScopesOrDefault(), api.PermView, s.Registry)
	})
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if !s.Enforcer.Can(principal, nil, api.PermCreate, s.Registry) {
		writeError(w, http.StatusForbidden, api.ErrForbidden)
		return
	}

	var body struct {
		Name        string           `json:"name"`
		ComposeYAML string           `json:"compose_yaml"`
		Settings    *api.AppSettings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrInvalid)
		return
	}

	payload := &lifecycle.CreatePayload{
		Name:        body.Name,
		ComposeYAML: []byte(body.ComposeYAML),
		Settings:    body.Settings,
	}
	t, err := s.Tasks.Submit(r.Context(), body.Name, api.OpCreate, principal, payload)
	s.respondTask(w, t, err)
}

var opPermission = map[string]api.Permission{
	"run":     api.PermManage,
	"stop":    api.PermManage,
	"rebuild": api.PermManage,
	"purge":   api.PermManage,
	"destroy": api.PermDestroy,
}

var opKind = map[string]api.Operation{
	"run":     api.OpRun,
	"stop":    api.OpStop,
	"rebuild": api.OpRebuild,
	"purge":   api.OpPurge,
	"destroy": api.OpDestroy,
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, opName := vars["name"], vars["op"]

	op, ok := opKind[opName]
	if !ok {
		writeError(w, http.StatusBadRequest, api.ErrInvalid)
		return
	}
	perm := opPermission[opName]

	principal := principalFrom(r.Context())
	entry, ok := s.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return
	}
	if !s.Enforcer.Can(principal, entry.App().ScopesOrDefault(), perm, s.Registry) {
		writeError(w, http.StatusForbidden, api.ErrForbidden)
		return
	}

	t, err := s.Tasks.Submit(r.Context(), name, op, principal, nil)
	s.respondTask(w, t, err)
}

func (s *Server) handleCustomAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, actionName := vars["name"], vars["action"]

	principal := principalFrom(r.Context())
	entry, ok := s.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return
	}
	app := entry.App()
	if app.Settings == nil {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return
	}
	action, ok := app.Settings.CustomActions[actionName]
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return
	}
	if !action.Executable(time.Now()) {
		writeError(w, http.StatusConflict, api.ErrInvalid)
		return
	}
	if !s.Enforcer.Can(principal, app.ScopesOrDefault(), action.Permission, s.Registry) {
		writeError(w, http.StatusForbidden, api.ErrForbidden)
		return
	}

	t, err := s.Tasks.Submit(r.Context(), name, api.OpAction, principal, action)
	s.respondTask(w, t, err)
}

func (s *Server) respondTask(w http.ResponseWriter, t *api.Task, err error) {
	if err != nil {
		if busy, ok := err.(*api.AppBusyError); ok {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "app_busy", "task_id": busy.TaskID})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
