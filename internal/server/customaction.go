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

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/factorial-io/scotty/pkg/api"
)

// Custom action review workflow (§3 CustomAction, SPEC_FULL supplemented
// feature 5): create/list/approve/reject/revoke, on top of the execute path
// in handleCustomAction. Every write goes through the Registry's per-app
// Upsert so readers never observe a half-written Settings.

func (s *Server) customActionRoutes(auth *mux.Router) {
	auth.HandleFunc("/apps/{name}/actions", s.handleListActions).Methods(http.MethodGet)
	auth.HandleFunc("/apps/{name}/actions", s.handleCreateAction).Methods(http.MethodPost)
	auth.HandleFunc("/apps/{name}/actions/{action}/approve", s.handleReviewAction(api.ActionApproved)).Methods(http.MethodPost)
	auth.HandleFunc("/apps/{name}/actions/{action}/reject", s.handleReviewAction(api.ActionRejected)).Methods(http.MethodPost)
	auth.HandleFunc("/apps/{name}/actions/{action}/revoke", s.handleReviewAction(api.ActionRevoked)).Methods(http.MethodPost)
	auth.HandleFunc("/apps/{name}/actions/{action}", s.handleDeleteAction).Methods(http.MethodDelete)
}

func (s *Server) appAndSettings(w http.ResponseWriter, r *http.Request, name string) (*api.Application, bool) {
	entry, ok := s.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return nil, false
	}
	app := entry.App()
	if app.Settings == nil {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return nil, false
	}
	return app, true
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	principal := principalFrom(r.Context())
	app, ok := s.appAndSettings(w, r, name)
	if !ok {
		return
	}
	if !s.Enforcer.Can(principal, app.ScopesOrDefault(), api.PermActionList, s.Registry) {
		writeError(w, http.StatusForbidden, api.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, app.Settings.CustomActions)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	principal := principalFrom(r.Context())
	app, ok := s.appAndSettings(w, r, name)
	if !ok {
		return
	}
	if !s.Enforcer.Can(principal, app.ScopesOrDefault(), api.PermActionCreate, s.Registry) {
		writeError(w, http.StatusForbidden, api.ErrForbidden)
		return
	}

	var body struct {
		Name        string              `json:"name"`
		Description string              `json:"description"`
		Commands    map[string][]string `json:"commands"`
		Permission  api.Permission      `json:"permission"`
		Expiry      *time.Time          `json:"expiry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, api.ErrInvalid)
		return
	}
	if _, exists := app.Settings.CustomActions[body.Name]; exists {
		writeError(w, http.StatusConflict, api.ErrAlreadyExists)
		return
	}

	action := &api.CustomAction{
		Name:        body.Name,
		Description: body.Description,
		Commands:    body.Commands,
		Permission:  body.Permission,
		Creator:     principal,
		CreatedAt:   time.Now(),
		Status:      api.ActionPending,
		Expiry:      body.Expiry,
	}

	updated := cloneAppWithAction(app, action)
	s.Registry.Upsert(updated)
	writeJSON(w, http.StatusCreated, action)
}

// handleReviewAction returns a handler that sets an action's status to next,
// recording reviewer/comment/time. The action's current status is not
// checked, so any action can be moved to next.
func (s *Server) handleReviewAction(next api.ActionStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		name, actionName := vars["name"], vars["action"]
		principal := principalFrom(r.Context())
		app, ok := s.appAndSettings(w, r, name)
		if !ok {
			return
		}
		if !s.Enforcer.Can(principal, app.ScopesOrDefault(), api.PermActionApprove, s.Registry) {
			writeError(w, http.StatusForbidden, api.ErrForbidden)
			return
		}
		action, ok := app.Settings.CustomActions[actionName]
		if !ok {
			writeError(w, http.StatusNotFound, api.ErrNotFound)
			return
		}

		var body struct {
			Comment string `json:"comment"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		reviewed := *action
		reviewed.Status = next
		reviewed.Reviewer = &principal
		now := time.Now()
		reviewed.ReviewedAt = &now
		reviewed.ReviewNote = body.Comment

		updated := cloneAppWithAction(app, &reviewed)
		s.Registry.Upsert(updated)
		writeJSON(w, http.StatusOK, &reviewed)
	}
}

func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, actionName := vars["name"], vars["action"]
	principal := principalFrom(r.Context())
	app, ok := s.appAndSettings(w, r, name)
	if !ok {
		return
	}
	if !s.Enforcer.Can(principal, app.ScopesOrDefault(), api.PermActionDelete, s.Registry) {
		writeError(w, http.StatusForbidden, api.ErrForbidden)
		return
	}
	if _, exists := app.Settings.CustomActions[actionName]; !exists {
		writeError(w, http.StatusNotFound, api.ErrNotFound)
		return
	}

	clone := *app.Settings
	actions := make(map[string]*api.CustomAction, len(clone.CustomActions))
	for k, v := range clone.CustomActions {
		if k != actionName {
			actions[k] = v
		}
	}
	clone.CustomActions = actions

	updated := *app
	updated.Settings = &clone
	s.Registry.Upsert(&updated)
	w.WriteHeader(http.StatusNoContent)
}

// cloneAppWithAction returns a copy of app with action merged into its
// Settings.CustomActions map, leaving the original Application (and the
// Entry readers may already hold) untouched.
func cloneAppWithAction(app *api.Application, action *api.CustomAction) *api.Application {
	clone := *app.Settings
	actions := make(map[string]*api.CustomAction, len(clone.CustomActions)+1)
	for k, v := range clone.CustomActions {
		actions[k] = v
	}
	actions[action.Name] = action
	clone.CustomActions = actions

	updated := *app
	updated.Settings = &clone
	return &updated
}
