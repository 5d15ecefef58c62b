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

// Package registry is the Application Registry (C5): a concurrent mapping of
// app name to application record, the single source of truth in memory.
// Entries are reference-counted immutable snapshots so readers never copy
// the inner record and never block writers.
package registry

import (
	"sync"

	"github.com/factorial-io/scotty/pkg/api"
)

// Entry is a cheaply-cloneable handle to an Application snapshot. Copying an
// Entry copies the pointer, not the Application.
type Entry struct {
	app *api.Application
}

// App returns the immutable Application snapshot. Callers must not mutate
// the returned value; Upsert with a modified copy instead.
func (e Entry) App() *api.Application {
	return e.app
}

// Registry is the concurrent map of app name -> Entry. A reader-preferred
// RWMutex guards the map itself; the Application values it holds are never
// mutated in place, only replaced, so readers that already hold an Entry
// never observe a half-written record.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Get returns the current entry for name, if any.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns a snapshot slice of every current entry. The slice itself is
// a fresh copy; the Application values behind each Entry are shared.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Upsert atomically replaces (or creates) the entry for app.Name.
func (r *Registry) Upsert(app *api.Application) Entry {
	e := Entry{app: app}
	r.mu.Lock()
	r.entries[app.Name] = e
	r.mu.Unlock()
	return e
}

// Remove deletes the entry for name, if present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// AllScopes returns the union of every scope declared by every app
// currently registered. It satisfies authz.ScopeUniverse.
func (r *Registry) AllScopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, e := range r.entries {
		for _, s := range e.app.ScopesOrDefault() {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// Visible filters List to the apps where predicate returns true, e.g. for
// "apps where principal has view" per §6.1.
func (r *Registry) Visible(predicate func(*api.Application) bool) []*api.Application {
	entries := r.List()
	out := make([]*api.Application, 0, len(entries))
	for _, e := range entries {
		if predicate(e.app) {
			out = append(out, e.app)
		}
	}
	return out
}
