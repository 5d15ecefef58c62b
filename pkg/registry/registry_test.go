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

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/api"
)

func TestUpsertGetRoundTrip(t *testing.T) {
	r := New()
	app := &api.Application{Name: "nginx-test", Status: api.StatusRunning}

	r.Upsert(app)

	e, ok := r.Get("nginx-test")
	require.True(t, ok)
	require.Equal(t, app, e.App())

	_, ok = r.Get("missing")
	require.False(t, ok)
}

func TestRemoveDeletesEntry(t *testing.T) {
	r := New()
	r.Upsert(&api.Application{Name: "app-1"})
	r.Remove("app-1")

	_, ok := r.Get("app-1")
	require.False(t, ok)
}

func TestUpsertReplacesNotMutates(t *testing.T) {
	r := New()
	first := &api.Application{Name: "app-1", Status: api.StatusCreating}
	r.Upsert(first)

	second := &api.Application{Name: "app-1", Status: api.StatusRunning}
	r.Upsert(second)

	e, ok := r.Get("app-1")
	require.True(t, ok)
	require.Equal(t, api.StatusRunning, e.App().Status)
	require.Equal(t, api.StatusCreating, first.Status, "the old Application value is never mutated in place")
}

func TestListReturnsSnapshot(t *testing.T) {
	r := New()
	r.Upsert(&api.Application{Name: "a"})
	r.Upsert(&api.Application{Name: "b"})

	entries := r.List()
	require.Len(t, entries, 2)

	r.Upsert(&api.Application{Name: "c"})
	require.Len(t, entries, 2, "a previously taken List snapshot is unaffected by later writes")
}

func TestAllScopesUnionsEveryApp(t *testing.T) {
	r := New()
	r.Upsert(&api.Application{Name: "a", Scopes: []string{"frontend"}})
	r.Upsert(&api.Application{Name: "b", Scopes: []string{"backend"}})
	r.Upsert(&api.Application{Name: "c"})

	scopes := r.AllScopes()
	require.ElementsMatch(t, []string{"frontend", "backend", api.DefaultScope}, scopes)
}

func TestVisibleFiltersByPredicate(t *testing.T) {
	r := New()
	r.Upsert(&api.Application{Name: "visible-app", Scopes: []string{"frontend"}})
	r.Upsert(&api.Application{Name: "hidden-app", Scopes: []string{"backend"}})

	visible := r.Visible(func(a *api.Application) bool {
		return a.ScopesOrDefault()[0] == "frontend"
	})

	require.Len(t, visible, 1)
	require.Equal(t, "visible-app", visible[0].Name)
}

func TestRegistryConcurrentAccessDoesNotRace(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Upsert(&api.Application{Name: "app"})
		}(i)
		go func() {
			defer wg.Done()
			r.List()
		}()
	}
	wg.Wait()
}
