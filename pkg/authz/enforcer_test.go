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

package authz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/api"
)

// scenario 3 from spec.md §8: scope-gated view access, updated after a
// scope change on the app.
func TestCanHonoursAppScopes(t *testing.T) {
	policy, err := Parse([]byte(`
roles:
  developer: [view, manage, logs, shell]
assignments:
  alice@example.com:
    - role: developer
      scopes: [frontend]
`))
	require.NoError(t, err)
	e := NewEnforcer(policy)
	alice := api.NewEmailPrincipal("alice@example.com")

	require.False(t, e.Can(alice, []string{"backend"}, api.PermView, nil))
	require.True(t, e.Can(alice, []string{"frontend", "backend"}, api.PermView, nil))
}

// scenario 4 from spec.md §8: domain-pattern, wildcard and exact-email
// assignments are additive, never first-match-wins (§4.2 step 1; resolved
// Open Question in DESIGN.md).
func TestCanUnionsAssignmentFormsAdditively(t *testing.T) {
	policy, err := Parse([]byte(`
roles:
  viewer: [view]
  admin: [view, manage, destroy]
  nothing: []
assignments:
  "@example.com":
    - role: viewer
      scopes: ["*"]
  "*":
    - role: nothing
      scopes: ["*"]
  carol@example.com:
    - role: admin
      scopes: ["*"]
`))
	require.NoError(t, err)
	e := NewEnforcer(policy)

	carol := api.NewEmailPrincipal("carol@example.com")
	require.True(t, e.Can(carol, []string{"default"}, api.PermView, nil))
	require.True(t, e.Can(carol, []string{"default"}, api.PermManage, nil))
	require.True(t, e.Can(carol, []string{"default"}, api.PermDestroy, nil))

	dave := api.NewEmailPrincipal("dave@example.com")
	require.True(t, e.Can(dave, []string{"default"}, api.PermView, nil))
	require.False(t, e.Can(dave, []string{"default"}, api.PermManage, nil))
}

func TestCanSkipsScopePredicateForGlobalChecks(t *testing.T) {
	policy, err := Parse([]byte(`
roles:
  creator: [create]
assignments:
  bob@example.com:
    - role: creator
      scopes: [frontend]
`))
	require.NoError(t, err)
	e := NewEnforcer(policy)
	bob := api.NewEmailPrincipal("bob@example.com")

	require.True(t, e.Can(bob, nil, api.PermCreate, nil))
	require.False(t, e.Can(bob, nil, api.PermDestroy, nil))
}

func TestReloadSwapsPolicyAtomically(t *testing.T) {
	before, err := Parse([]byte(`
roles:
  viewer: [view]
assignments:
  "*":
    - role: viewer
      scopes: ["*"]
`))
	require.NoError(t, err)
	e := NewEnforcer(before)
	anyone := api.NewEmailPrincipal("anyone@example.com")
	require.True(t, e.Can(anyone, []string{"default"}, api.PermView, nil))

	after := Empty()
	e.Reload(after)
	require.False(t, e.Can(anyone, []string{"default"}, api.PermView, nil))
}

func TestParseRejectsUnknownRoleReference(t *testing.T) {
	_, err := Parse([]byte(`
roles:
  viewer: [view]
assignments:
  "*":
    - role: ghost
      scopes: ["*"]
`))
	require.Error(t, err)
}

// §3: "Role: name -> set of permissions (with "*" meaning every permission)".
func TestParseAcceptsWildcardRolePermission(t *testing.T) {
	policy, err := Parse([]byte(`
roles:
  admin: ["*"]
assignments:
  "*":
    - role: admin
      scopes: ["*"]
`))
	require.NoError(t, err)
	e := NewEnforcer(policy)
	anyone := api.NewEmailPrincipal("anyone@example.com")

	require.True(t, e.Can(anyone, []string{"default"}, api.PermView, nil))
	require.True(t, e.Can(anyone, []string{"default"}, api.PermDestroy, nil))
	require.True(t, e.Can(anyone, nil, api.PermCreate, nil))
}

func TestParseAcceptsDeprecatedSnakeCasePermission(t *testing.T) {
	policy, err := Parse([]byte(`
roles:
  reviewer: [action_approve]
assignments:
  "*":
    - role: reviewer
      scopes: ["*"]
`))
	require.NoError(t, err)
	e := NewEnforcer(policy)
	anyone := api.NewEmailPrincipal("anyone@example.com")
	require.True(t, e.Can(anyone, []string{"default"}, api.PermActionApprove, nil))
}
