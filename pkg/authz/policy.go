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

// Package authz implements the scope/role/permission matcher (C3): it
// resolves a principal to role/scope assignments and answers
// can(principal, app, permission) with RBAC plus wildcard and
// domain-pattern expansion.
package authz

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/api"
)

// RoleBinding pairs a role name with the scopes it is granted for a given
// assignment key.
type RoleBinding struct {
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes"`
}

// policyDocument is the on-disk shape of the policy file.
type policyDocument struct {
	Roles       map[string][]string      `yaml:"roles"`
	Assignments map[string][]RoleBinding `yaml:"assignments"`
}

// Policy is an immutable, atomically-swappable snapshot of the
// authorisation configuration. Reload replaces the snapshot wholesale; any
// Enforcer holding an old *Policy keeps evaluating against it until it
// re-reads the atomic pointer.
type Policy struct {
	roles       map[string]api.Role
	assignments map[string][]RoleBinding
}

// Load parses a policy document (conventionally stored at
// config/casbin/policy.yaml per the on-disk format) into a Policy snapshot.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading policy file %s", path)
	}
	return Parse(data)
}

// Parse builds a Policy from raw YAML bytes.
func Parse(data []byte) (*Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing policy document")
	}

	roles := make(map[string]api.Role, len(doc.Roles))
	for name, perms := range doc.Roles {
		permSet := make(map[api.Permission]bool, len(perms))
		for _, raw := range perms {
			perm, deprecated, ok := api.ParsePermission(raw)
			if !ok {
				return nil, errors.Errorf("role %q: unknown permission %q", name, raw)
			}
			if deprecated {
				logDeprecatedPermission(name, raw, perm)
			}
			permSet[perm] = true
		}
		roles[name] = api.Role{Name: name, Permissions: permSet}
	}

	for assignee, bindings := range doc.Assignments {
		for _, b := range bindings {
			if _, ok := roles[b.Role]; !ok {
				return nil, errors.Errorf("assignment %q references unknown role %q", assignee, b.Role)
			}
		}
	}

	return &Policy{roles: roles, assignments: doc.Assignments}, nil
}

// Empty returns a Policy granting nothing, used as a safe default before the
// first successful Load.
func Empty() *Policy {
	return &Policy{roles: map[string]api.Role{}, assignments: map[string][]RoleBinding{}}
}
