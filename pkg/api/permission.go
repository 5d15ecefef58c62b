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

package api

import "strings"

// Permission is an enumerated authorisation tag. The authoritative set is
// fixed; serialisation is all-lowercase with no separators.
type Permission string

const (
	PermView          Permission = "view"
	PermManage        Permission = "manage"
	PermCreate        Permission = "create"
	PermDestroy       Permission = "destroy"
	PermShell         Permission = "shell"
	PermLogs          Permission = "logs"
	PermActionRead    Permission = "actionread"
	PermActionWrite   Permission = "actionwrite"
	PermActionCreate  Permission = "actioncreate"
	PermActionList    Permission = "actionlist"
	PermActionDelete  Permission = "actiondelete"
	PermActionApprove Permission = "actionapprove"
	PermAdminRead     Permission = "adminread"
	PermAdminWrite    Permission = "adminwrite"
	// PermWildcard grants every permission.
	PermWildcard Permission = "*"
)

// AllPermissions is the authoritative, closed set.
var AllPermissions = []Permission{
	PermView, PermManage, PermCreate, PermDestroy, PermShell, PermLogs,
	PermActionRead, PermActionWrite, PermActionCreate, PermActionList,
	PermActionDelete, PermActionApprove, PermAdminRead, PermAdminWrite,
}

// snakeCaseAliases maps deprecated snake_case spellings to their canonical form.
var snakeCaseAliases = map[string]Permission{
	"action_read":    PermActionRead,
	"action_write":   PermActionWrite,
	"action_create":  PermActionCreate,
	"action_list":    PermActionList,
	"action_delete":  PermActionDelete,
	"action_approve": PermActionApprove,
	"admin_read":     PermAdminRead,
	"admin_write":    PermAdminWrite,
}

// ParsePermission resolves a serialised permission string, accepting the
// deprecated snake_case spellings for backward compatibility. ok is false for
// anything outside the authoritative set. deprecated is true when the
// snake_case alias path was taken, so callers can log a deprecation signal.
func ParsePermission(s string) (p Permission, deprecated bool, ok bool) {
	lower := strings.ToLower(s)
	if lower == string(PermWildcard) {
		return PermWildcard, false, true
	}
	for _, candidate := range AllPermissions {
		if string(candidate) == lower {
			return candidate, false, true
		}
	}
	if canonical, found := snakeCaseAliases[lower]; found {
		return canonical, true, true
	}
	return "", false, false
}

// Role is a name bound to a set of permissions; "*" in Permissions grants
// every permission in AllPermissions.
type Role struct {
	Name        string
	Permissions map[Permission]bool
}

// Grants reports whether the role includes perm, expanding the wildcard.
func (r Role) Grants(perm Permission) bool {
	if r.Permissions[PermWildcard] {
		return true
	}
	return r.Permissions[perm]
}
