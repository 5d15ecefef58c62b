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

// Package api holds the wire-level vocabulary shared by every component of
// Scotty: application records, settings, tasks, principals and permissions.
// Nothing in this package talks to the filesystem or a container runtime.
package api

import (
	"time"

	"github.com/factorial-io/scotty/pkg/secret"
)

// Classification describes how much the engine is allowed to do to an app.
type Classification string

const (
	// ClassOwned apps have a .scotty.yml and are fully managed.
	ClassOwned Classification = "owned"
	// ClassSupported apps have a compose file Scotty understands but no settings file.
	ClassSupported Classification = "supported"
	// ClassUnsupported apps were rejected by the loader (host ports, unknown interpolation, ...).
	ClassUnsupported Classification = "unsupported"
)

// Status is the application lifecycle state as tracked by the registry.
type Status string

const (
	StatusCreating    Status = "creating"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusDestroying  Status = "destroying"
	StatusUnsupported Status = "unsupported"
)

// ContainerState is the observed state of a single container backing a Service.
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
	ContainerAbsent  ContainerState = "absent"
)

// Service is one compose service of an Application, re-derived every
// reconciliation cycle from the running container set. It is never persisted
// on its own.
type Service struct {
	Name       string
	Image      string
	State      ContainerState
	PublicURLs []string
}

// DefaultScope is the scope every Application carries when Settings don't
// declare one explicitly.
const DefaultScope = "default"

// WildcardScope matches every scope known to the system.
const WildcardScope = "*"

// Application is the unit of lifecycle management: a folder, a compose file,
// and (for Owned apps) a settings file.
type Application struct {
	Name           string
	Classification Classification
	Status         Status
	Services       []Service
	LastChecked    time.Time
	Settings       *AppSettings
	Scopes         []string
	LastError      string
}

// ScopesOrDefault returns the app's scope set, defaulting to {"default"}.
func (a *Application) ScopesOrDefault() []string {
	if len(a.Scopes) == 0 {
		return []string{DefaultScope}
	}
	return a.Scopes
}

// TTLKind discriminates the three shapes time_to_live can take.
type TTLKind int

const (
	TTLHours TTLKind = iota
	TTLDays
	TTLForever
)

// TimeToLive is a sum type over Hours(u32) | Days(u32) | Forever.
type TimeToLive struct {
	Kind  TTLKind
	Value uint32
}

// Duration converts the TTL into a time.Duration; Forever returns ok=false.
func (t TimeToLive) Duration() (time.Duration, bool) {
	switch t.Kind {
	case TTLHours:
		return time.Duration(t.Value) * time.Hour, true
	case TTLDays:
		return time.Duration(t.Value) * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// BasicAuth is a proxy-level credential pair gating access to an app.
type BasicAuth struct {
	Username string
	Password secret.Secret
}

// AppSettings is the content persisted as .scotty.yml inside the app folder.
type AppSettings struct {
	PublicServices   map[string]int    // service name -> port
	DomainSuffix     string            // override for the global default
	CustomDomains    map[string][]string
	BasicAuth        *BasicAuth
	AllowRobots      bool
	TimeToLive       TimeToLive
	DestroyOnTTL     bool
	Environment      secret.Map
	RegistryID       string
	AllowedMiddlewares []string
	Scopes           []string
	BlueprintID      string
	Notifications    []string
	CustomActions    map[string]*CustomAction
}

// ActionStatus is the approval state of a CustomAction.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionRevoked  ActionStatus = "revoked"
	ActionExpired  ActionStatus = "expired"
)

// CustomAction is an ad-hoc per-app command set subject to an approval workflow.
type CustomAction struct {
	Name        string
	Description string
	Commands    map[string][]string // service -> ordered command list
	Permission  Permission
	Creator     Principal
	CreatedAt   time.Time
	Status      ActionStatus
	Reviewer    *Principal
	ReviewedAt  *time.Time
	ReviewNote  string
	Expiry      *time.Time
}

// Executable reports whether the action may run right now.
func (c *CustomAction) Executable(now time.Time) bool {
	if c.Status != ActionApproved {
		return false
	}
	if c.Expiry != nil && !c.Expiry.After(now) {
		return false
	}
	return true
}

// LifecycleHook names a Blueprint-driven post-operation action point.
type LifecycleHook string

const (
	HookPostCreate  LifecycleHook = "post_create"
	HookPostRun     LifecycleHook = "post_run"
	HookPostRebuild LifecycleHook = "post_rebuild"
	HookPostDestroy LifecycleHook = "post_destroy"
)

// Blueprint is a named bundle of required services, public-service map, and
// lifecycle action scripts, resolved by id when creating or hooking apps.
type Blueprint struct {
	ID              string
	Name            string
	Description     string
	RequiredServices []string
	PublicServices  map[string]int
	Hooks           map[LifecycleHook]map[string][]string // hook -> service -> commands
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskFinished TaskState = "finished"
	TaskFailed   TaskState = "failed"
)

// Operation is the lifecycle verb a Task carries out.
type Operation string

const (
	OpCreate  Operation = "create"
	OpRun     Operation = "run"
	OpStop    Operation = "stop"
	OpRebuild Operation = "rebuild"
	OpDestroy Operation = "destroy"
	OpPurge   Operation = "purge"
	OpAction  Operation = "action"
)

// Task is one in-flight or recently-finished lifecycle operation.
type Task struct {
	ID        string
	App       string
	Operation Operation
	State     TaskState
	Creator   Principal
	StartedAt time.Time
	EndedAt   time.Time
	ExitCode  int
	// FailureKind records the originating api error kind when State == TaskFailed.
	FailureKind string
}
