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

// Package lifecycle implements the State Machine (C9): the ordered step
// sequences for create/run/stop/rebuild/destroy/purge, driving the
// external runtime contract and the Override Synthesiser.
package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/override"
	"github.com/factorial-io/scotty/pkg/registry"
	"github.com/factorial-io/scotty/pkg/task"
)

// SecretResolver expands a secret URI (e.g. an `op://` reference) to its
// plaintext value; the concrete resolver is an external collaborator
// (internal/secretsprovider).
type SecretResolver interface {
	Resolve(ctx context.Context, uri string) (string, error)
}

// BlueprintResolver resolves a blueprint id to its definition; the
// concrete resolver is pkg/blueprint.Library.
type BlueprintResolver interface {
	Get(id string) (*api.Blueprint, bool)
}

// Deps bundles the external collaborators every step needs. AppsRoot is the
// filesystem root apps are materialised under (`<root>/<name>/`, §4.5).
type Deps struct {
	Runtime    runtime.Client
	Registry   *registry.Registry
	Secrets    SecretResolver
	Blueprints BlueprintResolver
	Proxy      override.ProxyConfig
	AppsRoot   string
	DomainBase string
}

// CreatePayload is the Execution.Data shape for OpCreate.
type CreatePayload struct {
	Name        string
	ComposeYAML []byte
	Settings    *api.AppSettings
}

// MaxCreatePayloadBytes bounds the post-decode size of a create payload
// (§4.5 step "create").
const MaxCreatePayloadBytes = 50 * 1024 * 1024

var slugDisallowed = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify normalises name into a URL-safe slug; the normalised form is
// authoritative per §3's naming invariant.
func Slugify(name string) string {
	lower := strings.ToLower(name)
	slug := slugDisallowed.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "app"
	}
	return slug
}

// Sequences returns a task.Sequence bound to deps, resolving each
// Operation to its canonical ordered step list (§4.5).
func Sequences(deps Deps) task.Sequence {
	return func(op api.Operation) ([]task.Step, error) {
		switch op {
		case api.OpCreate:
			return createSteps(deps), nil
		case api.OpRun:
			return runSteps(deps), nil
		case api.OpStop:
			return stopSteps(deps), nil
		case api.OpRebuild:
			return rebuildSteps(deps), nil
		case api.OpPurge:
			return purgeSteps(deps), nil
		case api.OpDestroy:
			return destroySteps(deps), nil
		case api.OpAction:
			return actionSteps(deps), nil
		default:
			return nil, errors.Wrapf(api.ErrInvalid, "unknown operation %q", op)
		}
	}
}

func appDir(deps Deps, name string) string {
	return filepath.Join(deps.AppsRoot, name)
}

// createSteps returns the ordered "create" sequence: the steps specific to
// materialising a new app, followed by the full "run" sub-sequence (§4.5
// "create": "… → pull → run (see below) → run blueprint post_create"), so a
// freshly-created app also resolves its environment, logs into its registry,
// and runs post_run hooks on first bring-up rather than skipping straight to
// a bare `up`.
func createSteps(deps Deps) []task.Step {
	steps := []task.Step{
		{Name: "validate-payload", Run: func(ctx context.Context, ex *task.Execution) error {
			p, ok := ex.Data.(*CreatePayload)
			if !ok {
				return errors.Wrap(api.ErrInternal, "create: missing payload")
			}
			if len(p.ComposeYAML) > MaxCreatePayloadBytes {
				return errors.Wrapf(api.ErrInvalid, "compose payload exceeds %d bytes", MaxCreatePayloadBytes)
			}
			p.Name = Slugify(p.Name)
			// The submitted name may not have been slug-safe; the
			// normalised form is authoritative from here on (§3), so
			// every later step addresses the same registry entry this
			// step is about to create.
			ex.App = p.Name
			return nil
		}},
		{Name: "assert-not-existing", Run: func(ctx context.Context, ex *task.Execution) error {
			p := ex.Data.(*CreatePayload)
			if _, ok := deps.Registry.Get(p.Name); ok {
				return errors.Wrapf(api.ErrAlreadyExists, "app %s", p.Name)
			}
			if _, err := os.Stat(appDir(deps, p.Name)); err == nil {
				return errors.Wrapf(api.ErrAlreadyExists, "app directory %s", p.Name)
			}
			return nil
		}},
		{Name: "register-creating", Run: func(ctx context.Context, ex *task.Execution) error {
			p := ex.Data.(*CreatePayload)
			deps.Registry.Upsert(&api.Application{
				Name:           p.Name,
				Classification: api.ClassOwned,
				Status:         api.StatusCreating,
				Settings:       p.Settings,
				LastChecked:    time.Now(),
			})
			return nil
		}},
	}
	steps = append(steps, createFilesSteps(deps)...)
	steps = append(steps, runSteps(deps)...)
	steps = append(steps, task.Step{Name: "post-create-hooks", Run: hookStep(deps, api.HookPostCreate)})
	return steps
}

func createFilesSteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "materialise-files", Run: func(ctx context.Context, ex *task.Execution) error {
			p := ex.Data.(*CreatePayload)
			dir := appDir(deps, p.Name)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.Wrap(api.ErrInternal, err.Error())
			}
			if err := os.WriteFile(filepath.Join(dir, "docker-compose.yml"), p.ComposeYAML, 0o644); err != nil {
				return errors.Wrap(api.ErrInternal, err.Error())
			}
			return nil
		}},
		{Name: "resolve-blueprint", Run: func(ctx context.Context, ex *task.Execution) error {
			p := ex.Data.(*CreatePayload)
			if p.Settings == nil || p.Settings.BlueprintID == "" {
				return nil
			}
			bp, ok := deps.Blueprints.Get(p.Settings.BlueprintID)
			if !ok {
				return errors.Wrapf(api.ErrInvalid, "unknown blueprint %s", p.Settings.BlueprintID)
			}
			for _, svc := range bp.RequiredServices {
				if !strings.Contains(string(p.ComposeYAML), svc+":") {
					return errors.Wrapf(api.ErrInvalid, "blueprint %s requires service %s, not present in compose file", bp.ID, svc)
				}
			}
			return nil
		}},
		{Name: "synthesise-override", Run: synthesiseOverrideStep(deps)},
		{Name: "pull-images", Run: pullStep(deps)},
	}
}

func runSteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "resolve-environment", Run: resolveEnvironmentStep(deps)},
		{Name: "registry-login", Run: loginStep(deps)},
		{Name: "mark-starting", Run: markStatusStep(deps, api.StatusStarting)},
		{Name: "up", Run: upStep(deps)},
		{Name: "post-run-hooks", Run: hookStep(deps, api.HookPostRun)},
	}
}

// markStatusStep writes status onto the app's registry entry directly, the
// task-driven transition path §4.4 step 4 requires for Creating/Starting/
// Destroying (the reconciler never assigns these three; only a running task
// does). It is a no-op if the entry does not exist yet, which only happens
// if a step ordering bug drops the preceding "register-creating" step.
func markStatusStep(deps Deps, status api.Status) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		setStatus(deps, ex.App, status)
		return nil
	}
}

// setStatus replaces the registry entry's Application with a copy carrying
// status, preserving every other field; entries are never mutated in place
// (pkg/registry's invariant), only replaced.
func setStatus(deps Deps, name string, status api.Status) {
	entry, ok := deps.Registry.Get(name)
	if !ok {
		return
	}
	updated := *entry.App()
	updated.Status = status
	deps.Registry.Upsert(&updated)
}

func stopSteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "stop", Run: composeStep(deps, "stop")},
	}
}

func rebuildSteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "synthesise-override", Run: synthesiseOverrideStep(deps)},
		{Name: "pull-images", Run: pullStep(deps)},
		{Name: "down", Run: composeStep(deps, "down")},
		{Name: "up", Run: upStep(deps)},
		{Name: "post-rebuild-hooks", Run: hookStep(deps, api.HookPostRebuild)},
	}
}

func purgeSteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "stop-if-running", Run: func(ctx context.Context, ex *task.Execution) error {
			app, ok := deps.Registry.Get(ex.App)
			if !ok || app.App().Status != api.StatusRunning {
				return nil
			}
			return composeStep(deps, "stop")(ctx, ex)
		}},
		{Name: "rm", Run: composeStep(deps, "rm", "-f", "-v")},
	}
}

// destroySteps runs the ownership gate first, before anything destructive:
// §4.5 "destroy: permitted only on Owned apps; purge → remove directory …".
// There is no classification check at the API layer (handleOperation only
// checks the destroy permission), so assert-owned here is the only gate —
// it must reject a non-Owned app before purge touches its containers or
// anonymous volumes, not after.
//
// The purge that follows can't reuse purgeSteps' own "stop-if-running"
// verbatim: that step reads the live registry status, which mark-destroying
// has by then already overwritten with Destroying. destroySteps instead
// captures whether the app was running immediately before the status flip
// and carries that through Execution.Data for its own stop-if-running step.
func destroySteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "assert-owned", Run: func(ctx context.Context, ex *task.Execution) error {
			entry, ok := deps.Registry.Get(ex.App)
			if !ok {
				return errors.Wrapf(api.ErrNotFound, "app %s", ex.App)
			}
			if entry.App().Classification != api.ClassOwned {
				return errors.Wrapf(api.ErrForbidden, "destroy requires ownership of %s", ex.App)
			}
			return nil
		}},
		{Name: "mark-destroying", Run: func(ctx context.Context, ex *task.Execution) error {
			entry, ok := deps.Registry.Get(ex.App)
			ex.Data = ok && entry.App().Status == api.StatusRunning
			setStatus(deps, ex.App, api.StatusDestroying)
			return nil
		}},
		{Name: "stop-if-running", Run: func(ctx context.Context, ex *task.Execution) error {
			wasRunning, _ := ex.Data.(bool)
			if !wasRunning {
				return nil
			}
			return composeStep(deps, "stop")(ctx, ex)
		}},
		{Name: "rm", Run: composeStep(deps, "rm", "-f", "-v")},
		{Name: "remove-directory", Run: func(ctx context.Context, ex *task.Execution) error {
			if err := os.RemoveAll(appDir(deps, ex.App)); err != nil {
				return errors.Wrap(api.ErrInternal, err.Error())
			}
			return nil
		}},
		{Name: "deregister", Run: func(ctx context.Context, ex *task.Execution) error {
			deps.Registry.Remove(ex.App)
			return nil
		}},
		{Name: "post-destroy-hooks", Run: bestEffort(hookStep(deps, api.HookPostDestroy))},
	}
}

// actionSteps re-verifies a CustomAction's approval state and expiry
// immediately before running its per-service command list (§4.5
// "Custom-action execution"), then executes each service's commands in the
// order declared. The caller's permission is not checked here; the HTTP
// handler checks it before submitting the task.
func actionSteps(deps Deps) []task.Step {
	return []task.Step{
		{Name: "verify-action", Run: func(ctx context.Context, ex *task.Execution) error {
			action, ok := ex.Data.(*api.CustomAction)
			if !ok {
				return errors.Wrap(api.ErrInternal, "action: missing payload")
			}
			if !action.Executable(timeNow()) {
				return errors.Wrapf(api.ErrInvalid, "action %s is not approved or has expired", action.Name)
			}
			return nil
		}},
		{Name: "run-action", Run: func(ctx context.Context, ex *task.Execution) error {
			action := ex.Data.(*api.CustomAction)
			for service, cmd := range action.Commands {
				_, err := deps.Runtime.Run(ctx, runtime.Exec{
					Args: append([]string{"-p", ex.App, "exec", "-T", service}, cmd...),
					Dir:  appDir(deps, ex.App),
				}, ex)
				if err != nil {
					return err
				}
			}
			return nil
		}},
	}
}

// timeNow is indirected so a future cancellation-aware clock can be
// substituted in tests without touching call sites.
var timeNow = time.Now

// bestEffort swallows the wrapped step's error after logging, matching
// §4.5's "run post_destroy actions (best-effort)".
func bestEffort(step func(context.Context, *task.Execution) error) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		if err := step(ctx, ex); err != nil {
			ex.WriteLine("stderr", "post_destroy hooks failed (best-effort): "+err.Error())
		}
		return nil
	}
}

func composeStep(deps Deps, args ...string) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		e := runtime.Exec{
			Args: append([]string{"-p", ex.App}, args...),
			Dir:  appDir(deps, ex.App),
		}
		if env, ok := ex.Data.(resolvedEnv); ok {
			e.Env = map[string]string(env)
		}
		_, err := deps.Runtime.Run(ctx, e, ex)
		return err
	}
}

func upStep(deps Deps) func(context.Context, *task.Execution) error {
	return composeStep(deps, "up", "--detach")
}

func pullStep(deps Deps) func(context.Context, *task.Execution) error {
	return composeStep(deps, "pull")
}

func loginStep(deps Deps) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		entry, ok := deps.Registry.Get(ex.App)
		if !ok || entry.App().Settings == nil || entry.App().Settings.RegistryID == "" {
			return nil
		}
		return composeStep(deps, "login")(ctx, ex)
	}
}

// resolvedEnv is the Execution.Data shape resolveEnvironmentStep leaves
// behind for every later step in the "run" sequence to pass through to
// the runtime as Exec.Env (§4.5 "run").
type resolvedEnv map[string]string

// resolveEnvironmentStep expands `op://` secret URIs in the app's
// environment map via the secrets provider, then substitutes `${VAR}`
// references in the remaining values against that resolved map, leaving
// `${VAR:-default}` forms for compose itself to handle (§4.5 "run").
func resolveEnvironmentStep(deps Deps) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		entry, ok := deps.Registry.Get(ex.App)
		if !ok || entry.App().Settings == nil {
			return nil
		}
		raw := entry.App().Settings.Environment.Expose()
		resolved := make(resolvedEnv, len(raw))
		for key, val := range raw {
			if strings.HasPrefix(val, "op://") && deps.Secrets != nil {
				v, err := deps.Secrets.Resolve(ctx, val)
				if err != nil {
					return errors.Wrapf(api.ErrTransient, "resolving secret for %s: %v", key, err)
				}
				resolved[key] = v
				continue
			}
			resolved[key] = val
		}
		for key, val := range resolved {
			resolved[key] = envVarPattern.ReplaceAllStringFunc(val, func(ref string) string {
				name := envVarPattern.FindStringSubmatch(ref)[1]
				if v, ok := resolved[name]; ok {
					return v
				}
				return ref
			})
		}
		ex.Data = resolved
		return nil
	}
}

// envVarPattern matches a bare `${VAR}` reference; `${VAR:-default}` forms
// are left untouched (no `:-` group) so compose applies its own default.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func synthesiseOverrideStep(deps Deps) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		entry, ok := deps.Registry.Get(ex.App)
		if !ok || entry.App().Settings == nil {
			return nil
		}
		app := entry.App()
		in := override.Input{
			AppName:        app.Name,
			PublicServices: app.Settings.PublicServices,
			CustomDomains:  app.Settings.CustomDomains,
			BasicAuth:      app.Settings.BasicAuth,
			AllowRobots:    app.Settings.AllowRobots,
			Middlewares:    app.Settings.AllowedMiddlewares,
		}
		doc, err := override.Synthesise(in, deps.Proxy)
		if err != nil {
			return err
		}
		rendered, err := override.Render(doc)
		if err != nil {
			return errors.Wrap(api.ErrInternal, err.Error())
		}
		return os.WriteFile(filepath.Join(appDir(deps, app.Name), "docker-compose.override.yml"), rendered, 0o644)
	}
}

func hookStep(deps Deps, hook api.LifecycleHook) func(context.Context, *task.Execution) error {
	return func(ctx context.Context, ex *task.Execution) error {
		entry, ok := deps.Registry.Get(ex.App)
		if !ok || entry.App().Settings == nil || entry.App().Settings.BlueprintID == "" {
			return nil
		}
		bp, ok := deps.Blueprints.Get(entry.App().Settings.BlueprintID)
		if !ok {
			return nil
		}
		commands, ok := bp.Hooks[hook]
		if !ok {
			return nil
		}
		for service, cmd := range commands {
			_, err := deps.Runtime.Run(ctx, runtime.Exec{
				Args: append([]string{"-p", ex.App, "exec", "-T", service}, cmd...),
				Dir:  appDir(deps, ex.App),
			}, ex)
			if err != nil {
				return err
			}
		}
		return nil
	}
}
