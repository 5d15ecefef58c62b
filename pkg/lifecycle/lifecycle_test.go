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

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/registry"
	"github.com/factorial-io/scotty/pkg/secret"
	"github.com/factorial-io/scotty/pkg/task"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"My App":        "my-app",
		"already-slug":  "already-slug",
		"Weird!!Name__": "weird-name",
		"":              "app",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "input %q", in)
	}
}

// recordingRuntime fakes runtime.Client, recording every Run invocation's
// args so tests can assert on what the step sequence would have executed.
type recordingRuntime struct {
	calls [][]string
	envs  []map[string]string
}

func (r *recordingRuntime) ContainersForProject(ctx context.Context, projectName string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}

func (r *recordingRuntime) Run(ctx context.Context, exec runtime.Exec, out runtime.LineWriter) (int, error) {
	r.calls = append(r.calls, exec.Args)
	r.envs = append(r.envs, exec.Env)
	return 0, nil
}

func (r *recordingRuntime) OpenShell(ctx context.Context, projectName, service string, cmd []string) (runtime.ShellAttachment, error) {
	return nil, nil
}

func (r *recordingRuntime) TailLogs(ctx context.Context, projectName, service string, opts runtime.LogTailOptions, out runtime.LineWriter) error {
	return nil
}

var _ runtime.Client = (*recordingRuntime)(nil)

func TestActionStepsRejectsNonApprovedAction(t *testing.T) {
	rt := &recordingRuntime{}
	deps := Deps{Runtime: rt, Registry: registry.New(), AppsRoot: t.TempDir()}
	steps := actionSteps(deps)
	require.Len(t, steps, 2)

	action := &api.CustomAction{Name: "migrate", Status: api.ActionPending, Commands: map[string][]string{"web": {"bin/migrate"}}}
	ex := &task.Execution{App: "demo", Data: action}
	err := steps[0].Run(context.Background(), ex)
	require.Error(t, err)
	assert.True(t, api.IsInvalidError(err))
	assert.Empty(t, rt.calls)
}

func TestActionStepsRejectsExpiredAction(t *testing.T) {
	rt := &recordingRuntime{}
	deps := Deps{Runtime: rt, Registry: registry.New(), AppsRoot: t.TempDir()}
	steps := actionSteps(deps)

	past := time.Now().Add(-time.Hour)
	action := &api.CustomAction{Name: "migrate", Status: api.ActionApproved, Expiry: &past}
	ex := &task.Execution{App: "demo", Data: action}
	err := steps[0].Run(context.Background(), ex)
	require.Error(t, err)
	assert.True(t, api.IsInvalidError(err))
}

func TestActionStepsRunsApprovedCommandsPerService(t *testing.T) {
	rt := &recordingRuntime{}
	deps := Deps{Runtime: rt, Registry: registry.New(), AppsRoot: t.TempDir()}
	steps := actionSteps(deps)

	action := &api.CustomAction{
		Name:     "migrate",
		Status:   api.ActionApproved,
		Commands: map[string][]string{"web": {"bin/migrate", "--force"}},
	}
	ex := &task.Execution{App: "demo", Data: action}

	require.NoError(t, steps[0].Run(context.Background(), ex))
	require.NoError(t, steps[1].Run(context.Background(), ex))

	require.Len(t, rt.calls, 1)
	assert.Equal(t, []string{"-p", "demo", "exec", "-T", "web", "bin/migrate", "--force"}, rt.calls[0])
}

// scenario 1 from spec.md §8: transitioning Creating -> Starting -> Running.
// runSteps only ever drives it up to Starting; Running is the reconciler's
// call once the runtime actually reports the containers up.
func TestCreateStepsDriveRegistryThroughCreatingAndStarting(t *testing.T) {
	rt := &recordingRuntime{}
	reg := registry.New()
	deps := Deps{Runtime: rt, Registry: reg, AppsRoot: t.TempDir()}

	var observed []api.Status
	payload := &CreatePayload{Name: "My App", ComposeYAML: []byte("services:\n  web:\n    image: nginx\n")}
	ex := &task.Execution{Data: payload}

	steps := createSteps(deps)
	for _, step := range steps {
		require.NoError(t, step.Run(context.Background(), ex), step.Name)
		if entry, ok := reg.Get(ex.App); ok {
			observed = append(observed, entry.App().Status)
		}
	}

	require.NotEmpty(t, observed)
	assert.Equal(t, api.StatusCreating, observed[0])
	assert.Contains(t, observed, api.StatusStarting)
	assert.Equal(t, "my-app", ex.App)
}

func TestDestroyStepsRejectNonOwnedAppBeforeAnyRuntimeCall(t *testing.T) {
	rt := &recordingRuntime{}
	reg := registry.New()
	reg.Upsert(&api.Application{Name: "demo", Classification: api.ClassSupported, Status: api.StatusRunning})
	deps := Deps{Runtime: rt, Registry: reg, AppsRoot: t.TempDir()}

	ex := &task.Execution{App: "demo"}
	steps := destroySteps(deps)
	err := steps[0].Run(context.Background(), ex)
	require.Error(t, err)
	assert.True(t, api.IsForbiddenError(err))
	assert.Empty(t, rt.calls)

	entry, ok := reg.Get("demo")
	require.True(t, ok)
	assert.Equal(t, api.StatusRunning, entry.App().Status, "rejected destroy must not have touched the registry entry")
}

func TestDestroyStepsStopBeforeRemoveWhenAppWasRunning(t *testing.T) {
	rt := &recordingRuntime{}
	reg := registry.New()
	reg.Upsert(&api.Application{Name: "demo", Classification: api.ClassOwned, Status: api.StatusRunning})
	deps := Deps{Runtime: rt, Registry: reg, AppsRoot: t.TempDir()}

	ex := &task.Execution{App: "demo"}
	steps := destroySteps(deps)
	for _, step := range steps[:4] { // assert-owned, mark-destroying, stop-if-running, rm
		require.NoError(t, step.Run(context.Background(), ex), step.Name)
	}

	require.Len(t, rt.calls, 2)
	assert.Equal(t, []string{"-p", "demo", "stop"}, rt.calls[0])
	assert.Equal(t, []string{"-p", "demo", "rm", "-f", "-v"}, rt.calls[1])
}

func TestDestroyStepsSkipStopWhenAppWasNotRunning(t *testing.T) {
	rt := &recordingRuntime{}
	reg := registry.New()
	reg.Upsert(&api.Application{Name: "demo", Classification: api.ClassOwned, Status: api.StatusStopped})
	deps := Deps{Runtime: rt, Registry: reg, AppsRoot: t.TempDir()}

	ex := &task.Execution{App: "demo"}
	steps := destroySteps(deps)
	for _, step := range steps[:4] {
		require.NoError(t, step.Run(context.Background(), ex), step.Name)
	}

	require.Len(t, rt.calls, 1)
	assert.Equal(t, []string{"-p", "demo", "rm", "-f", "-v"}, rt.calls[0])
}

type staticResolver map[string]string

func (r staticResolver) Resolve(ctx context.Context, uri string) (string, error) {
	return r[uri], nil
}

func TestRunStepsPassResolvedSecretsThroughToUp(t *testing.T) {
	rt := &recordingRuntime{}
	reg := registry.New()
	reg.Upsert(&api.Application{
		Name: "demo",
		Settings: &api.AppSettings{
			Environment: secret.Map{
				"DB_PASSWORD": secret.New("op://vault/db/item/password"),
				"DB_HOST":     secret.New("${DB_PASSWORD}-derived"),
			},
		},
	})
	resolver := staticResolver{"op://vault/db/item/password": "s3cr3t"}
	deps := Deps{Runtime: rt, Registry: reg, Secrets: resolver, AppsRoot: t.TempDir()}

	steps := runSteps(deps)
	ex := &task.Execution{App: "demo"}
	for _, step := range steps {
		require.NoError(t, step.Run(context.Background(), ex), step.Name)
	}

	require.Len(t, rt.calls, 1)
	assert.Equal(t, []string{"-p", "demo", "up", "--detach"}, rt.calls[0])
	assert.Equal(t, "s3cr3t", rt.envs[0]["DB_PASSWORD"])
	assert.Equal(t, "s3cr3t-derived", rt.envs[0]["DB_HOST"])

	env, ok := ex.Data.(resolvedEnv)
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", env["DB_PASSWORD"])
	assert.Equal(t, "s3cr3t-derived", env["DB_HOST"])
}
