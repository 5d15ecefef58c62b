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

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/pkg/registry"
)

func TestEnvVarName(t *testing.T) {
	assert.Equal(t, "SCOTTY__PUBLIC_URL__WEB", EnvVarName("web"))
	assert.Equal(t, "SCOTTY__PUBLIC_URL__MY_APP_2", EnvVarName("my-app.2"))
}

func TestHasComposeFile(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, hasComposeFile(dir, nil))
}

type staticTracker map[string]string

func (s staticTracker) CurrentForApp(app string) (string, bool) {
	id, ok := s[app]
	return id, ok
}

type noopInspector struct{}

func (noopInspector) ContainersForProject(ctx context.Context, projectName string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}

// §4.4 step 4: the registry reflects task-driven transitions directly, so a
// reconcile cycle must never overwrite an app a task is currently driving.
func TestRunCycleSkipsAppsWithInFlightTask(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "docker-compose.yml"), []byte("services:\n  web:\n    image: nginx\n"), 0o644))

	reg := registry.New()
	s := NewScanner(root, reg, noopInspector{})
	s.Tasks = staticTracker{"demo": "task-1"}

	s.runCycle(context.Background())

	_, ok := reg.Get("demo")
	assert.False(t, ok, "scanner must not register an app a task is currently driving")
}

func TestRunCycleReconcilesAppsWithoutInFlightTask(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "demo")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "docker-compose.yml"), []byte("services:\n  web:\n    image: nginx\n"), 0o644))

	reg := registry.New()
	s := NewScanner(root, reg, noopInspector{})
	s.Tasks = staticTracker{}

	s.runCycle(context.Background())

	_, ok := reg.Get("demo")
	assert.True(t, ok)
}
