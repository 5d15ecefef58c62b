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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoOverride(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:21342", cfg.API.BindAddress)
	assert.Equal(t, "/srv/scotty/apps", cfg.Runtime.AppsRoot)
}

func TestLoadMergesOverrideDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  apps_root: /data/apps\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/apps", cfg.Runtime.AppsRoot)
	assert.Equal(t, "0.0.0.0:21342", cfg.API.BindAddress)
}

func TestLoadEnvOverridesOverrideDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  apps_root: /data/apps\n"), 0o644))

	t.Setenv("SCOTTY__RUNTIME__APPS_ROOT", "/env/apps")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/apps", cfg.Runtime.AppsRoot)
}

func TestValidateRejectsEmptyBindAddress(t *testing.T) {
	cfg := Defaults()
	cfg.API.BindAddress = ""
	err := cfg.validate()
	assert.Error(t, err)
}
