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

package composefile

import (
	"testing"

	"github.com/compose-spec/compose-go/v2/types"
	"github.com/stretchr/testify/require"
)

func projectWithServices(services ...types.ServiceConfig) *types.Project {
	return &types.Project{Name: "test", Services: types.Services(services)}
}

func TestServiceNamesSortsLexically(t *testing.T) {
	project := projectWithServices(
		types.ServiceConfig{Name: "web"},
		types.ServiceConfig{Name: "db"},
		types.ServiceConfig{Name: "cache"},
	)

	require.Equal(t, []string{"cache", "db", "web"}, ServiceNames(project))
}

func TestValidateRejectsPublishedPorts(t *testing.T) {
	project := projectWithServices(types.ServiceConfig{
		Name:  "web",
		Ports: []types.ServicePortConfig{{Published: "8080", Target: 80}},
	})

	err := Validate(project, []byte(`services:
  web:
    image: nginx`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "web")
}

func TestValidateAllowsUnpublishedPorts(t *testing.T) {
	project := projectWithServices(types.ServiceConfig{
		Name:  "web",
		Ports: []types.ServicePortConfig{{Target: 80}},
	})

	err := Validate(project, []byte(`services:
  web:
    image: nginx`))
	require.NoError(t, err)
}

func TestValidateRejectsNonReservedInterpolation(t *testing.T) {
	project := projectWithServices(types.ServiceConfig{Name: "web"})

	err := Validate(project, []byte(`services:
  web:
    image: "${UNTRUSTED_VAR}"`))
	require.Error(t, err)
}

func TestValidateAllowsReservedPrefixInterpolation(t *testing.T) {
	project := projectWithServices(types.ServiceConfig{Name: "web"})

	err := Validate(project, []byte(`services:
  web:
    environment:
      APP_NAME: "${SCOTTY__APP_NAME}"`))
	require.NoError(t, err)
}
