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

// Package composefile wraps compose-go/v2 to parse and validate the
// compose files the Directory Scanner discovers (§4.4 step 2). Parsing and
// the "supported shape" validation are kept together because a file that
// fails validation is never handed to the runtime.
package composefile

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/cli"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/pkg/errors"

	"github.com/factorial-io/scotty/pkg/api"
)

// ReservedVariablePrefix is always permitted in interpolation because the
// engine itself injects these variables (§4.4 step 2).
const ReservedVariablePrefix = "SCOTTY__"

var interpolationPattern = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// Parse loads the compose file(s) for an app into a *types.Project, named
// after the app so that every derived container carries the right
// com.docker.compose.project label.
func Parse(ctx context.Context, appName, dir string, files []string) (*types.Project, error) {
	opts, err := cli.NewProjectOptions(
		files,
		cli.WithWorkingDirectory(dir),
		cli.WithName(appName),
		cli.WithDotEnv,
	)
	if err != nil {
		return nil, errors.Wrap(api.ErrInvalid, err.Error())
	}

	project, err := cli.ProjectFromOptions(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(api.ErrInvalid, "parsing compose file: %v", err)
	}
	return project, nil
}

// Validate classifies a parsed project as supported or not, per §4.4 step
// 2: host-published ports and non-reserved variable interpolation in keys
// the engine must understand both mark an app Unsupported.
func Validate(project *types.Project, rawYAML []byte) error {
	for _, svc := range project.Services {
		for _, p := range svc.Ports {
			if p.Published != "" {
				return errors.Wrapf(api.ErrInvalid, "service %s exposes host port %s: unsupported", svc.Name, p.Published)
			}
		}
	}

	for _, match := range interpolationPattern.FindAllStringSubmatch(string(rawYAML), -1) {
		name := match[1]
		if strings.HasPrefix(name, ReservedVariablePrefix) {
			continue
		}
		return errors.Wrapf(api.ErrInvalid, "unsupported variable interpolation ${%s}: only %s-prefixed variables are permitted", name, ReservedVariablePrefix)
	}

	return nil
}

// ServiceNames returns every compose service name in deterministic
// (lexical) order.
func ServiceNames(project *types.Project) []string {
	names := make([]string, 0, len(project.Services))
	for _, svc := range project.Services {
		names = append(names, svc.Name)
	}
	sort.Strings(names)
	return names
}
