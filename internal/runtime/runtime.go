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

// Package runtime defines Scotty's contract with the external container
// runtime (§1, §6): it is invoked as a subprocess ("docker compose ...")
// and, for inspection, as an engine API client. Only the contract lives
// here; the runtime itself is an external collaborator.
package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerInfo is the subset of runtime-reported container state the
// reconciler needs to derive a Service (§4.4 step 3).
type ContainerInfo struct {
	ID      string
	Service string
	Project string
	Running bool
	Ports   []PortBinding
}

// PortBinding is one published port on a container.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// Inspector queries the runtime for the containers backing a project. It is
// the engine-API-client half of the external contract.
type Inspector interface {
	// ContainersForProject returns every non-one-off container whose
	// project label equals projectName.
	ContainersForProject(ctx context.Context, projectName string) ([]ContainerInfo, error)
}

// Exec describes an external command to run against a project.
type Exec struct {
	// Args are the arguments after "docker compose", including the
	// "-p <project>" flag, e.g. []string{"-p", "demo", "up", "--detach"}.
	Args []string
	// Dir is the app's working directory.
	Dir string
	// Env is merged over the process environment.
	Env map[string]string
	// Timeout bounds the command; the zero value means no timeout override.
	Timeout time.Duration
}

// LineWriter receives one line of stdout/stderr at a time, already decoded
// as lossy UTF-8 per §4.5's command execution contract.
type LineWriter interface {
	WriteLine(stream string, line string)
}

// Runner invokes compose operations as a subprocess, the default shape of
// the "invoked as a subprocess" half of the external contract (§1, §6).
type Runner interface {
	// Run executes one compose command to completion, streaming stdout and
	// stderr lines to out as they are produced, and returns the exit code.
	Run(ctx context.Context, exec Exec, out LineWriter) (exitCode int, err error)
}

// ShellAttachment is a live bidirectional connection to a running
// container's shell, obtained via the runtime's exec/attach API.
type ShellAttachment interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
}

// ShellOpener opens an interactive shell inside a running service
// container, the runtime contract backing C11's ShellSession.
type ShellOpener interface {
	OpenShell(ctx context.Context, projectName, service string, cmd []string) (ShellAttachment, error)
}

// LogTailer streams a (app, service) container's stdout/stderr, the runtime
// contract backing C10's ContainerLogs stream kind.
type LogTailer interface {
	TailLogs(ctx context.Context, projectName, service string, opts LogTailOptions, out LineWriter) error
}

// LogTailOptions mirrors §4.6's ContainerLogs subscription filters.
type LogTailOptions struct {
	Since      time.Time
	Until      time.Time
	LineCount  int
	Follow     bool
	Timestamps bool
}

// Client is the full external contract the lifecycle engine depends on.
type Client interface {
	Inspector
	Runner
	ShellOpener
	LogTailer
}

// CompositeClient joins the engine-API half (DockerClient) and the
// subprocess half (SubprocessRunner) into one Client, since no single
// collaborator implements both halves of the external contract (§1, §6).
type CompositeClient struct {
	*DockerClient
	*SubprocessRunner
}

// NewCompositeClient builds the Client the lifecycle engine is wired
// against in production.
func NewCompositeClient(inspector *DockerClient, runner *SubprocessRunner) *CompositeClient {
	return &CompositeClient{DockerClient: inspector, SubprocessRunner: runner}
}
