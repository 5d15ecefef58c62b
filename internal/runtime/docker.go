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

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/pkg/api"
)

// Compose's own project/service/one-off labels; scotty relies on the same
// label scheme every compose implementation uses so that "one container per
// service" discovery needs no scotty-specific tagging.
const (
	projectLabel = "com.docker.compose.project"
	serviceLabel = "com.docker.compose.service"
	oneoffLabel  = "com.docker.compose.oneoff"
)

// DockerClient implements Inspector, ShellOpener and LogTailer against the
// moby/moby engine API. Run (the Runner half) is left to SubprocessRunner:
// compose operations are always shelled out to the `docker compose` CLI so
// that compose-spec interpolation and dependency ordering stay
// bit-for-bit identical with what a human operator would get.
type DockerClient struct {
	api client.APIClient
}

// NewDockerClient wraps an already-configured engine API client.
func NewDockerClient(c client.APIClient) *DockerClient {
	return &DockerClient{api: c}
}

func projectFilter(name string) filters.KeyValuePair {
	return filters.Arg("label", projectLabel+"="+name)
}

func oneOffFilter(want bool) filters.KeyValuePair {
	v := "False"
	if want {
		v = "True"
	}
	return filters.Arg("label", oneoffLabel+"="+v)
}

// ContainersForProject implements Inspector.
func (d *DockerClient) ContainersForProject(ctx context.Context, projectName string) ([]ContainerInfo, error) {
	containers, err := d.api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			projectFilter(projectName),
			oneOffFilter(false),
		),
	})
	if err != nil {
		return nil, errors.Wrapf(api.ErrRuntimeFailure, "listing containers for project %s: %v", projectName, err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := ContainerInfo{
			ID:      c.ID,
			Service: c.Labels[serviceLabel],
			Project: projectName,
			Running: c.State == "running",
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			info.Ports = append(info.Ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
			})
		}
		out = append(out, info)
	}
	return out, nil
}

// OpenShell implements ShellOpener via docker exec create/attach, exactly as
// `docker compose exec` does.
func (d *DockerClient) OpenShell(ctx context.Context, projectName, service string, cmd []string) (ShellAttachment, error) {
	containers, err := d.ContainersForProject(ctx, projectName)
	if err != nil {
		return nil, err
	}
	var target string
	for _, c := range containers {
		if c.Service == service && c.Running {
			target = c.ID
			break
		}
	}
	if target == "" {
		return nil, errors.Wrapf(api.ErrNotFound, "no running container for service %s in project %s", service, projectName)
	}

	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}
	execID, err := d.api.ContainerExecCreate(ctx, target, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, errors.Wrap(api.ErrRuntimeFailure, err.Error())
	}

	resp, err := d.api.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, errors.Wrap(api.ErrRuntimeFailure, err.Error())
	}

	return &dockerShell{api: d.api, execID: execID.ID, resp: resp}, nil
}

// dockerShell adapts a docker exec HijackedResponse to ShellAttachment.
type dockerShell struct {
	api    client.APIClient
	execID string
	resp   client.HijackedResponse
}

func (s *dockerShell) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *dockerShell) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }
func (s *dockerShell) Close() error                { s.resp.Close(); return nil }

func (s *dockerShell) Resize(ctx context.Context, cols, rows uint) error {
	return s.api.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

// TailLogs implements LogTailer.
func (d *DockerClient) TailLogs(ctx context.Context, projectName, service string, opts LogTailOptions, out LineWriter) error {
	containers, err := d.ContainersForProject(ctx, projectName)
	if err != nil {
		return err
	}
	var target string
	for _, c := range containers {
		if c.Service == service {
			target = c.ID
			break
		}
	}
	if target == "" {
		return errors.Wrapf(api.ErrNotFound, "no container for service %s in project %s", service, projectName)
	}

	tail := "all"
	if opts.LineCount > 0 {
		tail = strconv.Itoa(opts.LineCount)
	}
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       tail,
		Timestamps: opts.Timestamps,
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339Nano)
	}
	if !opts.Until.IsZero() {
		logOpts.Until = opts.Until.Format(time.RFC3339Nano)
	}

	rc, err := d.api.ContainerLogs(ctx, target, logOpts)
	if err != nil {
		return errors.Wrap(api.ErrRuntimeFailure, err.Error())
	}
	defer rc.Close()

	// A TTY-allocated container's log stream is plain bytes; otherwise the
	// engine API multiplexes stdout/stderr with an 8-byte frame header per
	// chunk that must be demultiplexed before the bytes are line-framed.
	inspection, err := d.api.ContainerInspect(ctx, target)
	if err != nil {
		return errors.Wrap(api.ErrRuntimeFailure, err.Error())
	}

	if inspection.Config != nil && inspection.Config.Tty {
		scanLines(rc, out, "stdout")
		return nil
	}

	stdoutW := newLineWriter(out, "stdout")
	defer stdoutW.Close()
	stderrW := newLineWriter(out, "stderr")
	defer stderrW.Close()
	if _, err := stdcopy.StdCopy(stdoutW, stderrW, rc); err != nil && !errors.Is(err, io.EOF) {
		logrus.WithError(err).WithField("service", service).Warn("runtime: log stream ended with error")
	}
	return nil
}

// lineWriter buffers partial writes from stdcopy.StdCopy (which has no
// notion of lines) and emits one LineWriter.WriteLine call per newline.
type lineWriter struct {
	out    LineWriter
	stream string
	buf    []byte
}

func newLineWriter(out LineWriter, stream string) *lineWriter {
	return &lineWriter{out: out, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.out.WriteLine(w.stream, decodeLossyUTF8(string(w.buf[:idx])))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	if len(w.buf) > 0 {
		w.out.WriteLine(w.stream, decodeLossyUTF8(string(w.buf)))
		w.buf = nil
	}
	return nil
}

// scanLines line-frames a plain (non-multiplexed) TTY log stream.
func scanLines(r io.Reader, out LineWriter, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out.WriteLine(stream, decodeLossyUTF8(scanner.Text()))
	}
}

// decodeLossyUTF8 mirrors §4.5's "invalid bytes become the replacement
// character" line-framing contract.
func decodeLossyUTF8(s string) string {
	return string([]rune(s))
}
