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

// Package scanner implements the Directory Scanner/Reconciler (C6): it
// periodically walks the apps root, parses compose files and settings,
// classifies apps, inspects the runtime, and reconciles the Registry.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/internal/composefile"
	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/registry"
)

// inspectRetries and inspectBackoff bound the retry of recoverable runtime
// errors during inspection (§4.4 step 6) before they are surfaced as the
// app's last-error field.
const (
	inspectRetries = 3
	inspectBackoff = 200 * time.Millisecond
)

// DefaultInterval is the reconciler's default cycle period (§4.4).
const DefaultInterval = 15 * time.Second

// DefaultMaxDepth bounds how deep the directory walk descends beneath the
// apps root, so a misconfigured root does not trigger an unbounded walk.
const DefaultMaxDepth = 2

// composeFileNames are the conventional names the scanner looks for; the
// first match in an app folder is used.
var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

// settingsFileName is the per-app file that, when present, makes an app
// Owned rather than merely Supported (§4.4 step 1).
const settingsFileName = ".scotty.yml"

// TaskTracker reports whether an app currently has a non-terminal task, so
// the scanner can tell when a task-driven status transition (Creating,
// Starting, Destroying) is in flight. Satisfied by *pkg/task.Manager.
type TaskTracker interface {
	CurrentForApp(app string) (string, bool)
}

// Scanner periodically reconciles the Registry against the apps root
// directory and the container runtime.
type Scanner struct {
	Root        string
	Interval    time.Duration
	MaxDepth    int
	DomainBase  string
	Registry    *registry.Registry
	Inspector   runtime.Inspector
	Tasks       TaskTracker
	OnChanged   func(*api.Application)

	stop   chan struct{}
	single singleflight.Group
}

// NewScanner returns a Scanner with the spec's defaults applied where the
// caller left a field zero.
func NewScanner(root string, reg *registry.Registry, inspector runtime.Inspector) *Scanner {
	return &Scanner{
		Root:      root,
		Interval:  DefaultInterval,
		MaxDepth:  DefaultMaxDepth,
		Registry:  reg,
		Inspector: inspector,
		stop:      make(chan struct{}),
	}
}

// Run blocks, reconciling on Interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	s.reconcileOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Stop ends a running Scanner's loop.
func (s *Scanner) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// reconcileOnce runs exactly one cycle at a time: if an admin-triggered
// reconcile races the ticker, the second caller waits on the first's result
// instead of duplicating the walk and runtime inspection.
func (s *Scanner) reconcileOnce(ctx context.Context) {
	_, _, _ = s.single.Do("cycle", func() (any, error) {
		s.runCycle(ctx)
		return nil, nil
	})
}

// runCycle reconciles every discovered app concurrently: one app's slow
// runtime inspection (a suspension point) must never delay the others'.
// Each app still goes through diffAndStore on its own goroutine; the
// Registry's per-entry swap is what keeps that safe, not serialisation here.
func (s *Scanner) runCycle(ctx context.Context) {
	dirs, err := s.discover()
	if err != nil {
		logrus.WithError(err).WithField("root", s.Root).Warn("scanner: failed to walk apps root")
		return
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, dir := range dirs {
		dir := dir
		eg.Go(func() error {
			name := filepath.Base(dir)
			if s.Tasks != nil {
				if _, busy := s.Tasks.CurrentForApp(name); busy {
					// A task is already driving this app's status
					// through Creating/Starting/Destroying (§4.4 step
					// 4); the reconciler must not clobber that with
					// its own Running/Stopped/Unsupported view until
					// the task finishes.
					return nil
				}
			}
			app, err := s.reconcileApp(egCtx, name, dir)
			if err != nil {
				logrus.WithError(err).WithField("app", name).Warn("scanner: reconcile failed")
				return nil
			}
			s.diffAndStore(app)
			return nil
		})
	}
	_ = eg.Wait()
}

// discover walks Root to MaxDepth, returning every directory containing a
// recognised compose file.
func (s *Scanner) discover() ([]string, error) {
	var out []string
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if depth > s.MaxDepth {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		if hasComposeFile(dir, entries) {
			out = append(out, dir)
			return nil
		}
		for _, e := range entries {
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name()), depth+1); err != nil {
					logrus.WithError(err).WithField("dir", dir).Debug("scanner: skipping unreadable subdirectory")
				}
			}
		}
		return nil
	}
	if err := walk(s.Root, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func hasComposeFile(dir string, entries []os.DirEntry) bool {
	for _, e := range entries {
		for _, name := range composeFileNames {
			if e.Name() == name {
				_ = dir
				return true
			}
		}
	}
	return false
}

func findComposeFile(dir string) string {
	for _, name := range composeFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// reconcileApp performs steps 1-4 of §4.4 for a single app directory.
func (s *Scanner) reconcileApp(ctx context.Context, name, dir string) (*api.Application, error) {
	app := &api.Application{
		Name:        name,
		LastChecked: time.Now(),
	}

	settings, hasSettings := s.loadSettings(dir)
	app.Settings = settings
	if hasSettings {
		app.Classification = api.ClassOwned
		app.Scopes = settings.Scopes
	} else {
		app.Classification = api.ClassSupported
	}

	composePath := findComposeFile(dir)
	raw, err := os.ReadFile(composePath)
	if err != nil {
		app.Classification = api.ClassUnsupported
		app.LastError = err.Error()
		return app, nil
	}

	project, err := composefile.Parse(ctx, name, dir, []string{composePath})
	if err != nil {
		app.Classification = api.ClassUnsupported
		app.LastError = err.Error()
		return app, nil
	}
	if err := composefile.Validate(project, raw); err != nil {
		app.Classification = api.ClassUnsupported
		app.LastError = err.Error()
		return app, nil
	}

	containers, err := s.inspectWithRetry(ctx, name)
	if err != nil {
		app.LastError = err.Error()
		return app, err
	}

	byService := map[string]runtime.ContainerInfo{}
	for _, c := range containers {
		byService[c.Service] = c
	}

	anyRunning := false
	for _, svcName := range composefile.ServiceNames(project) {
		svc := api.Service{Name: svcName}
		if c, ok := byService[svcName]; ok {
			if c.Running {
				svc.State = api.ContainerRunning
				anyRunning = true
			} else {
				svc.State = api.ContainerStopped
			}
		} else {
			svc.State = api.ContainerAbsent
		}
		if port, ok := publicPort(settings, svcName); ok {
			svc.PublicURLs = []string{s.publicURL(name, svcName, settings, port)}
		}
		app.Services = append(app.Services, svc)
	}

	switch {
	case anyRunning:
		app.Status = api.StatusRunning
	case len(app.Services) > 0:
		app.Status = api.StatusStopped
	default:
		app.Status = api.StatusStopped
	}

	return app, nil
}

// inspectWithRetry retries a recoverable runtime-inspection error up to
// inspectRetries times, waiting inspectBackoff times the attempt number
// (200 ms, 400 ms, 600 ms) between attempts before giving up, matching
// §4.4 step 6. The last error is returned for the caller to record on the
// application's last-error field.
func (s *Scanner) inspectWithRetry(ctx context.Context, name string) ([]runtime.ContainerInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= inspectRetries; attempt++ {
		containers, err := s.Inspector.ContainersForProject(ctx, name)
		if err == nil {
			return containers, nil
		}
		lastErr = err
		if attempt == inspectRetries {
			break
		}
		select {
		case <-time.After(inspectBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func publicPort(settings *api.AppSettings, service string) (int, bool) {
	if settings == nil {
		return 0, false
	}
	port, ok := settings.PublicServices[service]
	return port, ok
}

func (s *Scanner) publicURL(app, service string, settings *api.AppSettings, _ int) string {
	suffix := s.DomainBase
	if settings != nil && settings.DomainSuffix != "" {
		suffix = settings.DomainSuffix
	}
	if domains, ok := settings.CustomDomains[service]; ok && len(domains) > 0 {
		return fmt.Sprintf("https://%s", domains[0])
	}
	return fmt.Sprintf("https://%s.%s.%s", service, app, suffix)
}

// loadSettings reads .scotty.yml, if present.
func (s *Scanner) loadSettings(dir string) (*api.AppSettings, bool) {
	data, err := os.ReadFile(filepath.Join(dir, settingsFileName))
	if err != nil {
		return nil, false
	}
	var settings api.AppSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		logrus.WithError(err).WithField("dir", dir).Warn("scanner: failed to parse .scotty.yml")
		return nil, false
	}
	return &settings, true
}

// diffAndStore upserts app and emits a changed event when any observable
// field differs from the prior snapshot (§4.4 step 5).
func (s *Scanner) diffAndStore(app *api.Application) {
	prev, existed := s.Registry.Get(app.Name)
	s.Registry.Upsert(app)

	if !existed || changed(prev.App(), app) {
		if s.OnChanged != nil {
			s.OnChanged(app)
		}
	}
}

func changed(prev, next *api.Application) bool {
	if prev.Status != next.Status || prev.Classification != next.Classification {
		return true
	}
	if len(prev.Services) != len(next.Services) {
		return true
	}
	for i := range prev.Services {
		if !sameService(prev.Services[i], next.Services[i]) {
			return true
		}
	}
	return false
}

func sameService(a, b api.Service) bool {
	if a.Name != b.Name || a.Image != b.Image || a.State != b.State {
		return false
	}
	if len(a.PublicURLs) != len(b.PublicURLs) {
		return false
	}
	for i := range a.PublicURLs {
		if a.PublicURLs[i] != b.PublicURLs[i] {
			return false
		}
	}
	return true
}

// EnvVarName derives the SCOTTY__PUBLIC_URL__<SERVICE> suffix for a service
// name, upper-cased with non-alphanumerics mapped to "_" (§4.5).
func EnvVarName(service string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(service) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return "SCOTTY__PUBLIC_URL__" + b.String()
}
