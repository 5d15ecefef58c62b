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

// Command scotty-server runs the control plane: it loads configuration,
// wires every component together and serves the REST/WebSocket API until
// terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/internal/authn"
	"github.com/factorial-io/scotty/internal/config"
	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/internal/secretsprovider"
	"github.com/factorial-io/scotty/internal/server"
	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/blueprint"
	"github.com/factorial-io/scotty/pkg/lifecycle"
	"github.com/factorial-io/scotty/pkg/notify"
	"github.com/factorial-io/scotty/pkg/output"
	"github.com/factorial-io/scotty/pkg/registry"
	"github.com/factorial-io/scotty/pkg/scanner"
	"github.com/factorial-io/scotty/pkg/shell"
	"github.com/factorial-io/scotty/pkg/task"
	"github.com/factorial-io/scotty/pkg/ttl"
)

func main() {
	overridePath := flag.String("config", "config/scotty.yml", "path to the configuration override document")
	flag.Parse()

	cfg, err := config.Load(*overridePath)
	if err != nil {
		logrus.WithError(err).Fatal("scotty-server: loading configuration")
	}
	configureLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := registry.New()
	fabric := output.NewFabric()

	policy, err := authz.Load(cfg.Runtime.PolicyFile)
	if err != nil {
		logrus.WithError(err).Fatal("scotty-server: loading authorisation policy")
	}
	enforcer := authz.NewEnforcer(policy)

	dockerAPI, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logrus.WithError(err).Fatal("scotty-server: connecting to the container runtime")
	}
	inspector := runtime.NewDockerClient(dockerAPI)
	runner := runtime.NewSubprocessRunner()
	runtimeClient := runtime.NewCompositeClient(inspector, runner)

	library, err := blueprint.Load(cfg.Runtime.BlueprintDir)
	if err != nil {
		logrus.WithError(err).Fatal("scotty-server: loading blueprint library")
	}
	defer library.Close()

	secrets := secretsprovider.NewConnectClient(loadSecretEndpoints(), os.Getenv("SCOTTY__SECRETS__CONNECT_TOKEN"))

	deps := lifecycle.Deps{
		Runtime:    runtimeClient,
		Registry:   reg,
		Secrets:    secrets,
		Blueprints: library,
		Proxy:      cfg.Proxy.ToOverrideConfig(),
		AppsRoot:   cfg.Runtime.AppsRoot,
		DomainBase: cfg.Proxy.DomainSuffix,
	}

	tasks := task.NewManager(fabric, lifecycle.Sequences(deps))
	defer tasks.Close()

	tracker := newRunningTracker()

	sc := scanner.NewScanner(cfg.Runtime.AppsRoot, reg, inspector)
	sc.DomainBase = cfg.Proxy.DomainSuffix
	sc.Tasks = tasks
	sc.OnChanged = func(app *api.Application) {
		tracker.observe(app)
		logrus.WithFields(logrus.Fields{"app": app.Name, "status": app.Status}).Info("scanner: app changed")
	}
	go sc.Run(ctx)
	defer sc.Stop()

	reaper := ttl.NewReaper(reg, tasks, tracker.runningSince)
	if err := reaper.Start(); err != nil {
		logrus.WithError(err).Fatal("scotty-server: starting ttl reaper")
	}
	defer reaper.Stop()

	sinks := buildNotificationSinks()
	fanout := notify.NewFanout(sinks)
	defer fanout.Close()

	shells := shell.NewManager(fabric)
	defer shells.Close()

	authenticator := buildAuthenticator(ctx, cfg)

	srv := server.New(&server.Server{
		Registry:      reg,
		Tasks:         tasks,
		Enforcer:      enforcer,
		Fabric:        fabric,
		Shells:        shells,
		ShellOpener:   inspector,
		Authenticator: authenticator,
		AuthMode:      authModeFor(cfg),
	})

	if err := server.Run(ctx, cfg.API.BindAddress, srv); err != nil {
		logrus.WithError(err).Fatal("scotty-server: server exited with error")
	}
}

func configureLogging(cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

func authModeFor(cfg *config.Config) server.AuthMode {
	switch {
	case cfg.API.AccessToken != "" && cfg.Auth.OIDCIssuer != "":
		return server.AuthModeBoth
	case cfg.Auth.OIDCIssuer != "":
		return server.AuthModeOIDC
	default:
		return server.AuthModeBearer
	}
}

func buildAuthenticator(ctx context.Context, cfg *config.Config) *authn.Authenticator {
	a := &authn.Authenticator{}
	if cfg.API.AccessToken != "" {
		a.Bearer = authn.NewBearerStore(map[string]string{"api": cfg.API.AccessToken})
	}
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err := authn.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			logrus.WithError(err).Fatal("scotty-server: initialising OIDC verifier")
		}
		a.OIDC = verifier
	}
	return a
}

// loadSecretEndpoints reads 1Password Connect server endpoints from the
// SCOTTY__SECRETS__CONNECT_<name> environment convention; deployments
// without any configured endpoint simply never resolve an op:// reference.
func loadSecretEndpoints() secretsprovider.Endpoints {
	const prefix = "SCOTTY__SECRETS__CONNECT_"
	endpoints := secretsprovider.Endpoints{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key, val := kv[:i], kv[i+1:]
				if len(key) > len(prefix) && key[:len(prefix)] == prefix {
					name := key[len(prefix):]
					endpoints[name] = val
				}
				break
			}
		}
	}
	return endpoints
}

// buildNotificationSinks is a placeholder hook: a deployment without any
// configured sink still runs, it just never delivers notifications.
func buildNotificationSinks() []notify.Sink {
	return nil
}

// runningTracker records the moment each app last transitioned into
// StatusRunning, the signal the TTL Reaper needs to measure an app's age
// (§4.7); the reconciler is the only component that observes transitions,
// so it's the natural place to source this from.
type runningTracker struct {
	mu    sync.Mutex
	since map[string]time.Time
}

func newRunningTracker() *runningTracker {
	return &runningTracker{since: make(map[string]time.Time)}
}

func (t *runningTracker) observe(app *api.Application) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if app.Status != api.StatusRunning {
		delete(t.since, app.Name)
		return
	}
	if _, ok := t.since[app.Name]; !ok {
		t.since[app.Name] = time.Now()
	}
}

func (t *runningTracker) runningSince(app string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.since[app]
	return since, ok
}
