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

// Package ttl implements the TTL Reaper (C7): it periodically stops or
// destroys Owned applications past their configured lifetime.
package ttl

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/registry"
)

// DefaultSchedule runs the reaper every 10 minutes (§4.7).
const DefaultSchedule = "@every 10m"

// Submitter is the subset of the Task Manager the reaper needs; submissions
// go through it so they respect the per-app single-writer invariant.
type Submitter interface {
	Submit(ctx context.Context, app string, op api.Operation, creator api.Principal, data any) (*api.Task, error)
}

// SystemPrincipal identifies tasks the reaper itself submits.
var SystemPrincipal = api.NewBearerPrincipal("ttl-reaper")

// Reaper runs on its own cron schedule, scanning the Registry for Owned
// apps whose TTL has elapsed.
type Reaper struct {
	Registry     *registry.Registry
	Submitter    Submitter
	Schedule     string
	RunningSince func(appName string) (time.Time, bool)

	cron *cron.Cron
}

// NewReaper builds a Reaper with the spec default schedule. RunningSince
// must return the time the app last transitioned to Running; the server
// sources it from the reconciler's change notifications (§4.4).
func NewReaper(reg *registry.Registry, sub Submitter, runningSince func(string) (time.Time, bool)) *Reaper {
	return &Reaper{
		Registry:     reg,
		Submitter:    sub,
		Schedule:     DefaultSchedule,
		RunningSince: runningSince,
		cron:         cron.New(),
	}
}

// Start schedules the sweep and returns immediately; the cron scheduler
// runs it on its own goroutine.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(r.Schedule, func() {
		r.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one reaper cycle immediately; exported so tests and a manual
// admin trigger don't have to wait on the cron schedule.
func (r *Reaper) Sweep(ctx context.Context) {
	for _, entry := range r.Registry.List() {
		app := entry.App()
		if app.Classification != api.ClassOwned || app.Settings == nil {
			continue
		}
		r.considerApp(ctx, app)
	}
}

func (r *Reaper) considerApp(ctx context.Context, app *api.Application) {
	if app.Settings.TimeToLive.Kind == api.TTLForever {
		return
	}
	if app.Status != api.StatusRunning {
		return
	}

	ttl, ok := app.Settings.TimeToLive.Duration()
	if !ok {
		return
	}

	since, ok := r.RunningSince(app.Name)
	if !ok {
		return
	}
	age := time.Since(since)
	if age <= ttl {
		return
	}

	op := api.OpStop
	if app.Settings.DestroyOnTTL {
		op = api.OpDestroy
	}

	logrus.WithFields(logrus.Fields{
		"app":       app.Name,
		"age":       age,
		"ttl":       ttl,
		"operation": op,
	}).Info("ttl: lifetime exceeded, submitting task")

	if _, err := r.Submitter.Submit(ctx, app.Name, op, SystemPrincipal, nil); err != nil {
		if api.IsAppBusyError(err) {
			logrus.WithField("app", app.Name).Debug("ttl: app busy, will retry next cycle")
			return
		}
		logrus.WithError(err).WithField("app", app.Name).Warn("ttl: failed to submit reaper task")
	}
}
