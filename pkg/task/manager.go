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

// Package task implements the Task Manager (C8): it enforces at most one
// non-terminal task per application, allocates tasks, and drives them
// through the State Machine's ordered step sequences while streaming their
// output through the Output Fabric.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/output"
)

// DefaultCleanupInterval is how long a finished task stays queryable past
// its finish time before its output ring is reclaimed (§4.5).
const DefaultCleanupInterval = 3 * time.Minute

// Step is one unit of an operation's ordered sequence (§4.5). A Step must
// be safe to retry: a crash-restart followed by re-attempt should leave the
// system consistent.
type Step struct {
	Name string
	Run  func(ctx context.Context, ex *Execution) error
}

// Sequence resolves the ordered steps for an operation, kept pluggable so
// tests can substitute a fake sequence without touching the Manager.
type Sequence func(op api.Operation) ([]Step, error)

// appLock serialises task submission per app: TryLock reports whether the
// per-app single-writer invariant can be acquired right now.
type appLock struct {
	mu      sync.Mutex
	taskID  string
}

func (l *appLock) tryAcquire(taskID string) bool {
	if !l.mu.TryLock() {
		return false
	}
	l.taskID = taskID
	return true
}

func (l *appLock) release() {
	l.taskID = ""
	l.mu.Unlock()
}

// record is the Manager's bookkeeping for one task: the public api.Task
// plus the machinery to drive and cancel it.
type record struct {
	mu     sync.RWMutex
	task   api.Task
	cancel context.CancelFunc
}

func (r *record) snapshot() api.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.task
}

// Manager owns every Task in memory; no task state is persisted across
// restarts (§1 Non-goals).
type Manager struct {
	fabric   *output.Fabric
	sequence Sequence
	cleanup  time.Duration

	mu     sync.Mutex
	locks  map[string]*appLock
	tasks  map[string]*record
	byApp  map[string]string // app -> current non-terminal task id

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager builds a Manager that drives operations via sequence and
// streams their output through fabric.
func NewManager(fabric *output.Fabric, sequence Sequence) *Manager {
	m := &Manager{
		fabric:   fabric,
		sequence: sequence,
		cleanup:  DefaultCleanupInterval,
		locks:    make(map[string]*appLock),
		tasks:    make(map[string]*record),
		byApp:    make(map[string]string),
		stop:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *Manager) lockFor(app string) *appLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[app]
	if !ok {
		l = &appLock{}
		m.locks[app] = l
	}
	return l
}

// Submit allocates a Task for (app, operation) and spawns its driver.
// It enforces the per-app single-writer invariant: if a non-terminal task
// already holds the app, Submit fails with an *api.AppBusyError naming it
// (§4.5 step 2).
func (m *Manager) Submit(ctx context.Context, app string, op api.Operation, creator api.Principal, ctxData any) (*api.Task, error) {
	steps, err := m.sequence(op)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	lock := m.lockFor(app)
	if !lock.tryAcquire(taskID) {
		m.mu.Lock()
		existing := m.byApp[app]
		m.mu.Unlock()
		return nil, api.NewAppBusyError(existing)
	}

	t := api.Task{
		ID:        taskID,
		App:       app,
		Operation: op,
		State:     api.TaskRunning,
		Creator:   creator,
		StartedAt: time.Now(),
	}
	rec := &record{task: t}

	taskCtx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel

	m.mu.Lock()
	m.tasks[taskID] = rec
	m.byApp[app] = taskID
	m.mu.Unlock()

	streamID := output.StreamID{Kind: output.KindTaskOutput, ID: taskID}
	m.fabric.Publish(streamID, output.StartedEvent())

	go m.drive(taskCtx, lock, rec, streamID, steps, ctxData)

	snap := rec.snapshot()
	return &snap, nil
}

func (m *Manager) drive(ctx context.Context, lock *appLock, rec *record, streamID output.StreamID, steps []Step, ctxData any) {
	defer lock.release()
	defer func() {
		m.mu.Lock()
		if m.byApp[rec.task.App] == rec.task.ID {
			delete(m.byApp, rec.task.App)
		}
		m.mu.Unlock()
	}()

	ex := &Execution{
		App:    rec.task.App,
		TaskID: rec.task.ID,
		Data:   ctxData,
		out: func(stream, line string) {
			m.fabric.Publish(streamID, output.LineEvent(stream, line))
		},
	}

	var failureKind string
	exitCode := 0
	for _, step := range steps {
		select {
		case <-ctx.Done():
			failureKind = api.ErrRuntimeTimeout.Error()
			exitCode = -1
			goto finish
		default:
		}
		if err := step.Run(ctx, ex); err != nil {
			logrus.WithFields(logrus.Fields{
				"task": rec.task.ID,
				"app":  rec.task.App,
				"step": step.Name,
			}).WithError(err).Warn("task: step failed")
			failureKind = classify(err)
			exitCode = 1
			goto finish
		}
	}

finish:
	rec.mu.Lock()
	rec.task.EndedAt = time.Now()
	rec.task.ExitCode = exitCode
	if failureKind != "" {
		rec.task.State = api.TaskFailed
		rec.task.FailureKind = failureKind
	} else {
		rec.task.State = api.TaskFinished
	}
	rec.mu.Unlock()

	m.fabric.Publish(streamID, output.EndedEvent(exitCode))
}

func classify(err error) string {
	switch {
	case api.IsRuntimeTimeoutError(err):
		return api.ErrRuntimeTimeout.Error()
	case api.IsRuntimeFailureError(err):
		return api.ErrRuntimeFailure.Error()
	case api.IsInvalidError(err):
		return api.ErrInvalid.Error()
	default:
		return api.ErrInternal.Error()
	}
}

// Get returns a snapshot of a task's current state.
func (m *Manager) Get(taskID string) (api.Task, bool) {
	m.mu.Lock()
	rec, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return api.Task{}, false
	}
	return rec.snapshot(), true
}

// CurrentForApp returns the id of the app's non-terminal task, if any.
func (m *Manager) CurrentForApp(app string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byApp[app]
	return id, ok
}

// Cancel requests cooperative cancellation of a running task.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	rec, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(api.ErrNotFound, "task %s", taskID)
	}
	rec.cancel()
	return nil
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reclaimFinished()
		case <-m.stop:
			return
		}
	}
}

// reclaimFinished drops bookkeeping for tasks finished more than cleanup
// ago and evicts their Output Fabric stream outright: a stream nobody ever
// subscribed to has no subscriber to trigger Handle.Close's eviction path,
// so it would otherwise leak for the server's lifetime (§4.5 task retention).
func (m *Manager) reclaimFinished() {
	cutoff := time.Now().Add(-m.cleanup)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.tasks {
		snap := rec.snapshot()
		if snap.State == api.TaskRunning {
			continue
		}
		if snap.EndedAt.Before(cutoff) {
			delete(m.tasks, id)
			m.fabric.Evict(output.StreamID{Kind: output.KindTaskOutput, ID: id})
		}
	}
}

// Close stops the Manager's background cleanup loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
