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

package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/output"
)

func blockingSequence(release <-chan struct{}) Sequence {
	return func(op api.Operation) ([]Step, error) {
		return []Step{
			{Name: "block", Run: func(ctx context.Context, ex *Execution) error {
				<-release
				return nil
			}},
		}, nil
	}
}

func instantSequence() Sequence {
	return func(op api.Operation) ([]Step, error) {
		return []Step{
			{Name: "noop", Run: func(ctx context.Context, ex *Execution) error { return nil }},
		}, nil
	}
}

// scenario 2 from spec.md §8: with a task in flight, a second submission for
// the same app is rejected with AppBusy carrying the in-flight task's id;
// once it finishes, a resubmission is accepted.
func TestSubmitEnforcesSingleWriterPerApp(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(output.NewFabric(), blockingSequence(release))
	defer m.Close()

	principal := api.NewEmailPrincipal("alice@example.com")
	first, err := m.Submit(context.Background(), "app-1", api.OpStop, principal, nil)
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), "app-1", api.OpRebuild, principal, nil)
	require.Error(t, err)
	busy, ok := err.(*api.AppBusyError)
	require.True(t, ok)
	require.Equal(t, first.ID, busy.TaskID)

	close(release)
	require.Eventually(t, func() bool {
		snap, ok := m.Get(first.ID)
		return ok && snap.State != api.TaskRunning
	}, time.Second, 5*time.Millisecond)

	second, err := m.Submit(context.Background(), "app-1", api.OpRebuild, principal, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestSubmitAllowsConcurrentTasksOnDifferentApps(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := NewManager(output.NewFabric(), blockingSequence(release))
	defer m.Close()

	principal := api.NewEmailPrincipal("alice@example.com")
	_, err := m.Submit(context.Background(), "app-1", api.OpStop, principal, nil)
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), "app-2", api.OpStop, principal, nil)
	require.NoError(t, err)
}

func TestTaskTransitionsToFinishedOnSuccess(t *testing.T) {
	m := NewManager(output.NewFabric(), instantSequence())
	defer m.Close()

	principal := api.NewEmailPrincipal("alice@example.com")
	tk, err := m.Submit(context.Background(), "app-1", api.OpRun, principal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.Get(tk.ID)
		return ok && snap.State == api.TaskFinished
	}, time.Second, 5*time.Millisecond)
}

func TestTaskTransitionsToFailedOnStepError(t *testing.T) {
	failing := func(op api.Operation) ([]Step, error) {
		return []Step{
			{Name: "bad", Run: func(ctx context.Context, ex *Execution) error {
				return api.ErrRuntimeFailure
			}},
		}, nil
	}
	m := NewManager(output.NewFabric(), failing)
	defer m.Close()

	principal := api.NewEmailPrincipal("alice@example.com")
	tk, err := m.Submit(context.Background(), "app-1", api.OpRun, principal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.Get(tk.ID)
		return ok && snap.State == api.TaskFailed
	}, time.Second, 5*time.Millisecond)
}

// A TaskOutput stream nobody ever subscribed to has no subscriber to drive
// Handle.Close's eviction path; reclaimFinished must evict it directly once
// the task is past its cleanup window, or it leaks for the server's life.
func TestReclaimFinishedEvictsUnsubscribedStream(t *testing.T) {
	fabric := output.NewFabric()
	m := NewManager(fabric, instantSequence())
	defer m.Close()
	m.cleanup = 0

	principal := api.NewEmailPrincipal("alice@example.com")
	tk, err := m.Submit(context.Background(), "app-1", api.OpRun, principal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.Get(tk.ID)
		return ok && snap.State == api.TaskFinished
	}, time.Second, 5*time.Millisecond)

	// Nobody ever subscribed to this task's output, so Handle.Close's
	// eviction path never ran for it.
	streamID := output.StreamID{Kind: output.KindTaskOutput, ID: tk.ID}

	m.reclaimFinished()

	_, stillTracked := m.Get(tk.ID)
	require.False(t, stillTracked)

	h := fabric.Subscribe(streamID)
	defer h.Close()
	select {
	case e := <-h.Events():
		t.Fatalf("expected no replayed events from an evicted stream, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCurrentForAppReflectsInFlightTask(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(output.NewFabric(), blockingSequence(release))
	defer m.Close()
	defer close(release)

	principal := api.NewEmailPrincipal("alice@example.com")
	tk, err := m.Submit(context.Background(), "app-1", api.OpStop, principal, nil)
	require.NoError(t, err)

	id, ok := m.CurrentForApp("app-1")
	require.True(t, ok)
	require.Equal(t, tk.ID, id)

	_, ok = m.CurrentForApp("app-nonexistent")
	require.False(t, ok)
}
