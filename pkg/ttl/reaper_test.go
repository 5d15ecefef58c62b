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

package ttl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/registry"
)

type fakeSubmitter struct {
	calls []api.Operation
}

func (f *fakeSubmitter) Submit(ctx context.Context, app string, op api.Operation, creator api.Principal, data any) (*api.Task, error) {
	f.calls = append(f.calls, op)
	return &api.Task{ID: "t1", App: app, Operation: op}, nil
}

func appWithTTL(name string, hours uint32, destroy bool) *api.Application {
	return &api.Application{
		Name:           name,
		Classification: api.ClassOwned,
		Status:         api.StatusRunning,
		Settings: &api.AppSettings{
			TimeToLive:   api.TimeToLive{Kind: api.TTLHours, Value: hours},
			DestroyOnTTL: destroy,
		},
	}
}

func TestReaperStopsExpiredApp(t *testing.T) {
	reg := registry.New()
	reg.Upsert(appWithTTL("expired", 1, false))

	sub := &fakeSubmitter{}
	reaper := NewReaper(reg, sub, func(string) (time.Time, bool) {
		return time.Now().Add(-2 * time.Hour), true
	})

	reaper.Sweep(context.Background())
	require.Len(t, sub.calls, 1)
	assert.Equal(t, api.OpStop, sub.calls[0])
}

func TestReaperDestroysWhenConfigured(t *testing.T) {
	reg := registry.New()
	reg.Upsert(appWithTTL("expired", 1, true))

	sub := &fakeSubmitter{}
	reaper := NewReaper(reg, sub, func(string) (time.Time, bool) {
		return time.Now().Add(-2 * time.Hour), true
	})

	reaper.Sweep(context.Background())
	require.Len(t, sub.calls, 1)
	assert.Equal(t, api.OpDestroy, sub.calls[0])
}

func TestReaperSkipsForever(t *testing.T) {
	reg := registry.New()
	app := appWithTTL("forever", 0, false)
	app.Settings.TimeToLive = api.TimeToLive{Kind: api.TTLForever}
	reg.Upsert(app)

	sub := &fakeSubmitter{}
	reaper := NewReaper(reg, sub, func(string) (time.Time, bool) {
		return time.Now().Add(-999 * time.Hour), true
	})

	reaper.Sweep(context.Background())
	assert.Empty(t, sub.calls)
}

func TestReaperSkipsNotYetExpired(t *testing.T) {
	reg := registry.New()
	reg.Upsert(appWithTTL("fresh", 10, false))

	sub := &fakeSubmitter{}
	reaper := NewReaper(reg, sub, func(string) (time.Time, bool) {
		return time.Now().Add(-1 * time.Hour), true
	})

	reaper.Sweep(context.Background())
	assert.Empty(t, sub.calls)
}
