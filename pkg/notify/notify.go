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

// Package notify implements Notification Fan-out (C13): per-action
// summaries delivered fire-and-forget to configured sinks, each with its
// own bounded queue and retry/backoff policy.
package notify

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/pkg/api"
)

// Summary is the per-action notification payload handed to every sink.
type Summary struct {
	App       string
	Operation api.Operation
	Principal api.Principal
	Success   bool
	Message   string
	At        time.Time
}

// Sink delivers one Summary to an external system (Slack, email, webhook,
// ...). Concrete sinks are external collaborators; this package only
// specifies and drives the contract.
type Sink interface {
	Name() string
	Send(ctx context.Context, s Summary) error
}

// QueueSize bounds each sink's pending-summary queue.
const QueueSize = 64

// MaxAttempts bounds retry attempts per summary before it is dropped.
const MaxAttempts = 5

// BaseBackoff is the first retry delay; each subsequent attempt doubles it
// with jitter, up to MaxBackoff.
const BaseBackoff = 500 * time.Millisecond

// MaxBackoff caps the exponential backoff delay.
const MaxBackoff = 30 * time.Second

type sinkWorker struct {
	sink  Sink
	queue chan Summary
	stop  chan struct{}
}

// Fanout owns one worker goroutine per configured Sink, each with its own
// bounded queue; a slow or failing sink never blocks another.
type Fanout struct {
	workers []*sinkWorker
}

// NewFanout starts one worker per sink.
func NewFanout(sinks []Sink) *Fanout {
	f := &Fanout{}
	for _, sink := range sinks {
		w := &sinkWorker{sink: sink, queue: make(chan Summary, QueueSize), stop: make(chan struct{})}
		f.workers = append(f.workers, w)
		go w.run()
	}
	return f
}

// Publish enqueues s to every sink, fire-and-forget: a full queue drops the
// summary for that sink and logs it rather than blocking the caller.
func (f *Fanout) Publish(s Summary) {
	for _, w := range f.workers {
		select {
		case w.queue <- s:
		default:
			logrus.WithFields(logrus.Fields{
				"sink": w.sink.Name(),
				"app":  s.App,
			}).Warn("notify: sink queue full, dropping summary")
		}
	}
}

// Close stops every worker goroutine.
func (f *Fanout) Close() {
	for _, w := range f.workers {
		close(w.stop)
	}
}

func (w *sinkWorker) run() {
	for {
		select {
		case s := <-w.queue:
			w.deliver(s)
		case <-w.stop:
			return
		}
	}
}

func (w *sinkWorker) deliver(s Summary) {
	backoff := BaseBackoff
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.sink.Send(ctx, s)
		cancel()
		if err == nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"sink":    w.sink.Name(),
			"app":     s.App,
			"attempt": attempt,
		}).WithError(err).Warn("notify: sink delivery failed")

		if attempt == MaxAttempts {
			logrus.WithField("sink", w.sink.Name()).WithField("app", s.App).Error("notify: giving up on summary after max attempts")
			return
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		time.Sleep(sleep)
		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}
