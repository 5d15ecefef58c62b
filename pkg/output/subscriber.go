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

package output

import "sync/atomic"

// SubscriberQueueSize bounds each subscriber's channel. Overflow drops the
// oldest buffered entry rather than blocking the producer (§4.6, §5).
const SubscriberQueueSize = 256

// Subscriber is a per-connection endpoint with its own bounded channel and a
// dropped-entries counter, never shared with other subscribers.
type Subscriber struct {
	id      uint64
	events  chan Event
	dropped atomic.Int64
	done    chan struct{}
}

func newSubscriber(id uint64) *Subscriber {
	return &Subscriber{
		id:     id,
		events: make(chan Event, SubscriberQueueSize),
		done:   make(chan struct{}),
	}
}

// Events returns the channel to range over for delivered events.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events have been dropped for this subscriber so far.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Cancel stops delivery to this subscriber. send checks done once before it
// delivers, so a send already under way may still queue its event; every
// later send is dropped.
func (s *Subscriber) Cancel() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// send attempts a non-blocking delivery; on overflow it drops the oldest
// queued event to make room, incrementing the dropped counter, rather than
// blocking the producer (§4.6 back-pressure policy).
func (s *Subscriber) send(e Event) {
	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
			// Raced with a concurrent receive; try the send again.
		}
	}
}
