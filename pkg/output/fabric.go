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

import (
	"sync"
	"sync/atomic"
)

const shardCount = 32

// Fabric distributes Events from one producer per StreamID to many
// subscribers. It shards streams across a fixed number of buckets so that
// unrelated streams (different apps, different task IDs) never contend on
// the same lock, the way the teacher's proxy layer fans out per-connection
// state without a single global mutex.
type Fabric struct {
	shards  [shardCount]shard
	subSeq  atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	streams map[StreamID]*Stream
}

// NewFabric returns an empty Fabric ready to serve streams.
func NewFabric() *Fabric {
	f := &Fabric{}
	for i := range f.shards {
		f.shards[i].streams = make(map[StreamID]*Stream)
	}
	return f
}

func (f *Fabric) shardFor(id StreamID) *shard {
	h := fnv32(string(id.Kind) + "\x00" + id.ID)
	return &f.shards[h%shardCount]
}

// stream returns the Stream for id, creating it on first use. A stream is
// removed when its last subscriber unsubscribes after Ended has been
// published (see Close), or at once by Evict.
func (f *Fabric) stream(id StreamID) *Stream {
	sh := f.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.streams[id]
	if !ok {
		st = newStream()
		sh.streams[id] = st
	}
	return st
}

// Publish appends e to the stream addressed by id, fanning it out to every
// current subscriber. The producer must publish Started before any Line,
// and must publish Ended only after its last Line — the Fabric preserves
// emission order per stream but does not itself enforce that contract.
func (f *Fabric) Publish(id StreamID, e Event) {
	f.stream(id).publish(e)
}

// Handle is a live subscription: Events() yields the replay followed by the
// live tail, Dropped() reports how many events this subscriber has lost to
// back-pressure, and Close ends the subscription.
type Handle struct {
	fabric *Fabric
	id     StreamID
	subID  uint64
	sub    *Subscriber
}

// Subscribe joins stream id, first replaying its buffered Started marker
// and recent lines (if any), then streaming new events live.
func (f *Fabric) Subscribe(id StreamID) *Handle {
	st := f.stream(id)
	subID := f.subSeq.Add(1)
	sub := st.subscribe(subID)
	return &Handle{fabric: f, id: id, subID: subID, sub: sub}
}

// Events returns the channel to range over for delivered events.
func (h *Handle) Events() <-chan Event { return h.sub.Events() }

// Dropped returns how many events this handle has lost to back-pressure.
func (h *Handle) Dropped() int64 { return h.sub.Dropped() }

// Close unsubscribes and, if the stream has ended with no remaining
// subscribers, evicts it from the Fabric so memory does not grow unbounded
// across the lifetime of a long-running server.
func (h *Handle) Close() {
	sh := h.fabric.shardFor(h.id)
	st := h.fabric.stream(h.id)
	st.unsubscribe(h.subID)

	if st.empty() {
		sh.mu.Lock()
		if cur, ok := sh.streams[h.id]; ok && cur == st && st.empty() {
			delete(sh.streams, h.id)
		}
		sh.mu.Unlock()
	}
}

// Evict forcibly removes the stream addressed by id regardless of whether
// subscribers remain. A TaskOutput stream nobody ever subscribed to would
// otherwise never pass through Handle.Close's empty-and-ended check; callers
// use Evict once a task's retention window elapses (§4.5 task retention) so
// the stream does not outlive the server's process.
func (f *Fabric) Evict(id StreamID) {
	sh := f.shardFor(id)
	sh.mu.Lock()
	delete(sh.streams, id)
	sh.mu.Unlock()
}

// fnv32 is a tiny, dependency-free string hash for shard selection; it is
// not used for anything security-sensitive.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
