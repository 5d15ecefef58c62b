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

// Package output implements the Output Fabric (C10): it distributes
// streaming events (task output, container logs, shell I/O) from one
// producer to many subscribers with per-subscriber flow control.
package output

import "time"

// Kind discriminates the three stream kinds a Fabric serves (§4.6).
type Kind string

const (
	KindTaskOutput   Kind = "task_output"
	KindContainerLog Kind = "container_logs"
	KindShellSession Kind = "shell_session"
)

// StreamID addresses one logical channel: (kind, id).
type StreamID struct {
	Kind Kind
	ID   string
}

// EventType discriminates the shape of an Event.
type EventType int

const (
	EventStarted EventType = iota
	EventLine
	EventEnded
	EventDropped
)

// Event is one item flowing through a stream, fanned out to every subscriber
// in producer emission order.
type Event struct {
	Type      EventType
	At        time.Time
	Stream    string // "stdout" | "stderr" | "" for control events
	Line      string
	ExitCode  int
	DroppedN  int
}

// StartedEvent builds an EventStarted.
func StartedEvent() Event { return Event{Type: EventStarted, At: now()} }

// LineEvent builds an EventLine.
func LineEvent(stream, line string) Event {
	return Event{Type: EventLine, At: now(), Stream: stream, Line: line}
}

// EndedEvent builds an EventEnded.
func EndedEvent(exitCode int) Event {
	return Event{Type: EventEnded, At: now(), ExitCode: exitCode}
}

// DroppedEvent marks a gap covered by n dropped lines.
func DroppedEvent(n int) Event {
	return Event{Type: EventDropped, At: now(), DroppedN: n}
}

var now = time.Now
