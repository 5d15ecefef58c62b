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

package shell

import "github.com/pkg/errors"

// SessionIDLen is the fixed-width session-id prefix on every binary shell
// input frame (§4.6).
const SessionIDLen = 16

// ErrFrameTooLarge is returned by ParseFrame when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("shell: frame exceeds 1 MiB limit")

// ParseFrame splits a raw binary websocket frame into its 16-byte session id
// and payload, per the `[16-byte session-id | payload]` wire format.
func ParseFrame(raw []byte) (sessionID [SessionIDLen]byte, payload []byte, err error) {
	if len(raw) > MaxFrameSize {
		return sessionID, nil, ErrFrameTooLarge
	}
	if len(raw) < SessionIDLen {
		return sessionID, nil, errors.New("shell: frame shorter than session-id prefix")
	}
	copy(sessionID[:], raw[:SessionIDLen])
	payload = raw[SessionIDLen:]
	return sessionID, payload, nil
}

// BuildFrame assembles a binary frame from a session id and payload, the
// same format used for server->client pty output frames.
func BuildFrame(sessionID [SessionIDLen]byte, payload []byte) []byte {
	out := make([]byte, SessionIDLen+len(payload))
	copy(out, sessionID[:])
	copy(out[SessionIDLen:], payload)
	return out
}

// ControlMessageType discriminates JSON-tagged control frames carried over
// the text side of the channel (§6.2).
type ControlMessageType string

const (
	ControlResize    ControlMessageType = "ResizeShell"
	ControlTerminate ControlMessageType = "TerminateShell"
)

// ControlMessage is the JSON shape of a resize/terminate control frame.
type ControlMessage struct {
	Type      ControlMessageType `json:"type"`
	SessionID string             `json:"session_id"`
	Cols      uint               `json:"cols,omitempty"`
	Rows      uint               `json:"rows,omitempty"`
}
