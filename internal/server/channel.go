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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/output"
	"github.com/factorial-io/scotty/pkg/shell"
)

// clientMessageType discriminates the client->server envelope (§6.2).
type clientMessageType string

const (
	msgSubscribeLogs       clientMessageType = "SubscribeLogs"
	msgSubscribeTaskOutput clientMessageType = "SubscribeTaskOutput"
	msgOpenShell           clientMessageType = "OpenShell"
	msgResizeShell         clientMessageType = "ResizeShell"
	msgTerminateShell      clientMessageType = "TerminateShell"
)

type clientMessage struct {
	Type      clientMessageType `json:"type"`
	App       string            `json:"app,omitempty"`
	Service   string            `json:"service,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Cols      uint              `json:"cols,omitempty"`
	Rows      uint              `json:"rows,omitempty"`
}

// serverMessageType discriminates the server->client envelope (§6.2).
type serverMessageType string

const (
	msgLogStreamStarted   serverMessageType = "LogStreamStarted"
	msgLogLineReceived    serverMessageType = "LogLineReceived"
	msgLogStreamEnded     serverMessageType = "LogStreamEnded"
	msgTaskOutputStarted  serverMessageType = "TaskOutputStarted"
	msgTaskOutputLine     serverMessageType = "TaskOutputLine"
	msgTaskOutputEnded    serverMessageType = "TaskOutputEnded"
	msgShellSessionStart  serverMessageType = "ShellSessionStarted"
	msgShellSessionData   serverMessageType = "ShellSessionData"
	msgShellSessionEnded  serverMessageType = "ShellSessionEnded"
	msgAppChanged         serverMessageType = "AppChanged"
	msgError              serverMessageType = "Error"
)

type serverMessage struct {
	Type      serverMessageType `json:"type"`
	App       string            `json:"app,omitempty"`
	Stream    string            `json:"stream,omitempty"`
	Line      string            `json:"line,omitempty"`
	ExitCode  int               `json:"exit_code,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Error     string            `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// channelConn serialises every write to the socket: the connection fans in
// several independently-running goroutines (one per subscription plus the
// read loop), and gorilla/websocket forbids concurrent writes.
type channelConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *channelConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *channelConn) writeBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// handleChannel upgrades to a WebSocket and multiplexes every subscription
// the client opens over it until the socket closes (§6.2).
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("channel: upgrade failed")
		return
	}
	defer wsConn.Close()

	conn := &channelConn{conn: wsConn}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		wsType, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		if wsType == websocket.BinaryMessage {
			s.handleShellInput(principal, raw)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = conn.writeJSON(serverMessage{Type: msgError, Error: "malformed message"})
			continue
		}

		s.dispatchClientMessage(ctx, conn, principal, msg)
	}
}

// handleShellInput routes a binary `[16-byte session-id | payload]` frame
// (§4.6) to the owning session's pty stdin. A frame over MaxFrameSize or
// addressed to a session the caller doesn't own is dropped silently: per
// §4.6 scenario 5, an unauthorised frame must not disturb the legitimate
// owner's session, and there is no open channel to report the rejection
// back on for a fire-and-forget binary frame.
func (s *Server) handleShellInput(principal api.Principal, raw []byte) {
	sessionID, payload, err := shell.ParseFrame(raw)
	if err != nil {
		logrus.WithError(err).Warn("channel: rejecting oversized or malformed shell frame")
		return
	}
	sess, err := s.Shells.Authorize(uuid.Must(uuid.FromBytes(sessionID[:])).String(), principal)
	if err != nil {
		return
	}
	if err := s.Shells.Write(sess, payload); err != nil {
		logrus.WithError(err).WithField("session", sess.ID).Warn("channel: writing shell stdin")
	}
}

func (s *Server) dispatchClientMessage(ctx context.Context, conn *channelConn, principal api.Principal, msg clientMessage) {
	switch msg.Type {
	case msgSubscribeLogs:
		s.subscribeLogs(ctx, conn, principal, msg.App, msg.Service)
	case msgSubscribeTaskOutput:
		s.subscribeTaskOutput(ctx, conn, principal, msg.TaskID)
	case msgOpenShell:
		s.openShell(ctx, conn, principal, msg.App, msg.Service)
	case msgResizeShell:
		s.resizeShell(ctx, conn, principal, msg.SessionID, msg.Cols, msg.Rows)
	case msgTerminateShell:
		s.terminateShell(principal, msg.SessionID)
	default:
		_ = conn.writeJSON(serverMessage{Type: msgError, Error: "unknown message type"})
	}
}

func (s *Server) subscribeLogs(ctx context.Context, conn *channelConn, principal api.Principal, app, service string) {
	entry, ok := s.Registry.Get(app)
	if !ok || !s.Enforcer.Can(principal, entry.App().ScopesOrDefault(), api.PermLogs, s.Registry) {
		_ = conn.writeJSON(serverMessage{Type: msgError, App: app, Error: "forbidden"})
		return
	}

	streamID := output.StreamID{Kind: output.KindContainerLog, ID: app + "/" + service}
	handle := s.Fabric.Subscribe(streamID)
	go streamEvents(ctx, conn, handle, app, msgLogLineReceived, msgLogStreamEnded, msgLogStreamStarted)
}

func (s *Server) subscribeTaskOutput(ctx context.Context, conn *channelConn, principal api.Principal, taskID string) {
	t, ok := s.Tasks.Get(taskID)
	if !ok {
		_ = conn.writeJSON(serverMessage{Type: msgError, Error: "task not found"})
		return
	}
	entry, ok := s.Registry.Get(t.App)
	if ok && !s.Enforcer.Can(principal, entry.App().ScopesOrDefault(), api.PermView, s.Registry) {
		_ = conn.writeJSON(serverMessage{Type: msgError, Error: "forbidden"})
		return
	}

	streamID := output.StreamID{Kind: output.KindTaskOutput, ID: taskID}
	handle := s.Fabric.Subscribe(streamID)
	go streamEvents(ctx, conn, handle, t.App, msgTaskOutputLine, msgTaskOutputEnded, msgTaskOutputStarted)
}

// streamEvents copies fabric events out to the socket as server messages
// until the handle ends or the socket context is cancelled.
func streamEvents(ctx context.Context, conn *channelConn, handle *output.Handle, app string, line, ended, started serverMessageType) {
	defer handle.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-handle.Events():
			if !ok {
				return
			}
			switch e.Type {
			case output.EventStarted:
				_ = conn.writeJSON(serverMessage{Type: started, App: app})
			case output.EventLine:
				_ = conn.writeJSON(serverMessage{Type: line, App: app, Stream: e.Stream, Line: e.Line})
			case output.EventEnded:
				_ = conn.writeJSON(serverMessage{Type: ended, App: app, ExitCode: e.ExitCode})
				return
			}
		}
	}
}

func (s *Server) openShell(ctx context.Context, conn *channelConn, principal api.Principal, app, service string) {
	entry, ok := s.Registry.Get(app)
	if !ok || !s.Enforcer.Can(principal, entry.App().ScopesOrDefault(), api.PermShell, s.Registry) {
		_ = conn.writeJSON(serverMessage{Type: msgError, App: app, Error: "forbidden"})
		return
	}

	attach, err := s.ShellOpener.OpenShell(ctx, app, service, nil)
	if err != nil {
		_ = conn.writeJSON(serverMessage{Type: msgError, App: app, Error: err.Error()})
		return
	}

	session := s.Shells.Open(ctx, principal, app, service, attach)
	_ = conn.writeJSON(serverMessage{Type: msgShellSessionStart, App: app, SessionID: session.ID})

	streamID := output.StreamID{Kind: output.KindShellSession, ID: session.ID}
	handle := s.Fabric.Subscribe(streamID)
	go func() {
		defer handle.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-handle.Events():
				if !ok {
					return
				}
				switch e.Type {
				case output.EventLine:
					_ = conn.writeBinary(shell.BuildFrame(sessionIDBytes(session.ID), []byte(e.Line)))
				case output.EventEnded:
					_ = conn.writeJSON(serverMessage{Type: msgShellSessionEnded, SessionID: session.ID})
					return
				}
			}
		}
	}()
}

func (s *Server) resizeShell(ctx context.Context, conn *channelConn, principal api.Principal, sessionID string, cols, rows uint) {
	sess, err := s.Shells.Authorize(sessionID, principal)
	if err != nil {
		_ = conn.writeJSON(serverMessage{Type: msgError, SessionID: sessionID, Error: err.Error()})
		return
	}
	if err := s.Shells.Resize(ctx, sess, cols, rows); err != nil {
		_ = conn.writeJSON(serverMessage{Type: msgError, SessionID: sessionID, Error: err.Error()})
	}
}

func (s *Server) terminateShell(principal api.Principal, sessionID string) {
	if _, err := s.Shells.Authorize(sessionID, principal); err != nil {
		return
	}
	s.Shells.Terminate(sessionID)
}

// sessionIDBytes recovers the 16 raw bytes of a session's uuid, the form
// carried in the binary frame prefix (§4.6); session ids are always minted
// by uuid.NewString in pkg/shell, so parsing can never fail here.
func sessionIDBytes(id string) [shell.SessionIDLen]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [shell.SessionIDLen]byte{}
	}
	return [shell.SessionIDLen]byte(parsed)
}
