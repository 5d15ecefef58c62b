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

// Package shell implements the Session Authoriser (C11): it owns the
// session-id -> owning-principal mapping for interactive shell sessions and
// verifies ownership on every subsequent frame (§4.6).
package shell

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/factorial-io/scotty/internal/runtime"
	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/output"
)

// DefaultIdleDeadline is how long a session survives without client traffic
// before the Manager closes it (§4.6).
const DefaultIdleDeadline = 15 * time.Minute

// MaxFrameSize rejects any binary frame whose payload would make the whole
// frame larger than 1 MiB (§4.6).
const MaxFrameSize = 1 << 20

// Session is one live interactive shell attached to a running service
// container, owned by exactly one principal.
type Session struct {
	ID      string
	App     string
	Service string
	Owner   api.Principal

	attachment   runtime.ShellAttachment
	idleDeadline time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	done         chan struct{}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Done is closed once the session has ended for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.attachment.Close()
	close(s.done)
}

// Manager tracks every live Session and is the sole authority for whether a
// frame addressed to a session id is permitted to act on it.
type Manager struct {
	fabric *output.Fabric

	mu       sync.RWMutex
	sessions map[string]*Session

	reapInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewManager returns a Manager that fans session output through fabric.
func NewManager(fabric *output.Fabric) *Manager {
	m := &Manager{
		fabric:       fabric,
		sessions:     make(map[string]*Session),
		reapInterval: time.Minute,
		stop:         make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Open creates a new session bound to owner, records the ownership mapping,
// and starts copying pty output into the fabric as ShellSession events.
// Creating a session requires `shell` on the app; the caller must have
// already performed that authorisation check (§4.6).
func (m *Manager) Open(ctx context.Context, owner api.Principal, app, service string, attach runtime.ShellAttachment) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		App:          app,
		Service:      service,
		Owner:        owner,
		attachment:   attach,
		idleDeadline: DefaultIdleDeadline,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	streamID := output.StreamID{Kind: output.KindShellSession, ID: s.ID}
	m.fabric.Publish(streamID, output.StartedEvent())
	go m.pump(streamID, s)

	return s
}

// pump copies pty output into the fabric until the attachment closes.
func (m *Manager) pump(streamID output.StreamID, s *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.attachment.Read(buf)
		if n > 0 {
			s.touch()
			m.fabric.Publish(streamID, output.LineEvent("stdout", string(buf[:n])))
		}
		if err != nil {
			m.fabric.Publish(streamID, output.EndedEvent(0))
			m.end(s.ID)
			return
		}
	}
}

// Authorize verifies that principal owns sessionID, returning the Session
// on success. A mismatch yields ErrUnauthorised without touching the
// session: the legitimate owner's traffic keeps flowing (§4.6, acceptance
// scenario 5).
func (m *Manager) Authorize(sessionID string, principal api.Principal) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(api.ErrNotFound, "shell session %s", sessionID)
	}
	if s.Owner != principal {
		logrus.WithFields(logrus.Fields{
			"session": sessionID,
			"owner":   s.Owner.String(),
			"caller":  principal.String(),
		}).Warn("shell: rejected frame from non-owning principal")
		return nil, errors.Wrapf(api.ErrUnauthorised, "principal %s does not own session %s", principal, sessionID)
	}
	return s, nil
}

// Write sends payload as stdin to the session's pty, after an Authorize
// check by the caller.
func (m *Manager) Write(s *Session, payload []byte) error {
	s.touch()
	_, err := s.attachment.Write(payload)
	if err != nil {
		return errors.Wrap(api.ErrRuntimeFailure, err.Error())
	}
	return nil
}

// Resize applies a pty resize, after an Authorize check by the caller.
func (m *Manager) Resize(ctx context.Context, s *Session, cols, rows uint) error {
	s.touch()
	return s.attachment.Resize(ctx, cols, rows)
}

// Terminate ends a session. It is permitted either for the owning
// principal, or for any principal the caller has already verified holds
// `manage` on the app (§4.6).
func (m *Manager) Terminate(sessionID string) {
	m.end(sessionID)
}

func (m *Manager) end(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		s.closeOnce()
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdleSessions()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapIdleSessions() {
	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleFor() > s.idleDeadline {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		logrus.WithField("session", id).Info("shell: idle deadline reached, closing session")
		m.end(id)
	}
}

// Close stops the reaper goroutine and ends every live session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.end(id)
	}
}
