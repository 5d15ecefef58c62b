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

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/output"
)

type fakeAttachment struct {
	io.ReadCloser
	writes [][]byte
	resize struct{ cols, rows uint }
}

func newFakeAttachment() *fakeAttachment {
	r, _ := io.Pipe()
	return &fakeAttachment{ReadCloser: r}
}

func (f *fakeAttachment) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeAttachment) Resize(ctx context.Context, cols, rows uint) error {
	f.resize.cols, f.resize.rows = cols, rows
	return nil
}

func TestManagerOwnershipEnforced(t *testing.T) {
	m := NewManager(output.NewFabric())
	defer m.Close()

	owner := api.NewEmailPrincipal("alice@example.com")
	other := api.NewEmailPrincipal("bob@example.com")
	attach := newFakeAttachment()

	s := m.Open(context.Background(), owner, "myapp", "web", attach)

	got, err := m.Authorize(s.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = m.Authorize(s.ID, other)
	assert.True(t, api.IsUnauthorisedError(err))
}

func TestManagerWriteAndResize(t *testing.T) {
	m := NewManager(output.NewFabric())
	defer m.Close()

	owner := api.NewEmailPrincipal("alice@example.com")
	attach := newFakeAttachment()
	s := m.Open(context.Background(), owner, "myapp", "web", attach)

	require.NoError(t, m.Write(s, []byte("ls\n")))
	require.Len(t, attach.writes, 1)
	assert.Equal(t, "ls\n", string(attach.writes[0]))

	require.NoError(t, m.Resize(context.Background(), s, 80, 24))
	assert.Equal(t, uint(80), attach.resize.cols)
	assert.Equal(t, uint(24), attach.resize.rows)
}

func TestManagerTerminate(t *testing.T) {
	m := NewManager(output.NewFabric())
	defer m.Close()

	owner := api.NewEmailPrincipal("alice@example.com")
	attach := newFakeAttachment()
	s := m.Open(context.Background(), owner, "myapp", "web", attach)

	m.Terminate(s.ID)
	<-s.Done()

	_, err := m.Authorize(s.ID, owner)
	assert.True(t, api.IsNotFoundError(err))
}

func TestParseFrameRejectsOversize(t *testing.T) {
	raw := make([]byte, MaxFrameSize+1)
	_, _, err := ParseFrame(raw)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseAndBuildFrameRoundTrip(t *testing.T) {
	var id [SessionIDLen]byte
	copy(id[:], "0123456789abcdef")
	framed := BuildFrame(id, []byte("payload"))

	gotID, payload, err := ParseFrame(framed)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "payload", string(payload))
}
