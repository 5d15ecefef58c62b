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

package authn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorial-io/scotty/pkg/api"
)

func TestBearerStoreLookup(t *testing.T) {
	store := NewBearerStore(map[string]string{"ci": "super-secret-token"})

	name, ok := store.lookup([]byte("super-secret-token"))
	require.True(t, ok)
	assert.Equal(t, "ci", name)

	_, ok = store.lookup([]byte("wrong-token"))
	assert.False(t, ok)
}

func TestAuthenticateBearerHit(t *testing.T) {
	a := &Authenticator{Bearer: NewBearerStore(map[string]string{"ci": "super-secret-token"})}
	p, err := a.Authenticate(context.Background(), "super-secret-token")
	require.NoError(t, err)
	assert.Equal(t, api.NewBearerPrincipal("ci"), p)
}

func TestAuthenticateNoMatch(t *testing.T) {
	a := &Authenticator{Bearer: NewBearerStore(map[string]string{"ci": "super-secret-token"})}
	_, err := a.Authenticate(context.Background(), "nope")
	assert.True(t, api.IsUnauthorisedError(err))
}

func TestSessionTokenRoundTrip(t *testing.T) {
	issuer := NewSessionTokenIssuer([]byte("test-signing-key"))
	principal := api.NewEmailPrincipal("alice@example.com")

	token, err := issuer.Issue(principal)
	require.NoError(t, err)

	got, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, principal, got)
}

func TestSessionTokenRejectsTampering(t *testing.T) {
	issuer := NewSessionTokenIssuer([]byte("test-signing-key"))
	token, err := issuer.Issue(api.NewEmailPrincipal("alice@example.com"))
	require.NoError(t, err)

	other := NewSessionTokenIssuer([]byte("different-key"))
	_, err = other.Verify(token)
	assert.True(t, api.IsUnauthorisedError(err))
}
