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

// Package authn authenticates inbound requests against two credential
// forms: a pre-shared bearer token (fast path) and an OIDC-issued JWT
// (slow path, an ID token verified against the issuer's signing keys by
// go-oidc).
// Both paths feed the same api.Principal vocabulary the Authorisation
// Enforcer consumes.
package authn

import (
	"context"
	"crypto/subtle"
	"math/rand"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"

	"github.com/factorial-io/scotty/pkg/api"
)

// bearerPaddingBase and bearerPaddingJitter set the wall-clock window the
// bearer path is padded to (base plus up to jitter), per §4.2's timing-leak
// normalisation requirement: a bearer hit and a bearer miss must be
// indistinguishable on the wire to within measurement noise.
const bearerPaddingBase = 40 * time.Millisecond
const bearerPaddingJitter = 20 * time.Millisecond

// BearerStore holds the configured bearer-token -> principal-name mapping.
// Tokens are compared in constant time; the raw token value never appears
// in a Principal (§3).
type BearerStore struct {
	tokens map[string][]byte // sha-less: token bytes keyed by principal name, compared via subtle
}

// NewBearerStore builds a store from name -> token pairs (e.g. loaded from
// configuration).
func NewBearerStore(tokens map[string]string) *BearerStore {
	s := &BearerStore{tokens: make(map[string][]byte, len(tokens))}
	for name, token := range tokens {
		s.tokens[name] = []byte(token)
	}
	return s
}

// lookup scans every configured token with a constant-time comparison so
// that which entry (if any) matched cannot be inferred from timing. It
// always performs len(tokens) comparisons regardless of an early match.
func (s *BearerStore) lookup(presented []byte) (string, bool) {
	var matchedName string
	found := 0
	for name, token := range s.tokens {
		if subtle.ConstantTimeCompare(paddedTo(presented, len(token)), token) == 1 && len(presented) == len(token) {
			matchedName = name
			found |= 1
		}
	}
	return matchedName, found == 1
}

func paddedTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// OIDCVerifier wraps go-oidc's ID-token verification against one issuer.
type OIDCVerifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's configuration and builds a
// verifier scoped to clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(api.ErrInternal, err.Error())
	}
	return &OIDCVerifier{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

type idTokenClaims struct {
	Email string `json:"email"`
}

func (v *OIDCVerifier) verify(ctx context.Context, rawToken string) (api.Principal, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return api.Principal{}, errors.Wrap(api.ErrUnauthorised, err.Error())
	}
	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		return api.Principal{}, errors.Wrap(api.ErrUnauthorised, "id token has no email claim")
	}
	return api.NewEmailPrincipal(claims.Email), nil
}

// Authenticator resolves a presented credential to a Principal, trying the
// bearer fast path first and falling back to OIDC verification (§6.3).
type Authenticator struct {
	Bearer *BearerStore
	OIDC   *OIDCVerifier
}

// Authenticate resolves credential (a raw bearer token or an OIDC JWT) to a
// Principal. A bearer hit, and a miss when no OIDC verifier is configured,
// are padded to the same wall-clock window so they cannot be told apart by
// timing. The OIDC branch is not padded; its latency is that of the
// verification itself.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (api.Principal, error) {
	start := time.Now()

	if a.Bearer != nil {
		if name, ok := a.Bearer.lookup([]byte(credential)); ok {
			padUntil(start, bearerPaddingBase, bearerPaddingJitter)
			return api.NewBearerPrincipal(name), nil
		}
	}

	if a.OIDC != nil {
		principal, err := a.OIDC.verify(ctx, credential)
		if err == nil {
			return principal, nil
		}
		return api.Principal{}, err
	}

	padUntil(start, bearerPaddingBase, bearerPaddingJitter)
	return api.Principal{}, errors.Wrap(api.ErrUnauthorised, "no matching credential")
}

// padUntil sleeps until target plus a random extra in [0, jitter) has
// elapsed since start, so the padded branches share one latency window.
func padUntil(start time.Time, target, jitter time.Duration) {
	deadline := start.Add(target + time.Duration(rand.Int63n(int64(jitter))))
	if remaining := time.Until(deadline); remaining > 0 {
		time.Sleep(remaining)
	}
}
