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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/factorial-io/scotty/pkg/api"
)

// SessionTokenTTL bounds how long a reconnect token is valid, short enough
// that a leaked token is low-value (it only re-authenticates the WebSocket
// upgrade, never the initial credential exchange).
const SessionTokenTTL = 5 * time.Minute

type sessionClaims struct {
	jwt.RegisteredClaims
	PrincipalKind api.PrincipalKind `json:"pk"`
}

// SessionTokenIssuer mints and verifies short-lived HMAC-signed tokens that
// let an already-authenticated client reconnect its WebSocket channel
// (after a network blip) without repeating the OIDC/bearer handshake.
type SessionTokenIssuer struct {
	key []byte
}

// NewSessionTokenIssuer builds an issuer signing with key, which must be
// kept server-side only.
func NewSessionTokenIssuer(key []byte) *SessionTokenIssuer {
	return &SessionTokenIssuer{key: key}
}

// Issue mints a reconnect token for principal.
func (i *SessionTokenIssuer) Issue(principal api.Principal) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(SessionTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		PrincipalKind: principal.Kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", errors.Wrap(api.ErrInternal, err.Error())
	}
	return signed, nil
}

// Verify validates a reconnect token and recovers the Principal it names.
func (i *SessionTokenIssuer) Verify(raw string) (api.Principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	})
	if err != nil {
		return api.Principal{}, errors.Wrap(api.ErrUnauthorised, err.Error())
	}
	return api.Principal{Kind: claims.PrincipalKind, Value: claims.Subject}, nil
}
