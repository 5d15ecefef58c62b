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
	"net/http"
	"strings"

	"github.com/factorial-io/scotty/pkg/api"
)

type ctxKey int

const principalCtxKey ctxKey = iota

func principalFrom(ctx context.Context) api.Principal {
	p, _ := ctx.Value(principalCtxKey).(api.Principal)
	return p
}

// authMiddleware extracts the bearer credential from the Authorization
// header (or the `token` query parameter, for WebSocket upgrades that
// can't set custom headers from a browser) and resolves it to a Principal
// via the Authenticator.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerCredential(r)
		if credential == "" {
			writeError(w, http.StatusUnauthorized, api.ErrUnauthorised)
			return
		}

		principal, err := s.Authenticator.Authenticate(r.Context(), credential)
		if err != nil {
			writeError(w, http.StatusUnauthorized, api.ErrUnauthorised)
			return
		}

		ctx := context.WithValue(r.Context(), principalCtxKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
