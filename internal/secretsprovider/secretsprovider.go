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

// Package secretsprovider resolves `op://<connect>/<vault>/<item>/<field>`
// URIs against an external 1Password Connect server. 1Password itself is
// an external collaborator (§1); this package only specifies and drives
// the thin HTTP contract scotty needs from it.
package secretsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/factorial-io/scotty/pkg/api"
)

// uriPattern matches `op://<connect>/<vault>/<item>/<field>`.
var uriPattern = regexp.MustCompile(`^op://([^/]+)/([^/]+)/([^/]+)/([^/]+)$`)

// Reference is a parsed op:// secret URI.
type Reference struct {
	Connect string
	Vault   string
	Item    string
	Field   string
}

// Parse decodes a secret URI, failing anything that doesn't match the
// four-segment op:// shape.
func Parse(uri string) (Reference, error) {
	m := uriPattern.FindStringSubmatch(uri)
	if m == nil {
		return Reference{}, errors.Wrapf(api.ErrInvalid, "not a valid op:// secret reference: %s", uri)
	}
	return Reference{Connect: m[1], Vault: m[2], Item: m[3], Field: m[4]}, nil
}

// Endpoints maps a connect server name (the first URI segment) to its base
// URL, as configured per deployment.
type Endpoints map[string]string

// ConnectClient resolves secret URIs against 1Password Connect's REST API.
type ConnectClient struct {
	Endpoints Endpoints
	Token     string
	HTTP      *http.Client
}

// NewConnectClient builds a client with a bounded-timeout default HTTP client.
func NewConnectClient(endpoints Endpoints, token string) *ConnectClient {
	return &ConnectClient{
		Endpoints: endpoints,
		Token:     token,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

type connectItemField struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

type connectItem struct {
	Fields []connectItemField `json:"fields"`
}

// Resolve implements lifecycle.SecretResolver.
func (c *ConnectClient) Resolve(ctx context.Context, uri string) (string, error) {
	ref, err := Parse(uri)
	if err != nil {
		return "", err
	}
	base, ok := c.Endpoints[ref.Connect]
	if !ok {
		return "", errors.Wrapf(api.ErrInvalid, "no connect endpoint configured for %s", ref.Connect)
	}

	reqURL := fmt.Sprintf("%s/v1/vaults/%s/items/%s", base, url.PathEscape(ref.Vault), url.PathEscape(ref.Item))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", errors.Wrap(api.ErrInternal, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", errors.Wrap(api.ErrTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", errors.Wrapf(api.ErrNotFound, "secret item %s/%s", ref.Vault, ref.Item)
	}
	if resp.StatusCode >= 500 {
		return "", errors.Wrapf(api.ErrTransient, "connect server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(api.ErrInvalid, "connect server returned %d", resp.StatusCode)
	}

	var item connectItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", errors.Wrap(api.ErrInternal, err.Error())
	}
	for _, f := range item.Fields {
		if f.Label == ref.Field || f.ID == ref.Field {
			return f.Value, nil
		}
	}
	return "", errors.Wrapf(api.ErrNotFound, "field %s not present on item %s/%s", ref.Field, ref.Vault, ref.Item)
}
