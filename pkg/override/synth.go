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

// Package override implements the Override Synthesiser (C4): a pure,
// deterministic function from (app settings, global proxy config) to a
// compose-override document. It never touches the base compose file.
package override

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/api"
)

// Variant selects which reverse proxy the override targets.
type Variant string

const (
	// VariantTraefik renders container labels consumed by Traefik.
	VariantTraefik Variant = "traefik"
	// VariantHAProxy renders environment variables consumed by the legacy
	// HAProxy-based proxy.
	VariantHAProxy Variant = "haproxy"
)

// ProxyConfig is the server-wide proxy configuration shared by every app.
type ProxyConfig struct {
	Variant             Variant
	Network             string
	DomainSuffix        string
	TLSEnabled          bool
	CertResolver         string
	AllowedMiddlewares  []string
}

// Input is the per-app settings subset the synthesiser consumes. It is kept
// separate from api.AppSettings so the pure function's surface is explicit
// and doesn't accidentally depend on fields unrelated to proxy rendering.
type Input struct {
	AppName         string
	PublicServices  map[string]int
	CustomDomains   map[string][]string
	BasicAuth       *api.BasicAuth
	AllowRobots     bool
	Middlewares     []string
}

// Document is the rendered compose-override fragment.
type Document struct {
	Services map[string]ServiceOverride `yaml:"services"`
}

// ServiceOverride is the per-service fragment of the override file. The
// lifecycle engine writes that file as docker-compose.override.yml (not
// compose.override.yml) in the app folder, beside the docker-compose.yml
// base, and docker compose merges the pair by its default file lookup.
type ServiceOverride struct {
	Labels   map[string]string `yaml:"labels,omitempty"`
	Networks []string          `yaml:"networks,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// Synthesise renders the override document for one app. It validates that
// every requested middleware is in the server-level allow-list before
// producing anything, per §4.3.
func Synthesise(in Input, proxy ProxyConfig) (*Document, error) {
	if err := validateMiddlewares(in.Middlewares, proxy.AllowedMiddlewares); err != nil {
		return nil, err
	}

	doc := &Document{Services: map[string]ServiceOverride{}}

	names := make([]string, 0, len(in.PublicServices))
	for name := range in.PublicServices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		port := in.PublicServices[name]
		hosts := hostsFor(in, proxy, name)
		switch proxy.Variant {
		case VariantHAProxy:
			doc.Services[name] = haproxyOverride(in, proxy, name, port, hosts)
		default:
			doc.Services[name] = traefikOverride(in, proxy, name, port, hosts)
		}
	}
	return doc, nil
}

// hostsFor computes the public hostnames for a service: a custom domain list
// overrides the generated "<service>.<app>.<suffix>" name.
func hostsFor(in Input, proxy ProxyConfig, service string) []string {
	if domains, ok := in.CustomDomains[service]; ok && len(domains) > 0 {
		out := make([]string, len(domains))
		copy(out, domains)
		return out
	}
	suffix := proxy.DomainSuffix
	return []string{fmt.Sprintf("%s.%s.%s", service, in.AppName, suffix)}
}

func traefikOverride(in Input, proxy ProxyConfig, service string, port int, hosts []string) ServiceOverride {
	routerName := fmt.Sprintf("%s-%s", in.AppName, service)
	labels := map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", routerName): hostRule(hosts),
		fmt.Sprintf("traefik.http.routers.%s.service", routerName): routerName,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", routerName): fmt.Sprintf("%d", port),
	}

	var middlewareNames []string
	if in.BasicAuth != nil {
		mw := fmt.Sprintf("%s-auth", routerName)
		labels[fmt.Sprintf("traefik.http.middlewares.%s.basicauth.users", mw)] = basicAuthUsersLabel(in.BasicAuth)
		middlewareNames = append(middlewareNames, mw)
	}
	if !in.AllowRobots {
		mw := fmt.Sprintf("%s-robots", routerName)
		labels[fmt.Sprintf("traefik.http.middlewares.%s.headers.customresponseheaders.X-Robots-Tag", mw)] = "noindex, nofollow"
		middlewareNames = append(middlewareNames, mw)
	}
	middlewareNames = append(middlewareNames, in.Middlewares...)
	if len(middlewareNames) > 0 {
		labels[fmt.Sprintf("traefik.http.routers.%s.middlewares", routerName)] = strings.Join(middlewareNames, ",")
	}

	if proxy.TLSEnabled {
		labels[fmt.Sprintf("traefik.http.routers.%s.tls", routerName)] = "true"
		if proxy.CertResolver != "" {
			labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", routerName)] = proxy.CertResolver
		}
	}

	return ServiceOverride{
		Labels:   labels,
		Networks: []string{proxy.Network},
	}
}

func haproxyOverride(in Input, proxy ProxyConfig, service string, port int, hosts []string) ServiceOverride {
	env := map[string]string{
		"VIRTUAL_HOST": strings.Join(hosts, ","),
		"VIRTUAL_PORT": fmt.Sprintf("%d", port),
	}
	if in.BasicAuth != nil {
		env["HTPASSWD_USER"] = in.BasicAuth.Username
		env["HTPASSWD_PASS"] = in.BasicAuth.Password.Expose()
	}
	if !in.AllowRobots {
		env["X_ROBOTS_TAG"] = "noindex, nofollow"
	}
	if proxy.TLSEnabled {
		env["LETSENCRYPT_HOST"] = strings.Join(hosts, ",")
	}
	return ServiceOverride{
		Environment: env,
		Networks:    []string{proxy.Network},
	}
}

func hostRule(hosts []string) string {
	parts := make([]string, len(hosts))
	for i, h := range hosts {
		parts[i] = fmt.Sprintf("Host(`%s`)", h)
	}
	return strings.Join(parts, " || ")
}

func basicAuthUsersLabel(auth *api.BasicAuth) string {
	// Traefik's basicauth middleware expects "user:htpasswd-hash" pairs; the
	// hash itself is produced by the caller (proxy config loader) and handed
	// to us pre-hashed inside Password, so we never hash plaintext here.
	return fmt.Sprintf("%s:%s", auth.Username, auth.Password.Expose())
}

func validateMiddlewares(requested, allowed []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	for _, r := range requested {
		if !allowedSet[r] {
			return errors.Wrapf(api.ErrInvalid, "middleware %q is not in the server allow-list", r)
		}
	}
	return nil
}

// Render produces the final YAML bytes for writing to
// docker-compose.override.yml.
func Render(doc *Document) ([]byte, error) {
	return yaml.Marshal(doc)
}
