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

package secret

import "regexp"

// Map is a derived type for environment variables: a map of name to Secret
// value, with a masking projection for API responses.
type Map map[string]Secret

// Clone returns a shallow copy of the map (Secret values are copied by value).
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Expose renders the map back to plain strings, e.g. to build a child
// process environment. Only call this at the subprocess boundary.
func (m Map) Expose() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.Expose()
	}
	return out
}

// DefaultSensitiveNamePattern matches the common shapes of env var names that
// carry credentials, mirroring the blocklist used elsewhere in the stack for
// redacting structured log fields.
var DefaultSensitiveNamePattern = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|private[_-]?key|credential|auth)`)

// Mask projects the map for an API response: keys are preserved, but any
// value whose key matches pattern is elided. A nil pattern falls back to
// DefaultSensitiveNamePattern.
func (m Map) Mask(pattern *regexp.Regexp) map[string]string {
	if pattern == nil {
		pattern = DefaultSensitiveNamePattern
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if pattern.MatchString(k) {
			out[k] = "***"
			continue
		}
		out[k] = v.Expose()
	}
	return out
}
