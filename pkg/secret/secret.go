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

// Package secret wraps sensitive strings so that logging or debug-printing
// an Application, AppSettings or Task can never accidentally leak a
// credential. Full-fidelity access is only available through Expose, which
// call sites use exclusively at the syscall/command-argument boundary.
package secret

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Secret wraps a sensitive string. Its zero value is the empty secret.
type Secret struct {
	value []byte
}

// New wraps s in a Secret.
func New(s string) Secret {
	return Secret{value: []byte(s)}
}

// Expose returns the raw string. This is the only accessor that returns the
// unredacted value; call it only at the point a value must leave the process
// (a command argument, a file Scotty itself owns, an outbound HTTP header).
func (s Secret) Expose() string {
	return string(s.value)
}

// String implements fmt.Stringer with the redacted form: every byte but the
// last three is replaced with '*'. A value of three bytes or fewer is
// replaced with '*' entirely.
func (s Secret) String() string {
	return redact(s.value)
}

// GoString satisfies %#v / debug formatting with the same redaction as String.
func (s Secret) GoString() string {
	return "secret.Secret(" + s.String() + ")"
}

func redact(v []byte) string {
	n := len(v)
	if n == 0 {
		return ""
	}
	if n <= 3 {
		return string(bytes.Repeat([]byte{'*'}, n))
	}
	masked := bytes.Repeat([]byte{'*'}, n-3)
	return string(masked) + string(v[n-3:])
}

// Zero overwrites the backing bytes in place and then empties the Secret,
// so Expose returns "" afterwards. Call it when a Secret's
// lifetime is known to have ended (e.g. after a subprocess has been launched
// with it in its environment) to shrink the window during which the value
// sits in memory. Go's GC does not guarantee this happens automatically on
// drop, so it must be called explicitly.
func (s *Secret) Zero() {
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

// MarshalYAML gives Secret full-fidelity serialisation when written to a
// file the user manages directly (compose override, .scotty.yml). Redaction
// is a display/debug concern only, never a storage one.
func (s Secret) MarshalYAML() (interface{}, error) {
	return string(s.value), nil
}

// UnmarshalYAML loads the raw string value back into the Secret.
func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.value = []byte(raw)
	return nil
}

// MarshalJSON redacts by default: a Secret crossing the API boundary as JSON
// must never carry its raw value unless the caller explicitly projects it
// through Map.Mask's inverse (which Scotty never exposes over the wire).
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
