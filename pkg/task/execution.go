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

package task

import "github.com/factorial-io/scotty/internal/runtime"

// Execution is the state threaded through one task's step sequence. Data
// carries operation-specific payload (e.g. the parsed create request, or
// the blueprint being applied); steps type-assert it to what they expect.
type Execution struct {
	App    string
	TaskID string
	Data   any

	out func(stream, line string)
}

// WriteLine implements runtime.LineWriter, forwarding subprocess output
// lines into the task's Output Fabric stream as they are produced.
func (e *Execution) WriteLine(stream, line string) {
	e.out(stream, line)
}

var _ runtime.LineWriter = (*Execution)(nil)
