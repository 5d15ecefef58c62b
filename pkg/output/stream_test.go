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

package output

import "testing"

// §4.6 TaskOutput: "the ring stores the last N lines (N in [1000, 10000])".
func TestReplayBufferSizeWithinSpecRange(t *testing.T) {
	if ReplayBufferSize < 1000 || ReplayBufferSize > 10000 {
		t.Fatalf("ReplayBufferSize = %d, want in [1000, 10000]", ReplayBufferSize)
	}
}
