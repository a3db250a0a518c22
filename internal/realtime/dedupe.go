// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package realtime

// dedupe remembers the last n message ids in arrival order. Zero capacity
// remembers nothing.
type dedupe struct {
	ring []string
	next int
	seen map[string]struct{}
}

func newDedupe(n int) *dedupe {
	if n <= 0 {
		return &dedupe{}
	}
	return &dedupe{ring: make([]string, n), seen: make(map[string]struct{}, n)}
}

// Seen records id and reports whether it was already in the window.
func (d *dedupe) Seen(id string) bool {
	if len(d.ring) == 0 || id == "" {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return false
}
