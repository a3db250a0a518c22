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

import (
	"sort"
	"sync"
)

// roomTable maps room names to their live channel.
type roomTable struct {
	rooms sync.Map
}

// claim returns the room's channel, installing ch if there is none.
func (t *roomTable) claim(room string, ch *Channel) (*Channel, bool) {
	v, loaded := t.rooms.LoadOrStore(room, ch)
	return v.(*Channel), loaded
}

// release drops ch only if it still owns room.
func (t *roomTable) release(ch *Channel) {
	t.rooms.CompareAndDelete(ch.room, ch)
}

func (t *roomTable) lookup(room string) (*Channel, bool) {
	v, ok := t.rooms.Load(room)
	if !ok {
		return nil, false
	}
	return v.(*Channel), true
}

func (t *roomTable) all() []*Channel {
	var out []*Channel
	t.rooms.Range(func(_, v any) bool {
		out = append(out, v.(*Channel))
		return true
	})
	return out
}

func (t *roomTable) names() []string {
	var out []string
	t.rooms.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
