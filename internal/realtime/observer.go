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

import "github.com/wso2/api-platform/portal/session-runtime/pkg/core"

// Observer receives a channel's decoded frames and connection transitions.
// Callbacks run on the channel's goroutines.
type Observer interface {
	OnMessage(room string, msg core.ChatMessage)
	OnTyping(room string, t TypingIndicator)
	OnUserStatus(room string, s UserStatus)
	OnMessageRead(room string, r MessageRead)
	OnStateChange(state core.ConnectionState)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Message     func(room string, msg core.ChatMessage)
	Typing      func(room string, t TypingIndicator)
	UserStatus  func(room string, s UserStatus)
	MessageRead func(room string, r MessageRead)
	StateChange func(state core.ConnectionState)
}

func (o ObserverFuncs) OnMessage(room string, msg core.ChatMessage) {
	if o.Message != nil {
		o.Message(room, msg)
	}
}

func (o ObserverFuncs) OnTyping(room string, t TypingIndicator) {
	if o.Typing != nil {
		o.Typing(room, t)
	}
}

func (o ObserverFuncs) OnUserStatus(room string, s UserStatus) {
	if o.UserStatus != nil {
		o.UserStatus(room, s)
	}
}

func (o ObserverFuncs) OnMessageRead(room string, r MessageRead) {
	if o.MessageRead != nil {
		o.MessageRead(room, r)
	}
}

func (o ObserverFuncs) OnStateChange(state core.ConnectionState) {
	if o.StateChange != nil {
		o.StateChange(state)
	}
}
