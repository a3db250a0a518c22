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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

// Inbound frame types.
const (
	FrameChatMessage     = "chat_message"
	FrameTypingIndicator = "typing_indicator"
	FrameUserStatus      = "user_status"
	FrameMessageRead     = "message_read"
)

// Outbound frame types. chat_message is shared with the inbound set.
const (
	FrameTyping   = "typing"
	FrameMarkRead = "mark_read"
)

var ErrUnknownFrame = errors.New("unknown frame type")

type TypingIndicator struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type UserStatus struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type MessageRead struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at,omitempty"`
}

// InboundFrame is a decoded server frame; exactly one payload field is set,
// matching Type.
type InboundFrame struct {
	Type    string
	Message *core.ChatMessage
	Typing  *TypingIndicator
	Status  *UserStatus
	Read    *MessageRead
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeFrame parses a flat JSON frame tagged by "type". An unrecognized type
// returns the type alongside ErrUnknownFrame.
func DecodeFrame(data []byte) (InboundFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}

	f := InboundFrame{Type: env.Type}
	var target any
	switch env.Type {
	case FrameChatMessage:
		f.Message = &core.ChatMessage{}
		target = f.Message
	case FrameTypingIndicator:
		f.Typing = &TypingIndicator{}
		target = f.Typing
	case FrameUserStatus:
		f.Status = &UserStatus{}
		target = f.Status
	case FrameMessageRead:
		f.Read = &MessageRead{}
		target = f.Read
	default:
		return f, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return InboundFrame{Type: env.Type}, fmt.Errorf("decode %s frame: %w", env.Type, err)
	}
	return f, nil
}

type OutboundFrame struct {
	Type            string `json:"type"`
	Content         string `json:"content,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	IsTyping        *bool  `json:"is_typing,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
}

func ChatFrame(content string) OutboundFrame {
	return OutboundFrame{Type: FrameChatMessage, Content: content, ClientMessageID: uuid.NewString()}
}

func TypingFrame(typing bool) OutboundFrame {
	return OutboundFrame{Type: FrameTyping, IsTyping: &typing}
}

func MarkReadFrame(messageID string) OutboundFrame {
	return OutboundFrame{Type: FrameMarkRead, MessageID: messageID}
}
