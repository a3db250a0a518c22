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

package logging

import (
	"log/slog"
)

const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// FrameLogger records realtime traffic at debug level.
type FrameLogger struct {
	logger *slog.Logger
}

func NewFrameLogger(logger *slog.Logger) *FrameLogger {
	return &FrameLogger{logger: logger}
}

func (f *FrameLogger) Log(room, direction, frameType string, size int) {
	f.logger.Debug("frame",
		"room", room,
		"direction", direction,
		"frame_type", frameType,
		"payload_size", size,
	)
}
