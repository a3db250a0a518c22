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
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	closeGrace       = time.Second
)

// Conn is one open socket. ReadMessage blocks until a frame arrives or the
// socket fails; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, room string) (Conn, error)
}

// WSDialer opens chat sockets at <base>/<room>/, authenticated by the
// session cookies in jar.
type WSDialer struct {
	base   string
	tabID  string
	dialer websocket.Dialer
}

func NewWSDialer(baseURL string, jar http.CookieJar, tabID string) *WSDialer {
	return &WSDialer{
		base:  strings.TrimSuffix(baseURL, "/"),
		tabID: tabID,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Jar:              jar,
		},
	}
}

func (d *WSDialer) URL(room string) string {
	return d.base + "/" + url.PathEscape(room) + "/"
}

func (d *WSDialer) Dial(ctx context.Context, room string) (Conn, error) {
	header := http.Header{}
	if d.tabID != "" {
		header.Set(core.ClientIDHeader, d.tabID)
	}
	c, resp, err := d.dialer.DialContext(ctx, d.URL(room), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", room, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", room, err)
	}
	return &wsConn{conn: c}, nil
}

// wsConn serializes writers; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	c.mu.Unlock()
	return c.conn.Close()
}
