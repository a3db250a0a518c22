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
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

func TestWSDialerSharesSessionCookie(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	gotCookie := make(chan string, 1)
	gotTab := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/chat/support-1/" {
			http.NotFound(w, r)
			return
		}
		if c, err := r.Cookie("sessionid"); err == nil {
			gotCookie <- c.Value
		}
		gotTab <- r.Header.Get(core.ClientIDHeader)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	httpURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(httpURL, []*http.Cookie{{Name: "sessionid", Value: "abc123", Path: "/"}})

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/"
	d := NewWSDialer(wsBase, jar, "tab-1")
	assert.Equal(t, wsBase+"support-1/", d.URL("support-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "support-1")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "abc123", <-gotCookie)
	assert.Equal(t, "tab-1", <-gotTab)

	require.NoError(t, conn.WriteMessage([]byte(`{"type":"typing","is_typing":true}`)))
	data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"typing","is_typing":true}`, string(data))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.WriteMessage([]byte("x")), core.ErrChannelClosed)
}

func TestWSDialerReportsHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http"), nil, "")
	_, err := d.Dial(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"chat_message","message_id":"m-1","sender_id":"u-1","content":"hi","message_type":"text","is_read":true}`))
	require.NoError(t, err)
	require.NotNil(t, f.Message)
	assert.Equal(t, core.ChatMessage{MessageID: "m-1", SenderID: "u-1", Content: "hi", Type: "text", IsRead: true}, *f.Message)
	assert.Nil(t, f.Typing)

	f, err = DecodeFrame([]byte(`{"type":"presence_v2"}`))
	assert.ErrorIs(t, err, ErrUnknownFrame)
	assert.Equal(t, "presence_v2", f.Type)

	_, err = DecodeFrame([]byte(`{"type":"typing_indicator","is_typing":"yes"}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownFrame)
}
