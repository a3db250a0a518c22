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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

type staticIdentity struct {
	user core.UserIdentity
	ok   bool
}

func (s staticIdentity) Identity() (core.UserIdentity, bool) { return s.user, s.ok }

func TestConnectOneChannelPerRoom(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.NewMock())

	a, err := m.Connect(context.Background(), "r1")
	require.NoError(t, err)
	b, err := m.Connect(context.Background(), "r1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	waitStatus(t, a, core.StatusOpen, 0)
	assert.Equal(t, 1, d.dialCount())

	got, ok := m.Channel("r1")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestConnectValidates(t *testing.T) {
	m := newTestManager(&fakeDialer{}, clock.NewMock(), WithIdentity(staticIdentity{}))

	_, err := m.Connect(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrRoomRequired)

	_, err = m.Connect(context.Background(), "r1")
	assert.ErrorIs(t, err, core.ErrNotAuthenticated)
	assert.Empty(t, m.Rooms())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	authed := newTestManager(&fakeDialer{}, clock.NewMock(), WithIdentity(staticIdentity{user: core.UserIdentity{Username: "alice"}, ok: true}))
	_, err = authed.Connect(ctx, "r1")
	assert.ErrorIs(t, err, context.Canceled)

	ch, err := authed.Connect(context.Background(), "r1")
	require.NoError(t, err)
	waitStatus(t, ch, core.StatusOpen, 0)
}

func TestDisconnectAllClearsRooms(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.NewMock())

	r1, err := m.Connect(context.Background(), "r1")
	require.NoError(t, err)
	r2, err := m.Connect(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, m.Rooms())

	m.DisconnectAll()
	assert.Empty(t, m.Rooms())
	assert.Equal(t, core.StatusClosed, r1.State().Status)
	assert.Equal(t, core.StatusClosed, r2.State().Status)

	again, err := m.Connect(context.Background(), "r1")
	require.NoError(t, err)
	assert.NotSame(t, r1, again, "a disconnected room starts over")
	m.DisconnectAll()
}

func TestContextCancelDisconnects(t *testing.T) {
	m := newTestManager(&fakeDialer{}, clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Connect(ctx, "r1")
	require.NoError(t, err)
	waitStatus(t, ch, core.StatusOpen, 0)

	cancel()
	require.Eventually(t, func() bool { return ch.State().Status == core.StatusClosed }, time.Second, 2*time.Millisecond)
	_, ok := m.Channel("r1")
	assert.False(t, ok)
}

func TestDisconnectReleasesContextRegistration(t *testing.T) {
	m := newTestManager(&fakeDialer{}, clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		ch, err := m.Connect(ctx, "r1")
		require.NoError(t, err)
		waitStatus(t, ch, core.StatusOpen, 0)

		ch.mu.Lock()
		bound := ch.unbind != nil
		ch.mu.Unlock()
		require.True(t, bound)

		ch.Disconnect()
		ch.mu.Lock()
		assert.Nil(t, ch.unbind, "disconnect releases the context hook")
		ch.mu.Unlock()
	}

	live, err := m.Connect(ctx, "r1")
	require.NoError(t, err)
	waitStatus(t, live, core.StatusOpen, 0)
	cancel()
	require.Eventually(t, func() bool { return live.State().Status == core.StatusClosed }, time.Second, 2*time.Millisecond)
}

func TestSetPolicyAppliesToNextRetry(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{failures: -1}
	m := newTestManager(d, clk)

	ch, err := m.Connect(context.Background(), "r1")
	require.NoError(t, err)
	waitStatus(t, ch, core.StatusReconnecting, 1)

	cfg := testConfig()
	cfg.BackoffBase = 10 * time.Second
	cfg.BackoffCap = time.Minute
	cfg.MaxAttempts = 2
	m.SetPolicy(cfg)

	clk.Add(2 * time.Second)
	waitStatus(t, ch, core.StatusReconnecting, 2)

	clk.Add(39 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, d.dialCount(), "second retry waits the new base * 2^2")
	clk.Add(time.Second)
	waitStatus(t, ch, core.StatusFailed, 2)
}
