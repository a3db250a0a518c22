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
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/portal/session-runtime/internal/logging"
	"github.com/wso2/api-platform/portal/session-runtime/internal/sched"
	"github.com/wso2/api-platform/portal/session-runtime/pkg/core"
)

// Policy bounds reconnection: retry i waits Backoff.NextDelay(i) and the
// channel fails after MaxAttempts retries.
type Policy struct {
	Backoff     sched.Backoff
	MaxAttempts int
}

// Channel is one room's socket plus its reconnect schedule. Every dial,
// read loop and timer callback carries the generation it was started in and
// becomes a no-op once the generation moves on.
type Channel struct {
	room    string
	dialer  Dialer
	timer   *sched.Timer
	policy  func() Policy
	frames  *logging.FrameLogger
	logger  *slog.Logger
	onClose func(*Channel)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     core.ConnectionState
	conn      Conn
	gen       uint64
	closed    bool
	unbind    func() bool
	seen      *dedupe
	observers map[int]Observer
	nextID    int
}

func newChannel(
	room string,
	dialer Dialer,
	clk clock.Clock,
	policy func() Policy,
	window int,
	frames *logging.FrameLogger,
	logger *slog.Logger,
	onClose func(*Channel),
) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		room:      room,
		dialer:    dialer,
		timer:     sched.NewTimer(clk),
		policy:    policy,
		frames:    frames,
		logger:    logger.With("room", room),
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		state:     core.ConnectionState{Room: room, Status: core.StatusClosed},
		seen:      newDedupe(window),
		observers: make(map[int]Observer),
	}
}

func (c *Channel) Room() string { return c.room }

func (c *Channel) State() core.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers o and returns its removal.
func (c *Channel) Subscribe(o Observer) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = o
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Channel) start() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.state = core.ConnectionState{Room: c.room, Status: core.StatusConnecting}
	notify := c.transitionLocked()
	c.mu.Unlock()

	notify()
	go c.dial(gen)
}

// Send writes f if the socket is open. Nothing is queued: a closed or
// reconnecting channel answers false.
func (c *Channel) Send(f OutboundFrame) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state.Status == core.StatusOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Warn("encode frame failed", "frame_type", f.Type, "error", err)
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		c.logger.Warn("send failed", "frame_type", f.Type, "error", err)
		return false
	}
	if c.frames != nil {
		c.frames.Log(c.room, logging.Outbound, f.Type, len(data))
	}
	return true
}

func (c *Channel) SendMessage(content string) bool {
	return c.Send(ChatFrame(content))
}

// SendTyping forwards the typing state as given; debouncing is the caller's.
func (c *Channel) SendTyping(typing bool) bool {
	return c.Send(TypingFrame(typing))
}

// MarkAsRead is fire-and-forget. Receipts are not ordered against messages
// arriving concurrently.
func (c *Channel) MarkAsRead(messageID string) {
	if !c.Send(MarkReadFrame(messageID)) {
		c.logger.Debug("read receipt not sent", "message_id", messageID)
	}
}

// Retry leaves Failed with a fresh attempt counter. It reports whether a
// dial was started.
func (c *Channel) Retry() bool {
	c.mu.Lock()
	if c.closed || c.state.Status != core.StatusFailed {
		c.mu.Unlock()
		return false
	}
	c.gen++
	gen := c.gen
	c.state = core.ConnectionState{Room: c.room, Status: core.StatusConnecting}
	notify := c.transitionLocked()
	c.mu.Unlock()

	c.logger.Info("manual retry")
	notify()
	go c.dial(gen)
	return true
}

// bindContext disconnects the channel when ctx is done. The registration is
// released by Disconnect so a long-lived ctx does not pin closed channels.
func (c *Channel) bindContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, c.Disconnect)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return
	}
	c.unbind = stop
	c.mu.Unlock()
}

// Disconnect cancels a pending reconnect, then closes the socket. Safe to
// call any number of times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unbind := c.unbind
	c.unbind = nil
	c.timer.Cancel()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.cancel()
	c.state.Status = core.StatusClosed
	c.state.Attempt = 0
	notify := c.transitionLocked()
	c.mu.Unlock()

	if unbind != nil {
		unbind()
	}
	if conn != nil {
		conn.Close()
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	c.logger.Info("channel disconnected")
	notify()
}

func (c *Channel) dial(gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("dial panic recovered", "error", r)
		}
	}()

	conn, err := c.dialer.Dial(c.ctx, c.room)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		notify := c.lostLocked(err)
		c.mu.Unlock()
		notify()
		return
	}
	c.conn = conn
	c.state = core.ConnectionState{Room: c.room, Status: core.StatusOpen}
	notify := c.transitionLocked()
	c.mu.Unlock()

	c.logger.Info("channel open")
	notify()
	go c.readLoop(gen, conn)
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("read loop panic recovered", "error", r)
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		c.dispatch(gen, data)
	}
}

func (c *Channel) connectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	notify := c.lostLocked(cause)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	notify()
}

// lostLocked schedules the next retry or, with retries exhausted, fails the
// channel for good.
func (c *Channel) lostLocked(cause error) func() {
	c.gen++
	p := c.policy()

	if c.state.Attempt >= p.MaxAttempts {
		c.state.Status = core.StatusFailed
		c.state.LastError = &core.ChannelError{
			Kind:    core.ErrMaxRetriesExceeded,
			Room:    c.room,
			Attempt: c.state.Attempt,
			Err:     cause,
		}
		c.logger.Error("channel failed", "attempt", c.state.Attempt, "error", cause)
		return c.transitionLocked()
	}

	c.state.Attempt++
	c.state.Status = core.StatusReconnecting
	c.state.LastError = &core.ChannelError{
		Kind:    core.ErrConnectFailed,
		Room:    c.room,
		Attempt: c.state.Attempt,
		Err:     cause,
	}
	gen := c.gen
	delay := p.Backoff.NextDelay(c.state.Attempt)
	c.timer.Schedule(delay, func() { c.dial(gen) })

	c.logger.Info("reconnect scheduled", "attempt", c.state.Attempt, "delay", delay, "error", cause)
	return c.transitionLocked()
}

func (c *Channel) dispatch(gen uint64, data []byte) {
	f, err := DecodeFrame(data)
	if c.frames != nil {
		c.frames.Log(c.room, logging.Inbound, f.Type, len(data))
	}
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) {
			c.logger.Warn("dropping unknown frame", "frame_type", f.Type)
		} else {
			c.logger.Warn("dropping malformed frame", "error", err)
		}
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if f.Message != nil && c.seen.Seen(f.Message.MessageID) {
		c.mu.Unlock()
		c.logger.Debug("dropping duplicate message", "message_id", f.Message.MessageID)
		return
	}
	observers := c.observerListLocked()
	c.mu.Unlock()

	for _, o := range observers {
		c.deliver(o, f)
	}
}

func (c *Channel) deliver(o Observer, f InboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("observer panic recovered", "frame_type", f.Type, "error", r)
		}
	}()
	switch {
	case f.Message != nil:
		o.OnMessage(c.room, *f.Message)
	case f.Typing != nil:
		o.OnTyping(c.room, *f.Typing)
	case f.Status != nil:
		o.OnUserStatus(c.room, *f.Status)
	case f.Read != nil:
		o.OnMessageRead(c.room, *f.Read)
	}
}

func (c *Channel) observerListLocked() []Observer {
	out := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		out = append(out, o)
	}
	return out
}

// transitionLocked returns the state fan-out to run after unlocking.
func (c *Channel) transitionLocked() func() {
	st := c.state
	observers := c.observerListLocked()
	return func() {
		for _, o := range observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("observer panic recovered", "status", st.Status, "error", r)
					}
				}()
				o.OnStateChange(st)
			}()
		}
	}
}
