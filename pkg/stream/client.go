// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/errors"
	"github.com/livekit/sip-doorbell/pkg/loop"
	"github.com/livekit/sip-doorbell/pkg/mse"
	"github.com/livekit/sip-doorbell/pkg/notify"
	"github.com/livekit/sip-doorbell/pkg/playback"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	StatusConnecting = "Connecting..."
	StatusLoading    = "Loading..."
	StatusLive       = "LIVE"
	StatusWSError    = "WS error: "
	StatusHostError  = "HASS error: "
	StatusError      = "Stream error: "
)

const (
	DefaultCooldown = 5 * time.Second
	DefaultGrace    = time.Second
)

// Player is the video sink fed by the stream.
type Player interface {
	playback.Player
	NewMediaSource() (mse.MediaSource, error)
	// SetSource replaces the playing source; nil clears it.
	SetSource(ms mse.MediaSource)
}

// Monitor records stream metrics.
type Monitor interface {
	StreamConnected()
	StreamReconnect()
	StreamBytes(n int)
	BufferFlushed(bytes int)
	BufferOverflow(bytes int)
}

type nopMonitor struct{}

func (nopMonitor) StreamConnected()   {}
func (nopMonitor) StreamReconnect()   {}
func (nopMonitor) StreamBytes(int)    {}
func (nopMonitor) BufferFlushed(int)  {}
func (nopMonitor) BufferOverflow(int) {}

type Config struct {
	// Cooldown is the minimum time between two connection attempts.
	Cooldown time.Duration
	// Grace delays Disconnect so that a quick Connect can cancel it.
	Grace time.Duration
	// Background keeps the stream running regardless of Disconnect.
	Background bool
	// BufferSize is the playback buffer capacity in bytes.
	BufferSize int
}

// Handler receives every control message while registered.
type Handler func(msg Message)

type handlerEntry struct {
	name string
	fn   Handler
}

type Params struct {
	Config    Config
	Log       logger.Logger
	Scheduler loop.Scheduler
	URL       URLSource
	Dialer    Dialer
	Player    Player
	Notifier  notify.Notifier
	Monitor   Monitor
}

// Client keeps one relay socket open while in scope. All methods must be called on the event loop.
type Client struct {
	conf     Config
	log      logger.Logger
	sched    loop.Scheduler
	src      URLSource
	dialer   Dialer
	player   Player
	notifier notify.Notifier
	mon      Monitor

	ctx    context.Context
	cancel context.CancelFunc

	state       State
	status      string
	inScope     bool
	lastAttempt time.Time
	conn        Conn
	dialing     bool
	gen         uint64
	reconnect   *loop.Timer
	grace       *loop.Timer

	handlers    []handlerEntry
	dataHandler func(data []byte)
	ms          mse.MediaSource
	buf         *mse.Buffer
}

func NewClient(p Params) *Client {
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	if p.Config.Cooldown <= 0 {
		p.Config.Cooldown = DefaultCooldown
	}
	if p.Config.Grace <= 0 {
		p.Config.Grace = DefaultGrace
	}
	if p.Dialer == nil {
		p.Dialer = WSDialer{}
	}
	if p.Notifier == nil {
		p.Notifier = notify.NotifierFunc(func(notify.Notification) {})
	}
	if p.Monitor == nil {
		p.Monitor = nopMonitor{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conf:      p.Config,
		log:       p.Log,
		sched:     p.Scheduler,
		src:       p.URL,
		dialer:    p.Dialer,
		player:    p.Player,
		notifier:  p.Notifier,
		mon:       p.Monitor,
		ctx:       ctx,
		cancel:    cancel,
		reconnect: loop.NewTimer(p.Scheduler),
		grace:     loop.NewTimer(p.Scheduler),
	}
}

func (c *Client) State() State {
	return c.state
}

func (c *Client) Status() string {
	return c.status
}

// LastAttempt returns the time of the latest connection attempt.
func (c *Client) LastAttempt() time.Time {
	return c.lastAttempt
}

// Buffer returns the playback buffer of the current MSE session, if any.
func (c *Client) Buffer() *mse.Buffer {
	return c.buf
}

// Connect brings the stream into scope and opens a socket unless one exists.
func (c *Client) Connect() {
	c.grace.Stop()
	c.inScope = true
	c.connect()
}

// Disconnect closes the stream after the grace period unless Connect is called first.
func (c *Client) Disconnect() {
	if c.conf.Background || c.grace.Active() {
		return
	}
	if c.state == StateClosed {
		return
	}
	c.log.Debugw("stream out of scope, disconnecting soon", "grace", c.conf.Grace)
	c.grace.Reset(c.conf.Grace, func() {
		c.reconnect.Stop()
		c.disconnect()
	})
}

// Close shuts the stream down immediately.
func (c *Client) Close() {
	c.grace.Stop()
	c.reconnect.Stop()
	c.disconnect()
	c.cancel()
}

// Send writes a control message to the open socket.
func (c *Client) Send(msg Message) error {
	if c.conn == nil {
		return errors.ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SetHandler registers fn under name, replacing a previous handler of that name.
func (c *Client) SetHandler(name string, fn Handler) {
	for i := range c.handlers {
		if c.handlers[i].name == name {
			c.handlers[i].fn = fn
			return
		}
	}
	c.handlers = append(c.handlers, handlerEntry{name: name, fn: fn})
}

func (c *Client) setStatus(s string) {
	c.status = s
	c.notifier.Notify(notify.StatusText(s))
}

func (c *Client) connect() {
	if !c.inScope || c.conn != nil || c.dialing || c.reconnect.Active() {
		return
	}
	c.state = StateConnecting
	if !c.lastAttempt.IsZero() {
		// at most one attempt per cooldown window
		if wait := c.conf.Cooldown - c.sched.Now().Sub(c.lastAttempt); wait > 0 {
			c.log.Debugw("stream connect deferred", "delay", wait)
			c.reconnect.Reset(wait, c.connect)
			return
		}
	}
	c.lastAttempt = c.sched.Now()
	c.dialing = true
	c.gen++
	gen := c.gen
	c.setStatus(StatusConnecting)
	c.log.Debugw("connecting stream")

	ctx := c.ctx
	go func() {
		u, err := c.src.StreamURL(ctx)
		if err != nil {
			c.sched.Post(func() { c.onDialError(gen, StatusHostError, err) })
			return
		}
		conn, err := c.dialer.Dial(ctx, u)
		if err != nil {
			c.sched.Post(func() { c.onDialError(gen, StatusWSError, err) })
			return
		}
		c.sched.Post(func() { c.onOpen(gen, conn) })
	}()
}

func (c *Client) onDialError(gen uint64, prefix string, err error) {
	if gen != c.gen {
		return
	}
	c.dialing = false
	c.log.Warnw("stream connection failed", errors.NewTransportError("dial", err))
	c.setStatus(prefix + err.Error())
	if c.state == StateClosed {
		return
	}
	c.scheduleReconnect()
}

func (c *Client) onOpen(gen uint64, conn Conn) {
	if gen != c.gen || c.state == StateClosed {
		_ = conn.Close()
		return
	}
	c.dialing = false
	c.conn = conn
	c.state = StateOpen
	c.setStatus(StatusLoading)
	c.mon.StreamConnected()
	c.notifier.Notify(notify.Bool(notify.StreamConnected, true))
	c.log.Infow("stream connected")

	go c.readLoop(gen, conn)

	c.dataHandler = nil
	c.handlers = nil
	c.SetHandler("stream", func(msg Message) {
		if msg.Type == "error" {
			c.setStatus(StatusError + msg.Text())
		} else {
			c.setStatus(StatusLive)
		}
	})
	c.startMSE()
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.sched.Post(func() { c.onClose(gen, conn, err) })
			return
		}
		switch typ {
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Debugw("dropping malformed stream message", "error", err)
				continue
			}
			c.sched.Post(func() { c.onMessage(gen, msg) })
		case websocket.BinaryMessage:
			c.sched.Post(func() { c.onData(gen, data) })
		}
	}
}

func (c *Client) onMessage(gen uint64, msg Message) {
	if gen != c.gen {
		return
	}
	for _, h := range c.handlers {
		h.fn(msg)
	}
}

func (c *Client) onData(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	c.mon.StreamBytes(len(data))
	if c.dataHandler != nil {
		c.dataHandler(data)
	}
}

func (c *Client) onClose(gen uint64, conn Conn, err error) {
	if gen != c.gen || c.conn != conn {
		return
	}
	c.conn = nil
	_ = conn.Close()
	c.notifier.Notify(notify.Bool(notify.StreamConnected, false))
	if c.state == StateClosed {
		return
	}
	c.log.Infow("stream closed", "error", err)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.state = StateConnecting
	delay := c.conf.Cooldown - c.sched.Now().Sub(c.lastAttempt)
	if delay < 0 {
		delay = 0
	}
	c.log.Debugw("stream reconnect scheduled", "delay", delay)
	c.mon.StreamReconnect()
	c.reconnect.Reset(delay, c.connect)
}

func (c *Client) disconnect() {
	c.inScope = false
	c.state = StateClosed
	c.gen++
	c.dialing = false
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.notifier.Notify(notify.Bool(notify.StreamConnected, false))
	}
	c.handlers = nil
	c.dataHandler = nil
	c.buf = nil
	if c.ms != nil {
		_ = c.ms.Close()
		c.ms = nil
	}
	if c.player != nil {
		c.player.SetSource(nil)
	}
	c.log.Infow("stream disconnected")
}

// startMSE negotiates byte-stream playback through a fresh media source.
func (c *Client) startMSE() {
	if c.player == nil {
		return
	}
	if c.ms != nil {
		_ = c.ms.Close()
	}
	c.buf = nil
	ms, err := c.player.NewMediaSource()
	if err != nil {
		c.setStatus(StatusError + err.Error())
		return
	}
	c.ms = ms
	gen := c.gen
	ms.OnSourceOpen(func() {
		if gen != c.gen || c.ms != ms {
			return
		}
		codecs := SupportedCodecs(ms.IsTypeSupported)
		msg, _ := NewMessage("mse", strings.Join(codecs, ","))
		if err := c.Send(msg); err != nil {
			c.log.Debugw("could not request mse stream", "error", err)
		}
	})
	c.player.SetSource(ms)
	if err := playback.Play(c.player, c.log); err != nil {
		c.log.Debugw("video playback not started", "error", err)
	}

	c.SetHandler("mse", func(msg Message) {
		if msg.Type != "mse" {
			return
		}
		c.onMSE(ms, msg.Text())
	})
}

func (c *Client) onMSE(ms mse.MediaSource, mime string) {
	if c.ms != ms {
		return
	}
	mime, err := negotiateMime(ms, mime)
	if err != nil {
		c.setStatus(StatusError + err.Error())
		return
	}
	sb, err := ms.AddSourceBuffer(mime)
	if err != nil {
		c.setStatus(StatusError + err.Error())
		return
	}
	buf := mse.NewBuffer(ms, sb, c.conf.BufferSize, c.log, c.mon)
	c.buf = buf
	c.log.Infow("mse stream negotiated", "mime", mime)
	c.dataHandler = func(data []byte) {
		if err := buf.Append(data); err != nil {
			c.log.Warnw("dropping media chunk", err)
		}
	}
}

// negotiateMime reduces the relay's offer to the codecs the sink supports.
func negotiateMime(ms mse.MediaSource, offer string) (string, error) {
	offered := ParseCodecs(offer)
	if len(offered) == 0 {
		if !ms.IsTypeSupported(offer) {
			return "", fmt.Errorf("unsupported type %q", offer)
		}
		return offer, nil
	}
	agreed := Intersect(offered, SupportedCodecs(ms.IsTypeSupported))
	if len(agreed) == 0 {
		return "", fmt.Errorf("no supported codecs in %q", offer)
	}
	return MimeType(agreed), nil
}
