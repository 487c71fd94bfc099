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

// Package hass talks to the Home Assistant websocket API.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

const (
	APIPath = "/api/websocket"

	serviceTimeout = 10 * time.Second
)

var ErrClosed = errors.New("hass client closed")

// ResultError is a failed result reported by the host.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type message struct {
	ID          int64           `json:"id,omitempty"`
	Type        string          `json:"type"`
	AccessToken string          `json:"access_token,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ResultError    `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type response struct {
	msg message
	err error
}

type Params struct {
	// URL is the base URL of the instance, e.g. http://homeassistant.local:8123.
	URL    string
	Token  string
	Log    logger.Logger
	Dialer *websocket.Dialer
}

// Client keeps one authenticated socket and correlates requests by id.
// The socket is dialed on first use and again after it drops.
type Client struct {
	base   string
	token  string
	log    logger.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan response

	writeMu sync.Mutex
	closed  core.Fuse
}

func New(p Params) *Client {
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	if p.Dialer == nil {
		p.Dialer = websocket.DefaultDialer
	}
	return &Client{
		base:    strings.TrimRight(p.URL, "/"),
		token:   p.Token,
		log:     p.Log,
		dialer:  p.Dialer,
		pending: make(map[int64]chan response),
	}
}

// URL joins path with the base URL.
func (c *Client) URL(path string) string {
	return c.base + path
}

func (c *Client) wsURL() string {
	u := c.URL(APIPath)
	if rest, ok := strings.CutPrefix(u, "http"); ok {
		u = "ws" + rest
	}
	return u
}

// Connect dials and authenticates unless a socket is already open.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.IsBroken() {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to home assistant")
	}
	if err = c.auth(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log.Infow("connected to home assistant", "url", c.base)
	return conn, nil
}

func (c *Client) auth(ctx context.Context, conn *websocket.Conn) error {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(d)
		defer conn.SetReadDeadline(time.Time{})
	}
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		return errors.Wrap(err, "auth handshake")
	}
	if msg.Type != "auth_required" {
		return errors.Errorf("unexpected message %q before auth", msg.Type)
	}
	if err := conn.WriteJSON(message{Type: "auth", AccessToken: c.token}); err != nil {
		return errors.Wrap(err, "auth handshake")
	}
	msg = message{}
	if err := conn.ReadJSON(&msg); err != nil {
		return errors.Wrap(err, "auth handshake")
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return errors.Errorf("authentication rejected: %s", msg.Message)
	default:
		return errors.Errorf("unexpected auth reply %q", msg.Type)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.drop(conn, err)
			return
		}
		if msg.Type != "result" {
			continue
		}
		c.mu.Lock()
		ch := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- response{msg: msg}
		}
	}
}

func (c *Client) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	_ = conn.Close()
	if !c.closed.IsBroken() {
		c.log.Infow("home assistant connection lost", "error", err)
	}
	for id, ch := range c.pending {
		ch <- response{err: errors.Wrap(err, "connection lost")}
		delete(c.pending, id)
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Call sends a command and waits for its result.
func (c *Client) Call(ctx context.Context, typ string, fields map[string]any) (json.RawMessage, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan response, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	req := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		req[k] = v
	}
	req["id"] = id
	req["type"] = typ

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, errors.Wrapf(err, "could not send %s", typ)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrap(r.err, typ)
		}
		if !r.msg.Success {
			if r.msg.Error == nil {
				return nil, errors.Errorf("%s failed", typ)
			}
			return nil, errors.WithStack(r.msg.Error)
		}
		return r.msg.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.closed.Watch():
		return nil, ErrClosed
	}
}

// SignPath returns path with a short-lived signature for unauthenticated access.
func (c *Client) SignPath(ctx context.Context, path string) (string, error) {
	res, err := c.Call(ctx, "auth/sign_path", map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	var out struct {
		Path string `json:"path"`
	}
	if err = json.Unmarshal(res, &out); err != nil {
		return "", errors.Wrap(err, "invalid sign_path result")
	}
	return out.Path, nil
}

// CallService invokes a service without waiting. Failures are logged.
func (c *Client) CallService(domain, service string, data map[string]any) {
	log := c.log.WithValues("domain", domain, "service", service)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), serviceTimeout)
		defer cancel()
		fields := map[string]any{"domain": domain, "service": service}
		if len(data) > 0 {
			fields["service_data"] = data
		}
		if _, err := c.Call(ctx, "call_service", fields); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			log.Warnw("service call failed", err)
			return
		}
		log.Debugw("service called")
	}()
}

type entityState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// State returns the current state of an entity.
func (c *Client) State(ctx context.Context, entityID string) (string, error) {
	res, err := c.Call(ctx, "get_states", nil)
	if err != nil {
		return "", err
	}
	var states []entityState
	if err = json.Unmarshal(res, &states); err != nil {
		return "", errors.Wrap(err, "invalid get_states result")
	}
	for _, s := range states {
		if s.EntityID == entityID {
			return s.State, nil
		}
	}
	return "", errors.Errorf("entity %s not found", entityID)
}

func (c *Client) Close() {
	c.closed.Once(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
	})
}
