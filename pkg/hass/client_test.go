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

package hass

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-token"

type fakeHost struct {
	t     *testing.T
	srv   *httptest.Server
	conns atomic.Int32

	mu       sync.Mutex
	services []map[string]any
	held     []map[string]any
}

func newFakeHost(t *testing.T) *fakeHost {
	h := &fakeHost{t: t}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHost) client() *Client {
	c := New(Params{URL: h.srv.URL + "/", Token: testToken})
	h.t.Cleanup(c.Close)
	return c
}

func (h *fakeHost) Services() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.services...)
}

func (h *fakeHost) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != APIPath {
		http.NotFound(w, r)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	h.conns.Add(1)

	_ = conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2025.1.0"})
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != testToken {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	_ = conn.WriteJSON(map[string]any{"type": "auth_ok"})

	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		id := req["id"]
		ok := func(result any) {
			_ = conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true, "result": result})
		}
		switch req["type"] {
		case "auth/sign_path":
			ok(map[string]any{"path": req["path"].(string) + "?authSig=signed"})
		case "get_states":
			ok([]map[string]any{
				{"entity_id": "input_select.call_state", "state": "Idle"},
				{"entity_id": "lock.front_door", "state": "locked"},
			})
		case "call_service":
			h.mu.Lock()
			h.services = append(h.services, req)
			h.mu.Unlock()
			ok(nil)
		case "echo":
			// replies to a pair of requests in reverse order
			h.mu.Lock()
			h.held = append(h.held, req)
			held := h.held
			if len(held) == 2 {
				h.held = nil
			}
			h.mu.Unlock()
			if len(held) == 2 {
				for i := len(held) - 1; i >= 0; i-- {
					_ = conn.WriteJSON(map[string]any{"id": held[i]["id"], "type": "result", "success": true, "result": held[i]["n"]})
				}
			}
		case "drop":
			return
		default:
			_ = conn.WriteJSON(map[string]any{
				"id": id, "type": "result", "success": false,
				"error": map[string]any{"code": "unknown_command", "message": "Unknown command."},
			})
		}
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSignPath(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()

	path, err := c.SignPath(testContext(t), "/api/webrtc/ws")
	require.NoError(t, err)
	require.Equal(t, "/api/webrtc/ws?authSig=signed", path)
	require.Equal(t, h.srv.URL+path, c.URL(path))
}

func TestAuthRejected(t *testing.T) {
	h := newFakeHost(t)
	c := New(Params{URL: h.srv.URL, Token: "wrong"})
	defer c.Close()

	err := c.Connect(testContext(t))
	require.ErrorContains(t, err, "Invalid access token")
}

func TestRequestCorrelation(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()
	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx))

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Call(ctx, "echo", map[string]any{"n": i + 1})
			if err == nil {
				results[i] = string(res)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, []string{"1", "2"}, results)
}

func TestResultError(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()

	_, err := c.Call(testContext(t), "bogus", nil)
	var rerr *ResultError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "unknown_command", rerr.Code)
}

func TestState(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()
	ctx := testContext(t)

	state, err := c.State(ctx, "input_select.call_state")
	require.NoError(t, err)
	require.Equal(t, "Idle", state)

	_, err = c.State(ctx, "sensor.missing")
	require.Error(t, err)
}

func TestCallService(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()

	c.CallService("input_select", "select_option", map[string]any{
		"entity_id": "input_select.call_state",
		"option":    "Talking",
	})
	require.Eventually(t, func() bool { return len(h.Services()) == 1 }, 2*time.Second, 10*time.Millisecond)

	req := h.Services()[0]
	require.Equal(t, "input_select", req["domain"])
	require.Equal(t, "select_option", req["service"])
	data, err := json.Marshal(req["service_data"])
	require.NoError(t, err)
	require.JSONEq(t, `{"entity_id":"input_select.call_state","option":"Talking"}`, string(data))
}

func TestReconnectAfterDrop(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()
	ctx := testContext(t)

	_, err := c.Call(ctx, "drop", nil)
	require.Error(t, err)

	_, err = c.SignPath(ctx, "/a")
	require.NoError(t, err)
	require.EqualValues(t, 2, h.conns.Load())
}

func TestClosed(t *testing.T) {
	h := newFakeHost(t)
	c := h.client()
	c.Close()
	_, err := c.SignPath(testContext(t), "/a")
	require.ErrorIs(t, err, ErrClosed)
}
