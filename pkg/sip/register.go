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

package sip

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/livekit/sipgo/sip"

	"github.com/livekit/sip-doorbell/pkg/call"
	doorerrors "github.com/livekit/sip-doorbell/pkg/errors"
)

const registerTimeout = 10 * time.Second

// Register binds the extension at the PBX and keeps the binding refreshed.
// It blocks for one REGISTER transaction.
func (t *Transport) Register(ctx context.Context) error {
	if t.closed.IsBroken() {
		return ErrClosed
	}
	ctx, span := Tracer.Start(ctx, "Transport.Register")
	defer span.End()

	expires, err := t.register(ctx, t.conf.RegisterExpires)
	if err != nil {
		span.RecordError(err)
		t.mu.Lock()
		t.registered = false
		t.mu.Unlock()
		t.log.Warnw("sip registration failed", err)
		ev := call.Event{Kind: call.EventRegistrationFailed, Originator: call.OriginatorSystem, Err: err}
		var st *ErrorStatus
		if errors.As(err, &st) {
			ev.Originator = call.OriginatorRemote
			ev.Cause = causeFromStatus(st.StatusCode)
		} else {
			ev.Cause = call.CauseConnection
		}
		t.emit(ev)
		t.scheduleRegister(time.Duration(t.conf.RegisterExpires) * time.Second)
		return err
	}
	t.mu.Lock()
	t.registered = true
	t.mu.Unlock()
	t.log.Infow("sip registered", "aor", t.aor.String(), "expires", expires)
	t.emit(call.Event{Kind: call.EventRegistered, Originator: call.OriginatorRemote})
	// refresh at 90% of the granted expiry
	t.scheduleRegister(time.Duration(expires) * time.Second * 9 / 10)
	return nil
}

func (t *Transport) scheduleRegister(d time.Duration) {
	t.sched.Post(func() {
		if t.closed.IsBroken() {
			return
		}
		t.regTimer.Reset(d, func() {
			go func() {
				_ = t.Register(t.ctx)
			}()
		})
	})
}

// register sends one REGISTER, with digest retry, and returns the granted expiry in seconds.
func (t *Transport) register(ctx context.Context, expires int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	t.mu.Lock()
	t.regCSeq++
	cseq := t.regCSeq
	t.mu.Unlock()

	req := t.newRequest(sip.REGISTER, t.aor, t.regCallID, t.regTag, cseq)
	req.Recipient = t.uri(sip.Uri{Host: t.conf.SipDomain})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	resp, err := t.transact(ctx, req, nil)
	if err != nil {
		return 0, doorerrors.NewTransportError("register", err)
	}
	if cseq := req.CSeq(); cseq != nil {
		t.mu.Lock()
		if cseq.SeqNo > t.regCSeq {
			t.regCSeq = cseq.SeqNo
		}
		t.mu.Unlock()
	}
	if code := int(resp.StatusCode); code < 200 || code >= 300 {
		return 0, &ErrorStatus{StatusCode: code, Message: resp.Reason}
	}
	return grantedExpires(resp, expires), nil
}

// grantedExpires reads the expiry granted by the registrar.
func grantedExpires(resp *sip.Response, requested int) int {
	if c := resp.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil && n > 0 {
			return n
		}
	}
	return requested
}

// unregister removes the binding, waiting briefly for the answer.
func (t *Transport) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := t.register(ctx, 0); err != nil {
		t.log.Debugw("unregister failed", "error", err)
	}
	t.mu.Lock()
	t.registered = false
	t.mu.Unlock()
}
