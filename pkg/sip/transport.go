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
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/livekit/sipgo"
	"github.com/livekit/sipgo/sip"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/config"
	"github.com/livekit/sip-doorbell/pkg/loop"
	"github.com/livekit/sip-doorbell/version"
)

var (
	UserAgent = "sip-doorbell/" + version.Version

	ErrClosed = errors.New("sip transport closed")
)

// SIPClient is the part of sipgo.Client used by the transport.
type SIPClient interface {
	TransactionRequest(req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
	Close() error
}

type Params struct {
	Config    *config.Config
	Log       logger.Logger
	Scheduler loop.Scheduler
	// Client overrides the sipgo client, and disables the built-in server.
	Client SIPClient
}

// Transport is a SIP user agent speaking over a WebSocket to the PBX, with
// WebRTC media. It implements call.Transport.
type Transport struct {
	conf  *config.Config
	log   logger.Logger
	sched loop.Scheduler

	ua     *sipgo.UserAgent
	client SIPClient
	server *sipgo.Server
	input  AudioInput

	proto   string // ws or wss
	dest    string // host:port of the websocket endpoint
	aor     sip.Uri
	contact sip.Uri

	ctx    context.Context
	cancel context.CancelFunc

	handler  call.EventHandler
	regTimer *loop.Timer

	mu         sync.Mutex
	sessions   map[string]*session
	regCallID  string
	regCSeq    uint32
	regTag     string
	connected  bool
	registered bool
	connSeq    int

	closed core.Fuse
}

var _ call.Transport = (*Transport)(nil)

func NewTransport(p Params) (*Transport, error) {
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	proto, dest, err := wsDestination(p.Config.SipWS)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conf:      p.Config,
		log:       p.Log,
		sched:     p.Scheduler,
		client:    p.Client,
		input:     FileInput(p.Config.AudioInput),
		proto:     proto,
		dest:      dest,
		ctx:       ctx,
		cancel:    cancel,
		regTimer:  loop.NewTimer(p.Scheduler),
		sessions:  make(map[string]*session),
		regCallID: sip.GenerateTagN(22),
		regTag:    sip.GenerateTagN(16),
	}
	t.aor = sip.Uri{User: p.Config.SipExt, Host: p.Config.SipDomain}
	t.contact = t.uri(sip.Uri{User: p.Config.SipExt, Host: sip.GenerateTagN(12) + ".invalid"})

	if t.client == nil {
		slogger := slog.New(logger.ToSlogHandler(p.Log))
		t.ua, err = sipgo.NewUA(
			sipgo.WithUserAgent(UserAgent),
			sipgo.WithUserAgentLogger(slogger),
		)
		if err != nil {
			cancel()
			return nil, err
		}
		client, err := sipgo.NewClient(t.ua, sipgo.WithClientLogger(slogger))
		if err != nil {
			cancel()
			_ = t.ua.Close()
			return nil, err
		}
		t.client = client
		// Requests from the PBX arrive on the client's websocket.
		t.server, err = sipgo.NewServer(t.ua)
		if err != nil {
			cancel()
			_ = t.ua.Close()
			return nil, err
		}
		t.server.OnInvite(t.onInvite)
		t.server.OnAck(t.onAck)
		t.server.OnBye(t.onBye)
		t.server.OnOptions(t.onOptions)
	}
	return t, nil
}

// wsDestination splits a ws:// or wss:// URL into its transport and host:port.
func wsDestination(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	port := u.Port()
	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		if port == "" {
			port = "443"
		}
	default:
		return "", "", fmt.Errorf("unsupported sip websocket scheme %q", u.Scheme)
	}
	return u.Scheme, net.JoinHostPort(u.Hostname(), port), nil
}

// uri returns u with the websocket transport parameter.
func (t *Transport) uri(u sip.Uri) sip.Uri {
	u.UriParams = sip.NewParams()
	u.UriParams.Add("transport", t.proto)
	return u
}

// SetHandler must be called before Register.
func (t *Transport) SetHandler(h call.EventHandler) {
	t.handler = h
}

func (t *Transport) emit(ev call.Event) {
	t.sched.Post(func() {
		if t.handler != nil {
			t.handler(ev)
		}
	})
}

func (t *Transport) setConnected(v bool) {
	t.mu.Lock()
	changed := t.connected != v
	t.connected = v
	if !v {
		t.registered = false
	}
	t.mu.Unlock()
	if !changed {
		return
	}
	if v {
		t.log.Infow("sip websocket connected", "dest", t.dest)
		t.emit(call.Event{Kind: call.EventConnected, Originator: call.OriginatorSystem})
	} else {
		t.log.Warnw("sip websocket disconnected", nil, "dest", t.dest)
		t.emit(call.Event{Kind: call.EventDisconnected, Originator: call.OriginatorSystem})
	}
}

// newRequest starts a request outside of any dialog.
func (t *Transport) newRequest(method sip.RequestMethod, to sip.Uri, callID, fromTag string, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, t.uri(to))
	req.SetDestination(t.dest)

	from := &sip.FromHeader{Address: t.aor, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxfwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)
	req.AppendHeader(&sip.ContactHeader{Address: t.contact})
	req.AppendHeader(sip.NewHeader("User-Agent", UserAgent))
	return req
}

// transact sends req and waits for the final response, answering one digest challenge.
// The live transaction is handed to onTx so that it can be cancelled.
func (t *Transport) transact(ctx context.Context, req *sip.Request, onTx func(sip.ClientTransaction)) (*sip.Response, error) {
	authorized := false
	for {
		tx, err := t.client.TransactionRequest(req)
		if err != nil {
			t.setConnected(false)
			return nil, err
		}
		if onTx != nil {
			onTx(tx)
		}
		resp, err := waitResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return nil, err
		}
		t.setConnected(true)
		if !isAuthChallenge(int(resp.StatusCode)) || authorized {
			return resp, nil
		}
		if err = authorize(req, resp, t.conf.SipUser, t.conf.SipPassword); err != nil {
			return nil, err
		}
		authorized = true
		if cseq := req.CSeq(); cseq != nil {
			cseq.SeqNo++
		}
		req.RemoveHeader("Via")
	}
}

func waitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	type result struct {
		resp *sip.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := sipResponse(tx)
		ch <- result{resp, err}
	}()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) add(s *session) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
}

func (t *Transport) remove(s *session) {
	t.mu.Lock()
	if t.sessions[s.id] == s {
		delete(t.sessions, s.id)
	}
	t.mu.Unlock()
}

func (t *Transport) lookup(req *sip.Request) *session {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[cid.Value()]
}

func (t *Transport) nextConnID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connSeq++
	return fmt.Sprintf("PC_%d", t.connSeq)
}

func (t *Transport) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowHeader))
	logOnError(t.log, tx.Respond(res))
}

func (t *Transport) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if s := t.lookup(req); s != nil {
		s.onAck()
	}
}

func (t *Transport) onBye(req *sip.Request, tx sip.ServerTransaction) {
	s := t.lookup(req)
	if s == nil {
		logOnError(t.log, tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)))
		return
	}
	logOnError(t.log, tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)))
	s.onBye()
}

func logOnError(log logger.Logger, err error) {
	if err != nil {
		log.Warnw("could not send sip response", err)
	}
}

// Close ends all sessions, unregisters and closes the websocket.
func (t *Transport) Close() error {
	var err error
	t.closed.Once(func() {
		t.mu.Lock()
		sessions := make([]*session, 0, len(t.sessions))
		for _, s := range t.sessions {
			sessions = append(sessions, s)
		}
		registered := t.registered
		t.mu.Unlock()
		for _, s := range sessions {
			_ = s.Terminate()
		}
		if registered {
			t.unregister()
		}
		t.cancel()
		err = t.client.Close()
		if t.ua != nil {
			if uerr := t.ua.Close(); err == nil {
				err = uerr
			}
		}
	})
	return err
}
