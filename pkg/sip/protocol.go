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
	"fmt"
	"strings"

	"github.com/icholy/digest"
	"github.com/livekit/sipgo/sip"

	"github.com/livekit/sip-doorbell/pkg/call"
)

var contentTypeHeaderSDP = sip.ContentTypeHeader("application/sdp")

const allowHeader = "INVITE, ACK, CANCEL, BYE, OPTIONS"

type ErrorStatus struct {
	StatusCode int
	Message    string
}

func (e *ErrorStatus) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sip status: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sip status: %d", e.StatusCode)
}

// causeFromStatus maps a final non-2xx response to a termination cause.
func causeFromStatus(code int) string {
	switch code {
	case 486, 600:
		return call.CauseBusy
	case 403, 603:
		return call.CauseRejected
	case 404:
		return call.CauseNotFound
	case 487:
		return call.CauseCanceled
	case 480, 503:
		return call.CauseUnavailable
	case 408:
		return call.CauseTimeout
	default:
		return call.CauseSIPFailure
	}
}

// sipResponse waits for the first final response of the transaction.
func sipResponse(tx sip.ClientTransaction) (*sip.Response, error) {
	cnt := 0
	for {
		select {
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("transaction failed to complete (%d intermediate responses)", cnt)
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				cnt++
				continue
			}
			return res, nil
		}
	}
}

// authorize answers a 401 or 407 challenge, adding the matching credentials header to req.
func authorize(req *sip.Request, resp *sip.Response, user, pass string) error {
	challengeHdr, credHdr := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == 407 {
		challengeHdr, credHdr = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := resp.GetHeader(challengeHdr)
	if h == nil {
		return fmt.Errorf("no %s header in %d response", challengeHdr, int(resp.StatusCode))
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return err
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: pass,
	})
	if err != nil {
		return err
	}
	req.RemoveHeader(credHdr)
	req.AppendHeader(sip.NewHeader(credHdr, cred.String()))
	return nil
}

func isAuthChallenge(code int) bool {
	return code == 401 || code == 407
}

// remoteIdentity renders a From or To header as "Name <user@host>".
func remoteIdentity(name string, uri sip.Uri) string {
	addr := uri.User
	if uri.Host != "" {
		addr += "@" + uri.Host
	}
	if name = strings.Trim(name, `"`); name != "" {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}
