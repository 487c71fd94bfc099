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

package notify

import (
	"fmt"
	"sync"
)

type Kind int

const (
	CallLoading Kind = iota
	Talking
	WSConnected
	PictureInPictureChanged
	Status
	Standby
	StreamConnected
)

func (k Kind) String() string {
	switch k {
	case CallLoading:
		return "callLoading"
	case Talking:
		return "talking"
	case WSConnected:
		return "wsConnected"
	case PictureInPictureChanged:
		return "pictureInPictureChanged"
	case Status:
		return "status"
	case Standby:
		return "standby"
	case StreamConnected:
		return "streamConnected"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Notification is a state change surfaced to the shell.
type Notification struct {
	Kind   Kind
	Value  bool
	Status string
}

func (n Notification) String() string {
	if n.Kind == Status {
		return fmt.Sprintf("%s=%q", n.Kind, n.Status)
	}
	return fmt.Sprintf("%s=%v", n.Kind, n.Value)
}

func Bool(k Kind, v bool) Notification {
	return Notification{Kind: k, Value: v}
}

func StatusText(s string) Notification {
	return Notification{Kind: Status, Status: s}
}

// Notifier receives notifications. Implementations are called on the event loop and must not block.
type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// Hub fans notifications out to subscribers and keeps the latest value of each kind.
type Hub struct {
	mu    sync.RWMutex
	subs  map[int]Notifier
	next  int
	state State
}

// State is a snapshot of the latest notification values.
type State struct {
	CallLoading      bool   `json:"callLoading"`
	Talking          bool   `json:"talking"`
	WSConnected      bool   `json:"wsConnected"`
	PictureInPicture bool   `json:"pictureInPicture"`
	Standby          bool   `json:"standby"`
	StreamConnected  bool   `json:"streamConnected"`
	Status           string `json:"status"`
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]Notifier)}
}

// Subscribe registers n and returns a function removing it.
func (h *Hub) Subscribe(n Notifier) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = n
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *Hub) Notify(n Notification) {
	h.mu.Lock()
	h.state.apply(n)
	subs := make([]Notifier, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Notify(n)
	}
}

func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (s *State) apply(n Notification) {
	switch n.Kind {
	case CallLoading:
		s.CallLoading = n.Value
	case Talking:
		s.Talking = n.Value
	case WSConnected:
		s.WSConnected = n.Value
	case PictureInPictureChanged:
		s.PictureInPicture = n.Value
	case Status:
		s.Status = n.Status
	case Standby:
		s.Standby = n.Value
	case StreamConnected:
		s.StreamConnected = n.Value
	}
}
