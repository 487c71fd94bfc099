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

package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	doorerrors "github.com/livekit/sip-doorbell/pkg/errors"
)

// Executor runs fn on the event loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

type handler struct {
	s    *Service
	exec Executor
}

// Handler serves the control API. Every action runs on the event loop through exec.
func (s *Service) Handler(exec Executor) http.Handler {
	h := &handler{s: s, exec: exec}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", h.state)
	mux.HandleFunc("POST /call/incoming", h.action(func(r *http.Request) error {
		return s.CallIncoming(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("POST /call/outgoing", h.action(func(r *http.Request) error {
		return s.CallOutgoing(context.WithoutCancel(r.Context()))
	}))
	mux.HandleFunc("POST /answer", h.action(func(*http.Request) error {
		return s.Answer()
	}))
	mux.HandleFunc("POST /hangup", h.action(func(*http.Request) error {
		s.Hangup()
		return nil
	}))
	mux.HandleFunc("POST /door", h.action(func(*http.Request) error {
		s.OpenDoor()
		return nil
	}))
	mux.HandleFunc("POST /mic", h.action(func(*http.Request) error {
		s.ToggleMic()
		return nil
	}))
	mux.HandleFunc("POST /mute", h.action(func(*http.Request) error {
		s.ToggleMuted()
		return nil
	}))
	mux.HandleFunc("POST /nudge", h.action(func(*http.Request) error {
		s.Nudge()
		return nil
	}))
	mux.HandleFunc("POST /visibility", h.visibility)
	mux.HandleFunc("POST /pip", h.pip)
	return mux
}

func withMetrics(next http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", next)
	return mux
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	var st Status
	if err := h.exec.Do(r.Context(), func() { st = h.s.Status() }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// action runs fn on the loop and answers with the resulting state.
func (h *handler) action(fn func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			st     Status
			actErr error
		)
		err := h.exec.Do(r.Context(), func() {
			actErr = fn(r)
			st = h.s.Status()
		})
		if err == nil {
			err = actErr
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *handler) visibility(w http.ResponseWriter, r *http.Request) {
	ratio, err := strconv.ParseFloat(r.URL.Query().Get("ratio"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		http.Error(w, "ratio must be a number in [0,1]", http.StatusBadRequest)
		return
	}
	h.action(func(*http.Request) error {
		h.s.SetVisibility(ratio)
		return nil
	})(w, r)
}

func (h *handler) pip(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "on must be a boolean", http.StatusBadRequest)
		return
	}
	h.action(func(*http.Request) error {
		h.s.SetPictureInPicture(on)
		return nil
	})(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, doorerrors.ErrCallInProgress):
		code = http.StatusConflict
	case errors.Is(err, doorerrors.ErrNoSession):
		code = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
