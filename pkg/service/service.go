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
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/config"
	"github.com/livekit/sip-doorbell/pkg/errors"
	"github.com/livekit/sip-doorbell/pkg/hass"
	"github.com/livekit/sip-doorbell/pkg/loop"
	"github.com/livekit/sip-doorbell/pkg/notify"
	"github.com/livekit/sip-doorbell/pkg/playback"
	"github.com/livekit/sip-doorbell/pkg/sip"
	"github.com/livekit/sip-doorbell/pkg/stats"
	"github.com/livekit/sip-doorbell/pkg/stream"
	"github.com/livekit/sip-doorbell/version"
)

// Host is the home automation service bus.
type Host interface {
	CallService(domain, service string, data map[string]any)
	State(ctx context.Context, entityID string) (string, error)
}

type Params struct {
	Config    *config.Config
	Log       logger.Logger
	Scheduler loop.Scheduler
	Transport call.Transport
	Host      Host
	URL       stream.URLSource
	Dialer    stream.Dialer
	Audio     playback.OutputFunc
	Video     io.Writer
	Monitor   *stats.Monitor
}

// Service is the headless intercom: it owns the call manager, the media stream and
// the playback sinks, and exposes the intercom actions.
type Service struct {
	conf  *config.Config
	log   logger.Logger
	sched loop.Scheduler
	loop  *loop.Loop
	mon   *stats.Monitor

	hub    *notify.Hub
	tr     call.Transport
	host   Host
	mgr    *call.Manager
	audio  *playback.AudioSink
	video  *playback.VideoPlayer
	stream *stream.Client
	closer []io.Closer

	sleep        *loop.Timer
	standby      bool
	preventSleep bool
	talking      bool
	micMuted     bool
	phoneMuted   bool
	videoMuted   bool
	visible      bool
	autocallDone bool

	srv      *http.Server
	promSrv  *http.Server
	shutdown core.Fuse
}

// NewService builds the production service from the configuration.
func NewService(conf *config.Config, log logger.Logger, mon *stats.Monitor) (*Service, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	l := loop.New(log, nil)
	tr, err := sip.NewTransport(sip.Params{
		Config:    conf,
		Log:       log.WithComponent("sip"),
		Scheduler: l,
	})
	if err != nil {
		return nil, err
	}

	p := Params{
		Config:    conf,
		Log:       log,
		Scheduler: l,
		Transport: tr,
		Audio:     playback.Discard(),
		Video:     io.Discard,
		Monitor:   mon,
	}
	var hc *hass.Client
	if conf.HassURL != "" {
		hc = hass.New(hass.Params{URL: conf.HassURL, Token: conf.HassToken, Log: log.WithComponent("hass")})
		p.Host = hc
		p.URL = &stream.SignedURL{
			Signer: hc,
			Entity: conf.VideoEntity,
			URL:    conf.VideoURL,
			Server: conf.VideoServer,
		}
	} else if conf.VideoEntity != "" {
		_ = tr.Close()
		return nil, &errors.ConfigError{Field: "hass_url", Reason: "required by video_entity"}
	} else {
		p.URL = stream.StaticURL(conf.VideoURL)
	}
	if conf.AudioOutput != "" {
		p.Audio = playback.FileOutput(conf.AudioOutput)
	}
	var closers []io.Closer
	if conf.VideoOutput != "" {
		f, err := os.Create(conf.VideoOutput)
		if err != nil {
			_ = tr.Close()
			return nil, err
		}
		p.Video = f
		closers = append(closers, f)
	}

	s := newService(p)
	s.loop = l
	if hc != nil {
		closers = append(closers, closerFunc(hc.Close))
	}
	s.closer = append(s.closer, closers...)
	return s, nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func newService(p Params) *Service {
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	if p.Host == nil {
		p.Host = nopHost{log: p.Log}
	}
	s := &Service{
		conf:       p.Config,
		log:        p.Log,
		sched:      p.Scheduler,
		mon:        p.Monitor,
		hub:        notify.NewHub(),
		tr:         p.Transport,
		host:       p.Host,
		sleep:      loop.NewTimer(p.Scheduler),
		videoMuted: true,
		visible:    true,
	}

	var (
		callMon   call.Monitor
		streamMon stream.Monitor
	)
	if p.Monitor != nil {
		callMon, streamMon = p.Monitor, p.Monitor
	}

	s.audio = playback.NewAudioSink(p.Scheduler, p.Audio, p.Log.WithComponent("audio"))
	s.video = playback.NewVideoPlayer(p.Scheduler, p.Video, p.Log.WithComponent("video"))
	s.mgr = call.NewManager(call.ManagerParams{
		Config:    p.Config,
		Log:       p.Log.WithComponent("call"),
		Scheduler: p.Scheduler,
		Transport: p.Transport,
		Sink:      s.audio,
		Notifier:  s.hub,
		Monitor:   callMon,
	})
	s.stream = stream.NewClient(stream.Params{
		Config: stream.Config{
			Cooldown:   config.DefaultReconnectCooldown,
			Grace:      config.DefaultDisconnectGrace,
			Background: p.Config.VideoBackground,
			BufferSize: config.DefaultPlaybackBufferSize,
		},
		Log:       p.Log.WithComponent("stream"),
		Scheduler: p.Scheduler,
		URL:       p.URL,
		Dialer:    p.Dialer,
		Player:    s.video,
		Notifier:  s.hub,
		Monitor:   streamMon,
	})

	p.Transport.SetHandler(s.mgr.HandleEvent)
	s.audio.OnProgress(s.mgr.PlaybackProgress)
	s.video.OnPlay(s.onVideoPlay)
	s.video.SetMuted(s.videoMuted)
	s.hub.Subscribe(notify.NotifierFunc(s.onNotify))
	return s
}

// Start opens the media stream and arms the sleep timer. It must run on the event loop.
func (s *Service) Start() {
	s.stream.Connect()
	s.updatePreventSleep()
	s.setSleep()
}

// Run serves until ctx is done or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	s.log.Infow("starting service", "version", version.Version)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the loop outlives ctx so that shutdown can still end the call on it
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	done := make(chan error, 1)
	go func() {
		done <- s.loop.Run(loopCtx)
	}()

	go func() {
		if err := s.mgr.Start(ctx); err != nil {
			s.log.Warnw("initial registration failed, retrying", err)
		}
	}()
	s.sched.Post(s.Start)

	if err := s.startHTTP(); err != nil {
		s.close()
		return err
	}

	s.log.Infow("service ready")
	var err error
	select {
	case <-s.shutdown.Watch():
		s.log.Infow("shutting down")
	case <-ctx.Done():
		s.log.Infow("shutting down", "reason", ctx.Err())
	case err = <-done:
	}
	s.close()
	return err
}

func (s *Service) startHTTP() error {
	handler := s.Handler(s.loop)
	if s.conf.PrometheusPort == 0 || s.conf.PrometheusPort == s.conf.HTTPPort {
		handler = withMetrics(handler)
	} else {
		s.promSrv = &http.Server{
			Addr:    ":" + strconv.Itoa(s.conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
		if err := s.listen(s.promSrv); err != nil {
			return err
		}
	}
	if s.conf.HTTPPort == 0 {
		return nil
	}
	s.srv = &http.Server{
		Addr:              ":" + strconv.Itoa(s.conf.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.listen(s.srv)
}

func (s *Service) listen(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	s.log.Infow("http listening", "addr", srv.Addr)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("http server failed", err, "addr", srv.Addr)
		}
	}()
	return nil
}

// Stop ends the current call and shuts the service down.
func (s *Service) Stop() {
	s.shutdown.Break()
}

func (s *Service) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.loop != nil {
		_ = s.loop.Do(ctx, func() {
			s.mgr.EndCall()
			s.stream.Close()
			s.sleep.Stop()
		})
	}
	for _, srv := range []*http.Server{s.srv, s.promSrv} {
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}
	if err := s.tr.Close(); err != nil {
		s.log.Warnw("could not close sip transport", err)
	}
	for _, c := range s.closer {
		_ = c.Close()
	}
	if s.loop != nil {
		s.loop.Close()
	}
}

func (s *Service) onNotify(n notify.Notification) {
	switch n.Kind {
	case notify.Talking:
		s.talking = n.Value
		s.updatePreventSleep()
	case notify.WSConnected:
		if n.Value {
			s.autocall()
		}
	}
}

type nopHost struct {
	log logger.Logger
}

func (h nopHost) CallService(domain, service string, data map[string]any) {
	h.log.Infow("no host configured, skipping service call", "domain", domain, "service", service)
}

func (h nopHost) State(ctx context.Context, entityID string) (string, error) {
	return "", errors.ErrNotConnected
}
