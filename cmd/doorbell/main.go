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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/config"
	"github.com/livekit/sip-doorbell/pkg/errors"
	"github.com/livekit/sip-doorbell/pkg/service"
	"github.com/livekit/sip-doorbell/pkg/stats"
	"github.com/livekit/sip-doorbell/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "doorbell",
		Usage:       "SIP video doorbell",
		Version:     version.Version,
		Description: "Headless SIP/WebRTC intercom with a live camera stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "doorbell yaml config file",
				Sources: cli.EnvVars("DOORBELL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "doorbell yaml config body",
				Sources: cli.EnvVars("DOORBELL_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	mon, err := stats.NewMonitor(conf)
	if err != nil {
		return err
	}
	if err = mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	svc, err := service.NewService(conf, log, mon)
	if err != nil {
		return err
	}

	go func() {
		sig := <-stopChan
		log.Infow("exit requested, hanging up and shutting down", "signal", sig)
		svc.Stop()
	}()

	return svc.Run(ctx)
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
