// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command mbgwd runs one or more Modbus RTU channels (client and/or
// server roles) against real serial lines, as configured by mbcore.yaml.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gridxserial "github.com/grid-x/serial"

	"github.com/ffutop/mbcore/client"
	"github.com/ffutop/mbcore/event"
	"github.com/ffutop/mbcore/internal/config"
	"github.com/ffutop/mbcore/internal/diagcounters"
	"github.com/ffutop/mbcore/modbus/rtu"
	"github.com/ffutop/mbcore/osal"
	"github.com/ffutop/mbcore/server"
	"github.com/ffutop/mbcore/timer"
	"github.com/ffutop/mbcore/transport"
	"github.com/ffutop/mbcore/transport/serial"
)

type channel struct {
	name  string
	port  *serial.Port
	ticks *timer.Source
	store *diagcounters.Store
	srv   *server.Context
}

func main() {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFile, nil)
	if err != nil {
		fmt.Printf("mbgwd: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	slog.Info("mbgwd: starting")

	mode := osal.ModePreemptive
	if cfg.Runtime.Mode == "super-loop" {
		mode = osal.ModeSuperLoop
	}
	loop := event.NewLoop(cfg.Runtime.EventQueueSize)
	if mode == osal.ModePreemptive {
		go loop.Run()
	}

	var channels []*channel
	for _, chCfg := range cfg.Channels {
		ch, err := startChannel(chCfg, loop)
		if err != nil {
			slog.Error("mbgwd: failed to start channel", "name", chCfg.Name, "error", err)
			continue
		}
		channels = append(channels, ch)
	}
	if len(channels) == 0 {
		slog.Error("mbgwd: no channels started, exiting")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	if mode == osal.ModeSuperLoop {
		// Super-loop mode: the main goroutine drives the event loop
		// until a shutdown signal arrives.
	superLoop:
		for {
			select {
			case <-sigChan:
				break superLoop
			default:
				loop.RunOnce(10 * time.Millisecond)
			}
		}
	} else {
		<-sigChan
	}

	slog.Info("mbgwd: shutting down")
	for _, ch := range channels {
		_ = ch.port.Close()
		ch.ticks.Stop()
		if ch.store != nil {
			ch.srv.Snapshot()
			_ = ch.store.Close()
		}
	}
	if mode == osal.ModePreemptive {
		loop.Stop()
	}
	slog.Info("mbgwd: goodbye")
}

func startChannel(chCfg config.ChannelConfig, loop *event.Loop) (*channel, error) {
	isClient := chCfg.Role == "client"
	engine := rtu.NewEngine(nil, chCfg.Serial.BaudRate, isClient, chCfg.Node)
	ticks := timer.NewSource()

	tp := transport.NewContext(engine, loop, ticks)

	sioCfg := gridxserial.Config{
		Address:  chCfg.Serial.Device,
		BaudRate: chCfg.Serial.BaudRate,
		DataBits: chCfg.Serial.DataBits,
		Parity:   chCfg.Serial.Parity,
		StopBits: chCfg.Serial.StopBits,
		Timeout:  500 * time.Millisecond,
	}
	port, err := serial.Open(sioCfg, tp)
	if err != nil {
		ticks.Stop()
		return nil, err
	}
	engine.SetWriter(port)

	ch := &channel{name: chCfg.Name, port: port, ticks: ticks}

	if isClient {
		cl := client.NewContext(tp, loop, osal.ModePreemptive, chCfg.ResponseTimeout, chCfg.TurnaroundDelay)
		if _, err := tp.Bind(cl); err != nil {
			return nil, err
		}
		slog.Info("mbgwd: client channel started", "name", chCfg.Name, "device", chCfg.Serial.Device)
		return ch, nil
	}

	var store *diagcounters.Store
	if chCfg.Diagnostics.Path != "" {
		var err error
		store, err = diagcounters.Open(chCfg.Diagnostics.Path)
		if err != nil {
			slog.Warn("mbgwd: diagnostics persistence disabled", "name", chCfg.Name, "error", err)
			store = nil
		} else {
			ch.store = store
		}
	}

	var srv *server.Context
	if store != nil {
		srv = server.NewContextWithStore(tp, chCfg.Node, server.Callbacks{}, store)
	} else {
		srv = server.NewContext(tp, chCfg.Node, server.Callbacks{})
	}
	ch.srv = srv

	if _, err := tp.Bind(srv); err != nil {
		return nil, err
	}
	slog.Info("mbgwd: server channel started", "name", chCfg.Name, "device", chCfg.Serial.Device, "node", chCfg.Node)
	return ch, nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("mbgwd: failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
