// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the process-wide and per-channel configuration for
// mbcore daemons: scheduling mode, event queue depth, and one entry per
// serial channel (client or server role, line parameters, timing).
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the top-level configuration structure.
type Config struct {
	Log      LogConfig       `mapstructure:"log"`
	Runtime  RuntimeConfig   `mapstructure:"runtime"`
	Channels []ChannelConfig `mapstructure:"channels"`
}

// LogConfig configures log/slog's handler.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`
}

// RuntimeConfig configures the shared event loop.
type RuntimeConfig struct {
	// Mode selects "super-loop" or "preemptive" scheduling.
	Mode           string `mapstructure:"mode"`
	EventQueueSize int    `mapstructure:"event_queue_size"`
}

// ChannelConfig describes one serial port bound to exactly one channel.
type ChannelConfig struct {
	Name   string       `mapstructure:"name"`
	Role   string       `mapstructure:"role"` // "client" or "server"
	Node   byte         `mapstructure:"node"` // this device's node address (server role)
	Serial SerialConfig `mapstructure:"serial"`

	// Client-role timing.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	TurnaroundDelay time.Duration `mapstructure:"turnaround_delay"`

	// Server-role FC08 diagnostics counter persistence.
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// DiagnosticsConfig configures mmap-backed counter persistence.
type DiagnosticsConfig struct {
	Path string `mapstructure:"path"` // empty disables persistence
}

// SerialConfig mirrors the line parameters grid-x/serial accepts.
type SerialConfig struct {
	Device   string `mapstructure:"device"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`
}

// Load reads configuration from configFile, or from the default search
// path if configFile is empty, and applies fixups/defaults. onChange, if
// non-nil, is invoked with the freshly reloaded Config whenever the
// underlying file changes on disk.
func Load(configFile string, onChange func(*Config)) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mbcore")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mbcore/")
		v.AddConfigPath("$HOME/.mbcore")
		v.AddConfigPath(".")
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("runtime.mode", "preemptive")
	v.SetDefault("runtime.event_queue_size", 64)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	if onChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			slog.Info("config: reloading", "file", e.Name)
			reloaded, err := unmarshal(v)
			if err != nil {
				slog.Error("config: reload failed", "error", err)
				return
			}
			onChange(reloaded)
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	for i := range cfg.Channels {
		fixupChannel(&cfg.Channels[i])
	}
	return &cfg, nil
}

func fixupChannel(c *ChannelConfig) {
	c.Serial.Parity = strings.ToUpper(c.Serial.Parity)
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 1 * time.Second
	}
	if c.TurnaroundDelay == 0 {
		c.TurnaroundDelay = 200 * time.Millisecond
	}
}
