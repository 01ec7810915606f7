// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial adapts a real serial line to the RTU frame engine's
// byte-callback contract. It is the serial collaborator treated as
// external to the core: a background reader goroutine stands in for the
// byte-received ISR, and Write's own completion stands in for the
// transmit-complete ISR, since grid-x/serial writes are already
// synchronous at the line level.
package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// Sink receives bytes and transmit-complete notifications from the
// adapter. transport.Context implements this.
type Sink interface {
	DeliverBytes(data []byte)
	DeliverTransmitComplete()
}

const (
	readTimeout       = 100 * time.Millisecond
	defaultReadBuffer = 256
)

// Port wraps a grid-x/serial line and the Config it was opened with.
// The line stays open until Close is called.
type Port struct {
	Config serial.Config

	mu   sync.Mutex
	port io.ReadWriteCloser

	sink Sink

	stop    chan struct{}
	stopped chan struct{}
}

// Open opens the serial line and starts the reader goroutine feeding
// sink. baud, parity, stop bits and data bits are taken from cfg;
// cfg.Address names the device path (e.g. "/dev/ttyUSB0" or a pty replica
// path used by tests).
func Open(cfg serial.Config, sink Sink) (*Port, error) {
	port, err := serial.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("transport/serial: open %s: %w", cfg.Address, err)
	}
	p := &Port{
		Config:  cfg,
		port:    port,
		sink:    sink,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// readLoop stands in for the byte-received ISR: every chunk read from
// the line is forwarded to the sink immediately as it arrives, never
// batched until a full frame is complete.
func (p *Port) readLoop() {
	defer close(p.stopped)
	buf := make([]byte, defaultReadBuffer)
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		n, err := p.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.sink.DeliverBytes(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-p.stop:
				return
			default:
			}
			slog.Debug("transport/serial: read error", "address", p.Config.Address, "error", err)
			time.Sleep(readTimeout)
		}
	}
}

// Write transmits an ADU and, on success, immediately signals transmit
// completion to the sink: grid-x/serial's Write already blocks until the
// bytes are handed to the line driver, so there is no separate
// transmit-complete interrupt to wait for in this adapter.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.port.Write(data)
	if err != nil {
		return n, fmt.Errorf("transport/serial: write: %w", err)
	}
	p.sink.DeliverTransmitComplete()
	return n, nil
}

// Close stops the reader goroutine and closes the underlying line.
func (p *Port) Close() error {
	close(p.stop)
	p.mu.Lock()
	err := p.port.Close()
	p.mu.Unlock()
	<-p.stopped
	return err
}
