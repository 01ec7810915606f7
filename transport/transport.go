// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport implements the transport-layer context: a thin
// polymorphic holder over the RTU frame engine that exposes a uniform
// four-function PDU in/out interface to the server dispatcher and
// client orchestrator, and that binds exactly one channel (client xor
// server) at a time.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ffutop/mbcore/event"
	"github.com/ffutop/mbcore/modbus"
	"github.com/ffutop/mbcore/modbus/rtu"
	"github.com/ffutop/mbcore/timer"
)

// Transmitter is the four-function-pointer seam between a transport and
// the server/client layers above it. RTU is the only implementation
// here; additional transport variants would add further implementations
// without touching server/client code.
type Transmitter interface {
	Transmit() error
	GetRxPacket() (*modbus.Packet, error)
	GetTxPacket() (*modbus.Packet, error)
	ReceptionDone() error
}

// ErrAlreadyBound is returned by Bind when a second channel attempts to
// attach to a Context already owned by one. A double-bind is a fatal,
// caller-visible condition rather than a silent overwrite.
var ErrAlreadyBound = errors.New("transport: context already bound to a channel")

// Context is the transport-layer channel context: one per serial port,
// exclusively bound to one channel (client or server) for its lifetime.
type Context struct {
	engine *rtu.Engine
	loop   *event.Loop
	ticks  *timer.Source

	mu        sync.Mutex
	bound     bool
	channelID int
	isClient  bool
	node      byte
}

// NewContext creates a transport context bound to the given RTU engine,
// event loop and tick source. The engine's IsClient/SelfNode fields
// determine node/isClient for this context.
func NewContext(engine *rtu.Engine, loop *event.Loop, ticks *timer.Source) *Context {
	c := &Context{
		engine:   engine,
		loop:     loop,
		ticks:    ticks,
		isClient: engine.IsClient,
		node:     engine.SelfNode,
	}
	loop.RegisterPoller(c)
	return c
}

// Bind atomically links a channel (client.Context or server.Context,
// anything implementing event.Processor) to this Context, and returns
// the channel id the event loop will tag events with. Link and
// back-link are updated atomically under a critical section; attempting
// to bind a second channel is a programmer error surfaced as
// ErrAlreadyBound rather than a silent overwrite.
func (c *Context) Bind(p event.Processor) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound {
		return 0, ErrAlreadyBound
	}
	id := c.loop.Register(p)
	c.channelID = id
	c.bound = true

	c.engine.OnFrameReceived = func() {
		c.loop.Post(event.Event{ID: event.FrameReceived, ChannelID: id}, true)
	}
	c.engine.OnFrameTransmitted = func() {
		c.loop.Post(event.Event{ID: event.FrameTransmitted, ChannelID: id}, true)
	}
	if counter, ok := p.(CommErrorCounter); ok {
		c.engine.OnCommError = counter.CountCommError
	}
	return id, nil
}

// CommErrorCounter is implemented by server.Context to track the
// busCommErrorCount diagnostic. Bind wires it to the engine's
// comm-error hook when the bound channel supports it; client channels
// have no such counter and are unaffected.
type CommErrorCounter interface {
	CountCommError()
}

// Unbind releases the channel. The caller must serialize this after any
// outstanding call on the channel returns.
func (c *Context) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bound {
		return
	}
	c.loop.Unregister(c.channelID)
	c.engine.OnFrameReceived = nil
	c.engine.OnFrameTransmitted = nil
	c.bound = false
}

// IsClient reports whether this context belongs to a client channel.
func (c *Context) IsClient() bool { return c.isClient }

// Node returns the context's node address (0 for clients).
func (c *Context) Node() byte { return c.node }

// Transmit implements Transmitter.
func (c *Context) Transmit() error { return c.engine.Transmit() }

// GetRxPacket implements Transmitter.
func (c *Context) GetRxPacket() (*modbus.Packet, error) { return c.engine.GetRxPacket() }

// GetTxPacket implements Transmitter.
func (c *Context) GetTxPacket() (*modbus.Packet, error) { return c.engine.GetTxPacket() }

// ReceptionDone implements Transmitter.
func (c *Context) ReceptionDone() error { return c.engine.ReceptionDone() }

// State exposes the underlying engine's state, mostly for diagnostics
// and tests.
func (c *Context) State() rtu.State { return c.engine.State() }

// DeliverBytes feeds bytes received from the serial adapter into the
// frame engine, tagging them with the current tick. It stands in for a
// byte-received ISR.
func (c *Context) DeliverBytes(data []byte) {
	c.engine.OnByteReceived(c.ticks.Now(), data)
}

// DeliverTransmitComplete signals that the last byte (including CRC) has
// been clocked out.
func (c *Context) DeliverTransmitComplete() {
	c.engine.OnTransmitComplete()
}

// Poll implements event.Poller, driving the engine's t1.5/t3.5 timing
// transitions from the shared loop on every dispatch pass.
func (c *Context) Poll() {
	c.engine.Poll(c.ticks.Now())
}

// String aids debug logging.
func (c *Context) String() string {
	return fmt.Sprintf("transport.Context{node=%d client=%v state=%s}", c.node, c.isClient, c.engine.State())
}
