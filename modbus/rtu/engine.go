// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the RTU frame engine: it delimits frames on the
// wire by inter-character silence, validates CRC-16, encodes outbound
// frames with address and CRC, and drives the receive state machine's
// t1.5/t3.5 timing rules. It is driven by byte callbacks from a serial
// driver and by periodic ticks from the 20 kHz timer source, standing in
// for an ISR-driven receiver.
package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/mbcore/modbus"
	"github.com/ffutop/mbcore/modbus/crc"
	"github.com/ffutop/mbcore/timer"
)

// State is the frame engine's state enum.
type State int

const (
	StateInit State = iota
	StateIdle
	StateReceiving
	StateCtrlWaiting
	StateChecking
	StateProcessing
	StateTransmitting
	StateWaitIdle
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIdle:
		return "IDLE"
	case StateReceiving:
		return "RECEIVING"
	case StateCtrlWaiting:
		return "CTRL_WAITING"
	case StateChecking:
		return "CHECKING"
	case StateProcessing:
		return "PROCESSING"
	case StateTransmitting:
		return "TRANSMITTING"
	case StateWaitIdle:
		return "WAIT_IDLE"
	default:
		return "UNKNOWN"
	}
}

// aduMax is the maximum ADU size (node + PDU + CRC).
const aduMax = 256

// Writer transmits raw bytes on the wire. It is the serial collaborator
// treated as external; transmit completion is signalled back
// asynchronously through OnTransmitComplete, as it would be from a
// transmit-complete ISR.
type Writer interface {
	Write(p []byte) (int, error)
}

// ErrNotIdle is returned by Transmit when the engine is not in StateIdle:
// the engine must be idle before transmit is accepted, and violating
// this is a programming error.
var ErrNotIdle = errors.New("modbus/rtu: transmit requires state IDLE")

// ErrWrongState is returned when an operation's precondition state is
// not met.
var ErrWrongState = errors.New("modbus/rtu: operation precondition not met")

// Engine is the RTU frame engine: one instance per serial port, embedded
// inside a transport.Context. It owns the rx/tx packet buffers and the
// receive state machine.
type Engine struct {
	IsClient bool // clients do not filter by node
	SelfNode byte // 0 for clients

	T1_5 timer.Ticks
	T3_5 timer.Ticks

	writer Writer

	state State

	rx        modbus.Packet
	rxRaw     [aduMax]byte // staging buffer: node+code+data+crc, before CRC strip
	rxLen     int
	rxCorrupt bool

	tx modbus.Packet

	lastByteAt  timer.Ticks
	frameStart  timer.Ticks
	initStartAt timer.Ticks
	initStarted bool

	// OnFrameReceived/OnFrameTransmitted post a FRAME_RECEIVED/
	// FRAME_TRANSMITTED event tagged with the bound channel. The
	// transport.Context wires these to push into the shared event queue;
	// the engine itself never imports the event package, keeping it
	// layered below the transport context.
	OnFrameReceived    func()
	OnFrameTransmitted func()

	// OnCommError fires on every frame dropped to a CRC mismatch,
	// buffer overflow, or inter-character spacing violation. These
	// errors are absorbed here as dropped frames, never surfaced
	// upward, and counted by the diagnostics counters. Address
	// mismatches are not comm errors: they are correctly-formed frames
	// addressed to another node.
	OnCommError func()
}

func (e *Engine) countCommError() {
	if e.OnCommError != nil {
		e.OnCommError()
	}
}

// NewEngine constructs an Engine for the given baud rate and role.
func NewEngine(writer Writer, baud int, isClient bool, selfNode byte) *Engine {
	return &Engine{
		IsClient: isClient,
		SelfNode: selfNode,
		writer:   writer,
		T1_5:     CharTimeTicks(baud),
		T3_5:     FrameSilenceTicks(baud),
		state:    StateInit,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }

// SetWriter late-binds the Writer, for callers that must construct the
// serial adapter (which needs the engine as its byte sink) before the
// engine itself can be given a writer to transmit through.
func (e *Engine) SetWriter(writer Writer) { e.writer = writer }

// FrameStart returns the tick at which the current/last frame's first
// byte arrived.
func (e *Engine) FrameStart() timer.Ticks { return e.frameStart }

// OnByteReceived delivers one or more bytes received from the wire. It
// must be safe to call from an ISR-equivalent context: it never blocks.
func (e *Engine) OnByteReceived(now timer.Ticks, data []byte) {
	for _, b := range data {
		e.stepByte(now, b)
	}
}

func (e *Engine) stepByte(now timer.Ticks, b byte) {
	switch e.state {
	case StateInit:
		// Bytes arriving before t3.5 of power-on silence has elapsed
		// restart the silence wait; Poll advances INIT -> IDLE.
		e.initStarted = true
		e.initStartAt = now
	case StateIdle:
		e.rxRaw[0] = b
		e.rxLen = 1
		e.rxCorrupt = false
		e.frameStart = now
		e.lastByteAt = now
		e.state = StateReceiving
	case StateReceiving:
		e.appendByte(b)
		e.lastByteAt = now
		if e.rxLen > aduMax {
			e.rxLen = 0
			e.state = StateWaitIdle
			e.countCommError()
		}
	case StateCtrlWaiting:
		// A byte arriving here means the inter-character gap exceeded
		// t1.5: the frame is corrupt but keep absorbing bytes until
		// t3.5 of silence, then discard.
		e.rxCorrupt = true
		e.appendByte(b)
		e.lastByteAt = now
		e.state = StateReceiving
	case StateWaitIdle:
		e.lastByteAt = now
	case StateChecking, StateProcessing, StateTransmitting:
		// Buffer ownership belongs elsewhere; any stray byte here is a
		// bus collision artifact and is dropped.
	}
}

func (e *Engine) appendByte(b byte) {
	if e.rxLen < len(e.rxRaw) {
		e.rxRaw[e.rxLen] = b
	}
	e.rxLen++
}

// Poll advances timer-driven state transitions: t1.5/t3.5 silence
// detection and the INIT power-on wait. It must be called periodically
// (from the shared event loop or a super-loop tick) with the current
// 20 kHz tick count.
func (e *Engine) Poll(now timer.Ticks) {
	switch e.state {
	case StateInit:
		if !e.initStarted {
			e.initStarted = true
			e.initStartAt = now
			return
		}
		if timer.Elapsed(now, e.initStartAt) > e.T3_5 {
			e.state = StateIdle
		}
	case StateReceiving:
		gap := timer.Elapsed(now, e.lastByteAt)
		if gap > e.T3_5 {
			e.closeFrame()
		} else if gap > e.T1_5 {
			e.state = StateCtrlWaiting
		}
	case StateCtrlWaiting:
		if timer.Elapsed(now, e.lastByteAt) > e.T3_5 {
			// No further bytes arrived after the t1.5 gap: the frame
			// was never actually corrupted, just slow. Close it
			// normally.
			e.closeFrame()
		}
	case StateWaitIdle:
		if timer.Elapsed(now, e.lastByteAt) > e.T3_5 {
			e.state = StateIdle
		}
	}
}

// closeFrame runs the CHECKING step: CRC verify, address filter, decode,
// and the FRAME_RECEIVED notification.
func (e *Engine) closeFrame() {
	e.state = StateChecking
	n := e.rxLen
	if e.rxCorrupt {
		// Inter-character spacing violation: discard via WAIT_IDLE.
		e.rxLen = 0
		e.state = StateWaitIdle
		e.countCommError()
		return
	}
	if n < 4 || n > aduMax || !crc.Verify(e.rxRaw[:n]) {
		e.rxLen = 0
		e.state = StateIdle
		e.countCommError()
		return
	}
	node := e.rxRaw[0]
	if !e.IsClient && node != e.SelfNode && node != modbus.NodeBroadcast {
		e.rxLen = 0
		e.state = StateIdle
		return
	}
	e.rx.Node = node
	e.rx.Code = e.rxRaw[1]
	payload := e.rxRaw[2 : n-2]
	e.rx.DataLen = copy(e.rx.Data[:], payload)
	e.state = StateProcessing
	if e.OnFrameReceived != nil {
		e.OnFrameReceived()
	}
}

// GetRxPacket returns the received packet. Valid only in StateProcessing.
func (e *Engine) GetRxPacket() (*modbus.Packet, error) {
	if e.state != StateProcessing {
		return nil, fmt.Errorf("%w: getRxPacket requires PROCESSING, got %s", ErrWrongState, e.state)
	}
	return &e.rx, nil
}

// GetTxPacket returns the outbound packet for preparation. Valid in
// StateProcessing or StateIdle.
func (e *Engine) GetTxPacket() (*modbus.Packet, error) {
	if e.state != StateProcessing && e.state != StateIdle {
		return nil, fmt.Errorf("%w: getTxPacket requires PROCESSING or IDLE, got %s", ErrWrongState, e.state)
	}
	return &e.tx, nil
}

// ReceptionDone releases the rx buffer back to the engine. Valid only in
// StateProcessing.
func (e *Engine) ReceptionDone() error {
	if e.state != StateProcessing {
		return fmt.Errorf("%w: receptionDone requires PROCESSING, got %s", ErrWrongState, e.state)
	}
	e.rxLen = 0
	e.state = StateIdle
	return nil
}

// Transmit builds [node][code][data...][crcLo][crcHi] from the prepared
// tx packet and hands it to the Writer. Requires StateIdle. A server
// whose received frame was a broadcast must not call Transmit at all: it
// calls ReceptionDone directly.
func (e *Engine) Transmit() error {
	if e.state != StateIdle {
		return ErrNotIdle
	}
	length := e.tx.DataLen + 4
	if length > aduMax {
		return fmt.Errorf("modbus/rtu: tx pdu length %d exceeds adu capacity", e.tx.DataLen)
	}
	adu := make([]byte, length)
	adu[0] = e.tx.Node
	adu[1] = e.tx.Code
	copy(adu[2:], e.tx.Data[:e.tx.DataLen])
	sum := crc.Checksum(adu[:length-2])
	adu[length-2] = byte(sum)
	adu[length-1] = byte(sum >> 8)

	e.state = StateTransmitting
	if _, err := e.writer.Write(adu); err != nil {
		e.state = StateIdle
		return fmt.Errorf("modbus/rtu: write failed: %w", err)
	}
	return nil
}

// OnTransmitComplete is called (from an ISR-equivalent context) once the
// last byte, including CRC, has been clocked out.
func (e *Engine) OnTransmitComplete() {
	if e.state != StateTransmitting {
		return
	}
	e.state = StateIdle
	if e.OnFrameTransmitted != nil {
		e.OnFrameTransmitted()
	}
}
