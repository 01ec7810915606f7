// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package client implements the client-side orchestrator: it builds
// request PDUs, hands them to the transport context, and blocks the
// calling task on a per-channel semaphore until a response arrives, the
// response timeout elapses, or (for broadcasts) the turnaround delay
// elapses.
package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ffutop/mbcore/event"
	"github.com/ffutop/mbcore/modbus"
	"github.com/ffutop/mbcore/osal"
	"github.com/ffutop/mbcore/transport"
)

// Coil ON/OFF sentinels for the packed byte arrays read/write coil
// operations exchange with the caller.
const (
	CoilOn  byte = 0xFF
	CoilOff byte = 0x00
)

// Errors surfaced to callers.
var (
	ErrParamOutOfRange = errors.New("client: parameter out of range")
	ErrBusy            = errors.New("client: transport busy")
	ErrTimeout         = errors.New("client: response timeout")
	ErrMalformed       = errors.New("client: malformed response")
)

// pendingRequest tracks the single in-flight call on a channel. A nil
// result means OK; a non-nil result is one of the Err* sentinels above
// or a *modbus.Exception.
type pendingRequest struct {
	expectCode   byte
	expectNode   byte
	minLen       int
	maxLen       int
	broadcast    bool
	result       error
	responseData []byte
}

// Counters are the client-side diagnostics counters.
type Counters struct {
	// ServerNoResponseCount counts calls that gave up after
	// ResponseTimeout elapsed with no response.
	ServerNoResponseCount uint16
}

func (c *Counters) incr(p *uint16) {
	if *p != 0xFFFF {
		*p++
	}
}

// Context is the client-side channel context.
type Context struct {
	tp transport.Transmitter

	ResponseTimeout time.Duration
	TurnaroundDelay time.Duration

	sem *osal.Semaphore

	mode osal.Mode
	loop *event.Loop

	txSlot sync.Mutex

	mu      sync.Mutex
	pending *pendingRequest

	lastException byte
	hasException  bool

	counters Counters
}

// NewContext creates a client context for the given transport context
// with the given timing parameters; the caller then links the two with
// transport.Context.Bind. mode selects how a call waits for its
// response: ModeSuperLoop re-enters the event loop, ModePreemptive
// blocks on the semaphore.
func NewContext(tp transport.Transmitter, loop *event.Loop, mode osal.Mode, responseTimeout, turnaroundDelay time.Duration) *Context {
	return &Context{
		tp:              tp,
		ResponseTimeout: responseTimeout,
		TurnaroundDelay: turnaroundDelay,
		sem:             osal.NewSemaphore(),
		mode:            mode,
		loop:            loop,
	}
}

// Process implements event.Processor, invoked by the event loop on
// FRAME_RECEIVED for this client's channel id.
func (c *Context) Process(ev event.Event) {
	if ev.ID != event.FrameReceived {
		return
	}
	c.onFrameReceived()
}

func (c *Context) onFrameReceived() {
	req, err := c.tp.GetRxPacket()
	if err != nil {
		return
	}

	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()

	accept := p != nil && c.validate(p, req)
	var data []byte
	if accept {
		data = append([]byte(nil), req.Data[:req.DataLen]...)
	}
	_ = c.tp.ReceptionDone()

	if !accept {
		// Mismatched frame: discard and keep waiting.
		return
	}

	c.mu.Lock()
	p.responseData = data
	if modbus.IsException(req.Code) && len(data) >= 1 {
		p.result = &modbus.Exception{Code: p.expectCode, ExceptionCode: data[0]}
	} else if len(data) < p.minLen || (p.maxLen > 0 && len(data) > p.maxLen) {
		p.result = ErrMalformed
	} else {
		p.result = nil
	}
	c.mu.Unlock()

	c.sem.Give(true)
}

func (c *Context) validate(p *pendingRequest, req *modbus.Packet) bool {
	if req.Node != p.expectNode {
		return false
	}
	exceptionCode := p.expectCode | modbus.ExceptionFlag
	if req.Code != p.expectCode && req.Code != exceptionCode {
		return false
	}
	return true
}

// call runs the common request/wait/validate cycle shared by every
// public operation.
func (c *Context) call(node, code byte, data []byte, minLen, maxLen int) ([]byte, error) {
	if !c.txSlot.TryLock() {
		return nil, ErrBusy
	}
	defer c.txSlot.Unlock()

	broadcast := node == modbus.NodeBroadcast

	tx, err := c.tp.GetTxPacket()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	if err := tx.SetPDU(node, modbus.PDU{Code: code, Data: data}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamOutOfRange, err)
	}

	p := &pendingRequest{
		expectCode: code,
		expectNode: node,
		minLen:     minLen,
		maxLen:     maxLen,
		broadcast:  broadcast,
	}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	c.sem.TryTake() // clear any stale signal before arming a new wait

	if err := c.tp.Transmit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	if broadcast {
		c.wait(c.TurnaroundDelay)
		return nil, nil
	}

	if !c.wait(c.ResponseTimeout) {
		c.mu.Lock()
		c.counters.incr(&c.counters.ServerNoResponseCount)
		c.mu.Unlock()
		return nil, ErrTimeout
	}

	if p.result != nil {
		var ex *modbus.Exception
		if errors.As(p.result, &ex) {
			c.mu.Lock()
			c.lastException = ex.ExceptionCode
			c.hasException = true
			c.mu.Unlock()
		}
		return p.responseData, p.result
	}
	return p.responseData, nil
}

// wait blocks until the semaphore is given or timeout elapses. Under
// ModeSuperLoop it re-enters the event loop itself instead of sleeping;
// under ModePreemptive it blocks directly, since a dedicated goroutine
// is already draining the loop.
func (c *Context) wait(timeout time.Duration) bool {
	if c.mode == osal.ModePreemptive {
		return c.sem.Take(timeout)
	}
	deadline := time.Now().Add(timeout)
	for {
		if c.sem.TryTake() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		step := remaining
		if step > 10*time.Millisecond {
			step = 10 * time.Millisecond
		}
		c.loop.RunOnce(step)
	}
}

// LastException returns the most recently observed exception code and
// whether one has been observed.
func (c *Context) LastException() (code byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastException, c.hasException
}

// Counters returns a snapshot of the client-side diagnostics counters.
func (c *Context) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// --- Public per-function-code operations. ---

func validateNode(node byte) error {
	if node > modbus.NodeUnicastMax {
		return fmt.Errorf("%w: node %d out of range", ErrParamOutOfRange, node)
	}
	return nil
}

// ReadCoils reads FC01: 1..2000 coils starting at address, returned as
// one byte per coil (CoilOn/CoilOff).
func (c *Context) ReadCoils(node byte, address, quantity uint16) ([]byte, error) {
	return c.readBits(node, modbus.FuncCodeReadCoils, address, quantity)
}

// ReadDiscreteInputs reads FC02.
func (c *Context) ReadDiscreteInputs(node byte, address, quantity uint16) ([]byte, error) {
	return c.readBits(node, modbus.FuncCodeReadDiscreteInputs, address, quantity)
}

func (c *Context) readBits(node, code byte, address, quantity uint16) ([]byte, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}
	if quantity < 1 || quantity > 2000 {
		return nil, fmt.Errorf("%w: quantity %d", ErrParamOutOfRange, quantity)
	}
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], address)
	binary.BigEndian.PutUint16(req[2:4], quantity)

	byteCount := (int(quantity) + 7) / 8
	resp, err := c.call(node, code, req, 1+byteCount, 1+byteCount)
	if err != nil {
		return nil, err
	}
	if node == modbus.NodeBroadcast {
		return nil, nil
	}
	out := make([]byte, quantity)
	for i := range out {
		bit := resp[1+i/8] & (1 << uint(i%8))
		if bit != 0 {
			out[i] = CoilOn
		} else {
			out[i] = CoilOff
		}
	}
	return out, nil
}

// ReadHoldingRegisters reads FC03: 1..125 registers.
func (c *Context) ReadHoldingRegisters(node byte, address, quantity uint16) ([]uint16, error) {
	return c.readRegs(node, modbus.FuncCodeReadHoldingRegisters, address, quantity)
}

// ReadInputRegisters reads FC04.
func (c *Context) ReadInputRegisters(node byte, address, quantity uint16) ([]uint16, error) {
	return c.readRegs(node, modbus.FuncCodeReadInputRegisters, address, quantity)
}

func (c *Context) readRegs(node, code byte, address, quantity uint16) ([]uint16, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("%w: quantity %d", ErrParamOutOfRange, quantity)
	}
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], address)
	binary.BigEndian.PutUint16(req[2:4], quantity)

	resp, err := c.call(node, code, req, 1+2*int(quantity), 1+2*int(quantity))
	if err != nil {
		return nil, err
	}
	if node == modbus.NodeBroadcast {
		return nil, nil
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(resp[1+2*i:])
	}
	return out, nil
}

// WriteSingleCoil writes FC05.
func (c *Context) WriteSingleCoil(node byte, address uint16, on bool) error {
	if err := validateNode(node); err != nil {
		return err
	}
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], address)
	binary.BigEndian.PutUint16(req[2:4], value)
	_, err := c.call(node, modbus.FuncCodeWriteSingleCoil, req, 4, 4)
	return err
}

// WriteSingleRegister writes FC06.
func (c *Context) WriteSingleRegister(node byte, address, value uint16) error {
	if err := validateNode(node); err != nil {
		return err
	}
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], address)
	binary.BigEndian.PutUint16(req[2:4], value)
	_, err := c.call(node, modbus.FuncCodeWriteSingleRegister, req, 4, 4)
	return err
}

// WriteMultipleCoils writes FC15. values holds one boolean per coil,
// ON meaning CoilOn.
func (c *Context) WriteMultipleCoils(node byte, address uint16, values []bool) error {
	if err := validateNode(node); err != nil {
		return err
	}
	quantity := len(values)
	if quantity < 1 || quantity > 1968 {
		return fmt.Errorf("%w: quantity %d", ErrParamOutOfRange, quantity)
	}
	byteCount := (quantity + 7) / 8
	req := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(req[0:2], address)
	binary.BigEndian.PutUint16(req[2:4], uint16(quantity))
	req[4] = byte(byteCount)
	for i, on := range values {
		if on {
			req[5+i/8] |= 1 << uint(i%8)
		}
	}
	_, err := c.call(node, modbus.FuncCodeWriteMultipleCoils, req, 4, 4)
	return err
}

// WriteMultipleHoldingRegisters writes FC16.
func (c *Context) WriteMultipleHoldingRegisters(node byte, address uint16, values []uint16) error {
	if err := validateNode(node); err != nil {
		return err
	}
	quantity := len(values)
	if quantity < 1 || quantity > 123 {
		return fmt.Errorf("%w: quantity %d", ErrParamOutOfRange, quantity)
	}
	req := make([]byte, 5+2*quantity)
	binary.BigEndian.PutUint16(req[0:2], address)
	binary.BigEndian.PutUint16(req[2:4], uint16(quantity))
	req[4] = byte(2 * quantity)
	for i, v := range values {
		binary.BigEndian.PutUint16(req[5+2*i:], v)
	}
	_, err := c.call(node, modbus.FuncCodeWriteMultipleRegisters, req, 4, 4)
	return err
}

const (
	diagHeaderLen = 4
)

// DiagnosticsQuery sends FC08 subcode 0x0000 (QUERY_DATA), returning the
// echoed data field.
func (c *Context) DiagnosticsQuery(node byte, data uint16) (uint16, error) {
	resp, err := c.diagCall(node, modbus.DiagSubQueryData, data)
	if err != nil {
		return 0, err
	}
	return resp, nil
}

// DiagnosticsClearCounters sends FC08 subcode 0x000A (CLEAR_COUNTERS).
func (c *Context) DiagnosticsClearCounters(node byte) error {
	_, err := c.diagCall(node, modbus.DiagSubClearCounters, 0)
	return err
}

// DiagnosticsCounter reads one of the FC08 16-bit counter subcodes
// (0x000B..0x000F), returning the counter value.
func (c *Context) DiagnosticsCounter(node byte, subcode uint16) (uint16, error) {
	return c.diagCall(node, subcode, 0)
}

func (c *Context) diagCall(node byte, subcode, data uint16) (uint16, error) {
	if err := validateNode(node); err != nil {
		return 0, err
	}
	req := make([]byte, diagHeaderLen)
	binary.BigEndian.PutUint16(req[0:2], subcode)
	binary.BigEndian.PutUint16(req[2:4], data)
	resp, err := c.call(node, modbus.FuncCodeDiagnostics, req, diagHeaderLen, diagHeaderLen)
	if err != nil {
		return 0, err
	}
	if node == modbus.NodeBroadcast {
		return 0, nil
	}
	return binary.BigEndian.Uint16(resp[2:4]), nil
}

// CustomFunction sends an arbitrary PDU and returns whatever comes back,
// including an exception response's payload bytes (returned together
// with the *modbus.Exception error), for the caller to inspect. minLen/maxLen bound the expected response length; pass 0/0 to
// accept any length.
func (c *Context) CustomFunction(node, code byte, data []byte, minLen, maxLen int) ([]byte, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}
	return c.call(node, code, data, minLen, maxLen)
}
