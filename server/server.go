// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server implements the server-side dispatcher: it consumes a
// received PDU from the transport context, routes it by function code
// to user-supplied callbacks, synthesizes a response or Modbus
// exception, and requests transmission.
package server

import (
	"encoding/binary"
	"errors"

	"github.com/ffutop/mbcore/event"
	"github.com/ffutop/mbcore/modbus"
	"github.com/ffutop/mbcore/transport"
)

// ErrIllegalDataAddress and ErrDeviceFailure are the two callback-level
// failure sentinels mapped to Modbus exceptions 02 and 04. Callbacks
// return one of these (via errors.Is) to report the corresponding
// exception; any other non-nil error also maps to
// ExceptionServerDeviceFail.
var (
	ErrIllegalDataAddress = errors.New("server: illegal data address")
	ErrDeviceFailure      = errors.New("server: device failure")
)

// ReadBitsFunc backs FC01 (coils) and FC02 (discrete inputs). It returns
// one bool per addressed bit, true meaning ON.
type ReadBitsFunc func(address, quantity uint16) ([]bool, error)

// ReadRegsFunc backs FC03 (holding registers) and FC04 (input
// registers), values already in native endianness.
type ReadRegsFunc func(address, quantity uint16) ([]uint16, error)

// WriteCoilFunc backs FC05.
type WriteCoilFunc func(address uint16, value bool) error

// WriteRegFunc backs FC06.
type WriteRegFunc func(address uint16, value uint16) error

// WriteMultipleCoilsFunc backs FC15: it receives the whole range in one
// call, after the dispatcher has validated the request shape.
type WriteMultipleCoilsFunc func(address uint16, values []bool) error

// WriteMultipleRegsFunc backs FC16 in bulk.
type WriteMultipleRegsFunc func(address uint16, values []uint16) error

// CustomFunc is the catch-all hook for function codes the dispatch table
// does not name. handled=false causes an ExceptionIllegalFunction
// response.
type CustomFunc func(req modbus.PDU) (resp modbus.PDU, handled bool, err error)

// Callbacks is the server context's callback slots: data-table accessors
// for each function code plus one custom-function hook. A nil slot
// responds to its function code with ExceptionIllegalFunction.
type Callbacks struct {
	ReadCoils              ReadBitsFunc
	ReadDiscreteInputs     ReadBitsFunc
	ReadHoldingRegisters   ReadRegsFunc
	ReadInputRegisters     ReadRegsFunc
	WriteSingleCoil        WriteCoilFunc
	WriteSingleRegister    WriteRegFunc
	WriteMultipleCoils     WriteMultipleCoilsFunc
	WriteMultipleRegisters WriteMultipleRegsFunc
	CustomFunction         CustomFunc
}

// Counters are the FC08 diagnostics counters, each saturating at
// 0xFFFF.
type Counters struct {
	BusMessageCount        uint16
	BusCommErrorCount      uint16
	BusExceptionErrorCount uint16
	ServerMessageCount     uint16
	ServerNoResponseCount  uint16
}

func (c *Counters) incr(p *uint16) {
	if *p != 0xFFFF {
		*p++
	}
}

func (c *Counters) reset() {
	*c = Counters{}
}

// CounterStore persists diagnostics counters across restarts.
// internal/diagcounters.Store implements this.
type CounterStore interface {
	Load() Counters
	Save(Counters) error
}

// Context is the server-side channel context.
type Context struct {
	tp        transport.Transmitter
	node      byte
	callbacks Callbacks
	counters  Counters
	store     CounterStore

	// UserData is an opaque pointer reserved for higher-level bindings
	// (e.g. an object-oriented façade).
	UserData interface{}
}

// NewContext creates a server context for the given node address and
// callback table. The caller must Bind it to a transport.Context before
// any frame can be processed.
func NewContext(tp transport.Transmitter, node byte, cb Callbacks) *Context {
	return &Context{tp: tp, node: node, callbacks: cb}
}

// NewContextWithStore creates a server context like NewContext, seeding
// its counters from store.Load() and persisting them back through
// store.Save() on every Snapshot().
func NewContextWithStore(tp transport.Transmitter, node byte, cb Callbacks, store CounterStore) *Context {
	c := &Context{tp: tp, node: node, callbacks: cb, store: store}
	if store != nil {
		c.counters = store.Load()
	}
	return c
}

// Counters returns a snapshot of the diagnostics counters.
func (s *Context) Counters() Counters { return s.counters }

// Snapshot returns the current counters and, if a CounterStore was wired
// via NewContextWithStore, flushes them to it.
func (s *Context) Snapshot() Counters {
	if s.store != nil {
		_ = s.store.Save(s.counters)
	}
	return s.counters
}

// CountCommError implements transport.CommErrorCounter.
func (s *Context) CountCommError() {
	s.counters.incr(&s.counters.BusCommErrorCount)
	s.Snapshot()
}

// Process implements event.Processor: the event loop calls this on
// FRAME_RECEIVED, tagged with this server's channel id.
func (s *Context) Process(ev event.Event) {
	if ev.ID != event.FrameReceived {
		return
	}
	s.handleFrame()
}

func (s *Context) handleFrame() {
	req, err := s.tp.GetRxPacket()
	if err != nil {
		return
	}
	defer s.Snapshot()
	s.counters.incr(&s.counters.BusMessageCount)

	broadcast := req.IsBroadcast()
	pdu := req.PDU()
	node := req.Node

	resp, exception := s.dispatch(pdu)
	s.counters.incr(&s.counters.ServerMessageCount)

	if broadcast {
		s.counters.incr(&s.counters.ServerNoResponseCount)
		_ = s.tp.ReceptionDone()
		return
	}

	if exception != 0 {
		s.counters.incr(&s.counters.BusExceptionErrorCount)
		resp = modbus.PDU{Code: pdu.Code | modbus.ExceptionFlag, Data: []byte{exception}}
	}

	tx, err := s.tp.GetTxPacket()
	if err == nil {
		_ = tx.SetPDU(node, resp)
	}
	_ = s.tp.ReceptionDone()
	if err == nil {
		_ = s.tp.Transmit()
	}
}

// dispatch routes req by function code to its handler. exception is 0 on
// success (resp is the payload to send); otherwise
// resp is ignored and exception names the Modbus exception code.
func (s *Context) dispatch(req modbus.PDU) (resp modbus.PDU, exception byte) {
	switch req.Code {
	case modbus.FuncCodeReadCoils:
		return s.handleReadBits(req, s.callbacks.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return s.handleReadBits(req, s.callbacks.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleReadRegs(req, s.callbacks.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return s.handleReadRegs(req, s.callbacks.ReadInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return s.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	case modbus.FuncCodeDiagnostics:
		return s.handleDiagnostics(req)
	default:
		if s.callbacks.CustomFunction != nil {
			out, handled, err := s.callbacks.CustomFunction(req)
			if err != nil {
				return modbus.PDU{}, exceptionFor(err)
			}
			if handled {
				return out, 0
			}
		}
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
}

func exceptionFor(err error) byte {
	switch {
	case errors.Is(err, ErrIllegalDataAddress):
		return modbus.ExceptionIllegalDataAddress
	default:
		return modbus.ExceptionServerDeviceFail
	}
}

func (s *Context) handleReadBits(req modbus.PDU, fn ReadBitsFunc) (modbus.PDU, byte) {
	if fn == nil {
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
	if len(req.Data) != 4 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > 2000 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	bits, err := fn(address, quantity)
	if err != nil {
		return modbus.PDU{}, exceptionFor(err)
	}
	if len(bits) != int(quantity) {
		return modbus.PDU{}, modbus.ExceptionServerDeviceFail
	}
	byteCount := (int(quantity) + 7) / 8
	data := make([]byte, 1+byteCount)
	data[0] = byte(byteCount)
	for i, on := range bits {
		if on {
			data[1+i/8] |= 1 << uint(i%8)
		}
	}
	return modbus.PDU{Code: req.Code, Data: data}, 0
}

func (s *Context) handleReadRegs(req modbus.PDU, fn ReadRegsFunc) (modbus.PDU, byte) {
	if fn == nil {
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
	if len(req.Data) != 4 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > 125 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	regs, err := fn(address, quantity)
	if err != nil {
		return modbus.PDU{}, exceptionFor(err)
	}
	if len(regs) != int(quantity) {
		return modbus.PDU{}, modbus.ExceptionServerDeviceFail
	}
	data := make([]byte, 1+2*len(regs))
	data[0] = byte(2 * len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return modbus.PDU{Code: req.Code, Data: data}, 0
}

func (s *Context) handleWriteSingleCoil(req modbus.PDU) (modbus.PDU, byte) {
	if s.callbacks.WriteSingleCoil == nil {
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
	if len(req.Data) != 4 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	raw := binary.BigEndian.Uint16(req.Data[2:4])
	var value bool
	switch raw {
	case 0x0000:
		value = false
	case 0xFF00:
		value = true
	default:
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	if err := s.callbacks.WriteSingleCoil(address, value); err != nil {
		return modbus.PDU{}, exceptionFor(err)
	}
	return modbus.PDU{Code: req.Code, Data: append([]byte(nil), req.Data...)}, 0
}

func (s *Context) handleWriteSingleRegister(req modbus.PDU) (modbus.PDU, byte) {
	if s.callbacks.WriteSingleRegister == nil {
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
	if len(req.Data) != 4 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if err := s.callbacks.WriteSingleRegister(address, value); err != nil {
		return modbus.PDU{}, exceptionFor(err)
	}
	return modbus.PDU{Code: req.Code, Data: append([]byte(nil), req.Data...)}, 0
}

func (s *Context) handleWriteMultipleCoils(req modbus.PDU) (modbus.PDU, byte) {
	if s.callbacks.WriteMultipleCoils == nil {
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
	if len(req.Data) < 5 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > 1968 || byteCount != (int(quantity)+7)/8 || len(req.Data) != 5+byteCount {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	bits := make([]bool, quantity)
	for i := 0; i < int(quantity); i++ {
		bits[i] = req.Data[5+i/8]&(1<<uint(i%8)) != 0
	}
	if err := s.callbacks.WriteMultipleCoils(address, bits); err != nil {
		return modbus.PDU{}, exceptionFor(err)
	}
	return modbus.PDU{Code: req.Code, Data: req.Data[0:4]}, 0
}

func (s *Context) handleWriteMultipleRegisters(req modbus.PDU) (modbus.PDU, byte) {
	if s.callbacks.WriteMultipleRegisters == nil {
		return modbus.PDU{}, modbus.ExceptionIllegalFunction
	}
	if len(req.Data) < 5 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])
	if quantity < 1 || quantity > 123 || byteCount != int(quantity)*2 || len(req.Data) != 5+byteCount {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(req.Data[5+2*i:])
	}
	if err := s.callbacks.WriteMultipleRegisters(address, regs); err != nil {
		return modbus.PDU{}, exceptionFor(err)
	}
	return modbus.PDU{Code: req.Code, Data: req.Data[0:4]}, 0
}

func (s *Context) handleDiagnostics(req modbus.PDU) (modbus.PDU, byte) {
	if len(req.Data) != 4 {
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
	subcode := binary.BigEndian.Uint16(req.Data[0:2])
	switch subcode {
	case modbus.DiagSubQueryData:
		return modbus.PDU{Code: req.Code, Data: append([]byte(nil), req.Data...)}, 0
	case modbus.DiagSubClearCounters:
		s.counters.reset()
		return modbus.PDU{Code: req.Code, Data: append([]byte(nil), req.Data...)}, 0
	case modbus.DiagSubBusMessageCount:
		return s.counterResponse(req, s.counters.BusMessageCount), 0
	case modbus.DiagSubBusCommErrorCount:
		return s.counterResponse(req, s.counters.BusCommErrorCount), 0
	case modbus.DiagSubBusExceptionErrorCount:
		return s.counterResponse(req, s.counters.BusExceptionErrorCount), 0
	case modbus.DiagSubServerMessageCount:
		return s.counterResponse(req, s.counters.ServerMessageCount), 0
	case modbus.DiagSubServerNoResponseCount:
		return s.counterResponse(req, s.counters.ServerNoResponseCount), 0
	default:
		return modbus.PDU{}, modbus.ExceptionIllegalDataValue
	}
}

func (s *Context) counterResponse(req modbus.PDU, value uint16) modbus.PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], binary.BigEndian.Uint16(req.Data[0:2]))
	binary.BigEndian.PutUint16(data[2:4], value)
	return modbus.PDU{Code: req.Code, Data: data}
}
