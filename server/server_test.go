// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"encoding/binary"
	"testing"

	"github.com/ffutop/mbcore/modbus"
)

type fakeTransport struct {
	rx          modbus.Packet
	tx          modbus.Packet
	transmitted bool
	receptionOK bool
}

func (f *fakeTransport) GetRxPacket() (*modbus.Packet, error) { return &f.rx, nil }
func (f *fakeTransport) GetTxPacket() (*modbus.Packet, error) { return &f.tx, nil }
func (f *fakeTransport) ReceptionDone() error                 { f.receptionOK = true; return nil }
func (f *fakeTransport) Transmit() error                      { f.transmitted = true; return nil }

func newRequest(node, code byte, data []byte) modbus.Packet {
	var pkt modbus.Packet
	if err := pkt.SetPDU(node, modbus.PDU{Code: code, Data: data}); err != nil {
		panic(err)
	}
	return pkt
}

func TestHandleReadHoldingRegisters(t *testing.T) {
	tp := &fakeTransport{rx: newRequest(0x11, modbus.FuncCodeReadHoldingRegisters, []byte{0x00, 0x00, 0x00, 0x02})}
	cb := Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16) ([]uint16, error) {
			return []uint16{0x1234, 0x5678}, nil
		},
	}
	ctx := NewContext(tp, 0x11, cb)
	ctx.handleFrame()

	if !tp.transmitted {
		t.Fatal("expected a response to be transmitted")
	}
	pdu := tp.tx.PDU()
	if pdu.Code != modbus.FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected response code %#02x", pdu.Code)
	}
	if pdu.Data[0] != 4 {
		t.Fatalf("expected byte count 4, got %d", pdu.Data[0])
	}
	if binary.BigEndian.Uint16(pdu.Data[1:3]) != 0x1234 {
		t.Fatalf("unexpected first register value")
	}
	if ctx.counters.BusMessageCount != 1 || ctx.counters.ServerMessageCount != 1 {
		t.Fatalf("unexpected counters: %+v", ctx.counters)
	}
}

func TestHandleReadHoldingRegistersIllegalAddress(t *testing.T) {
	tp := &fakeTransport{rx: newRequest(0x11, modbus.FuncCodeReadHoldingRegisters, []byte{0xFF, 0xFF, 0x00, 0x01})}
	cb := Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16) ([]uint16, error) {
			return nil, ErrIllegalDataAddress
		},
	}
	ctx := NewContext(tp, 0x11, cb)
	ctx.handleFrame()

	pdu := tp.tx.PDU()
	wantCode := modbus.FuncCodeReadHoldingRegisters | modbus.ExceptionFlag
	if pdu.Code != byte(wantCode) {
		t.Fatalf("expected exception response code %#02x, got %#02x", wantCode, pdu.Code)
	}
	if pdu.Data[0] != modbus.ExceptionIllegalDataAddress {
		t.Fatalf("expected illegal data address exception, got %#02x", pdu.Data[0])
	}
	if ctx.counters.BusExceptionErrorCount != 1 {
		t.Fatalf("expected one exception counted, got %d", ctx.counters.BusExceptionErrorCount)
	}
}

func TestHandleBroadcastSuppressesResponse(t *testing.T) {
	tp := &fakeTransport{rx: newRequest(modbus.NodeBroadcast, modbus.FuncCodeWriteSingleCoil, []byte{0x00, 0x01, 0xFF, 0x00})}
	var written bool
	cb := Callbacks{
		WriteSingleCoil: func(address uint16, value bool) error {
			written = true
			return nil
		},
	}
	ctx := NewContext(tp, 0x11, cb)
	ctx.handleFrame()

	if !written {
		t.Fatal("expected the callback to run for a broadcast request")
	}
	if tp.transmitted {
		t.Fatal("broadcast requests must not trigger a transmit")
	}
	if ctx.counters.ServerNoResponseCount != 1 {
		t.Fatalf("expected serverNoResponseCount to be 1, got %d", ctx.counters.ServerNoResponseCount)
	}
}

func TestHandleUnsupportedFunctionWithoutCustomHook(t *testing.T) {
	tp := &fakeTransport{rx: newRequest(0x11, 0x2B, []byte{0x0E})}
	ctx := NewContext(tp, 0x11, Callbacks{})
	ctx.handleFrame()

	pdu := tp.tx.PDU()
	if pdu.Code != byte(0x2B|modbus.ExceptionFlag) {
		t.Fatalf("unexpected response code %#02x", pdu.Code)
	}
	if pdu.Data[0] != modbus.ExceptionIllegalFunction {
		t.Fatalf("expected illegal function exception, got %#02x", pdu.Data[0])
	}
}

func TestHandleDiagnosticsQueryDataEchoesRequest(t *testing.T) {
	tp := &fakeTransport{rx: newRequest(0x11, modbus.FuncCodeDiagnostics, []byte{0x00, 0x00, 0xAB, 0xCD})}
	ctx := NewContext(tp, 0x11, Callbacks{})
	ctx.handleFrame()

	pdu := tp.tx.PDU()
	if binary.BigEndian.Uint16(pdu.Data[2:4]) != 0xABCD {
		t.Fatalf("expected query-data echo, got %#v", pdu.Data)
	}
}

func TestHandleDiagnosticsBusMessageCount(t *testing.T) {
	tp := &fakeTransport{rx: newRequest(0x11, modbus.FuncCodeReadHoldingRegisters, []byte{0x00, 0x00, 0x00, 0x01})}
	cb := Callbacks{
		ReadHoldingRegisters: func(address, quantity uint16) ([]uint16, error) {
			return []uint16{0x0001}, nil
		},
	}
	ctx := NewContext(tp, 0x11, cb)
	ctx.handleFrame()

	tp.rx = newRequest(0x11, modbus.FuncCodeDiagnostics, []byte{0x00, 0x0B, 0x00, 0x00})
	ctx.handleFrame()

	pdu := tp.tx.PDU()
	if binary.BigEndian.Uint16(pdu.Data[2:4]) != 2 {
		t.Fatalf("expected busMessageCount 2, got %d", binary.BigEndian.Uint16(pdu.Data[2:4]))
	}
}

func TestCounterSaturatesAtMax(t *testing.T) {
	var c Counters
	c.BusMessageCount = 0xFFFF
	c.incr(&c.BusMessageCount)
	if c.BusMessageCount != 0xFFFF {
		t.Fatalf("expected counter to saturate at 0xFFFF, got %d", c.BusMessageCount)
	}
}
