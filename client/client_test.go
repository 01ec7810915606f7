// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package client

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/mbcore/event"
	"github.com/ffutop/mbcore/modbus"
	"github.com/ffutop/mbcore/osal"
)

// fakeTransport is a transport.Transmitter whose Transmit method
// synthesizes a canned response and delivers FRAME_RECEIVED straight to
// the client's Process method, simulating the RTU frame engine/transport layer below the client.
type fakeTransport struct {
	tx  modbus.Packet
	rx  modbus.Packet
	ctx *Context

	respond func(req modbus.PDU) (modbus.PDU, bool) // false = no response (broadcast)
}

func (f *fakeTransport) GetTxPacket() (*modbus.Packet, error) { return &f.tx, nil }
func (f *fakeTransport) GetRxPacket() (*modbus.Packet, error) { return &f.rx, nil }
func (f *fakeTransport) ReceptionDone() error                 { return nil }

func (f *fakeTransport) Transmit() error {
	req := f.tx.PDU()
	respPDU, ok := f.respond(req)
	if !ok {
		return nil
	}
	if err := f.rx.SetPDU(f.tx.Node, respPDU); err != nil {
		return err
	}
	f.ctx.Process(event.Event{ID: event.FrameReceived})
	return nil
}

func newTestContext(respond func(req modbus.PDU) (modbus.PDU, bool)) (*Context, *fakeTransport) {
	loop := event.NewLoop(4)
	tp := &fakeTransport{respond: respond}
	cl := NewContext(tp, loop, osal.ModePreemptive, 200*time.Millisecond, 50*time.Millisecond)
	tp.ctx = cl
	return cl, tp
}

func TestReadHoldingRegistersSuccess(t *testing.T) {
	cl, _ := newTestContext(func(req modbus.PDU) (modbus.PDU, bool) {
		data := []byte{4, 0x12, 0x34, 0x56, 0x78}
		return modbus.PDU{Code: req.Code, Data: data}, true
	})

	values, err := cl.ReadHoldingRegisters(0x11, 0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if len(values) != 2 || values[0] != 0x1234 || values[1] != 0x5678 {
		t.Fatalf("unexpected values: %#v", values)
	}
}

func TestReadHoldingRegistersException(t *testing.T) {
	cl, _ := newTestContext(func(req modbus.PDU) (modbus.PDU, bool) {
		code := req.Code | modbus.ExceptionFlag
		return modbus.PDU{Code: byte(code), Data: []byte{modbus.ExceptionIllegalDataAddress}}, true
	})

	_, err := cl.ReadHoldingRegisters(0x11, 0xFFFF, 1)
	var ex *modbus.Exception
	if !errors.As(err, &ex) {
		t.Fatalf("expected a *modbus.Exception, got %v", err)
	}
	if ex.ExceptionCode != modbus.ExceptionIllegalDataAddress {
		t.Fatalf("unexpected exception code %#02x", ex.ExceptionCode)
	}
	code, ok := cl.LastException()
	if !ok || code != modbus.ExceptionIllegalDataAddress {
		t.Fatalf("LastException not updated: %#02x, %v", code, ok)
	}
}

func TestWriteSingleCoil(t *testing.T) {
	var gotAddress, gotValue uint16
	cl, _ := newTestContext(func(req modbus.PDU) (modbus.PDU, bool) {
		gotAddress = binary.BigEndian.Uint16(req.Data[0:2])
		gotValue = binary.BigEndian.Uint16(req.Data[2:4])
		return modbus.PDU{Code: req.Code, Data: append([]byte(nil), req.Data...)}, true
	})

	if err := cl.WriteSingleCoil(0x11, 5, true); err != nil {
		t.Fatalf("WriteSingleCoil: %v", err)
	}
	if gotAddress != 5 || gotValue != 0xFF00 {
		t.Fatalf("unexpected request: address=%d value=%#04x", gotAddress, gotValue)
	}
}

func TestBroadcastWriteDoesNotWaitForResponse(t *testing.T) {
	var called bool
	cl, _ := newTestContext(func(req modbus.PDU) (modbus.PDU, bool) {
		called = true
		return modbus.PDU{}, false
	})

	start := time.Now()
	err := cl.WriteSingleRegister(modbus.NodeBroadcast, 0, 0x1234)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("broadcast write returned error: %v", err)
	}
	if !called {
		t.Fatal("expected the transport's Transmit to run")
	}
	if elapsed < cl.TurnaroundDelay {
		t.Fatalf("expected the broadcast to wait out the turnaround delay, elapsed=%v", elapsed)
	}
}

func TestResponseTimeout(t *testing.T) {
	cl, _ := newTestContext(func(req modbus.PDU) (modbus.PDU, bool) {
		return modbus.PDU{}, false // never respond for a unicast request
	})
	cl.ResponseTimeout = 30 * time.Millisecond

	_, err := cl.ReadHoldingRegisters(0x11, 0, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := cl.Counters().ServerNoResponseCount; got != 1 {
		t.Fatalf("expected ServerNoResponseCount to be 1, got %d", got)
	}
}

func TestQuantityOutOfRangeIsRejectedLocally(t *testing.T) {
	cl, _ := newTestContext(func(req modbus.PDU) (modbus.PDU, bool) {
		t.Fatal("transport should not be invoked for a locally-rejected request")
		return modbus.PDU{}, false
	})

	_, err := cl.ReadHoldingRegisters(0x11, 0, 0)
	if !errors.Is(err, ErrParamOutOfRange) {
		t.Fatalf("expected ErrParamOutOfRange, got %v", err)
	}
}
