// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "testing"

func TestPacketSetPDUAndRoundTrip(t *testing.T) {
	var p Packet
	data := []byte{0x00, 0x01, 0x00, 0x02}
	if err := p.SetPDU(0x11, PDU{Code: FuncCodeReadHoldingRegisters, Data: data}); err != nil {
		t.Fatalf("SetPDU: %v", err)
	}
	pdu := p.PDU()
	if pdu.Code != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected code %#02x", pdu.Code)
	}
	if string(pdu.Data) != string(data) {
		t.Fatalf("unexpected data %v", pdu.Data)
	}
	if p.IsBroadcast() {
		t.Fatal("node 0x11 must not be treated as broadcast")
	}
}

func TestPacketSetPDURejectsOversizedPayload(t *testing.T) {
	var p Packet
	oversized := make([]byte, PDUMaxLen)
	if err := p.SetPDU(0x11, PDU{Code: FuncCodeReadHoldingRegisters, Data: oversized}); err == nil {
		t.Fatal("expected an error for a payload exceeding capacity")
	}
}

func TestIsBroadcast(t *testing.T) {
	var p Packet
	p.Node = NodeBroadcast
	if !p.IsBroadcast() {
		t.Fatal("expected node 0 to be broadcast")
	}
}

func TestIsException(t *testing.T) {
	if !IsException(FuncCodeReadHoldingRegisters | ExceptionFlag) {
		t.Fatal("expected exception flag to be detected")
	}
	if IsException(FuncCodeReadHoldingRegisters) {
		t.Fatal("plain function code must not be seen as an exception")
	}
}

func TestExceptionError(t *testing.T) {
	ex := &Exception{Code: FuncCodeReadHoldingRegisters, ExceptionCode: ExceptionIllegalDataAddress}
	if ex.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}
