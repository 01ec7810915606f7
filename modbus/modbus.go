// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the wire-level data model shared by the RTU frame
// engine, the transport context, the server dispatcher and the client
// orchestrator: function codes, exception codes and the PDU/ADU types.
package modbus

import "fmt"

// Function codes supported by the core: the standard read/write table,
// FC08 (diagnostics), and a custom-function catch-all.
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeDiagnostics            = 0x08
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
)

// ExceptionFlag marks a response PDU as a Modbus exception: code = request
// FC | ExceptionFlag, data[0] = exception code.
const ExceptionFlag = 0x80

// Exception codes returned in a response's data[0] when ExceptionFlag is set.
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionServerDeviceFail   = 0x04
)

// Diagnostics (FC08) subcodes used by server.Context and client.Context.
const (
	DiagSubQueryData              = 0x0000
	DiagSubClearCounters          = 0x000A
	DiagSubBusMessageCount        = 0x000B
	DiagSubBusCommErrorCount      = 0x000C
	DiagSubBusExceptionErrorCount = 0x000D
	DiagSubServerMessageCount     = 0x000E
	DiagSubServerNoResponseCount  = 0x000F
)

// Node address range: 0 is broadcast, 1..247 are unicast server addresses.
const (
	NodeBroadcast  = 0x00
	NodeUnicastMin = 0x01
	NodeUnicastMax = 0xF7
)

// PDUMaxLen is the fixed maximum PDU length imposed by the wire format
// (253 bytes of code+data, so at most 252 bytes of payload).
const PDUMaxLen = 253

// PDU is the transport-independent Protocol Data Unit: function code plus
// payload bytes. It never carries node address or CRC.
type PDU struct {
	Code byte
	Data []byte
}

// Exception reports a Modbus exception response decoded by the client.
type Exception struct {
	Code          byte // original (non-exception) function code
	ExceptionCode byte
}

func (e *Exception) Error() string {
	return fmt.Sprintf("modbus: exception %#02x (function %#02x)", e.ExceptionCode, e.Code)
}

// IsException reports whether code carries the exception flag.
func IsException(code byte) bool {
	return code&ExceptionFlag != 0
}

// Packet is the fixed-capacity ADU container: one rx or tx buffer owned
// at any moment by exactly one of the frame engine, the server, or the
// client.
type Packet struct {
	Node    byte
	Code    byte
	Data    [PDUMaxLen - 1]byte
	DataLen int
}

// PDU returns the (code, data) view of the packet contents.
func (p *Packet) PDU() PDU {
	return PDU{Code: p.Code, Data: p.Data[:p.DataLen]}
}

// SetPDU loads the packet's code/data from a PDU, truncation-checked
// against the fixed Data capacity.
func (p *Packet) SetPDU(node byte, pdu PDU) error {
	if len(pdu.Data) > len(p.Data) {
		return fmt.Errorf("modbus: pdu data length %d exceeds capacity %d", len(pdu.Data), len(p.Data))
	}
	p.Node = node
	p.Code = pdu.Code
	p.DataLen = copy(p.Data[:], pdu.Data)
	return nil
}

// IsBroadcast reports whether the packet's node addresses every server.
func (p *Packet) IsBroadcast() bool {
	return p.Node == NodeBroadcast
}
