// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"fmt"

	"github.com/ffutop/modbus-node/modbus"
)

const (
	// HeaderSize is the MBAP prefix before the unit identifier:
	// transaction id, protocol id and length.
	HeaderSize = 6

	// Bounds for the MBAP length field (unit id + function code + data).
	MinLength = 2
	MaxLength = 253
)

// Header is the decoded MBAP header.
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
}

// DecodeHeader decodes the first HeaderSize bytes of raw.
func DecodeHeader(raw []byte) Header {
	return Header{
		TransactionID: uint16(raw[0])<<8 | uint16(raw[1]),
		ProtocolID:    uint16(raw[2])<<8 | uint16(raw[3]),
		Length:        uint16(raw[4])<<8 | uint16(raw[5]),
	}
}

// Validate reports framing violations. A header that fails validation does
// not belong to a Modbus peer and no response is sent for it.
func (h Header) Validate() error {
	if h.ProtocolID != 0 {
		return fmt.Errorf("modbus: invalid protocol id '%v' (expected 0)", h.ProtocolID)
	}
	if h.Length < MinLength || h.Length > MaxLength {
		return fmt.Errorf("modbus: invalid length '%v' (must be %v-%v)", h.Length, MinLength, MaxLength)
	}
	return nil
}

// ApplicationDataUnit is a complete Modbus TCP frame.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	UnitID        byte
	Pdu           modbus.ProtocolDataUnit
}

// Encode serializes the ADU. The length field is derived from the PDU:
// unit id + function code + data.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 2
	if length > MaxLength {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxLength)
		return
	}
	raw = make([]byte, HeaderSize+length)

	raw[0] = byte(adu.TransactionID >> 8)
	raw[1] = byte(adu.TransactionID >> 0)
	raw[2] = byte(adu.ProtocolID >> 8)
	raw[3] = byte(adu.ProtocolID >> 0)
	raw[4] = byte(length >> 8)
	raw[5] = byte(length >> 0)
	raw[6] = adu.UnitID
	raw[7] = byte(adu.Pdu.FunctionCode)
	copy(raw[8:], adu.Pdu.Data)

	return
}

// Decode parses a complete frame: header plus Length bytes.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < HeaderSize+MinLength {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), HeaderSize+MinLength)
		return
	}
	h := DecodeHeader(raw)
	if err = h.Validate(); err != nil {
		return nil, err
	}
	if len(raw) != HeaderSize+int(h.Length) {
		err = fmt.Errorf("modbus: frame is '%v' bytes, header announces '%v'", len(raw), HeaderSize+int(h.Length))
		return
	}
	adu = &ApplicationDataUnit{
		TransactionID: h.TransactionID,
		ProtocolID:    h.ProtocolID,
		UnitID:        raw[6],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: modbus.FunctionCode(raw[7]),
			Data:         raw[8:],
		},
	}
	return
}
