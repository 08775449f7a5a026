// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the transport independent parts of the protocol:
// function codes, exception codes and the protocol data unit.
package modbus

import "fmt"

// FunctionCode identifies the operation requested by a PDU.
type FunctionCode byte

// Function codes served by this node. Every other code is answered with
// ExceptionCodeIllegalFunction.
const (
	FuncCodeReadHoldingRegisters   FunctionCode = 0x03
	FuncCodeReadInputRegisters     FunctionCode = 0x04
	FuncCodeWriteSingleRegister    FunctionCode = 0x06
	FuncCodeWriteMultipleRegisters FunctionCode = 0x10
)

// ExceptionFlag is set on the function code of an exception response.
const ExceptionFlag = 0x80

func (fc FunctionCode) String() string {
	switch fc {
	case FuncCodeReadHoldingRegisters:
		return "read_holding_registers"
	case FuncCodeReadInputRegisters:
		return "read_input_registers"
	case FuncCodeWriteSingleRegister:
		return "write_single_register"
	case FuncCodeWriteMultipleRegisters:
		return "write_multiple_registers"
	default:
		return fmt.Sprintf("0x%02X", byte(fc))
	}
}

// Supported reports whether fc is one of the function codes served here.
func (fc FunctionCode) Supported() bool {
	switch fc {
	case FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleRegisters:
		return true
	}
	return false
}

// ExceptionCode is the one byte payload of an exception response.
type ExceptionCode byte

const (
	ExceptionCodeIllegalFunction    ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue   ExceptionCode = 0x03
	// ExceptionCodeSlaveDeviceFailure is reserved for register layer
	// failures other than an unmapped address.
	ExceptionCodeSlaveDeviceFailure ExceptionCode = 0x04
)

func (ec ExceptionCode) String() string {
	switch ec {
	case ExceptionCodeIllegalFunction:
		return "illegal_function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal_data_address"
	case ExceptionCodeIllegalDataValue:
		return "illegal_data_value"
	case ExceptionCodeSlaveDeviceFailure:
		return "slave_device_failure"
	default:
		return fmt.Sprintf("0x%02X", byte(ec))
	}
}

// Register limits per request.
const (
	MaxReadQuantity  = 125
	MaxWriteQuantity = 123
)

// ProtocolDataUnit is the function code plus its function specific data.
type ProtocolDataUnit struct {
	FunctionCode FunctionCode
	Data         []byte
}

// Exception builds the exception PDU answering a request with function code fc.
// The function code is echoed as received with ExceptionFlag set.
func Exception(fc FunctionCode, code ExceptionCode) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: fc | ExceptionFlag,
		Data:         []byte{byte(code)},
	}
}

// IsException reports whether pdu carries the exception flag.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&ExceptionFlag != 0
}

func (pdu ProtocolDataUnit) String() string {
	return fmt.Sprintf("fn: %s, data: % X", pdu.FunctionCode, pdu.Data)
}

// ModbusError is an exception response received by a master.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s) for function '%v'", byte(e.ExceptionCode), e.ExceptionCode, byte(e.FunctionCode))
}

// Is matches another *ModbusError with the same exception code.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	return ok && e.ExceptionCode == t.ExceptionCode
}
