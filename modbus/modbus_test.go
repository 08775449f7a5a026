// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"testing"
)

func TestException(t *testing.T) {
	pdu := Exception(FuncCodeReadInputRegisters, ExceptionCodeIllegalDataAddress)
	if pdu.FunctionCode != 0x84 {
		t.Errorf("Expected function code 0x84, got 0x%02X", byte(pdu.FunctionCode))
	}
	if len(pdu.Data) != 1 || pdu.Data[0] != 0x02 {
		t.Errorf("Expected data [02], got % X", pdu.Data)
	}
	if !pdu.IsException() {
		t.Error("Expected IsException to be true")
	}
}

func TestException_UnknownFunctionCode(t *testing.T) {
	pdu := Exception(FunctionCode(0x2B), ExceptionCodeIllegalFunction)
	if pdu.FunctionCode != 0xAB {
		t.Errorf("Expected function code 0xAB, got 0x%02X", byte(pdu.FunctionCode))
	}
}

func TestFunctionCode_Supported(t *testing.T) {
	for fc := 0; fc < 0x80; fc++ {
		want := fc == 0x03 || fc == 0x04 || fc == 0x06 || fc == 0x10
		if got := FunctionCode(fc).Supported(); got != want {
			t.Errorf("FunctionCode(0x%02X).Supported() = %v, want %v", fc, got, want)
		}
	}
}

func TestFunctionCode_String(t *testing.T) {
	if s := FuncCodeWriteMultipleRegisters.String(); s != "write_multiple_registers" {
		t.Errorf("Unexpected name %q", s)
	}
	if s := FunctionCode(0x01).String(); s != "0x01" {
		t.Errorf("Unexpected name %q", s)
	}
}

func TestModbusError_Is(t *testing.T) {
	err := fmt.Errorf("read: %w", &ModbusError{FunctionCode: 0x84, ExceptionCode: ExceptionCodeIllegalDataAddress})
	if !errors.Is(err, &ModbusError{ExceptionCode: ExceptionCodeIllegalDataAddress}) {
		t.Error("Expected wrapped error to match illegal data address")
	}
	if errors.Is(err, &ModbusError{ExceptionCode: ExceptionCodeIllegalDataValue}) {
		t.Error("Expected wrapped error not to match illegal data value")
	}
}
