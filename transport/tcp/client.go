// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-node/modbus"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client is a Modbus TCP master holding one connection to a node. It is
// used by the command line tools and tests; requests are serialized.
type Client struct {
	Address string
	Timeout time.Duration
	UnitID  byte

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
		UnitID:  1,
	}
}

// Connect dials the node if not already connected.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: mb.Timeout}
	conn, err := d.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

// Close closes the connection.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.conn == nil {
		return nil
	}
	err := mb.conn.Close()
	mb.conn = nil
	return err
}

// Send sends a PDU and returns the response PDU. An exception response is
// returned as a *modbus.ModbusError.
func (mb *Client) Send(ctx context.Context, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	mb.transactionID++
	adu := &ApplicationDataUnit{
		TransactionID: mb.transactionID,
		UnitID:        mb.UnitID,
		Pdu:           pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	respBytes, err := mb.sendAndRead(aduBytes)
	if err != nil {
		// The stream position is unknown now; start over next time.
		mb.conn.Close()
		mb.conn = nil
		return modbus.ProtocolDataUnit{}, err
	}

	respAdu, err := Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := verify(adu, respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	if respAdu.Pdu.IsException() {
		code := modbus.ExceptionCode(0)
		if len(respAdu.Pdu.Data) > 0 {
			code = modbus.ExceptionCode(respAdu.Pdu.Data[0])
		}
		return respAdu.Pdu, &modbus.ModbusError{FunctionCode: respAdu.Pdu.FunctionCode, ExceptionCode: code}
	}
	return respAdu.Pdu, nil
}

func (mb *Client) sendAndRead(aduRequest []byte) ([]byte, error) {
	if _, err := mb.conn.Write(aduRequest); err != nil {
		return nil, err
	}

	response := make([]byte, HeaderSize, HeaderSize+MaxLength)
	if _, err := io.ReadFull(mb.conn, response); err != nil {
		return nil, err
	}
	h := DecodeHeader(response)
	if err := h.Validate(); err != nil {
		return nil, err
	}
	response = response[:HeaderSize+int(h.Length)]
	if _, err := io.ReadFull(mb.conn, response[HeaderSize:]); err != nil {
		return nil, err
	}

	slog.Debug("recv from modbus tcp node", "response", hex.EncodeToString(response))
	return response, nil
}

func verify(req, resp *ApplicationDataUnit) error {
	if req.TransactionID != resp.TransactionID {
		return fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
	}
	if req.UnitID != resp.UnitID {
		return fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.UnitID, req.UnitID)
	}
	if resp.Pdu.FunctionCode&^modbus.ExceptionFlag != req.Pdu.FunctionCode {
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
	}
	return nil
}

// ReadHoldingRegisters reads quantity registers from address.
func (mb *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return mb.readRegisters(ctx, modbus.FuncCodeReadHoldingRegisters, address, quantity)
}

// ReadInputRegisters reads quantity input registers from address.
func (mb *Client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return mb.readRegisters(ctx, modbus.FuncCodeReadInputRegisters, address, quantity)
}

func (mb *Client) readRegisters(ctx context.Context, fc modbus.FunctionCode, address, quantity uint16) ([]uint16, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)
	resp, err := mb.Send(ctx, modbus.ProtocolDataUnit{FunctionCode: fc, Data: data})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 1 || int(resp.Data[0]) != int(quantity)*2 || len(resp.Data) != 1+int(resp.Data[0]) {
		return nil, fmt.Errorf("modbus: response data size '%v' does not match quantity '%v'", len(resp.Data), quantity)
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp.Data[1+2*i:])
	}
	return values, nil
}

// WriteSingleRegister writes value to address.
func (mb *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], value)
	resp, err := mb.Send(ctx, modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleRegister, Data: data})
	if err != nil {
		return err
	}
	if string(resp.Data) != string(data) {
		return fmt.Errorf("modbus: response % X is not an echo of % X", resp.Data, data)
	}
	return nil
}

// WriteMultipleRegisters writes values starting at address.
func (mb *Client) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	resp, err := mb.Send(ctx, modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: data})
	if err != nil {
		return err
	}
	if len(resp.Data) != 4 || string(resp.Data) != string(data[:4]) {
		return fmt.Errorf("modbus: response % X does not match address and quantity % X", resp.Data, data[:4])
	}
	return nil
}
