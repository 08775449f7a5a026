// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"

	"github.com/ffutop/modbus-node/modbus"
	"github.com/ffutop/modbus-node/transport"
)

// Close reasons reported to the Recorder.
const (
	ClosePeer      = "peer"
	CloseFraming   = "framing"
	CloseShortRead = "short_read"
	CloseWrite     = "write"
)

// Recorder observes request handling. internal/metrics implements it.
type Recorder interface {
	Request(fc modbus.FunctionCode)
	Exception(fc modbus.FunctionCode, code modbus.ExceptionCode)
	Closed(reason string)
}

type nopRecorder struct{}

func (nopRecorder) Request(modbus.FunctionCode)                        {}
func (nopRecorder) Exception(modbus.FunctionCode, modbus.ExceptionCode) {}
func (nopRecorder) Closed(string)                                       {}

// Conn is one client connection as seen by the Processor. Reads are
// buffered so that a partially received header stays queued until the rest
// arrives.
type Conn struct {
	r       *bufio.Reader
	w       io.Writer
	remote  string
	handled uint64
}

// NewConn wraps rw. It must be used for the whole life of the connection.
func NewConn(rw io.ReadWriter) *Conn {
	c := &Conn{
		r: bufio.NewReaderSize(rw, HeaderSize+MaxLength),
		w: rw,
	}
	if nc, ok := rw.(net.Conn); ok && nc.RemoteAddr() != nil {
		c.remote = nc.RemoteAddr().String()
	}
	return c
}

// Processor parses Modbus TCP requests and answers them from a register map.
type Processor struct {
	regs transport.Registers
	rec  Recorder
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRecorder sets the Recorder notified of requests, exceptions and
// connection closes.
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.rec = r
		}
	}
}

// NewProcessor creates a Processor bound to regs.
func NewProcessor(regs transport.Registers, opts ...ProcessorOption) *Processor {
	p := &Processor{
		regs: regs,
		rec:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleRequest consumes one request from c and writes exactly one response
// or exception. It returns false when the connection must be closed: the
// peer went away, the framing is not Modbus TCP, the body was cut short or
// the response could not be written. A transient read error, or a header
// that has not fully arrived, returns true without consuming anything.
func (p *Processor) HandleRequest(c *Conn) bool {
	raw, err := c.r.Peek(HeaderSize)
	if err != nil {
		if isTransient(err) {
			slog.Debug("Recv error, retrying", "addr", c.remote, "buffered", len(raw), "err", err)
			return true
		}
		slog.Debug("Connection closed by client", "addr", c.remote, "buffered", len(raw), "err", err)
		p.rec.Closed(ClosePeer)
		return false
	}

	h := DecodeHeader(raw)
	if _, err := c.r.Discard(HeaderSize); err != nil {
		p.rec.Closed(ClosePeer)
		return false
	}
	slog.Debug("MBAP", "tid", h.TransactionID, "protocol", h.ProtocolID, "length", h.Length)

	if err := h.Validate(); err != nil {
		slog.Warn("Dropping non-Modbus peer", "addr", c.remote, "err", err)
		p.rec.Closed(CloseFraming)
		return false
	}

	body := make([]byte, h.Length)
	if n, err := io.ReadFull(c.r, body); err != nil {
		slog.Warn("Failed to read full PDU", "addr", c.remote, "received", n, "length", h.Length, "err", err)
		p.rec.Closed(CloseShortRead)
		return false
	}

	unitID := body[0]
	fc := modbus.FunctionCode(body[1])
	data := body[2:]
	slog.Debug("Modbus request", "tid", h.TransactionID, "unit", unitID, "fn", fc, "len", len(data))

	p.rec.Request(fc)
	resp := p.dispatch(fc, data)
	if resp.IsException() {
		p.rec.Exception(fc, modbus.ExceptionCode(resp.Data[0]))
	}

	adu := &ApplicationDataUnit{
		TransactionID: h.TransactionID,
		ProtocolID:    0,
		UnitID:        unitID,
		Pdu:           resp,
	}
	out, err := adu.Encode()
	if err != nil {
		// Responses are bounded by the quantity checks; this is a bug.
		slog.Error("Failed to encode TCP response", "tid", h.TransactionID, "err", err)
		p.rec.Closed(CloseWrite)
		return false
	}
	if _, err := c.w.Write(out); err != nil {
		slog.Warn("Failed to write response to connection", "addr", c.remote, "err", err)
		p.rec.Closed(CloseWrite)
		return false
	}
	c.handled++
	return true
}

// Handled returns the number of requests answered on c.
func (c *Conn) Handled() uint64 {
	return c.handled
}

// dispatch runs the handler for fc. Each handler returns either a success
// PDU or an exception PDU.
func (p *Processor) dispatch(fc modbus.FunctionCode, data []byte) modbus.ProtocolDataUnit {
	switch fc {
	case modbus.FuncCodeReadHoldingRegisters:
		return p.handleReadRegisters(fc, data, p.regs.ReadHolding)
	case modbus.FuncCodeReadInputRegisters:
		return p.handleReadRegisters(fc, data, p.regs.ReadInput)
	case modbus.FuncCodeWriteSingleRegister:
		return p.handleWriteSingleRegister(fc, data)
	case modbus.FuncCodeWriteMultipleRegisters:
		return p.handleWriteMultipleRegisters(fc, data)
	default:
		slog.Warn("Unsupported function code", "fn", fc)
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalFunction)
	}
}

func (p *Processor) handleReadRegisters(fc modbus.FunctionCode, data []byte, read func(start, quantity uint16) ([]byte, error)) modbus.ProtocolDataUnit {
	if len(data) < 4 {
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadQuantity {
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}

	regs, err := read(address, quantity)
	if err != nil {
		slog.Debug("Register read failed", "fn", fc, "address", address, "quantity", quantity, "err", err)
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 1+len(regs))
	respData[0] = byte(len(regs))
	copy(respData[1:], regs)

	return modbus.ProtocolDataUnit{
		FunctionCode: fc,
		Data:         respData,
	}
}

func (p *Processor) handleWriteSingleRegister(fc modbus.FunctionCode, data []byte) modbus.ProtocolDataUnit {
	if len(data) < 4 {
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if err := p.regs.WriteHoldingSingle(address, value); err != nil {
		slog.Debug("Register write failed", "fn", fc, "address", address, "err", err)
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataAddress)
	}

	// Echo request
	return modbus.ProtocolDataUnit{
		FunctionCode: fc,
		Data:         data[:4],
	}
}

func (p *Processor) handleWriteMultipleRegisters(fc modbus.FunctionCode, data []byte) modbus.ProtocolDataUnit {
	if len(data) < 6 {
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(data[0:2])
	quantity := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])

	if quantity < 1 || quantity > modbus.MaxWriteQuantity {
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}
	if byteCount != int(quantity)*2 || len(data)-5 < byteCount {
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := p.regs.WriteHolding(address, quantity, data[5:5+byteCount]); err != nil {
		slog.Debug("Register write failed", "fn", fc, "address", address, "quantity", quantity, "err", err)
		return modbus.Exception(fc, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: fc,
		Data:         respData,
	}
}

// isTransient reports whether a read error is worth retrying on the same
// connection. Anything else means the peer is gone.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}
