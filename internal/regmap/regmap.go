// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package regmap maps Modbus register addresses onto the shared assembly
// buffers.
//
// Modbus carries registers big-endian, the assemblies store words
// little-endian, so every access swaps the two bytes of each word.
package regmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/ffutop/modbus-node/internal/assembly"
)

var (
	// ErrIllegalAddress is returned when no mapped range fully contains the
	// requested register run.
	ErrIllegalAddress = errors.New("regmap: register range not mapped")
	// ErrShortData is returned when a write supplies fewer than quantity*2 bytes.
	ErrShortData = errors.New("regmap: insufficient data length")
)

// Kind tells which Modbus table a range belongs to.
type Kind int

const (
	KindInput Kind = iota
	KindHolding
)

func (k Kind) String() string {
	if k == KindInput {
		return "input"
	}
	return "holding"
}

// Range maps Words registers starting at Start onto an assembly buffer.
// Register Start+i lives at byte offset i*2 of the buffer.
type Range struct {
	Name  string
	Kind  Kind
	Start uint16
	Words int
	Area  assembly.Area
}

// End returns the exclusive upper register bound of r.
func (r Range) End() int {
	return int(r.Start) + r.Words
}

func (r Range) contains(start, quantity uint16) bool {
	return quantity > 0 && start >= r.Start && int(start)+int(quantity) <= r.End()
}

// DefaultRanges is the address table of the node.
var DefaultRanges = []Range{
	{Name: "input", Kind: KindInput, Start: 0, Words: 16, Area: assembly.AreaInput},
	{Name: "output", Kind: KindHolding, Start: 100, Words: 16, Area: assembly.AreaOutput},
	{Name: "config", Kind: KindHolding, Start: 150, Words: 5, Area: assembly.AreaConfig},
}

// WriteHook is called after a successful write, once the assembly lock has
// been released. offset and length are in bytes within the area's buffer.
type WriteHook func(area assembly.Area, offset, length int)

// Option configures a RegisterMap.
type Option func(*RegisterMap)

// WithWriteHook registers h to be called after every successful write.
func WithWriteHook(h WriteHook) Option {
	return func(m *RegisterMap) {
		m.onWrite = h
	}
}

// WithRanges replaces DefaultRanges.
func WithRanges(ranges []Range) Option {
	return func(m *RegisterMap) {
		m.ranges = ranges
	}
}

// RegisterMap implements the four register operations on top of Assemblies.
// It is safe for concurrent use; all buffer access happens under the
// assemblies mutex.
type RegisterMap struct {
	asm     *assembly.Assemblies
	ranges  []Range
	onWrite WriteHook
}

// New creates a RegisterMap over asm. It panics if the ranges overlap or a
// holding range does not fit its buffer, since the table is fixed at build
// time.
func New(asm *assembly.Assemblies, opts ...Option) *RegisterMap {
	m := &RegisterMap{
		asm:    asm,
		ranges: DefaultRanges,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := validateRanges(m.ranges); err != nil {
		panic(err)
	}
	return m
}

func validateRanges(ranges []Range) error {
	for i, r := range ranges {
		if r.Words <= 0 || r.End() > 0x10000 {
			return fmt.Errorf("regmap: range %s has invalid size %d", r.Name, r.Words)
		}
		// Writes must never need the zero-fill path.
		if r.Kind == KindHolding && r.Words*2 > r.Area.Size() {
			return fmt.Errorf("regmap: holding range %s needs %d bytes, buffer has %d", r.Name, r.Words*2, r.Area.Size())
		}
		for _, o := range ranges[i+1:] {
			if int(r.Start) < o.End() && int(o.Start) < r.End() {
				return fmt.Errorf("regmap: ranges %s and %s overlap", r.Name, o.Name)
			}
		}
	}
	return nil
}

// Ranges returns the address table in use.
func (m *RegisterMap) Ranges() []Range {
	return m.ranges
}

// resolve finds the range of the given kind that fully contains
// [start, start+quantity). Read and write paths both go through here.
func (m *RegisterMap) resolve(kind Kind, start, quantity uint16) (Range, error) {
	for _, r := range m.ranges {
		if r.Kind == kind && r.contains(start, quantity) {
			return r, nil
		}
	}
	return Range{}, fmt.Errorf("%w: %s %d+%d", ErrIllegalAddress, kind, start, quantity)
}

// ReadHolding returns quantity holding registers starting at start, big-endian.
func (m *RegisterMap) ReadHolding(start, quantity uint16) ([]byte, error) {
	return m.read(KindHolding, start, quantity)
}

// ReadInput returns quantity input registers starting at start, big-endian.
func (m *RegisterMap) ReadInput(start, quantity uint16) ([]byte, error) {
	return m.read(KindInput, start, quantity)
}

func (m *RegisterMap) read(kind Kind, start, quantity uint16) ([]byte, error) {
	r, err := m.resolve(kind, start, quantity)
	if err != nil {
		slog.Debug("Rejected register read", "kind", kind, "start", start, "quantity", quantity)
		return nil, err
	}

	out := make([]byte, int(quantity)*2)
	base := int(start-r.Start) * 2

	m.asm.Lock()
	buf := m.asm.Buffers().Area(r.Area)
	for i := 0; i < int(quantity); i++ {
		off := base + i*2
		if off+1 >= len(buf) {
			// Word past the end of a partially backed range reads as zero.
			continue
		}
		binary.BigEndian.PutUint16(out[i*2:], SwapBytes(binary.BigEndian.Uint16(buf[off:])))
	}
	m.asm.Unlock()

	return out, nil
}

// WriteHolding writes quantity holding registers starting at start from
// big-endian data. Either the whole run is written or nothing is.
func (m *RegisterMap) WriteHolding(start, quantity uint16, data []byte) error {
	r, err := m.resolve(KindHolding, start, quantity)
	if err != nil {
		slog.Debug("Rejected register write", "start", start, "quantity", quantity)
		return err
	}
	n := int(quantity) * 2
	if len(data) < n {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortData, len(data), n)
	}
	base := int(start-r.Start) * 2

	m.asm.Lock()
	buf := m.asm.Buffers().Area(r.Area)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(buf[base+i*2:], SwapBytes(binary.BigEndian.Uint16(data[i*2:])))
	}
	m.asm.Unlock()

	if m.onWrite != nil {
		m.onWrite(r.Area, base, n)
	}
	return nil
}

// WriteHoldingSingle writes one holding register.
func (m *RegisterMap) WriteHoldingSingle(address, value uint16) error {
	var data [2]byte
	binary.BigEndian.PutUint16(data[:], value)
	return m.WriteHolding(address, 1, data[:])
}

// SwapBytes converts a word between little- and big-endian byte order.
// SwapBytes(SwapBytes(v)) == v.
func SwapBytes(v uint16) uint16 {
	return bits.ReverseBytes16(v)
}
