// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package regmap

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/ffutop/modbus-node/internal/assembly"
)

func TestWriteHolding_Endianness(t *testing.T) {
	asm := assembly.New()
	m := New(asm)

	if err := m.WriteHolding(100, 1, []byte{0x12, 0x34}); err != nil {
		t.Fatalf("WriteHolding failed: %v", err)
	}
	asm.View(func(b *assembly.Buffers) {
		if b.Output[0] != 0x34 || b.Output[1] != 0x12 {
			t.Errorf("Expected output buffer [34 12], got % X", b.Output[:2])
		}
	})
}

func TestReadInput_Endianness(t *testing.T) {
	asm := assembly.New()
	asm.Update(func(b *assembly.Buffers) {
		b.Input[2] = 0xCD // register 1, low byte
		b.Input[3] = 0xAB // register 1, high byte
	})
	m := New(asm)

	data, err := m.ReadInput(0, 2)
	if err != nil {
		t.Fatalf("ReadInput failed: %v", err)
	}
	if want := []byte{0x00, 0x00, 0xAB, 0xCD}; !bytes.Equal(data, want) {
		t.Errorf("Expected % X, got % X", want, data)
	}
}

func TestRoundTrip_AllWritableRegisters(t *testing.T) {
	m := New(assembly.New())
	values := []uint16{0x0000, 0x0001, 0x00FF, 0x1234, 0x8000, 0xFF00, 0xFFFF}

	for _, r := range DefaultRanges {
		if r.Kind != KindHolding {
			continue
		}
		for addr := int(r.Start); addr < r.End(); addr++ {
			for _, v := range values {
				if err := m.WriteHoldingSingle(uint16(addr), v); err != nil {
					t.Fatalf("WriteHoldingSingle(%d, %#x) failed: %v", addr, v, err)
				}
				data, err := m.ReadHolding(uint16(addr), 1)
				if err != nil {
					t.Fatalf("ReadHolding(%d) failed: %v", addr, err)
				}
				if got := uint16(data[0])<<8 | uint16(data[1]); got != v {
					t.Errorf("Register %d: wrote %#04x, read %#04x", addr, v, got)
				}
			}
		}
	}
}

func TestWriteHolding_Run(t *testing.T) {
	asm := assembly.New()
	m := New(asm)

	data := []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05}
	if err := m.WriteHolding(150, 5, data); err != nil {
		t.Fatalf("WriteHolding failed: %v", err)
	}
	asm.View(func(b *assembly.Buffers) {
		want := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05, 0x00}
		if !bytes.Equal(b.Config, want) {
			t.Errorf("Expected config % X, got % X", want, b.Config)
		}
	})

	got, err := m.ReadHolding(150, 5)
	if err != nil {
		t.Fatalf("ReadHolding failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Expected % X, got % X", data, got)
	}
}

func TestAddressBounds(t *testing.T) {
	m := New(assembly.New())

	tests := []struct {
		name     string
		op       func() error
		wantFail bool
	}{
		{"input full window", func() error { _, err := m.ReadInput(0, 16); return err }, false},
		{"input last register", func() error { _, err := m.ReadInput(15, 1); return err }, false},
		{"input crosses end", func() error { _, err := m.ReadInput(0, 20); return err }, true},
		{"input past end", func() error { _, err := m.ReadInput(16, 1); return err }, true},
		{"input zero quantity", func() error { _, err := m.ReadInput(0, 0); return err }, true},
		{"holding output full", func() error { _, err := m.ReadHolding(100, 16); return err }, false},
		{"holding output crosses end", func() error { _, err := m.ReadHolding(110, 7); return err }, true},
		{"holding below output", func() error { _, err := m.ReadHolding(99, 1); return err }, true},
		{"holding config full", func() error { _, err := m.ReadHolding(150, 5); return err }, false},
		{"holding config crosses end", func() error { _, err := m.ReadHolding(153, 3); return err }, true},
		{"holding gap", func() error { _, err := m.ReadHolding(116, 1); return err }, true},
		{"holding spans output and config", func() error { _, err := m.ReadHolding(100, 55); return err }, true},
		{"holding is not input", func() error { _, err := m.ReadHolding(0, 1); return err }, true},
		{"input is not holding", func() error { _, err := m.ReadInput(100, 1); return err }, true},
		{"write input rejected", func() error { return m.WriteHoldingSingle(0, 1) }, true},
		{"write config last", func() error { return m.WriteHoldingSingle(154, 1) }, false},
		{"write config past end", func() error { return m.WriteHoldingSingle(155, 1) }, true},
		{"write wraps 16 bits", func() error { return m.WriteHolding(0xFFFF, 2, make([]byte, 4)) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if tt.wantFail {
				if !errors.Is(err, ErrIllegalAddress) {
					t.Errorf("Expected ErrIllegalAddress, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		})
	}
}

func TestWriteHolding_ShortDataLeavesBufferUntouched(t *testing.T) {
	asm := assembly.New()
	m := New(asm)

	err := m.WriteHolding(100, 3, []byte{0x12, 0x34, 0x56})
	if !errors.Is(err, ErrShortData) {
		t.Fatalf("Expected ErrShortData, got %v", err)
	}
	asm.View(func(b *assembly.Buffers) {
		if !bytes.Equal(b.Output, make([]byte, assembly.OutputSize)) {
			t.Errorf("Buffer modified by rejected write: % X", b.Output)
		}
	})
}

func TestRead_ZeroFillPastBuffer(t *testing.T) {
	asm := assembly.New()
	asm.Update(func(b *assembly.Buffers) {
		for i := range b.Input {
			b.Input[i] = 0xEE
		}
	})
	ranges := []Range{
		{Name: "input", Kind: KindInput, Start: 0, Words: 20, Area: assembly.AreaInput},
	}
	m := New(asm, WithRanges(ranges))

	data, err := m.ReadInput(14, 4)
	if err != nil {
		t.Fatalf("ReadInput failed: %v", err)
	}
	want := []byte{0xEE, 0xEE, 0xEE, 0xEE, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(data, want) {
		t.Errorf("Expected % X, got % X", want, data)
	}
}

func TestNew_RejectsBadTables(t *testing.T) {
	tables := map[string][]Range{
		"overlap": {
			{Name: "a", Kind: KindHolding, Start: 100, Words: 5, Area: assembly.AreaConfig},
			{Name: "b", Kind: KindInput, Start: 104, Words: 2, Area: assembly.AreaInput},
		},
		"holding larger than buffer": {
			{Name: "a", Kind: KindHolding, Start: 0, Words: 6, Area: assembly.AreaConfig},
		},
		"empty": {
			{Name: "a", Kind: KindInput, Start: 0, Words: 0, Area: assembly.AreaInput},
		},
	}
	for name, ranges := range tables {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			New(assembly.New(), WithRanges(ranges))
		})
	}
}

func TestDefaultRanges_Disjoint(t *testing.T) {
	if err := validateRanges(DefaultRanges); err != nil {
		t.Fatal(err)
	}
}

func TestWriteHook(t *testing.T) {
	type call struct {
		area           assembly.Area
		offset, length int
	}
	var calls []call
	m := New(assembly.New(), WithWriteHook(func(area assembly.Area, offset, length int) {
		calls = append(calls, call{area, offset, length})
	}))

	if err := m.WriteHolding(102, 2, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHoldingSingle(151, 7); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHoldingSingle(200, 7); err == nil {
		t.Fatal("Expected failure")
	}

	want := []call{{assembly.AreaOutput, 4, 4}, {assembly.AreaConfig, 2, 2}}
	if len(calls) != len(want) {
		t.Fatalf("Expected %d hook calls, got %d", len(want), len(calls))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Call %d: expected %+v, got %+v", i, want[i], calls[i])
		}
	}
}

func TestSwapBytes_Symmetric(t *testing.T) {
	for v := 0; v <= 0xFFFF; v++ {
		if got := SwapBytes(SwapBytes(uint16(v))); got != uint16(v) {
			t.Fatalf("SwapBytes twice on %#04x gave %#04x", v, got)
		}
	}
	if SwapBytes(0x1234) != 0x3412 {
		t.Errorf("SwapBytes(0x1234) = %#04x", SwapBytes(0x1234))
	}
}

// Every value written over the wire reads back unchanged and lands
// byte-swapped in the buffer.
func TestHoldingRoundTrip_AllValues(t *testing.T) {
	asm := assembly.New()
	m := New(asm)
	for v := 0; v <= 0xFFFF; v++ {
		wire := []byte{byte(v >> 8), byte(v)}
		if err := m.WriteHolding(150, 1, wire); err != nil {
			t.Fatalf("WriteHolding(%#04x) failed: %v", v, err)
		}
		got, err := m.ReadHolding(150, 1)
		if err != nil {
			t.Fatalf("ReadHolding failed: %v", err)
		}
		if !bytes.Equal(got, wire) {
			t.Fatalf("Wrote % X, read back % X", wire, got)
		}
		asm.View(func(b *assembly.Buffers) {
			if b.Config[0] != byte(v) || b.Config[1] != byte(v>>8) {
				t.Fatalf("Value %#04x stored as % X", v, b.Config[:2])
			}
		})
	}
}

// Concurrent multi-word writes of uniform patterns must never be observed
// half applied.
func TestConcurrentWritesAreAtomic(t *testing.T) {
	m := New(assembly.New())
	patterns := [][]byte{
		bytes.Repeat([]byte{0xAA}, 32),
		bytes.Repeat([]byte{0x55}, 32),
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, p := range patterns {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := m.WriteHolding(100, 16, p); err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}

	for i := 0; i < 2000; i++ {
		data, err := m.ReadHolding(100, 16)
		if err != nil {
			t.Fatal(err)
		}
		for _, b := range data[1:] {
			if b != data[0] {
				t.Fatalf("Observed torn write: % X", data)
			}
		}
	}
	close(stop)
	wg.Wait()
}
