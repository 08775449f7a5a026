// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package assembly holds the byte buffers shared between the Modbus register
// map, the sensor loop and the EtherNet/IP stack.
//
// Every word in a buffer is stored little-endian (low byte first). Any code
// touching the buffers must hold the Assemblies mutex for the whole access,
// otherwise readers may observe half written words.
package assembly

import (
	"fmt"
	"sync"
)

// Area names one of the shared buffers.
type Area int

const (
	// AreaInput is Input Assembly 100, produced by the sensor loop.
	AreaInput Area = iota
	// AreaOutput is Output Assembly 150, consumed by the application.
	AreaOutput
	// AreaConfig is Config Assembly 151.
	AreaConfig
)

// Buffer sizes in bytes.
const (
	InputSize  = 32
	OutputSize = 32
	ConfigSize = 10

	// ImageSize is the length of a contiguous image holding all three
	// buffers in Area order.
	ImageSize = InputSize + OutputSize + ConfigSize

	offsetInput  = 0
	offsetOutput = offsetInput + InputSize
	offsetConfig = offsetOutput + OutputSize
)

func (a Area) String() string {
	switch a {
	case AreaInput:
		return "input"
	case AreaOutput:
		return "output"
	case AreaConfig:
		return "config"
	default:
		return fmt.Sprintf("area(%d)", int(a))
	}
}

// Size returns the buffer length of the area.
func (a Area) Size() int {
	switch a {
	case AreaInput:
		return InputSize
	case AreaOutput:
		return OutputSize
	case AreaConfig:
		return ConfigSize
	default:
		return 0
	}
}

// Buffers are the three fixed-length byte buffers. They must only be
// accessed while the owning Assemblies is locked.
type Buffers struct {
	Input  []byte
	Output []byte
	Config []byte
}

// Area returns the buffer for a.
func (b *Buffers) Area(a Area) []byte {
	switch a {
	case AreaInput:
		return b.Input
	case AreaOutput:
		return b.Output
	case AreaConfig:
		return b.Config
	default:
		return nil
	}
}

// Assemblies owns the shared buffers and the single mutex guarding them.
// It is created once at startup and lives for the whole process.
//
// Lock acquisition has no timeout: a collaborator that never releases the
// lock stalls every Modbus connection.
type Assemblies struct {
	mu  sync.Mutex
	buf Buffers
}

// New allocates zeroed buffers.
func New() *Assemblies {
	return FromImage(make([]byte, ImageSize))
}

// FromImage builds Assemblies whose buffers alias img. img must be exactly
// ImageSize bytes. Storage backends use it to back the buffers with a file
// mapping.
func FromImage(img []byte) *Assemblies {
	if len(img) != ImageSize {
		panic(fmt.Sprintf("assembly: image is %d bytes, want %d", len(img), ImageSize))
	}
	return &Assemblies{
		buf: Buffers{
			Input:  img[offsetInput:offsetOutput:offsetOutput],
			Output: img[offsetOutput:offsetConfig:offsetConfig],
			Config: img[offsetConfig:ImageSize:ImageSize],
		},
	}
}

// Lock acquires the mutex, blocking until it is available.
func (a *Assemblies) Lock() { a.mu.Lock() }

// Unlock releases the mutex.
func (a *Assemblies) Unlock() { a.mu.Unlock() }

// Buffers returns the raw buffers. The caller must hold the lock.
func (a *Assemblies) Buffers() *Buffers { return &a.buf }

// Update runs fn with the lock held. fn may modify the buffers.
func (a *Assemblies) Update(fn func(b *Buffers)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.buf)
}

// View runs fn with the lock held. fn must not modify the buffers.
func (a *Assemblies) View(fn func(b *Buffers)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.buf)
}

// Snapshot copies all three buffers, in Area order, into a new image.
func (a *Assemblies) Snapshot() []byte {
	img := make([]byte, 0, ImageSize)
	a.View(func(b *Buffers) {
		img = append(img, b.Input...)
		img = append(img, b.Output...)
		img = append(img, b.Config...)
	})
	return img
}

// Restore overwrites all three buffers from an image produced by Snapshot.
func (a *Assemblies) Restore(img []byte) error {
	if len(img) != ImageSize {
		return fmt.Errorf("assembly: image is %d bytes, want %d", len(img), ImageSize)
	}
	a.Update(func(b *Buffers) {
		copy(b.Input, img[offsetInput:offsetOutput])
		copy(b.Output, img[offsetOutput:offsetConfig])
		copy(b.Config, img[offsetConfig:])
	})
	return nil
}
