// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/ffutop/modbus-node/internal/assembly"
)

// MmapStorage backs the assembly buffers directly with a memory-mapped
// file, so every write lands in the page cache without a copy.
// The layout is the same as FileStorage.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
	asm  *assembly.Assemblies
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

// Load maps the file and returns assemblies aliasing the mapping.
func (ms *MmapStorage) Load() (*assembly.Assemblies, error) {
	f, err := openImage(ms.path)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data

	ms.asm = assembly.FromImage(data)
	return ms.asm, nil
}

// Save flushes the mapping to disk.
func (ms *MmapStorage) Save(a *assembly.Assemblies) error {
	if ms.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	return ms.flush()
}

// OnWrite flushes the mapping to disk.
func (ms *MmapStorage) OnWrite(area assembly.Area, offset, length int) {
	if ms.data == nil {
		return
	}
	if err := ms.flush(); err != nil {
		slog.Error("Failed to flush mmap", "area", area, "err", err)
	}
}

// flush holds the assemblies lock so msync never sees a half written word.
func (ms *MmapStorage) flush() error {
	var err error
	ms.asm.View(func(*assembly.Buffers) {
		err = ms.data.Flush()
	})
	return err
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
