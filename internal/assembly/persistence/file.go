// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ffutop/modbus-node/internal/assembly"
)

// FileStorage persists the assembly image in a plain file that is rewritten
// and fsync'd on every write.
//
// Layout:
// - Input Assembly:  32 bytes (Offset 0)
// - Output Assembly: 32 bytes (Offset 32)
// - Config Assembly: 10 bytes (Offset 64)
// Total Size: 74 bytes
type FileStorage struct {
	path string
	file *os.File
	asm  *assembly.Assemblies

	// mu orders write-backs so the last one to reach the disk carries the
	// newest snapshot.
	mu sync.Mutex
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load reads the image from the file, creating it if necessary.
func (fs *FileStorage) Load() (*assembly.Assemblies, error) {
	f, err := openImage(fs.path)
	if err != nil {
		return nil, err
	}

	img := make([]byte, assembly.ImageSize)
	if _, err := io.ReadFull(f, img); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	a := assembly.New()
	if err := a.Restore(img); err != nil {
		f.Close()
		return nil, err
	}
	fs.file = f
	fs.asm = a
	return a, nil
}

// Save writes a snapshot of a to disk.
func (fs *FileStorage) Save(a *assembly.Assemblies) error {
	return fs.sync(a)
}

// OnWrite syncs the file so the written registers survive a power loss.
func (fs *FileStorage) OnWrite(area assembly.Area, offset, length int) {
	if err := fs.sync(fs.asm); err != nil {
		slog.Error("Failed to sync file", "area", area, "err", err)
	}
}

func (fs *FileStorage) sync(a *assembly.Assemblies) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if a == nil || fs.file == nil {
		return nil
	}
	if _, err := fs.file.WriteAt(a.Snapshot(), 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close closes the file.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

// openImage opens path read-write, creating it and fixing its size to
// assembly.ImageSize.
func openImage(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() != int64(assembly.ImageSize) {
		if err := f.Truncate(int64(assembly.ImageSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}
	return f, nil
}
