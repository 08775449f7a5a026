// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "github.com/ffutop/modbus-node/internal/assembly"

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*assembly.Assemblies, error) {
	return assembly.New(), nil
}

func (ms *MemoryStorage) Save(a *assembly.Assemblies) error {
	return nil
}

func (ms *MemoryStorage) OnWrite(area assembly.Area, offset, length int) {}

func (ms *MemoryStorage) Close() error {
	return nil
}
