// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps the assembly image across restarts.
package persistence

import (
	"github.com/ffutop/modbus-node/internal/assembly"
)

// Storage defines the interface for persisting the shared assemblies.
type Storage interface {
	// Load returns the assemblies restored from storage. If no data exists
	// it returns zeroed assemblies.
	Load() (*assembly.Assemblies, error)

	// Save writes the full image to storage.
	Save(a *assembly.Assemblies) error

	// OnWrite is called after bytes [offset, offset+length) of area were
	// modified. It must not be called with the assemblies lock held.
	OnWrite(area assembly.Area, offset, length int)

	// Close releases the storage.
	Close() error
}
