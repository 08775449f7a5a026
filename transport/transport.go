// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
)

// Registers is the register access a request engine needs. Failures are
// binary from the protocol's point of view; the engine decides which
// exception code to answer with.
//
// regmap.RegisterMap implements it.
type Registers interface {
	ReadHolding(start, quantity uint16) ([]byte, error)
	ReadInput(start, quantity uint16) ([]byte, error)
	WriteHolding(start, quantity uint16, data []byte) error
	WriteHoldingSingle(address, value uint16) error
}

// Upstream represents a source of requests (a Modbus master connected to us).
// It acts as a Server.
type Upstream interface {
	// Start starts the server and blocks until ctx is cancelled or the
	// listener fails.
	Start(ctx context.Context) error
	Close() error
}
