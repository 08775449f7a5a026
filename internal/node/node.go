// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package node wires the shared assemblies, their storage, the register map
// and the Modbus TCP server into one runnable unit.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ffutop/modbus-node/internal/assembly"
	"github.com/ffutop/modbus-node/internal/assembly/persistence"
	"github.com/ffutop/modbus-node/internal/config"
	"github.com/ffutop/modbus-node/internal/metrics"
	"github.com/ffutop/modbus-node/internal/regmap"
	"github.com/ffutop/modbus-node/transport/tcp"
)

// Node is a Modbus TCP adapter serving the three assemblies.
type Node struct {
	cfg *config.Config

	asm     *assembly.Assemblies
	storage persistence.Storage
	metrics *metrics.Metrics
	server  *tcp.Server
}

// New builds a node from cfg. Storage is opened here so that collaborators
// can use Assemblies before Start.
func New(cfg *config.Config) *Node {
	storage, asm := openStorage(cfg.Persistence)

	m := metrics.New()
	regs := regmap.New(asm, regmap.WithWriteHook(storage.OnWrite))
	for _, r := range regs.Ranges() {
		slog.Info("Mapping registers", "name", r.Name, "kind", r.Kind, "first", r.Start, "last", r.End()-1, "area", r.Area)
	}

	server := tcp.NewServer(cfg.Modbus.Address, tcp.NewProcessor(regs, tcp.WithRecorder(m)))
	server.MaxConns = cfg.Modbus.MaxConns
	server.ReadTimeout = cfg.Modbus.ReadTimeout
	server.IdleTimeout = cfg.Modbus.IdleTimeout
	server.SetObserver(m)

	return &Node{
		cfg:     cfg,
		asm:     asm,
		storage: storage,
		metrics: m,
		server:  server,
	}
}

// newStorage creates the backend named by cfg.Type.
func newStorage(cfg config.PersistenceConfig) persistence.Storage {
	switch cfg.Type {
	case "file":
		slog.Info("Initializing assemblies with file persistence", "path", cfg.Path)
		return persistence.NewFileStorage(cfg.Path)
	case "mmap":
		slog.Info("Initializing assemblies with MMAP persistence", "path", cfg.Path)
		return persistence.NewMmapStorage(cfg.Path)
	case "sql":
		slog.Info("Initializing assemblies with SQL persistence", "driver", "sqlite3", "dsn", cfg.Path)
		return persistence.NewSQLStorage("sqlite3", cfg.Path)
	default:
		slog.Info("Initializing assemblies with memory storage (non-persistent)")
		return persistence.NewMemoryStorage()
	}
}

// openStorage loads the assemblies, falling back to memory storage when the
// configured backend cannot be loaded.
func openStorage(cfg config.PersistenceConfig) (persistence.Storage, *assembly.Assemblies) {
	storage := newStorage(cfg)
	asm, err := storage.Load()
	if err == nil {
		return storage, asm
	}

	slog.Error("Failed to load persistence data, starting with zeroed assemblies", "type", cfg.Type, "err", err)
	storage.Close()
	slog.Warn("Falling back to MemoryStorage")
	storage = persistence.NewMemoryStorage()
	asm, _ = storage.Load()
	return storage, asm
}

// Assemblies returns the shared buffers for in-process collaborators such
// as a sensor loop or a fieldbus stack.
func (n *Node) Assemblies() *assembly.Assemblies {
	return n.asm
}

// Metrics returns the node metrics.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Addr returns the Modbus listening address once the server is up.
func (n *Node) Addr() net.Addr {
	return n.server.Addr()
}

// Start serves Modbus TCP, and metrics when configured, until ctx is
// cancelled or a listener fails. The storage is saved and closed after the
// server has stopped.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting", "component", name)
			if err := fn(ctx); err != nil {
				slog.Error("Component stopped with error", "component", name, "err", err)
				errChan <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("modbus", n.server.Start)
	if n.cfg.Metrics.Address != "" {
		run("metrics", func(ctx context.Context) error {
			return n.metrics.Serve(ctx, n.cfg.Metrics.Address)
		})
	}

	<-ctx.Done()

	// Graceful shutdown
	n.server.Close()
	wg.Wait()

	if err := n.storage.Save(n.asm); err != nil {
		slog.Error("Failed to save assemblies", "err", err)
	}
	if err := n.storage.Close(); err != nil {
		slog.Error("Failed to close storage", "err", err)
	}

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}
