// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-node/internal/assembly"
)

const upsertWord = "INSERT INTO assembly_words (area, byte_offset, value) VALUES (?, ?, ?) ON CONFLICT(area, byte_offset) DO UPDATE SET value=excluded.value"

// SQLStorage persists assembly words as rows of a SQL table, one row per
// 16-bit word.
// Note: The driver (e.g. sqlite3) must be registered by the caller.
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	asm    *assembly.Assemblies

	// mu is held from the copy through Commit so the last commit carries
	// the newest words.
	mu sync.Mutex
}

// NewSQLStorage creates a new SQLStorage.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the DB and restores every stored word.
func (s *SQLStorage) Load() (*assembly.Assemblies, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// Upserts run in their own transactions; one connection keeps
	// sqlite from reporting SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	rows, err := db.Query("SELECT area, byte_offset, value FROM assembly_words")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query words: %w", err)
	}
	defer rows.Close()

	a := assembly.New()
	a.Update(func(b *assembly.Buffers) {
		for rows.Next() {
			var area, offset, value int
			if err := rows.Scan(&area, &offset, &value); err != nil {
				continue
			}
			buf := b.Area(assembly.Area(area))
			if offset < 0 || offset+2 > len(buf) {
				continue
			}
			binary.LittleEndian.PutUint16(buf[offset:], uint16(value))
		}
	})
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read words: %w", err)
	}

	s.asm = a
	return a, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS assembly_words (
		area INTEGER,
		byte_offset INTEGER,
		value INTEGER,
		PRIMARY KEY (area, byte_offset)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save upserts every word of every area.
func (s *SQLStorage) Save(a *assembly.Assemblies) error {
	if s.db == nil {
		return fmt.Errorf("db is not open")
	}
	for _, area := range []assembly.Area{assembly.AreaInput, assembly.AreaOutput, assembly.AreaConfig} {
		if err := s.persist(a, area, 0, area.Size()); err != nil {
			return err
		}
	}
	return nil
}

// OnWrite upserts the modified words.
func (s *SQLStorage) OnWrite(area assembly.Area, offset, length int) {
	if s.db == nil || s.asm == nil {
		return
	}
	if err := s.persist(s.asm, area, offset, length); err != nil {
		slog.Error("Failed to persist words", "area", area, "offset", offset, "err", err)
	}
}

// persist copies the words under the lock and writes them in one transaction.
func (s *SQLStorage) persist(a *assembly.Assemblies, area assembly.Area, offset, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var words []uint16
	a.View(func(b *assembly.Buffers) {
		buf := b.Area(area)
		for off := offset; off+2 <= offset+length && off+2 <= len(buf); off += 2 {
			words = append(words, binary.LittleEndian.Uint16(buf[off:]))
		}
	})

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for i, w := range words {
		if _, err := tx.Exec(upsertWord, int(area), offset+i*2, int(w)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert word: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
