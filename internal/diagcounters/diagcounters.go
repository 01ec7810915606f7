// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package diagcounters persists a server's FC08 diagnostic counters
// across restarts by memory-mapping a small fixed-size file. It holds
// only the five 16-bit counters, not a data table: coils/registers
// remain the caller's responsibility.
package diagcounters

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/mbcore/server"
)

// Layout: five little-endian uint16 counters, in the order server.Counters
// declares its fields.
const (
	offsetBusMessageCount        = 0
	offsetBusCommErrorCount      = 2
	offsetBusExceptionErrorCount = 4
	offsetServerMessageCount     = 6
	offsetServerNoResponseCount  = 8

	fileSize = 10
)

// Store memory-maps a fixed-size counter file and loads/saves
// server.Counters snapshots to it.
type Store struct {
	path string
	file *os.File
	data mmap.MMap
}

// Open opens (creating if necessary) the counter file at path and maps
// it into memory.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("diagcounters: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diagcounters: stat %s: %w", path, err)
	}
	if fi.Size() != fileSize {
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("diagcounters: resize %s: %w", path, err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diagcounters: mmap %s: %w", path, err)
	}

	return &Store{path: path, file: f, data: data}, nil
}

// Load reads the persisted counters.
func (s *Store) Load() server.Counters {
	return server.Counters{
		BusMessageCount:        binary.LittleEndian.Uint16(s.data[offsetBusMessageCount:]),
		BusCommErrorCount:      binary.LittleEndian.Uint16(s.data[offsetBusCommErrorCount:]),
		BusExceptionErrorCount: binary.LittleEndian.Uint16(s.data[offsetBusExceptionErrorCount:]),
		ServerMessageCount:     binary.LittleEndian.Uint16(s.data[offsetServerMessageCount:]),
		ServerNoResponseCount:  binary.LittleEndian.Uint16(s.data[offsetServerNoResponseCount:]),
	}
}

// Save writes c into the mapped region and flushes it to disk.
func (s *Store) Save(c server.Counters) error {
	binary.LittleEndian.PutUint16(s.data[offsetBusMessageCount:], c.BusMessageCount)
	binary.LittleEndian.PutUint16(s.data[offsetBusCommErrorCount:], c.BusCommErrorCount)
	binary.LittleEndian.PutUint16(s.data[offsetBusExceptionErrorCount:], c.BusExceptionErrorCount)
	binary.LittleEndian.PutUint16(s.data[offsetServerMessageCount:], c.ServerMessageCount)
	binary.LittleEndian.PutUint16(s.data[offsetServerNoResponseCount:], c.ServerNoResponseCount)
	return s.data.Flush()
}

// Close unmaps and closes the backing file.
func (s *Store) Close() error {
	if err := s.data.Unmap(); err != nil {
		s.file.Close()
		return fmt.Errorf("diagcounters: unmap %s: %w", s.path, err)
	}
	return s.file.Close()
}
