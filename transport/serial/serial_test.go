// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package serial

import (
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	gridxserial "github.com/grid-x/serial"
)

type recordingSink struct {
	mu         sync.Mutex
	bytes      []byte
	txComplete int
}

func (s *recordingSink) DeliverBytes(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes = append(s.bytes, data...)
}

func (s *recordingSink) DeliverTransmitComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txComplete++
}

func (s *recordingSink) snapshot() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.bytes...), s.txComplete
}

// TestReadLoopDeliversBytesFromPty opens a real pseudo-terminal pair,
// writes raw bytes into the master side, and confirms the Port's reader
// goroutine forwards them to the sink unchanged and in order.
func TestReadLoopDeliversBytesFromPty(t *testing.T) {
	master, slave, err := pty.Open()
	if err != nil {
		t.Fatalf("pty.Open: %v", err)
	}
	defer master.Close()
	defer slave.Close()

	sink := &recordingSink{}
	p := &Port{
		Config:  gridxserial.Config{Address: slave.Name()},
		port:    slave,
		sink:    sink,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.readLoop()
	defer p.Close()

	want := []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02}
	if _, err := master.Write(want); err != nil {
		t.Fatalf("master.Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := sink.snapshot()
		if len(got) >= len(want) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, _ := sink.snapshot()
	if string(got) != string(want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

// TestWriteSignalsTransmitComplete confirms Write reports transmit
// completion to the sink once bytes are handed to the line.
func TestWriteSignalsTransmitComplete(t *testing.T) {
	master, slave, err := pty.Open()
	if err != nil {
		t.Fatalf("pty.Open: %v", err)
	}
	defer master.Close()
	defer slave.Close()

	sink := &recordingSink{}
	p := &Port{
		Config:  gridxserial.Config{Address: slave.Name()},
		port:    slave,
		sink:    sink,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.readLoop()
	defer p.Close()

	if _, err := p.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, txComplete := sink.snapshot()
	if txComplete != 1 {
		t.Fatalf("expected one transmit-complete notification, got %d", txComplete)
	}

	buf := make([]byte, 2)
	master.SetReadDeadline(time.Now().Add(time.Second))
	n, err := master.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("master.Read: n=%d err=%v", n, err)
	}
}
