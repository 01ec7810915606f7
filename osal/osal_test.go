// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package osal

import (
	"testing"
	"time"
)

func TestSemaphoreGiveTake(t *testing.T) {
	s := NewSemaphore()
	if s.TryTake() {
		t.Fatal("expected unsignalled semaphore")
	}
	s.Give(false)
	if !s.TryTake() {
		t.Fatal("expected signalled semaphore")
	}
	if s.TryTake() {
		t.Fatal("Take should consume the signal")
	}
}

func TestSemaphoreGiveDropsWhenAlreadySignalled(t *testing.T) {
	s := NewSemaphore()
	s.Give(true)
	s.Give(true)
	if !s.Take(0) {
		t.Fatal("expected signalled semaphore")
	}
	if s.TryTake() {
		t.Fatal("a duplicate Give must not queue a second signal")
	}
}

func TestSemaphoreTakeTimesOut(t *testing.T) {
	s := NewSemaphore()
	start := time.Now()
	if s.Take(20 * time.Millisecond) {
		t.Fatal("expected Take to time out")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Take returned before its timeout elapsed")
	}
}
