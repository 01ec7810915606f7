// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package osal is the OS-abstraction layer: a binary semaphore and the
// scheduling-mode selector, which work identically whether the core runs
// cooperatively on a bare-metal super-loop or under a preemptive
// scheduler. Every suspension point in client/server code goes through
// this package, never a raw channel.
package osal

import "time"

// Mode selects the scheduling model.
type Mode int

const (
	// ModeSuperLoop: no preemption; eventTask is driven by repeated
	// caller-side polls. A client waiting for a response re-enters the
	// event loop itself, polling its semaphore with TryTake, instead of
	// blocking in Semaphore.Take.
	ModeSuperLoop Mode = iota
	// ModePreemptive: eventTask owns a dedicated goroutine; callers
	// genuinely block on their semaphore without re-entering the loop.
	ModePreemptive
)

// Semaphore is a binary semaphore matching the classic
// semCreate/semFree/semGive/semTake contract. It is implemented as the
// idiomatic Go binary semaphore: a depth-1 buffered channel.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates an unsignalled binary semaphore.
func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, 1)}
}

// Give signals the semaphore. fromISR has no effect on this
// implementation (a buffered channel send is already safe from any Go
// context) but is kept to mirror the classic semGive(sem, fromIsr)
// signature and document the call sites that originate from the
// ISR-equivalent serial adapter.
func (s *Semaphore) Give(fromISR bool) {
	select {
	case s.ch <- struct{}{}:
	default:
		// Already signalled; Modbus only ever has one outstanding
		// waiter per channel, so a pending signal is not lost work.
	}
}

// Take blocks until the semaphore is signalled or timeout elapses,
// returning false on timeout. timeout <= 0 blocks forever.
func (s *Semaphore) Take(timeout time.Duration) bool {
	if timeout <= 0 {
		<-s.ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	}
}

// TryTake reports whether the semaphore was already signalled, without
// waiting.
func (s *Semaphore) TryTake() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
