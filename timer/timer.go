// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package timer stands in for a free-running 20 kHz hardware timer: a
// single function returning a wrapping 16-bit tick count, 50 µs per
// tick. All durations in the core are computed from it as wrapping
// unsigned subtraction, never from wall-clock time directly, so the same
// arithmetic works whether the source is a real hardware counter or (as
// here) a software-driven one.
package timer

import (
	"sync/atomic"
	"time"
)

// tickPeriod is 50 microseconds, i.e. 20 kHz.
const tickPeriod = 50 * time.Microsecond

// Ticks is a count of 50 µs timer ticks.
type Ticks uint16

// FromMicros converts a microsecond duration to the nearest whole number
// of ticks, rounding up so timeout thresholds never fire early.
func FromMicros(us int) Ticks {
	ticks := (us + int(tickPeriod/time.Microsecond) - 1) / int(tickPeriod/time.Microsecond)
	if ticks < 1 {
		ticks = 1
	}
	return Ticks(ticks)
}

// Elapsed returns now-then as a wrapping unsigned difference, so callers
// can compare it against a threshold regardless of counter wraparound.
func Elapsed(now, then Ticks) Ticks {
	return now - then
}

// Source is a free-running 20 kHz tick counter exposed only through
// timerCount()-style reads. Production code (cmd/mbgwd, cmd/mbctl)
// creates one Source per serial channel, each driven by its own ticker
// goroutine; tests can swap in a manually-advanced fake.
type Source struct {
	ticks atomic.Uint32
	stop  chan struct{}
}

// NewSource starts a Source backed by a real-time ticker goroutine. Call
// Stop to release it.
func NewSource() *Source {
	s := &Source{stop: make(chan struct{})}
	go s.run()
	return s
}

func (s *Source) run() {
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.ticks.Add(1)
		case <-s.stop:
			return
		}
	}
}

// Stop halts the background ticker. Safe to call once.
func (s *Source) Stop() {
	close(s.stop)
}

// Now returns the current wrapping 16-bit tick count.
func (s *Source) Now() Ticks {
	return Ticks(s.ticks.Load())
}

// Advance is used by tests to move a Source's count without waiting on
// real time; it has no effect on a Source created by NewSource's
// goroutine other than adding to the same counter.
func (s *Source) Advance(n Ticks) {
	s.ticks.Add(uint32(n))
}
