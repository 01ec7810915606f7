// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package event

import (
	"sync"
	"testing"
	"time"
)

type recordingProcessor struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingProcessor) Process(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type countingPoller struct {
	mu    sync.Mutex
	polls int
}

func (p *countingPoller) Poll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
}

func TestRunOnceDispatchesToRegisteredChannel(t *testing.T) {
	loop := NewLoop(4)
	proc := &recordingProcessor{}
	id := loop.Register(proc)

	loop.Post(Event{ID: FrameReceived, ChannelID: id}, false)
	loop.RunOnce(10 * time.Millisecond)

	if proc.count() != 1 {
		t.Fatalf("expected one dispatched event, got %d", proc.count())
	}
}

func TestRunOnceServicesPollersEveryPass(t *testing.T) {
	loop := NewLoop(4)
	poller := &countingPoller{}
	loop.RegisterPoller(poller)

	loop.RunOnce(5 * time.Millisecond)
	loop.RunOnce(5 * time.Millisecond)

	poller.mu.Lock()
	defer poller.mu.Unlock()
	if poller.polls != 2 {
		t.Fatalf("expected two poll passes, got %d", poller.polls)
	}
}

func TestPostDropsOnFullQueue(t *testing.T) {
	loop := NewLoop(1)
	if !loop.Post(Event{ID: Timeout}, true) {
		t.Fatal("expected first post to succeed")
	}
	if loop.Post(Event{ID: Timeout}, true) {
		t.Fatal("expected second post to be dropped on a full queue")
	}
}

func TestUnregisterStopsDispatch(t *testing.T) {
	loop := NewLoop(4)
	proc := &recordingProcessor{}
	id := loop.Register(proc)
	loop.Unregister(id)

	loop.Post(Event{ID: FrameReceived, ChannelID: id}, false)
	loop.RunOnce(10 * time.Millisecond)

	if proc.count() != 0 {
		t.Fatalf("expected no dispatch after unregister, got %d", proc.count())
	}
}

func TestRunAndStop(t *testing.T) {
	loop := NewLoop(4)
	proc := &recordingProcessor{}
	id := loop.Register(proc)

	go loop.Run()
	loop.Post(Event{ID: FrameReceived, ChannelID: id}, true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && proc.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()

	if proc.count() != 1 {
		t.Fatalf("expected one dispatched event under preemptive mode, got %d", proc.count())
	}
}
