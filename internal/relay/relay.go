// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay serialises realtime sink callbacks onto one goroutine per
// subscription so backends can signal from any goroutine without holding
// their own locks or waiting on channel handlers.
package relay

import (
	"sync"
	"sync/atomic"

	"github.com/absmach/gatepass/realtime"
)

// DefaultSize is the default number of queued calls a relay holds before
// it overflows.
const DefaultSize = 4096

// Relay is a realtime.Sink that forwards calls to another sink in order.
// Status and Event never block. When more than the configured number of
// calls are waiting, the relay drops the event, queues a single
// ChannelError carrying realtime.ErrQueueOverflow and discards every later
// event so the channel resubscribes instead of stalling the producer.
type Relay struct {
	sink  realtime.Sink
	limit int

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []func()
	stopped    bool
	overflowed bool
	dropped    atomic.Uint64

	done chan struct{}
}

var _ realtime.Sink = (*Relay)(nil)

// New starts a relay in front of sink. A non-positive size selects
// DefaultSize.
func New(sink realtime.Sink, size int) *Relay {
	if size <= 0 {
		size = DefaultSize
	}
	r := &Relay{
		sink:  sink,
		limit: size,
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

// Status queues a status signal. Status signals are never dropped while
// the relay is running.
func (r *Relay) Status(status realtime.SubscribeStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.pushLocked(func() { r.sink.Status(status, err) })
}

// Event queues a change event.
func (r *Relay) Event(ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.overflowed {
		r.dropped.Add(1)
		return
	}
	if len(r.queue) >= r.limit {
		r.overflowed = true
		r.dropped.Add(1)
		r.pushLocked(func() { r.sink.Status(realtime.ChannelError, realtime.ErrQueueOverflow) })
		return
	}
	r.pushLocked(func() { r.sink.Event(ev) })
}

// Dropped returns the number of events discarded after an overflow.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Stop ends the relay after delivering what is already queued. Calls made
// after Stop are dropped. Stop never blocks.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.done)
	r.cond.Broadcast()
}

// Done is closed once Stop has been called.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) pushLocked(fn func()) {
	r.queue = append(r.queue, fn)
	r.cond.Signal()
}

func (r *Relay) run() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.queue = nil
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()
		fn()
	}
}
