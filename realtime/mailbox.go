// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"log/slog"
	"sync"
)

// mailbox runs queued callbacks one at a time in posting order. Whichever
// goroutine calls drain first runs the queue, including anything posted
// while it is running; concurrent and reentrant drain calls return at once.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	logger  *slog.Logger
}

func newMailbox(logger *slog.Logger) *mailbox {
	return &mailbox{logger: logger}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *mailbox) drain() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.run(fn)
		m.mu.Lock()
	}
	m.queue = nil
	m.running = false
	m.mu.Unlock()
}

func (m *mailbox) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("channel callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
