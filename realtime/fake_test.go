// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id   int
	req  SubscribeRequest
	sink Sink
}

// fakeBackend records subscriptions and lets tests drive their sinks.
type fakeBackend struct {
	mu           sync.Mutex
	nextID       int
	active       map[int]*fakeHandle
	all          []*fakeHandle
	released     []int
	maxActive    int
	subscribeErr error
	onSubscribe  func(h *fakeHandle)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{active: make(map[int]*fakeHandle)}
}

func (b *fakeBackend) Subscribe(ctx context.Context, req SubscribeRequest, sink Sink) (Handle, error) {
	b.mu.Lock()
	if b.subscribeErr != nil {
		err := b.subscribeErr
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	h := &fakeHandle{id: b.nextID, req: req, sink: sink}
	b.active[h.id] = h
	b.all = append(b.all, h)
	if len(b.active) > b.maxActive {
		b.maxActive = len(b.active)
	}
	hook := b.onSubscribe
	b.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return h, nil
}

func (b *fakeBackend) Unsubscribe(ctx context.Context, h Handle) error {
	fh := h.(*fakeHandle)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[fh.id]; ok {
		delete(b.active, fh.id)
		b.released = append(b.released, fh.id)
	}
	return nil
}

func (b *fakeBackend) last() *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.all) == 0 {
		return nil
	}
	return b.all[len(b.all)-1]
}

func (b *fakeBackend) subscribes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

func (b *fakeBackend) activeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *fakeBackend) peakActive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

func (b *fakeBackend) setSubscribeErr(err error) {
	b.mu.Lock()
	b.subscribeErr = err
	b.mu.Unlock()
}

type manualTask struct {
	s       *manualScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualScheduler only runs tasks when a test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{s: s, delay: d, fn: fn}
	s.tasks = append(s.tasks, t)
	return t
}

// armed returns the number of tasks ever scheduled.
func (s *manualScheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *manualScheduler) pending() []*manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []*manualTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			ret = append(ret, t)
		}
	}
	return ret
}

// fire runs the oldest pending task and reports whether there was one.
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	var next *manualTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()
	next.fn()
	return true
}

type recorder struct {
	mu      sync.Mutex
	changes []StatusChange
	errs    []error
	events  []Event
}

func (r *recorder) status(ch StatusChange) {
	r.mu.Lock()
	r.changes = append(r.changes, ch)
	r.mu.Unlock()
}

func (r *recorder) err(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) event(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]Status, 0, len(r.changes))
	for _, ch := range r.changes {
		ret = append(ret, ch.To)
	}
	return ret
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	backend *fakeBackend
	sched   *manualScheduler
	rec     *recorder
	ch      *Channel
}

func testOptions(sched Scheduler) *Options {
	return NewOptions().
		SetScheduler(sched).
		SetSettleDelay(0).
		SetLogger(slog.New(slog.DiscardHandler))
}

func newHarness(t *testing.T, desc Descriptor, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		backend: newFakeBackend(),
		sched:   &manualScheduler{},
		rec:     &recorder{},
	}
	if desc.Handlers.OnError == nil {
		desc.Handlers.OnError = h.rec.err
	}
	opts := testOptions(h.sched).SetOnStatusChange(h.rec.status)
	if mutate != nil {
		mutate(opts)
	}

	ch, err := New(h.backend, desc, opts)
	require.NoError(t, err)
	h.ch = ch
	t.Cleanup(ch.Close)
	return h
}

func (h *harness) signal(st SubscribeStatus) {
	h.backend.last().sink.Status(st, nil)
}
