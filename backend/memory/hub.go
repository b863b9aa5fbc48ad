// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process change hub that implements
// realtime.Backend. It is used for demo mode and tests, and supports fault
// injection to exercise reconnect behaviour.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/gatepass/internal/relay"
	"github.com/absmach/gatepass/realtime"
)

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("hub closed")

// Hub fans published change events out to matching subscriptions.
type Hub struct {
	mu        sync.Mutex
	subs      map[uint64]*subscription
	nextID    uint64
	faults    []realtime.SubscribeStatus
	closed    bool
	queueSize int
	logger    *slog.Logger
}

type subscription struct {
	id     uint64
	req    realtime.SubscribeRequest
	filter *realtime.Filter
	kinds  map[realtime.EventKind]bool
	relay  *relay.Relay
}

var _ realtime.Backend = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[uint64]*subscription),
		queueSize: relay.DefaultSize,
		logger:    logger,
	}
}

// Subscribe registers a subscription and confirms it asynchronously.
func (h *Hub) Subscribe(ctx context.Context, req realtime.SubscribeRequest, sink realtime.Sink) (realtime.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter, err := realtime.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	kinds := make(map[realtime.EventKind]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds[k] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.nextID++
	sub := &subscription{
		id:     h.nextID,
		req:    req,
		filter: filter,
		kinds:  kinds,
		relay:  relay.New(sink, h.queueSize),
	}
	h.subs[sub.id] = sub

	confirm := realtime.Subscribed
	if len(h.faults) > 0 {
		confirm = h.faults[0]
		h.faults = h.faults[1:]
	}
	h.mu.Unlock()

	sub.relay.Status(confirm, nil)
	if confirm == realtime.Closed {
		h.remove(sub.id)
	}

	h.logger.Debug("memory subscription added",
		slog.String("channel", req.ChannelName),
		slog.String("resource", req.Resource),
		slog.String("confirm", confirm.String()))

	return sub, nil
}

// Unsubscribe removes a subscription. It is idempotent.
func (h *Hub) Unsubscribe(ctx context.Context, handle realtime.Handle) error {
	sub, ok := handle.(*subscription)
	if !ok {
		return nil
	}
	h.remove(sub.id)
	return nil
}

// Publish delivers ev to every subscription on its resource whose filter
// and kinds match. It returns the number of subscriptions reached.
func (h *Hub) Publish(ev realtime.Event) int {
	if ev.CommitTime.IsZero() {
		ev.CommitTime = time.Now().UTC()
	}

	h.mu.Lock()
	var targets []*subscription
	for _, sub := range h.subs {
		if sub.req.Resource != ev.Resource {
			continue
		}
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		if !sub.filter.MatchEvent(ev) {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.relay.Event(ev)
	}
	return len(targets)
}

// FailNext makes the next subscribe attempt confirm with status instead of
// SUBSCRIBED. Calls accumulate.
func (h *Hub) FailNext(status realtime.SubscribeStatus) {
	h.mu.Lock()
	h.faults = append(h.faults, status)
	h.mu.Unlock()
}

// Drop signals status to every subscription of the named channel. CLOSED
// also removes them from the hub.
func (h *Hub) Drop(channelName string, status realtime.SubscribeStatus) int {
	h.mu.Lock()
	var targets []*subscription
	for _, sub := range h.subs {
		if sub.req.ChannelName == channelName {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.relay.Status(status, errors.New("dropped by hub"))
		if status == realtime.Closed {
			h.remove(sub.id)
		}
	}
	return len(targets)
}

// Subscriptions returns the number of active subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close signals CLOSED to every subscription and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.relay.Status(realtime.Closed, nil)
		sub.relay.Stop()
	}
	return nil
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.relay.Stop()
	}
}
