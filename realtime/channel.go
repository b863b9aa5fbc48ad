// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Channel is a resilient subscription to the change stream of one resource.
// All methods are safe for concurrent use and never block on handlers.
type Channel struct {
	backend Backend
	opts    *Options
	logger  *slog.Logger
	status  *statusManager
	mbox    *mailbox

	mu       sync.Mutex
	desc     Descriptor
	table    dispatchTable
	attempts int
	handle   Handle
	gen      uint64 // generation of the current attempt
	live     bool   // an attempt of generation gen is in flight or subscribed
	stopped  bool   // manual stop, no automatic retry
	closed   bool
	task     Task // pending retry or settle
	taskID   uint64
	watchers []watcher
	watchID  uint64
}

type watcher struct {
	id uint64
	fn func(StatusChange)
}

// attempt is a subscribe call decided under the lock and issued after it.
type attempt struct {
	gen uint64
	req SubscribeRequest
}

// effects are backend calls to make once the lock is released.
type effects struct {
	release   Handle
	subscribe *attempt
}

// Info is a point-in-time view of a channel.
type Info struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Filter   string `json:"filter,omitempty"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// New creates a channel and, if the descriptor is enabled, starts
// connecting. A nil opts uses NewOptions.
func New(backend Backend, desc Descriptor, opts *Options) (*Channel, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	if desc.Resource == "" {
		return nil, ErrEmptyResource
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if desc.ChannelName == "" {
		desc.ChannelName = UniqueName(desc.Resource)
	}

	logger := opts.Logger.With(slog.String("channel", desc.ChannelName))
	c := &Channel{
		backend: backend,
		opts:    opts,
		logger:  logger,
		status:  newStatusManager(),
		mbox:    newMailbox(logger),
		desc:    desc,
		table:   desc.Handlers.table(),
	}
	if opts.OnStatusChange != nil {
		c.Watch(opts.OnStatusChange)
	}
	c.Connect()

	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc.ChannelName
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	return c.status.get()
}

// Attempts returns the number of consecutive failed attempts since the last
// successful subscription.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Descriptor returns the current descriptor.
func (c *Channel) Descriptor() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Info returns a snapshot of the channel.
func (c *Channel) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Name:     c.desc.ChannelName,
		Resource: c.desc.Resource,
		Filter:   c.desc.Filter,
		Enabled:  c.desc.Enabled,
		Status:   c.status.get().String(),
		Attempts: c.attempts,
	}
}

// Watch registers fn to be called on every status transition, in
// transition order. The returned function unregisters it.
func (c *Channel) Watch(fn func(StatusChange)) (cancel func()) {
	c.mu.Lock()
	c.watchID++
	id := c.watchID
	c.watchers = append(c.watchers, watcher{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w.id == id {
				c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

// Connect starts a subscription attempt unless one is already live or
// scheduled. It clears a previous Disconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	var eff effects
	switch {
	case !c.desc.Enabled:
		c.setStatusLocked(StatusDisconnected)
	case c.live || c.task != nil:
	default:
		eff.subscribe = c.beginLocked()
	}
	c.mu.Unlock()
	c.apply(eff)
}

// Disconnect releases the subscription, cancels any pending retry and
// stops automatic retries until the next Connect or Reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	eff := c.stopLocked()
	c.mu.Unlock()
	c.apply(eff)
}

// Reconnect restarts the subscription from scratch: it cancels any pending
// retry, releases the handle, resets the attempt counter and subscribes
// again after the settle delay.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.desc.Enabled {
		c.stopped = false
		c.mu.Unlock()
		return
	}
	if l := c.opts.ReconnectLimiter; l != nil && !l.Allow() {
		c.postErrorLocked(ErrReconnectThrottled)
		c.mu.Unlock()
		c.mbox.drain()
		return
	}

	c.cancelTaskLocked()
	eff := effects{release: c.teardownLocked()}
	c.attempts = 0
	c.stopped = false
	if c.opts.SettleDelay > 0 {
		c.setStatusLocked(StatusConnecting)
		c.armLocked(c.opts.SettleDelay)
	} else {
		eff.subscribe = c.beginLocked()
	}
	c.mu.Unlock()

	c.logger.Info("channel reconnect requested")
	c.apply(eff)
}

// Update replaces the descriptor. A changed resource, filter or name
// restarts an active subscription; handler changes take effect for the
// next delivered event; an Enabled change behaves like SetEnabled.
func (c *Channel) Update(desc Descriptor) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if desc.Resource == "" {
		c.postErrorLocked(fmt.Errorf("update rejected: %w", ErrEmptyResource))
		c.mu.Unlock()
		c.mbox.drain()
		return
	}
	if desc.ChannelName == "" {
		desc.ChannelName = c.desc.ChannelName
	}

	prev := c.desc
	c.desc = desc
	c.table = desc.Handlers.table()
	changed := desc.Resource != prev.Resource || desc.Filter != prev.Filter || desc.ChannelName != prev.ChannelName

	var eff effects
	switch {
	case prev.Enabled && !desc.Enabled:
		eff = c.stopLocked()
	case !prev.Enabled && desc.Enabled:
		c.attempts = 0
		c.stopped = false
		eff.subscribe = c.beginLocked()
	case changed && (c.live || c.task != nil):
		c.cancelTaskLocked()
		eff.release = c.teardownLocked()
		c.attempts = 0
		eff.subscribe = c.beginLocked()
	}
	c.mu.Unlock()
	c.apply(eff)
}

// SetEnabled enables or disables the channel. Disabling tears the
// subscription down; enabling connects.
func (c *Channel) SetEnabled(enabled bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	was := c.desc.Enabled
	c.desc.Enabled = enabled

	var eff effects
	switch {
	case !enabled:
		eff = c.stopLocked()
	case !was:
		c.attempts = 0
		c.stopped = false
		eff.subscribe = c.beginLocked()
	default:
		c.stopped = false
		if !c.live && c.task == nil {
			eff.subscribe = c.beginLocked()
		}
	}
	c.mu.Unlock()
	c.apply(eff)
}

// Close releases the subscription and all timers. The channel cannot be
// used afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	eff := c.stopLocked()
	c.closed = true
	c.watchers = nil
	c.mu.Unlock()

	c.apply(eff)
	c.logger.Debug("channel closed")
}

// beginLocked starts a new attempt generation and moves to connecting.
func (c *Channel) beginLocked() *attempt {
	c.gen++
	c.live = true
	c.setStatusLocked(StatusConnecting)
	return &attempt{
		gen: c.gen,
		req: SubscribeRequest{
			ChannelName: c.desc.ChannelName,
			Resource:    c.desc.Resource,
			Filter:      c.desc.Filter,
			Kinds:       c.table.kinds(),
		},
	}
}

// teardownLocked invalidates the current generation and detaches the
// handle, which the caller must release.
func (c *Channel) teardownLocked() Handle {
	c.gen++
	c.live = false
	h := c.handle
	c.handle = nil
	return h
}

func (c *Channel) stopLocked() effects {
	c.cancelTaskLocked()
	eff := effects{release: c.teardownLocked()}
	c.setStatusLocked(StatusDisconnected)
	return eff
}

// failLocked handles a failed attempt and arms a retry while the attempt
// limit allows it.
func (c *Channel) failLocked(err error) effects {
	eff := effects{release: c.teardownLocked()}
	c.cancelTaskLocked()

	retry := !c.stopped && c.attempts < c.opts.MaxAttempts
	if retry {
		c.attempts++
	}
	c.setStatusLocked(StatusError)
	c.postErrorLocked(err)

	if !retry {
		c.logger.Error("channel retries exhausted",
			slog.Int("attempts", c.attempts),
			slog.String("error", err.Error()))
		c.postErrorLocked(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.attempts, err))
		return eff
	}

	c.logger.Warn("channel subscription failed, retrying",
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", c.opts.RetryInterval),
		slog.String("error", err.Error()))
	c.armLocked(c.opts.RetryInterval)
	attempt, delay, obs, name := c.attempts, c.opts.RetryInterval, c.opts.Observer, c.desc.ChannelName
	c.mbox.post(func() { obs.RetryScheduled(name, attempt, delay) })
	return eff
}

func (c *Channel) armLocked(d time.Duration) {
	c.cancelTaskLocked()
	c.taskID++
	id := c.taskID
	c.task = c.opts.Scheduler.AfterFunc(d, func() { c.fire(id) })
}

func (c *Channel) cancelTaskLocked() {
	if c.task != nil {
		c.task.Stop()
		c.task = nil
	}
}

// fire runs a retry or settle task.
func (c *Channel) fire(id uint64) {
	c.mu.Lock()
	if c.closed || c.stopped || c.task == nil || id != c.taskID {
		c.mu.Unlock()
		return
	}
	c.task = nil
	var eff effects
	if c.desc.Enabled {
		eff.subscribe = c.beginLocked()
	}
	c.mu.Unlock()
	c.apply(eff)
}

func (c *Channel) setStatusLocked(to Status) {
	from := c.status.get()
	if from == to {
		return
	}
	if !ValidTransition(from, to) {
		c.logger.Error("invalid status transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	c.status.swap(to)

	change := StatusChange{From: from, To: to, Attempts: c.attempts, At: time.Now()}
	c.logger.Debug("channel status changed",
		slog.String("from", from.String()),
		slog.String("status", to.String()),
		slog.Int("attempts", c.attempts))

	obs, name := c.opts.Observer, c.desc.ChannelName
	c.mbox.post(func() { obs.StatusChanged(name, from, to) })
	for _, w := range c.watchers {
		fn := w.fn
		c.mbox.post(func() { fn(change) })
	}
}

func (c *Channel) postErrorLocked(err error) {
	fn := c.desc.Handlers.OnError
	if fn == nil {
		return
	}
	c.mbox.post(func() { fn(err) })
}

// apply performs backend calls decided under the lock, then runs queued
// callbacks. The old handle is always released before a new subscribe.
func (c *Channel) apply(eff effects) {
	if eff.release != nil {
		c.unsubscribe(eff.release)
	}
	if eff.subscribe != nil {
		c.subscribe(eff.subscribe)
	}
	c.mbox.drain()
}

func (c *Channel) subscribe(a *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SubscribeTimeout)
	defer cancel()

	h, err := c.backend.Subscribe(ctx, a.req, &sink{c: c, gen: a.gen})

	c.mu.Lock()
	if c.closed || !c.live || a.gen != c.gen {
		// Superseded while subscribing.
		c.mu.Unlock()
		if h != nil {
			c.unsubscribe(h)
		}
		return
	}
	if err != nil {
		eff := c.failLocked(fmt.Errorf("%w: %w", ErrSubscribeFailed, err))
		c.mu.Unlock()
		if h != nil {
			c.unsubscribe(h)
		}
		c.apply(eff)
		return
	}
	c.handle = h
	c.mu.Unlock()
}

func (c *Channel) unsubscribe(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.UnsubscribeWait)
	defer cancel()
	if err := c.backend.Unsubscribe(ctx, h); err != nil {
		c.logger.Warn("failed to release subscription", slog.String("error", err.Error()))
	}
}

func (c *Channel) onStatus(gen uint64, st SubscribeStatus, err error) {
	c.mu.Lock()
	if c.closed || !c.live || gen != c.gen {
		c.mu.Unlock()
		return
	}

	var eff effects
	switch st {
	case Subscribed:
		c.attempts = 0
		c.setStatusLocked(StatusConnected)
		c.logger.Info("channel subscribed", slog.String("resource", c.desc.Resource))
	case ChannelError, TimedOut:
		if err != nil {
			err = fmt.Errorf("%w: %w", st, err)
		} else {
			err = st
		}
		eff = c.failLocked(fmt.Errorf("channel %s: %w", c.desc.ChannelName, err))
	case Closed:
		eff = c.stopLocked()
		c.logger.Info("channel closed by backend")
	}
	c.mu.Unlock()
	c.apply(eff)
}

func (c *Channel) onEvent(gen uint64, ev Event) {
	c.mu.Lock()
	if c.closed || !c.live || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mbox.post(func() { c.deliver(gen, ev) })
	c.mu.Unlock()
	c.mbox.drain()
}

// deliver dispatches ev unless its subscription was superseded while it
// was queued.
func (c *Channel) deliver(gen uint64, ev Event) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	table, onError, name := c.table, c.desc.Handlers.OnError, c.desc.ChannelName
	c.mu.Unlock()

	handled, err := table.dispatch(ev)
	if err != nil {
		c.opts.Observer.HandlerFailed(name, ev.Kind)
		c.logger.Warn("event handler failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
		if onError != nil {
			onError(err)
		}
		return
	}
	if handled {
		c.opts.Observer.EventDelivered(name, ev.Kind)
	}
}

// sink binds backend callbacks to one attempt generation.
type sink struct {
	c   *Channel
	gen uint64
}

func (s *sink) Status(status SubscribeStatus, err error) {
	s.c.onStatus(s.gen, status, err)
}

func (s *sink) Event(ev Event) {
	s.c.onEvent(s.gen, ev)
}
