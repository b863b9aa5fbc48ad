// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Default values.
const (
	DefaultRetryInterval    = 3 * time.Second
	DefaultMaxAttempts      = 10
	DefaultSettleDelay      = 100 * time.Millisecond
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultUnsubscribeWait  = 5 * time.Second
)

// Options configures a Channel.
type Options struct {
	// Retry
	RetryInterval time.Duration // Fixed delay between automatic retries
	MaxAttempts   int           // Consecutive failed attempts before giving up
	SettleDelay   time.Duration // Delay between teardown and resubscribe on Reconnect

	// Backend calls
	SubscribeTimeout time.Duration // Bound for a single Subscribe call
	UnsubscribeWait  time.Duration // Bound for a single Unsubscribe call

	// ReconnectLimiter throttles manual Reconnect calls (nil = unlimited).
	ReconnectLimiter *rate.Limiter

	// OnStatusChange is registered as a status observer before the first
	// connection attempt.
	OnStatusChange func(StatusChange)

	// Advanced
	Logger    *slog.Logger
	Observer  Observer
	Scheduler Scheduler
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		RetryInterval:    DefaultRetryInterval,
		MaxAttempts:      DefaultMaxAttempts,
		SettleDelay:      DefaultSettleDelay,
		SubscribeTimeout: DefaultSubscribeTimeout,
		UnsubscribeWait:  DefaultUnsubscribeWait,
	}
}

// SetRetryInterval sets the delay between automatic retries.
func (o *Options) SetRetryInterval(d time.Duration) *Options {
	o.RetryInterval = d
	return o
}

// SetMaxAttempts sets how many consecutive failed attempts are retried.
func (o *Options) SetMaxAttempts(n int) *Options {
	o.MaxAttempts = n
	return o
}

// SetSettleDelay sets the pause Reconnect leaves for teardown to finish.
// Zero resubscribes immediately.
func (o *Options) SetSettleDelay(d time.Duration) *Options {
	o.SettleDelay = d
	return o
}

// SetSubscribeTimeout bounds each backend Subscribe call.
func (o *Options) SetSubscribeTimeout(d time.Duration) *Options {
	o.SubscribeTimeout = d
	return o
}

// SetReconnectLimit throttles manual reconnects to r per second with the
// given burst.
func (o *Options) SetReconnectLimit(r float64, burst int) *Options {
	o.ReconnectLimiter = rate.NewLimiter(rate.Limit(r), burst)
	return o
}

// SetOnStatusChange sets the initial status observer.
func (o *Options) SetOnStatusChange(fn func(StatusChange)) *Options {
	o.OnStatusChange = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetObserver sets the metrics observer.
func (o *Options) SetObserver(obs Observer) *Options {
	o.Observer = obs
	return o
}

// SetScheduler replaces the timer source, mainly for tests.
func (o *Options) SetScheduler(s Scheduler) *Options {
	o.Scheduler = s
	return o
}

// Validate checks the options for errors and fills unset optional fields.
func (o *Options) Validate() error {
	if o.RetryInterval <= 0 {
		return ErrInvalidInterval
	}
	if o.MaxAttempts <= 0 {
		return ErrInvalidAttempts
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if o.UnsubscribeWait <= 0 {
		o.UnsubscribeWait = DefaultUnsubscribeWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Scheduler == nil {
		o.Scheduler = clockScheduler{}
	}
	return nil
}
