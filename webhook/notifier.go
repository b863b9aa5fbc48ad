// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/gatepass/config"
	"github.com/absmach/gatepass/realtime"
	"github.com/sony/gobreaker"
)

var ErrNilSender = errors.New("sender cannot be nil")

// Notifier delivers webhook events with a worker pool and a circuit breaker
// per endpoint.
type Notifier struct {
	cfg       config.WebhookConfig
	source    string
	endpoints []endpointConfig
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type endpointConfig struct {
	name      string
	url       string
	events    map[string]bool
	resources map[string]bool
	headers   map[string]string
	timeout   time.Duration
	retry     config.RetryConfig
}

type job struct {
	event    Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a notifier and starts its workers. Source identifies
// this process in every event.
func NewNotifier(cfg config.WebhookConfig, source string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}
		endpoints = append(endpoints, endpointConfig{
			name:      ep.Name,
			url:       ep.URL,
			events:    set(ep.Events),
			resources: set(ep.Resources),
			headers:   ep.Headers,
			timeout:   timeout,
			retry:     retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:       cfg,
		source:    source,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every matching endpoint. It never blocks; when the
// queue is full the drop policy decides which event is lost.
func (n *Notifier) Notify(ev Event) {
	if n.ctx.Err() != nil {
		return
	}
	ev.Source = n.source
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if !n.cfg.IncludeRecords {
		ev.Record = keyOnly(ev.Record)
		ev.OldRecord = keyOnly(ev.OldRecord)
	}

	for _, ep := range n.endpoints {
		if !ep.accepts(ev) {
			continue
		}
		n.enqueue(job{event: ev, endpoint: ep})
	}
}

// Handlers returns handlers that forward every event before passing it to
// next.
func (n *Notifier) Handlers(channel string, next realtime.Handlers) realtime.Handlers {
	wrap := func(h realtime.EventHandler) realtime.EventHandler {
		if h == nil {
			return nil
		}
		return func(ev realtime.Event) error {
			n.Notify(ChangeEvent(channel, ev))
			return h(ev)
		}
	}
	return realtime.Handlers{
		OnInsert: wrap(next.OnInsert),
		OnUpdate: wrap(next.OnUpdate),
		OnDelete: wrap(next.OnDelete),
		OnError:  next.OnError,
	}
}

// StatusWatcher returns a callback suitable for Channel.Watch.
func (n *Notifier) StatusWatcher(channel, resource string) func(realtime.StatusChange) {
	return func(sc realtime.StatusChange) {
		n.Notify(StatusEvent(channel, resource, sc))
	}
}

// Delivered returns the number of successfully delivered events.
func (n *Notifier) Delivered() uint64 { return n.delivered.Load() }

// Failed returns the number of events that exhausted their retries.
func (n *Notifier) Failed() uint64 { return n.failed.Load() }

// Dropped returns the number of events lost to a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}
	n.dropped.Add(1)
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type),
		slog.String("endpoint", j.endpoint.name))
}

func (ep endpointConfig) accepts(ev Event) bool {
	if len(ep.events) > 0 && !ep.events[ev.Type] {
		return false
	}
	if len(ep.resources) > 0 && !ep.resources[ev.Resource] {
		return false
	}
	return true
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

// process sends a webhook and schedules a retry on failure.
func (n *Notifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(j)
	})
	if err == nil {
		n.delivered.Add(1)
		return
	}

	if j.attempt < j.endpoint.retry.MaxAttempts-1 {
		j.attempt++
		delay := retryDelay(j.attempt, j.endpoint.retry)

		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type),
			slog.Int("attempt", j.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			if n.ctx.Err() != nil {
				return
			}
			select {
			case n.queue <- j:
			default:
				n.dropped.Add(1)
				n.logger.Error("failed to requeue event for retry",
					slog.String("endpoint", j.endpoint.name),
					slog.String("event_type", j.event.Type))
			}
		})
		return
	}

	n.failed.Add(1)
	n.logger.Error("webhook delivery failed after max retries",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", err.Error()))
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type))
	return nil
}

// retryDelay returns the exponential backoff delay for attempt.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting up to the shutdown timeout for
// in-flight deliveries.
func (n *Notifier) Close() error {
	n.logger.Info("shutting down webhook notifier")
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped gracefully")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}

	return nil
}

func set(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func keyOnly(rec realtime.Record) realtime.Record {
	id, ok := rec["id"]
	if !ok {
		return nil
	}
	return realtime.Record{"id": id}
}
