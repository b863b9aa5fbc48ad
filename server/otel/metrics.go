// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/gatepass/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ realtime.Observer = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for realtime channels.
type Metrics struct {
	meter metric.Meter

	// Counters
	statusChanges   metric.Int64Counter
	eventsDelivered metric.Int64Counter
	handlerFailures metric.Int64Counter
	retries         metric.Int64Counter

	// UpDownCounters (Gauges)
	channelsConnected metric.Int64UpDownCounter

	// Histograms
	retryDelay metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// A nil provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter("gatewatch"),
	}

	var err error

	m.statusChanges, err = m.meter.Int64Counter(
		"realtime.status.changes.total",
		metric.WithDescription("Channel status transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create statusChanges counter: %w", err)
	}

	m.eventsDelivered, err = m.meter.Int64Counter(
		"realtime.events.delivered.total",
		metric.WithDescription("Change events delivered to handlers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsDelivered counter: %w", err)
	}

	m.handlerFailures, err = m.meter.Int64Counter(
		"realtime.handler.failures.total",
		metric.WithDescription("Handlers that returned an error or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerFailures counter: %w", err)
	}

	m.retries, err = m.meter.Int64Counter(
		"realtime.retries.total",
		metric.WithDescription("Scheduled reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	m.channelsConnected, err = m.meter.Int64UpDownCounter(
		"realtime.channels.connected",
		metric.WithDescription("Channels currently connected"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channelsConnected gauge: %w", err)
	}

	m.retryDelay, err = m.meter.Float64Histogram(
		"realtime.retry.delay.ms",
		metric.WithDescription("Delay before a scheduled reconnect in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retryDelay histogram: %w", err)
	}

	return m, nil
}

// StatusChanged records a channel status transition.
func (m *Metrics) StatusChanged(channel string, from, to realtime.Status) {
	ctx := context.Background()
	m.statusChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	switch {
	case to == realtime.StatusConnected && from != realtime.StatusConnected:
		m.channelsConnected.Add(ctx, 1)
	case from == realtime.StatusConnected && to != realtime.StatusConnected:
		m.channelsConnected.Add(ctx, -1)
	}
}

// EventDelivered records an event handed to a handler.
func (m *Metrics) EventDelivered(channel string, kind realtime.EventKind) {
	m.eventsDelivered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("kind", string(kind)),
	))
}

// HandlerFailed records a failed handler invocation.
func (m *Metrics) HandlerFailed(channel string, kind realtime.EventKind) {
	m.handlerFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("kind", string(kind)),
	))
}

// RetryScheduled records a reconnect attempt being armed.
func (m *Metrics) RetryScheduled(channel string, attempt int, delay time.Duration) {
	ctx := context.Background()
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Int("attempt", attempt),
	))
	m.retryDelay.Record(ctx, float64(delay)/float64(time.Millisecond))
}
