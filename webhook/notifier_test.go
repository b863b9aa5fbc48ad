// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/gatepass/config"
	"github.com/absmach/gatepass/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu        sync.Mutex
	sendCount atomic.Int32
	sendFunc  func(ctx context.Context, url string, payload []byte) error
	payloads  [][]byte
	urls      []string
	headers   map[string]string
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string, []byte) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.urls = append(m.urls, url)
	m.payloads = append(m.payloads, payload)
	m.headers = headers
	fn := m.sendFunc
	m.mu.Unlock()
	return fn(ctx, url, payload)
}

func (m *mockSender) events(t *testing.T) []Event {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]Event, 0, len(m.payloads))
	for _, p := range m.payloads {
		var ev Event
		require.NoError(t, json.Unmarshal(p, &ev))
		ret = append(ret, ev)
	}
	return ret
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		IncludeRecords:  true,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     time.Minute,
			},
		},
		Endpoints: endpoints,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNotifier(t *testing.T, cfg config.WebhookConfig, sender Sender) *Notifier {
	t.Helper()
	n, err := NewNotifier(cfg, "gatewatch-1", sender, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func insertEvent(id string) realtime.Event {
	return realtime.Event{
		Kind:     realtime.EventInsert,
		Resource: "requests",
		New:      realtime.Record{"id": id, "status": "pending", "reason": "Delivery"},
	}
}

func TestNewNotifierNilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "x", nil, nil)
	assert.ErrorIs(t, err, ErrNilSender)
}

func TestNotifyDelivers(t *testing.T) {
	sender := newMockSender()
	n := newNotifier(t, testConfig(config.WebhookEndpoint{
		Name:    "audit",
		URL:     "http://audit.local/hook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	}), sender)

	n.Notify(ChangeEvent("dash", insertEvent("r1")))

	require.Eventually(t, func() bool { return n.Delivered() == 1 }, time.Second, 5*time.Millisecond)

	evs := sender.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, TypeInsert, evs[0].Type)
	assert.Equal(t, "gatewatch-1", evs[0].Source)
	assert.Equal(t, "dash", evs[0].Channel)
	assert.Equal(t, "Delivery", evs[0].Record.String("reason"))
	assert.False(t, evs[0].Timestamp.IsZero())

	sender.mu.Lock()
	assert.Equal(t, "http://audit.local/hook", sender.urls[0])
	assert.Equal(t, "Bearer token", sender.headers["Authorization"])
	sender.mu.Unlock()
}

func TestNotifyFilters(t *testing.T) {
	cases := []struct {
		desc     string
		endpoint config.WebhookEndpoint
		event    Event
		want     bool
	}{
		{
			desc:     "no filters",
			endpoint: config.WebhookEndpoint{Name: "all", URL: "u"},
			event:    ChangeEvent("c", insertEvent("1")),
			want:     true,
		},
		{
			desc:     "event type match",
			endpoint: config.WebhookEndpoint{Name: "ins", URL: "u", Events: []string{TypeInsert}},
			event:    ChangeEvent("c", insertEvent("1")),
			want:     true,
		},
		{
			desc:     "event type mismatch",
			endpoint: config.WebhookEndpoint{Name: "status", URL: "u", Events: []string{TypeStatus}},
			event:    ChangeEvent("c", insertEvent("1")),
			want:     false,
		},
		{
			desc:     "resource mismatch",
			endpoint: config.WebhookEndpoint{Name: "users", URL: "u", Resources: []string{"users"}},
			event:    ChangeEvent("c", insertEvent("1")),
			want:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			sender := newMockSender()
			n := newNotifier(t, testConfig(tc.endpoint), sender)
			n.Notify(tc.event)

			if tc.want {
				require.Eventually(t, func() bool { return n.Delivered() == 1 }, time.Second, 5*time.Millisecond)
				return
			}
			time.Sleep(30 * time.Millisecond)
			assert.Zero(t, sender.sendCount.Load())
		})
	}
}

func TestNotifyKeyOnly(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"})
	cfg.IncludeRecords = false
	n := newNotifier(t, cfg, sender)

	n.Notify(ChangeEvent("dash", insertEvent("r1")))
	require.Eventually(t, func() bool { return n.Delivered() == 1 }, time.Second, 5*time.Millisecond)

	evs := sender.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, realtime.Record{"id": "r1"}, evs[0].Record)
	assert.Nil(t, evs[0].OldRecord)
}

func TestRetryThenSuccess(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(context.Context, string, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	}
	n := newNotifier(t, testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"}), sender)

	n.Notify(ChangeEvent("dash", insertEvent("r1")))

	require.Eventually(t, func() bool { return n.Delivered() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), sender.sendCount.Load())
	assert.Zero(t, n.Failed())
}

func TestRetriesExhausted(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error { return errors.New("down") }
	n := newNotifier(t, testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"}), sender)

	n.Notify(ChangeEvent("dash", insertEvent("r1")))

	require.Eventually(t, func() bool { return n.Failed() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), sender.sendCount.Load())
	assert.Zero(t, n.Delivered())
}

func TestCircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, []byte) error { return errors.New("down") }
	cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"})
	cfg.Workers = 1
	cfg.Defaults.Retry.MaxAttempts = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	n := newNotifier(t, cfg, sender)

	for i := 0; i < 5; i++ {
		n.Notify(ChangeEvent("dash", insertEvent("r")))
	}

	require.Eventually(t, func() bool { return n.Failed() == 5 }, 2*time.Second, 5*time.Millisecond)
	// The breaker stops calling the sender once it trips.
	assert.Equal(t, int32(2), sender.sendCount.Load())
}

func TestDropPolicy(t *testing.T) {
	cases := []struct {
		policy string
		want   string
	}{
		{policy: "oldest", want: "r3"},
		{policy: "newest", want: "r2"},
	}

	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			release := make(chan struct{})
			sender := newMockSender()
			sender.sendFunc = func(ctx context.Context, _ string, _ []byte) error {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil
			}
			cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"})
			cfg.Workers = 1
			cfg.QueueSize = 1
			cfg.DropPolicy = tc.policy
			n := newNotifier(t, cfg, sender)

			n.Notify(ChangeEvent("dash", insertEvent("r1")))
			require.Eventually(t, func() bool { return sender.sendCount.Load() == 1 }, time.Second, 5*time.Millisecond)

			n.Notify(ChangeEvent("dash", insertEvent("r2")))
			n.Notify(ChangeEvent("dash", insertEvent("r3")))
			assert.Equal(t, uint64(1), n.Dropped())

			close(release)
			require.Eventually(t, func() bool { return n.Delivered() == 2 }, time.Second, 5*time.Millisecond)

			evs := sender.events(t)
			require.Len(t, evs, 2)
			assert.Equal(t, tc.want, evs[1].Record.String("id"))
		})
	}
}

func TestHandlersAndStatusWatcher(t *testing.T) {
	sender := newMockSender()
	n := newNotifier(t, testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"}), sender)

	var seen int
	h := n.Handlers("dash", realtime.Handlers{
		OnInsert: func(realtime.Event) error { seen++; return nil },
	})
	assert.Nil(t, h.OnUpdate)
	require.NoError(t, h.OnInsert(insertEvent("r1")))
	assert.Equal(t, 1, seen)

	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	n.StatusWatcher("dash", "requests")(realtime.StatusChange{
		From:     realtime.StatusConnecting,
		To:       realtime.StatusError,
		Attempts: 2,
		At:       at,
	})

	require.Eventually(t, func() bool { return n.Delivered() == 2 }, time.Second, 5*time.Millisecond)

	var status Event
	for _, ev := range sender.events(t) {
		if ev.Type == TypeStatus {
			status = ev
		}
	}
	assert.Equal(t, "error", status.Status)
	assert.Equal(t, "connecting", status.PreviousStatus)
	assert.Equal(t, 2, status.Attempts)
	assert.Equal(t, "requests", status.Resource)
	assert.True(t, at.Equal(status.Timestamp))
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, retryDelay(1, cfg))
	assert.Equal(t, 4*time.Second, retryDelay(2, cfg))
	assert.Equal(t, 5*time.Second, retryDelay(3, cfg))
}

func TestNotifyAfterClose(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "audit", URL: "u"}), "x", sender, discard())
	require.NoError(t, err)
	require.NoError(t, n.Close())

	n.Notify(ChangeEvent("dash", insertEvent("r1")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sender.sendCount.Load())
}
