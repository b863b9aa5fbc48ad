// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/gatepass/realtime"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToken completes when done is closed.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return 1 }
func (m *fakeMessage) Retained() bool { return false }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}

// fakeClient is an in-memory broker with a single client.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	subscribes   int
	unsubscribed []string
	subErr       error
	hang         bool
	held         []*fakeToken
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disconnected
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.hang {
		t := &fakeToken{done: make(chan struct{})}
		c.held = append(c.held, t)
		return t
	}
	if c.subErr != nil {
		return completedToken(c.subErr)
	}
	for f := range filters {
		c.handlers[f] = cb
	}
	return completedToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
		c.unsubscribed = append(c.unsubscribed, t)
	}
	return completedToken(nil)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	var targets []mqtt.MessageHandler
	for f, h := range c.handlers {
		if topicMatch(f, topic) {
			targets = append(targets, h)
		}
	}
	c.mu.Unlock()

	for _, h := range targets {
		h(c, &fakeMessage{topic: topic, payload: payload.([]byte)})
	}
	return completedToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) subscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

// complete finishes the oldest held subscribe token with err. A nil err
// registers the filters with the broker.
func (c *fakeClient) complete(filters []string, cb mqtt.MessageHandler, err error) {
	c.mu.Lock()
	t := c.held[0]
	c.held = c.held[1:]
	if err == nil {
		for _, f := range filters {
			c.handlers[f] = cb
		}
	}
	c.mu.Unlock()
	t.err = err
	close(t.done)
}

func (c *fakeClient) brokerFilters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func topicMatch(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

type chanSink struct {
	statuses chan realtime.SubscribeStatus
	errs     chan error
	events   chan realtime.Event
}

func newChanSink() *chanSink {
	return &chanSink{
		statuses: make(chan realtime.SubscribeStatus, 16),
		errs:     make(chan error, 16),
		events:   make(chan realtime.Event, 16),
	}
}

func (s *chanSink) Status(st realtime.SubscribeStatus, err error) {
	s.statuses <- st
	s.errs <- err
}

func (s *chanSink) Event(ev realtime.Event) { s.events <- ev }

func (s *chanSink) nextStatus(t *testing.T) (realtime.SubscribeStatus, error) {
	t.Helper()
	select {
	case st := <-s.statuses:
		return st, <-s.errs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
		return 0, nil
	}
}

func newTestFeed(client *fakeClient) *Feed {
	return New(client, Config{JoinTimeout: 50 * time.Millisecond}, slog.New(slog.DiscardHandler))
}

func TestSubscribeAndRoute(t *testing.T) {
	client := newFakeClient()
	f := newTestFeed(client)
	ctx := context.Background()
	sink := newChanSink()

	h, err := f.Subscribe(ctx, realtime.SubscribeRequest{
		ChannelName: "owner-42",
		Resource:    "requests",
		Filter:      "owner=42",
		Kinds:       realtime.AllKinds,
	}, sink)
	require.NoError(t, err)
	st, _ := sink.nextStatus(t)
	assert.Equal(t, realtime.Subscribed, st)

	require.NoError(t, f.Publish(ctx, realtime.Event{Kind: realtime.EventInsert, Resource: "requests", New: realtime.Record{"id": 1, "owner": 42}}))
	require.NoError(t, f.Publish(ctx, realtime.Event{Kind: realtime.EventInsert, Resource: "requests", New: realtime.Record{"id": 2, "owner": 5}}))
	require.NoError(t, f.Publish(ctx, realtime.Event{Kind: realtime.EventDelete, Resource: "requests", Old: realtime.Record{"id": 1, "owner": 42}}))

	select {
	case ev := <-sink.events:
		assert.Equal(t, realtime.EventInsert, ev.Kind)
		assert.Equal(t, "1", ev.New.String("id"))
		assert.False(t, ev.CommitTime.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("insert not delivered")
	}
	select {
	case ev := <-sink.events:
		assert.Equal(t, realtime.EventDelete, ev.Kind)
		assert.Equal(t, "42", ev.Old.String("owner"))
	case <-time.After(2 * time.Second):
		t.Fatal("delete not delivered")
	}

	require.NoError(t, f.Unsubscribe(ctx, h))
	require.NoError(t, f.Unsubscribe(ctx, h))
	assert.Equal(t, []string{"gatepass/requests/+"}, client.unsubscribed)
}

func TestSharedTopicFilters(t *testing.T) {
	client := newFakeClient()
	f := newTestFeed(client)
	ctx := context.Background()

	req := realtime.SubscribeRequest{Resource: "requests", Kinds: []realtime.EventKind{realtime.EventUpdate}}
	a, b := newChanSink(), newChanSink()
	ha, err := f.Subscribe(ctx, req, a)
	require.NoError(t, err)
	hb, err := f.Subscribe(ctx, req, b)
	require.NoError(t, err)

	stA, _ := a.nextStatus(t)
	stB, _ := b.nextStatus(t)
	assert.Equal(t, realtime.Subscribed, stA)
	assert.Equal(t, realtime.Subscribed, stB)
	assert.Equal(t, 1, client.subscribes)
	assert.Equal(t, 1, client.brokerFilters())

	require.NoError(t, f.Unsubscribe(ctx, ha))
	assert.Equal(t, 1, client.brokerFilters())
	require.NoError(t, f.Unsubscribe(ctx, hb))
	assert.Equal(t, 0, client.brokerFilters())
	assert.Equal(t, []string{"gatepass/requests/update"}, client.unsubscribed)
}

func TestSubscribeFailures(t *testing.T) {
	client := newFakeClient()
	f := newTestFeed(client)
	ctx := context.Background()

	_, err := f.Subscribe(ctx, realtime.SubscribeRequest{Resource: "requests", Filter: "bad"}, newChanSink())
	assert.ErrorIs(t, err, realtime.ErrInvalidFilter)

	client.subErr = errors.New("not connected")
	sink := newChanSink()
	h, err := f.Subscribe(ctx, realtime.SubscribeRequest{Resource: "requests"}, sink)
	require.NoError(t, err)
	st, serr := sink.nextStatus(t)
	assert.Equal(t, realtime.ChannelError, st)
	assert.EqualError(t, serr, "not connected")
	require.NoError(t, f.Unsubscribe(ctx, h))

	client.subErr = nil
	client.hang = true
	sink = newChanSink()
	_, err = f.Subscribe(ctx, realtime.SubscribeRequest{Resource: "visitors"}, sink)
	require.NoError(t, err)
	st, serr = sink.nextStatus(t)
	assert.Equal(t, realtime.TimedOut, st)
	assert.ErrorIs(t, serr, ErrSubscribeTimeout)
}

func TestConnectionLost(t *testing.T) {
	client := newFakeClient()
	f := newTestFeed(client)
	ctx := context.Background()
	sink := newChanSink()

	h, err := f.Subscribe(ctx, realtime.SubscribeRequest{Resource: "requests"}, sink)
	require.NoError(t, err)
	st, _ := sink.nextStatus(t)
	require.Equal(t, realtime.Subscribed, st)

	f.HandleConnectionLost(errors.New("EOF"))
	st, serr := sink.nextStatus(t)
	assert.Equal(t, realtime.ChannelError, st)
	assert.EqualError(t, serr, "EOF")
	require.NoError(t, f.Unsubscribe(ctx, h))

	// The filter is subscribed again after the loss.
	again := newChanSink()
	_, err = f.Subscribe(ctx, realtime.SubscribeRequest{Resource: "requests"}, again)
	require.NoError(t, err)
	st, _ = again.nextStatus(t)
	assert.Equal(t, realtime.Subscribed, st)
	assert.Equal(t, 2, client.subscribes)
}

func TestCloseFeed(t *testing.T) {
	client := newFakeClient()
	f := newTestFeed(client)
	sink := newChanSink()

	_, err := f.Subscribe(context.Background(), realtime.SubscribeRequest{Resource: "requests"}, sink)
	require.NoError(t, err)
	_, _ = sink.nextStatus(t)

	require.NoError(t, f.Close())
	st, _ := sink.nextStatus(t)
	assert.Equal(t, realtime.Closed, st)
	assert.False(t, client.IsConnected())

	_, err = f.Subscribe(context.Background(), realtime.SubscribeRequest{Resource: "requests"}, newChanSink())
	assert.ErrorIs(t, err, ErrFeedClosed)
}

func TestParseTopic(t *testing.T) {
	f := newTestFeed(newFakeClient())

	cases := []struct {
		topic    string
		resource string
		kind     realtime.EventKind
		err      error
	}{
		{"gatepass/requests/insert", "requests", realtime.EventInsert, nil},
		{"gatepass/requests/DELETE", "requests", realtime.EventDelete, nil},
		{"other/requests/insert", "", "", ErrMalformedTopic},
		{"gatepass/requests", "", "", ErrMalformedTopic},
		{"gatepass/requests/truncate", "", "", realtime.ErrUnknownEventKind},
	}

	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			resource, kind, err := f.parseTopic(tc.topic)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.resource, resource)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestFeedWithChannel(t *testing.T) {
	client := newFakeClient()
	f := newTestFeed(client)

	deletes := make(chan realtime.Event, 1)
	ch, err := realtime.New(f, realtime.Descriptor{
		Resource: "requests",
		Enabled:  true,
		Handlers: realtime.Handlers{
			OnDelete: func(ev realtime.Event) error {
				deletes <- ev
				return nil
			},
		},
	}, realtime.NewOptions().SetLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool { return ch.Status() == realtime.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.Publish(context.Background(), realtime.Event{Kind: realtime.EventDelete, Resource: "requests", Old: realtime.Record{"id": "r1"}}))

	select {
	case ev := <-deletes:
		assert.Equal(t, "r1", ev.Old.String("id"))
	case <-time.After(2 * time.Second):
		t.Fatal("delete not delivered")
	}
}

func TestSharedFilterFailedSuback(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status realtime.SubscribeStatus
	}{
		{"suback error", errors.New("not authorized"), realtime.ChannelError},
		{"suback timeout", nil, realtime.TimedOut},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeClient()
			client.hang = true
			timeout := 2 * time.Second
			if tc.err == nil {
				timeout = 50 * time.Millisecond
			}
			f := New(client, Config{JoinTimeout: timeout}, slog.New(slog.DiscardHandler))
			ctx := context.Background()

			req := realtime.SubscribeRequest{Resource: "requests"}
			a, b := newChanSink(), newChanSink()
			ha, err := f.Subscribe(ctx, req, a)
			require.NoError(t, err)
			hb, err := f.Subscribe(ctx, req, b)
			require.NoError(t, err)
			assert.Equal(t, 1, client.subscribeCalls())

			if tc.err != nil {
				client.complete(nil, nil, tc.err)
			}

			stA, errA := a.nextStatus(t)
			stB, errB := b.nextStatus(t)
			assert.Equal(t, tc.status, stA)
			assert.Equal(t, tc.status, stB)
			assert.Error(t, errA)
			assert.Error(t, errB)

			require.NoError(t, f.Unsubscribe(ctx, ha))
			require.NoError(t, f.Unsubscribe(ctx, hb))
			f.mu.Lock()
			assert.Empty(t, f.filters)
			f.mu.Unlock()

			// The filter is requested from the broker again on next use.
			client.mu.Lock()
			client.hang = false
			client.mu.Unlock()
			c := newChanSink()
			_, err = f.Subscribe(ctx, req, c)
			require.NoError(t, err)
			st, _ := c.nextStatus(t)
			assert.Equal(t, realtime.Subscribed, st)
			assert.Equal(t, 2, client.subscribeCalls())
			assert.Equal(t, 1, client.brokerFilters())
		})
	}
}

func TestSharedFilterWaitsForSuback(t *testing.T) {
	client := newFakeClient()
	client.hang = true
	f := New(client, Config{JoinTimeout: 2 * time.Second}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	req := realtime.SubscribeRequest{Resource: "requests"}
	a, b := newChanSink(), newChanSink()
	_, err := f.Subscribe(ctx, req, a)
	require.NoError(t, err)
	_, err = f.Subscribe(ctx, req, b)
	require.NoError(t, err)

	select {
	case st := <-b.statuses:
		t.Fatalf("sharer confirmed before the SUBACK: %s", st)
	case <-time.After(20 * time.Millisecond):
	}

	client.complete([]string{"gatepass/requests/+"}, f.route, nil)
	stA, _ := a.nextStatus(t)
	stB, _ := b.nextStatus(t)
	assert.Equal(t, realtime.Subscribed, stA)
	assert.Equal(t, realtime.Subscribed, stB)

	require.NoError(t, f.Publish(ctx, realtime.Event{Kind: realtime.EventInsert, Resource: "requests", New: realtime.Record{"id": 1}}))
	for _, s := range []*chanSink{a, b} {
		select {
		case ev := <-s.events:
			assert.Equal(t, "1", ev.New.String("id"))
		case <-time.After(2 * time.Second):
			t.Fatal("insert not delivered")
		}
	}
}

func TestReleasedBeforeSuback(t *testing.T) {
	client := newFakeClient()
	client.hang = true
	f := New(client, Config{JoinTimeout: 2 * time.Second}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	h, err := f.Subscribe(ctx, realtime.SubscribeRequest{Resource: "requests"}, newChanSink())
	require.NoError(t, err)
	require.NoError(t, f.Unsubscribe(ctx, h))

	client.complete([]string{"gatepass/requests/+"}, f.route, nil)
	assert.Eventually(t, func() bool { return client.brokerFilters() == 0 }, 2*time.Second, 5*time.Millisecond)
}
