// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements realtime.Backend over an MQTT broker. Change
// envelopes are published on <prefix>/<resource>/<kind> with kind one of
// insert, update or delete.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/gatepass/internal/relay"
	"github.com/absmach/gatepass/realtime"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Default values.
const (
	DefaultPrefix         = "gatepass"
	DefaultQoS            = 1
	DefaultConnectTimeout = 10 * time.Second
	DefaultJoinTimeout    = 10 * time.Second

	subackFailure = 0x80
)

// Feed errors.
var (
	ErrConnect            = errors.New("failed to connect to MQTT broker")
	ErrSubscribeTimeout   = errors.New("failed to subscribe due to timeout reached")
	ErrSubscribeRefused   = errors.New("broker refused subscription")
	ErrUnsubscribeTimeout = errors.New("failed to unsubscribe due to timeout reached")
	ErrFeedClosed         = errors.New("feed closed")
	ErrMalformedTopic     = errors.New("malformed change topic")
)

// Config configures a Feed.
type Config struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Prefix         string        `yaml:"prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	JoinTimeout    time.Duration `yaml:"join_timeout"`
}

// Envelope is the wire form of a change event.
type Envelope struct {
	Type            string          `json:"type"`
	Table           string          `json:"table"`
	Record          realtime.Record `json:"record,omitempty"`
	OldRecord       realtime.Record `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Feed routes broker messages to realtime subscriptions. Broker
// subscriptions are shared and reference counted per topic filter; a
// subscription is confirmed only once every filter it uses has been
// acknowledged by the broker.
type Feed struct {
	client      mqtt.Client
	prefix      string
	qos         byte
	joinTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	subs    map[uint64]*subscription
	filters map[string]*topicFilter
	nextID  uint64
	closed  bool
}

type subscription struct {
	id     uint64
	req    realtime.SubscribeRequest
	filter *realtime.Filter
	kinds  map[realtime.EventKind]bool
	topics []string
	relay  *relay.Relay

	// Guarded by Feed.mu.
	held      map[string]*topicFilter
	pending   int
	confirmed bool
	failed    bool
}

// topicFilter is one broker subscription shared by every realtime
// subscription using the same filter. Until the SUBACK arrives, sharers
// wait in waiters and are confirmed or failed together.
type topicFilter struct {
	refs    int
	ready   bool
	waiters map[uint64]*subscription
}

var _ realtime.Backend = (*Feed)(nil)

// Dial connects to the broker and returns a feed that owns the client.
func Dial(cfg Config, logger *slog.Logger) (*Feed, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = realtime.UniqueName("gatepass")
	}

	var f *Feed
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			f.HandleConnectionLost(err)
		})
	client := mqtt.NewClient(opts)
	f = New(client, cfg, logger)

	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, ErrConnect
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return f, nil
}

// New creates a feed on a connected client. Callers that build their own
// client should route its connection-lost handler to HandleConnectionLost.
func New(client mqtt.Client, cfg Config, logger *slog.Logger) *Feed {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.QoS == 0 {
		cfg.QoS = DefaultQoS
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		client:      client,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		qos:         cfg.QoS,
		joinTimeout: cfg.JoinTimeout,
		logger:      logger,
		subs:        make(map[uint64]*subscription),
		filters:     make(map[string]*topicFilter),
	}
}

// Subscribe registers a subscription and subscribes the broker to any
// topic filter not already in use. Filters still awaiting their SUBACK are
// shared, so the subscription is confirmed or failed with that SUBACK.
func (f *Feed) Subscribe(ctx context.Context, req realtime.SubscribeRequest, sink realtime.Sink) (realtime.Handle, error) {
	filter, err := realtime.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		req:    req,
		filter: filter,
		kinds:  make(map[realtime.EventKind]bool, len(req.Kinds)),
		topics: f.topicFilters(req),
		held:   make(map[string]*topicFilter),
	}
	for _, k := range req.Kinds {
		sub.kinds[k] = true
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.nextID++
	sub.id = f.nextID
	sub.relay = relay.New(sink, relay.DefaultSize)
	f.subs[sub.id] = sub
	fresh := make(map[string]byte)
	requested := make(map[string]*topicFilter)
	for _, t := range sub.topics {
		tf, ok := f.filters[t]
		if !ok {
			tf = &topicFilter{waiters: make(map[uint64]*subscription)}
			f.filters[t] = tf
			fresh[t] = f.qos
			requested[t] = tf
		}
		tf.refs++
		sub.held[t] = tf
		if !tf.ready {
			tf.waiters[sub.id] = sub
			sub.pending++
		}
	}
	if sub.pending == 0 {
		sub.confirmed = true
		sub.relay.Status(realtime.Subscribed, nil)
	}
	f.mu.Unlock()

	if len(fresh) > 0 {
		token := f.client.SubscribeMultiple(fresh, f.route)
		go f.awaitSuback(requested, token)
	}
	return sub, nil
}

// Unsubscribe removes a subscription and releases broker topic filters no
// other subscription uses. It is idempotent.
func (f *Feed) Unsubscribe(ctx context.Context, h realtime.Handle) error {
	sub, ok := h.(*subscription)
	if !ok {
		return nil
	}

	f.mu.Lock()
	if _, ok := f.subs[sub.id]; !ok {
		f.mu.Unlock()
		sub.relay.Stop()
		return nil
	}
	delete(f.subs, sub.id)
	var unused []string
	for t, tf := range sub.held {
		if f.filters[t] != tf {
			continue
		}
		delete(tf.waiters, sub.id)
		tf.refs--
		if tf.refs > 0 {
			continue
		}
		delete(f.filters, t)
		if tf.ready {
			unused = append(unused, t)
		}
	}
	f.mu.Unlock()
	sub.relay.Stop()

	if len(unused) == 0 || !f.client.IsConnected() {
		return nil
	}
	token := f.client.Unsubscribe(unused...)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ErrUnsubscribeTimeout
	}
}

// Publish sends ev as a change envelope.
func (f *Feed) Publish(ctx context.Context, ev realtime.Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", realtime.ErrUnknownEventKind, ev.Kind)
	}
	if ev.CommitTime.IsZero() {
		ev.CommitTime = time.Now().UTC()
	}
	data, err := json.Marshal(Envelope{
		Type:            string(ev.Kind),
		Table:           ev.Resource,
		Record:          ev.New,
		OldRecord:       ev.Old,
		CommitTimestamp: ev.CommitTime,
	})
	if err != nil {
		return err
	}

	token := f.client.Publish(f.topic(ev.Resource, ev.Kind), f.qos, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConnectionLost fails every subscription. The broker forgets clean
// session subscriptions, so filters are subscribed again on next use.
func (f *Feed) HandleConnectionLost(cause error) {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*subscription)
	f.filters = make(map[string]*topicFilter)
	f.mu.Unlock()

	f.logger.Warn("mqtt connection lost",
		slog.Int("subscriptions", len(subs)),
		slog.String("error", cause.Error()))
	for _, sub := range subs {
		sub.relay.Status(realtime.ChannelError, cause)
		sub.relay.Stop()
	}
}

// Close signals CLOSED to every subscription and disconnects the client.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[uint64]*subscription)
	f.filters = make(map[string]*topicFilter)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.relay.Status(realtime.Closed, nil)
		sub.relay.Stop()
	}
	f.client.Disconnect(250)
	return nil
}

func (f *Feed) topic(resource string, kind realtime.EventKind) string {
	return f.prefix + "/" + resource + "/" + strings.ToLower(string(kind))
}

func (f *Feed) topicFilters(req realtime.SubscribeRequest) []string {
	if len(req.Kinds) == 0 || len(req.Kinds) >= len(realtime.AllKinds) {
		return []string{f.prefix + "/" + req.Resource + "/+"}
	}
	topics := make([]string, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		topics = append(topics, f.topic(req.Resource, k))
	}
	return topics
}

// awaitSuback resolves the filters requested by one SubscribeMultiple call.
func (f *Feed) awaitSuback(requested map[string]*topicFilter, token mqtt.Token) {
	failures := make(map[string]error, len(requested))
	status := realtime.ChannelError
	switch {
	case !token.WaitTimeout(f.joinTimeout):
		status = realtime.TimedOut
		for t := range requested {
			failures[t] = ErrSubscribeTimeout
		}
	case token.Error() != nil:
		for t := range requested {
			failures[t] = token.Error()
		}
	default:
		if st, ok := token.(*mqtt.SubscribeToken); ok {
			for t, code := range st.Result() {
				if code >= subackFailure {
					failures[t] = fmt.Errorf("%w: %s", ErrSubscribeRefused, t)
				}
			}
		}
	}

	var orphans []string
	f.mu.Lock()
	for t, tf := range requested {
		err, failed := failures[t]
		if f.filters[t] != tf {
			// Every sharer released the filter before the SUBACK arrived.
			if !failed && f.filters[t] == nil {
				orphans = append(orphans, t)
			}
			continue
		}
		if failed {
			delete(f.filters, t)
			for _, sub := range tf.waiters {
				if !sub.failed {
					sub.failed = true
					sub.relay.Status(status, err)
				}
			}
			tf.waiters = nil
			continue
		}
		tf.ready = true
		for _, sub := range tf.waiters {
			sub.pending--
			if sub.pending == 0 && !sub.failed {
				sub.confirmed = true
				sub.relay.Status(realtime.Subscribed, nil)
			}
		}
		tf.waiters = make(map[uint64]*subscription)
	}
	f.mu.Unlock()

	if len(orphans) > 0 && f.client.IsConnected() {
		f.client.Unsubscribe(orphans...)
	}
}

// route is the broker message handler shared by every topic filter.
func (f *Feed) route(_ mqtt.Client, msg mqtt.Message) {
	resource, kind, err := f.parseTopic(msg.Topic())
	if err != nil {
		f.logger.Warn("dropping change message", slog.String("topic", msg.Topic()), slog.String("error", err.Error()))
		return
	}

	var env Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		f.logger.Warn("dropping change message", slog.String("topic", msg.Topic()), slog.String("error", err.Error()))
		return
	}
	ev := realtime.Event{
		Kind:       kind,
		Resource:   resource,
		New:        env.Record,
		Old:        env.OldRecord,
		CommitTime: env.CommitTimestamp,
	}

	f.mu.Lock()
	var targets []*subscription
	for _, sub := range f.subs {
		if !sub.confirmed || sub.req.Resource != resource {
			continue
		}
		if len(sub.kinds) > 0 && !sub.kinds[kind] {
			continue
		}
		if !sub.filter.MatchEvent(ev) {
			continue
		}
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.relay.Event(ev)
	}
}

func (f *Feed) parseTopic(topic string) (string, realtime.EventKind, error) {
	rest, ok := strings.CutPrefix(topic, f.prefix+"/")
	if !ok {
		return "", "", ErrMalformedTopic
	}
	resource, kind, ok := strings.Cut(rest, "/")
	if !ok || resource == "" {
		return "", "", ErrMalformedTopic
	}
	k := realtime.EventKind(strings.ToUpper(kind))
	if !k.Valid() {
		return "", "", fmt.Errorf("%w: %q", realtime.ErrUnknownEventKind, kind)
	}
	return resource, k, nil
}
