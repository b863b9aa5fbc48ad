// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package phoenix implements realtime.Backend over the Phoenix channels
// WebSocket protocol used by Postgres change-feed servers. One Socket is
// shared by every channel of a process and multiplexes their topics.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/gatepass/internal/relay"
	"github.com/absmach/gatepass/realtime"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Default values.
const (
	DefaultSchema            = "public"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	protocolVersion = "1.0.0"
)

// Socket errors.
var (
	ErrEmptyURL       = errors.New("socket url cannot be empty")
	ErrSocketClosed   = errors.New("socket closed")
	ErrNotConnected   = errors.New("socket not connected")
	ErrTopicInUse     = errors.New("topic already joined")
	ErrJoinRejected   = errors.New("join rejected")
	ErrJoinTimeout    = errors.New("join timed out")
	ErrServerError    = errors.New("server reported channel error")
	ErrConnectionLost = errors.New("connection lost")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Config configures a Socket.
type Config struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Schema            string        `yaml:"schema"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// Socket is a lazily dialed, shared Phoenix connection.
type Socket struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	dialer *websocket.Dialer

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	ref          uint64
	heartbeatRef string
	pending      map[string]chan replyPayload
	topics       map[string]*subscription
	closed       bool
}

type subscription struct {
	topic    string
	resource string
	joinRef  string
	relay    *relay.Relay
}

var _ realtime.Backend = (*Socket)(nil)

// NewSocket creates a socket. No connection is made until the first
// Subscribe. A nil tracer disables tracing.
func NewSocket(cfg Config, tracer trace.Tracer, logger *slog.Logger) (*Socket, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid socket url: %w", err)
	}
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("phoenix")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Socket{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		pending: make(map[string]chan replyPayload),
		topics:  make(map[string]*subscription),
	}, nil
}

// Subscribe joins the channel topic. The join reply arrives through sink
// as SUBSCRIBED, CHANNEL_ERROR or TIMED_OUT.
func (s *Socket) Subscribe(ctx context.Context, req realtime.SubscribeRequest, sink realtime.Sink) (realtime.Handle, error) {
	filter, err := realtime.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	topic := topicName(req.ChannelName)

	_, span := s.tracer.Start(ctx, "phoenix.join",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("realtime.topic", topic),
			attribute.String("realtime.resource", req.Resource),
			attribute.String("realtime.filter", filter.String()),
		))

	if err := s.connect(ctx); err != nil {
		endSpan(span, err)
		return nil, err
	}

	payload, err := json.Marshal(joinPayload{Config: joinConfig{
		PostgresChanges: joinConfigs(s.cfg.Schema, req, filter),
	}})
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		endSpan(span, ErrTopicInUse)
		return nil, fmt.Errorf("%w: %s", ErrTopicInUse, topic)
	}
	ref := s.nextRefLocked()
	sub := &subscription{
		topic:    topic,
		resource: req.Resource,
		joinRef:  ref,
		relay:    relay.New(sink, relay.DefaultSize),
	}
	replies := make(chan replyPayload, 1)
	s.topics[topic] = sub
	s.pending[ref] = replies
	s.mu.Unlock()

	err = s.send(message{Topic: topic, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref})
	if err != nil {
		s.mu.Lock()
		if s.topics[topic] == sub {
			delete(s.topics, topic)
		}
		delete(s.pending, ref)
		s.mu.Unlock()
		sub.relay.Stop()
		endSpan(span, err)
		return nil, err
	}

	go s.awaitJoin(sub, ref, replies, span)

	s.logger.Debug("phoenix join sent",
		slog.String("topic", topic),
		slog.String("ref", ref))
	return sub, nil
}

// Unsubscribe leaves the topic. It is idempotent and does not wait for the
// server to acknowledge.
func (s *Socket) Unsubscribe(ctx context.Context, h realtime.Handle) error {
	sub, ok := h.(*subscription)
	if !ok {
		return nil
	}

	s.mu.Lock()
	owned := s.topics[sub.topic] == sub
	if owned {
		delete(s.topics, sub.topic)
	}
	var ref string
	if owned && s.conn != nil {
		ref = s.nextRefLocked()
	}
	s.mu.Unlock()

	sub.relay.Stop()
	if ref == "" {
		return nil
	}
	err := s.send(message{Topic: sub.topic, Event: eventLeave, Payload: json.RawMessage("{}"), Ref: ref, JoinRef: sub.joinRef})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("leave %s: %w", sub.topic, err)
	}
	return nil
}

// Topics returns the number of joined topics.
func (s *Socket) Topics() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

// Close closes the connection. Joined topics receive CLOSED.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Socket) connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(dctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrSocketClosed
	}
	s.conn = conn
	s.heartbeatRef = ""
	s.mu.Unlock()

	done := make(chan struct{})
	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)

	s.logger.Info("phoenix socket connected", slog.String("url", s.cfg.URL))
	return nil
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("vsn", protocolVersion)
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) nextRefLocked() string {
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) send(msg message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (s *Socket) awaitJoin(sub *subscription, ref string, replies <-chan replyPayload, span trace.Span) {
	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case rep := <-replies:
		if rep.Status == replyOK {
			endSpan(span, nil)
			sub.relay.Status(realtime.Subscribed, nil)
			return
		}
		err := replyError(rep)
		endSpan(span, err)
		sub.relay.Status(realtime.ChannelError, err)
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
		endSpan(span, ErrJoinTimeout)
		sub.relay.Status(realtime.TimedOut, ErrJoinTimeout)
	case <-sub.relay.Done():
		endSpan(span, nil)
	}
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			s.connectionLost(conn, err)
			return
		}
		s.route(msg)
	}
}

func (s *Socket) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			if s.heartbeatRef != "" {
				s.mu.Unlock()
				s.logger.Warn("phoenix heartbeat timed out, closing socket")
				conn.Close()
				return
			}
			ref := s.nextRefLocked()
			s.heartbeatRef = ref
			s.mu.Unlock()

			if err := s.send(message{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: json.RawMessage("{}"), Ref: ref}); err != nil {
				s.logger.Warn("phoenix heartbeat failed", slog.String("error", err.Error()))
				conn.Close()
				return
			}
		}
	}
}

func (s *Socket) route(msg message) {
	if msg.Event == eventReply {
		s.mu.Lock()
		replies, ok := s.pending[msg.Ref]
		delete(s.pending, msg.Ref)
		if msg.Topic == heartbeatTopic && msg.Ref == s.heartbeatRef {
			s.heartbeatRef = ""
		}
		s.mu.Unlock()

		if ok {
			var p replyPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				p = replyPayload{Status: "error", Response: msg.Payload}
			}
			replies <- p
		}
		return
	}

	s.mu.Lock()
	sub := s.topics[msg.Topic]
	s.mu.Unlock()
	if sub == nil || (msg.JoinRef != "" && msg.JoinRef != sub.joinRef) {
		return
	}

	switch msg.Event {
	case eventChanges:
		ev, err := decodeChange(msg.Payload)
		if err != nil {
			s.logger.Warn("dropping change frame",
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()))
			return
		}
		if ev.Resource == "" {
			ev.Resource = sub.resource
		}
		sub.relay.Event(ev)
	case eventError:
		sub.relay.Status(realtime.ChannelError, ErrServerError)
	case eventClose:
		s.mu.Lock()
		if s.topics[sub.topic] == sub {
			delete(s.topics, sub.topic)
		}
		s.mu.Unlock()
		sub.relay.Status(realtime.Closed, nil)
		sub.relay.Stop()
	case eventSystem:
		s.logger.Debug("phoenix system message",
			slog.String("topic", msg.Topic),
			slog.String("payload", string(msg.Payload)))
	}
}

// connectionLost fails every topic of a dropped connection. The next
// Subscribe dials again.
func (s *Socket) connectionLost(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.heartbeatRef = ""
	subs := s.topics
	s.topics = make(map[string]*subscription)
	s.pending = make(map[string]chan replyPayload)
	closed := s.closed
	s.mu.Unlock()

	conn.Close()

	status := realtime.ChannelError
	if closed {
		status = realtime.Closed
	} else {
		s.logger.Warn("phoenix socket lost",
			slog.Int("topics", len(subs)),
			slog.String("error", cause.Error()))
	}
	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	for _, sub := range subs {
		sub.relay.Status(status, err)
		sub.relay.Stop()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
