// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package etcd implements realtime.Backend as a change feed over an etcd
// keyspace. Rows of a resource live under <prefix>/<resource>/<id> as JSON
// documents; puts and deletes on those keys become change events.
package etcd

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
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Default values.
const (
	DefaultPrefix      = "/gatepass"
	DefaultDialTimeout = 5 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

// Feed errors.
var (
	ErrNoEndpoints  = errors.New("no etcd endpoints configured")
	ErrWatchTimeout = errors.New("watch was not created in time")
	ErrWatchClosed  = errors.New("watch channel closed")
	ErrFeedClosed   = errors.New("feed closed")
)

// Config configures a Feed.
type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
	Embedded    EmbedConfig   `yaml:"embedded"`
}

// Feed watches etcd prefixes on behalf of realtime channels.
type Feed struct {
	client      *clientv3.Client
	ownsClient  bool
	prefix      string
	joinTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	watches map[uint64]*watch
	nextID  uint64
	closed  bool
}

type watch struct {
	id     uint64
	cancel context.CancelFunc
	relay  *relay.Relay
}

var _ realtime.Backend = (*Feed)(nil)

// Dial connects to the configured endpoints. The feed owns the client and
// closes it on Close.
func Dial(cfg Config, logger *slog.Logger) (*Feed, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	f := New(client, cfg, logger)
	f.ownsClient = true
	return f, nil
}

// New creates a feed on an existing client.
func New(client *clientv3.Client, cfg Config, logger *slog.Logger) *Feed {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		client:      client,
		prefix:      strings.TrimSuffix(cfg.Prefix, "/"),
		joinTimeout: cfg.JoinTimeout,
		logger:      logger,
		watches:     make(map[uint64]*watch),
	}
}

// Subscribe starts watching the resource prefix. The watch creation
// notification confirms the subscription.
func (f *Feed) Subscribe(ctx context.Context, req realtime.SubscribeRequest, sink realtime.Sink) (realtime.Handle, error) {
	filter, err := realtime.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	kinds := make(map[realtime.EventKind]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds[k] = true
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.nextID++
	wctx, cancel := context.WithCancel(context.Background())
	w := &watch{id: f.nextID, cancel: cancel, relay: relay.New(sink, relay.DefaultSize)}
	f.watches[w.id] = w
	f.mu.Unlock()

	key := f.resourcePrefix(req.Resource)
	wch := f.client.Watch(clientv3.WithRequireLeader(wctx), key,
		clientv3.WithPrefix(),
		clientv3.WithPrevKV(),
		clientv3.WithCreatedNotify())

	go f.run(w, wch, key, req, filter, kinds)

	f.logger.Debug("etcd watch started",
		slog.String("channel", req.ChannelName),
		slog.String("key", key))
	return w, nil
}

// Unsubscribe cancels the watch. It is idempotent.
func (f *Feed) Unsubscribe(ctx context.Context, h realtime.Handle) error {
	w, ok := h.(*watch)
	if !ok {
		return nil
	}
	f.release(w)
	return nil
}

// Put stores a row, producing an INSERT or UPDATE event.
func (f *Feed) Put(ctx context.Context, resource, id string, rec realtime.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.client.Put(ctx, f.resourcePrefix(resource)+id, string(data))
	return err
}

// Delete removes a row, producing a DELETE event.
func (f *Feed) Delete(ctx context.Context, resource, id string) error {
	_, err := f.client.Delete(ctx, f.resourcePrefix(resource)+id)
	return err
}

// Watches returns the number of active watches.
func (f *Feed) Watches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

// Close cancels every watch and, for dialed feeds, closes the client.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	watches := f.watches
	f.watches = make(map[uint64]*watch)
	f.mu.Unlock()

	for _, w := range watches {
		w.relay.Status(realtime.Closed, nil)
		w.relay.Stop()
		w.cancel()
	}
	if f.ownsClient {
		return f.client.Close()
	}
	return nil
}

func (f *Feed) resourcePrefix(resource string) string {
	return f.prefix + "/" + resource + "/"
}

func (f *Feed) release(w *watch) {
	f.mu.Lock()
	delete(f.watches, w.id)
	f.mu.Unlock()
	w.relay.Stop()
	w.cancel()
}

func (f *Feed) run(w *watch, wch clientv3.WatchChan, key string, req realtime.SubscribeRequest, filter *realtime.Filter, kinds map[realtime.EventKind]bool) {
	timer := time.NewTimer(f.joinTimeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		select {
		case <-w.relay.Done():
			return
		case <-timeout:
			w.relay.Status(realtime.TimedOut, ErrWatchTimeout)
			f.release(w)
			return
		case resp, ok := <-wch:
			if !ok {
				w.relay.Status(realtime.ChannelError, ErrWatchClosed)
				f.release(w)
				return
			}
			if err := resp.Err(); err != nil {
				w.relay.Status(realtime.ChannelError, err)
				f.release(w)
				return
			}
			if resp.Created {
				timer.Stop()
				timeout = nil
				w.relay.Status(realtime.Subscribed, nil)
			}
			for _, ev := range resp.Events {
				change := decodeEvent(key, req.Resource, ev)
				if len(kinds) > 0 && !kinds[change.Kind] {
					continue
				}
				if !filter.MatchEvent(change) {
					continue
				}
				w.relay.Event(change)
			}
		}
	}
}

func decodeEvent(key, resource string, ev *clientv3.Event) realtime.Event {
	id := strings.TrimPrefix(string(ev.Kv.Key), key)
	change := realtime.Event{
		Resource:   resource,
		CommitTime: time.Now().UTC(),
	}

	switch ev.Type {
	case clientv3.EventTypeDelete:
		change.Kind = realtime.EventDelete
		if ev.PrevKv != nil {
			change.Old = decodeRecord(ev.PrevKv.Value, id)
		} else {
			change.Old = realtime.Record{"id": id}
		}
	default:
		change.Kind = realtime.EventUpdate
		if ev.IsCreate() {
			change.Kind = realtime.EventInsert
		}
		change.New = decodeRecord(ev.Kv.Value, id)
		if ev.PrevKv != nil {
			change.Old = decodeRecord(ev.PrevKv.Value, id)
		}
	}
	return change
}

// decodeRecord parses a JSON document. Non-object values are exposed under
// the "value" column.
func decodeRecord(data []byte, id string) realtime.Record {
	rec := realtime.Record{}
	if err := json.Unmarshal(data, &rec); err != nil {
		rec = realtime.Record{"value": string(data)}
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = id
	}
	return rec
}
