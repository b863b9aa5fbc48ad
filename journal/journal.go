// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package journal keeps a durable, per-channel record of delivered change
// events.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/gatepass/realtime"
	"github.com/dgraph-io/badger/v4"
)

var (
	ErrClosed       = errors.New("journal is closed")
	ErrEmptyChannel = errors.New("channel name cannot be empty")
)

const (
	entryPrefix = "e/"
	seqKey      = "meta/seq"
	seqLease    = 128

	defaultGCInterval = 5 * time.Minute
)

// Config holds journal configuration.
type Config struct {
	Dir        string
	InMemory   bool
	Retention  time.Duration // 0 keeps entries forever
	GCInterval time.Duration
}

// Entry is a journaled event.
type Entry struct {
	Seq        uint64             `json:"seq"`
	Channel    string             `json:"channel"`
	Kind       realtime.EventKind `json:"kind"`
	Resource   string             `json:"resource"`
	New        realtime.Record    `json:"new,omitempty"`
	Old        realtime.Record    `json:"old,omitempty"`
	CommitTime time.Time          `json:"commit_time,omitzero"`
	ReceivedAt time.Time          `json:"received_at"`
}

// Journal is an append-only event log backed by BadgerDB.
//
// Key format: e/{channel}/{seq}, seq zero-padded so keys sort in append
// order.
type Journal struct {
	db        *badger.DB
	seq       *badger.Sequence
	retention time.Duration
	logger    *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.RWMutex
}

// Open opens or creates a journal.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), seqLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lease journal sequence: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	j := &Journal{
		db:        db,
		seq:       seq,
		retention: cfg.Retention,
		logger:    logger,
		gcStopCh:  make(chan struct{}),
		gcDone:    make(chan struct{}),
	}

	go j.runGC(interval)

	return j, nil
}

// Append records an event delivered on channel.
func (j *Journal) Append(channel string, ev realtime.Event) (Entry, error) {
	if channel == "" {
		return Entry{}, ErrEmptyChannel
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return Entry{}, ErrClosed
	}

	n, err := j.seq.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	e := Entry{
		Seq:        n,
		Channel:    channel,
		Kind:       ev.Kind,
		Resource:   ev.Resource,
		New:        ev.New,
		Old:        ev.Old,
		CommitTime: ev.CommitTime,
		ReceivedAt: time.Now().UTC(),
	}
	data, err := encode(e)
	if err != nil {
		return Entry{}, err
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		be := badger.NewEntry(entryKey(channel, n), data)
		if j.retention > 0 {
			be = be.WithTTL(j.retention)
		}
		return txn.SetEntry(be)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to store entry: %w", err)
	}
	return e, nil
}

// List returns the newest limit entries of channel in append order. A limit
// of zero or less returns every entry.
func (j *Journal) List(channel string, limit int) ([]Entry, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	prefix := channelPrefix(channel)
	var entries []Entry

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) == limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				e, err := decode(val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for l, r := 0, len(entries)-1; l < r; l, r = l+1, r-1 {
		entries[l], entries[r] = entries[r], entries[l]
	}
	return entries, nil
}

// Purge removes every entry of channel.
func (j *Journal) Purge(channel string) error {
	if channel == "" {
		return ErrEmptyChannel
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	return j.db.DropPrefix(channelPrefix(channel))
}

// Handlers returns handlers that journal every event before passing it to
// next. Journal failures are logged and never fail delivery.
func (j *Journal) Handlers(channel string, next realtime.Handlers) realtime.Handlers {
	wrap := func(h realtime.EventHandler) realtime.EventHandler {
		if h == nil {
			return nil
		}
		return func(ev realtime.Event) error {
			if _, err := j.Append(channel, ev); err != nil {
				j.logger.Warn("failed to journal event",
					slog.String("channel", channel),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()))
			}
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

// Close stops garbage collection and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.gcStopCh)
	<-j.gcDone

	if err := j.seq.Release(); err != nil {
		j.logger.Warn("failed to release journal sequence", slog.String("error", err.Error()))
	}
	return j.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (j *Journal) runGC(interval time.Duration) {
	defer close(j.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten.
			_ = j.db.RunValueLogGC(0.5)
		case <-j.gcStopCh:
			return
		}
	}
}

func channelPrefix(channel string) []byte {
	return []byte(entryPrefix + channel + "/")
}

func entryKey(channel string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", entryPrefix, channel, seq)
}
