// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gatepass

import (
	"fmt"
	"sort"
	"sync"

	"github.com/absmach/gatepass/realtime"
)

// Board is the live dashboard state built from request change events.
type Board struct {
	mu       sync.RWMutex
	requests map[string]Request
	applied  uint64
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{requests: make(map[string]Request)}
}

// Seed replaces the board contents with an initial snapshot.
func (b *Board) Seed(reqs []Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = make(map[string]Request, len(reqs))
	for _, r := range reqs {
		b.requests[r.ID] = r
	}
}

// Apply folds one change event into the board. Inserts and updates upsert
// the row, deletes remove it. Updates that carry only changed columns are
// merged over the known row.
func (b *Board) Apply(ev realtime.Event) error {
	switch ev.Kind {
	case realtime.EventInsert, realtime.EventUpdate:
		req, err := DecodeRequest(ev.New)
		if err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind, err)
		}
		b.mu.Lock()
		if prev, ok := b.requests[req.ID]; ok && ev.Kind == realtime.EventUpdate {
			req = merge(prev, req, ev.New)
		}
		b.requests[req.ID] = req
		b.applied++
		b.mu.Unlock()
	case realtime.EventDelete:
		id := ev.Old.String(ColID)
		if id == "" {
			return fmt.Errorf("apply %s: %w", ev.Kind, ErrMissingID)
		}
		b.mu.Lock()
		delete(b.requests, id)
		b.applied++
		b.mu.Unlock()
	default:
		return fmt.Errorf("%w: %q", realtime.ErrUnknownEventKind, ev.Kind)
	}
	return nil
}

// Handlers returns channel handlers that apply every event to the board.
func (b *Board) Handlers(onError func(error)) realtime.Handlers {
	return realtime.Handlers{
		OnInsert: b.Apply,
		OnUpdate: b.Apply,
		OnDelete: b.Apply,
		OnError:  onError,
	}
}

// Get returns a request by id.
func (b *Board) Get(id string) (Request, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.requests[id]
	return r, ok
}

// Len returns the number of requests on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.requests)
}

// Applied returns the number of events applied so far.
func (b *Board) Applied() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

// ForRequester returns a requester's requests, newest first.
func (b *Board) ForRequester(requesterID string) []Request {
	ret := b.collect(func(r Request) bool { return r.RequesterID == requesterID })
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.After(ret[j].CreatedAt)
		}
		return ret[i].ID > ret[j].ID
	})
	return ret
}

// Pending returns requests awaiting review, earliest departure first.
func (b *Board) Pending() []Request {
	ret := b.collect(func(r Request) bool { return r.Status == StatusPending })
	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].DepartureTime.Equal(ret[j].DepartureTime) {
			return ret[i].DepartureTime.Before(ret[j].DepartureTime)
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// Counts returns the number of requests per status.
func (b *Board) Counts() map[Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := map[Status]int{StatusPending: 0, StatusApproved: 0, StatusDenied: 0}
	for _, r := range b.requests {
		counts[r.Status]++
	}
	return counts
}

func (b *Board) collect(keep func(Request) bool) []Request {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ret []Request
	for _, r := range b.requests {
		if keep(r) {
			ret = append(ret, r)
		}
	}
	return ret
}

// merge overlays the columns present in rec onto prev.
func merge(prev, cur Request, rec realtime.Record) Request {
	has := func(col string) bool {
		_, ok := rec[col]
		return ok
	}
	out := prev
	if has(ColRequesterID) {
		out.RequesterID = cur.RequesterID
	}
	if has(ColDestination) {
		out.Destination = cur.Destination
	}
	if has(ColReason) {
		out.Reason = cur.Reason
	}
	if has(ColDepartureTime) {
		out.DepartureTime = cur.DepartureTime
	}
	if has(ColStatus) {
		out.Status = cur.Status
	}
	if has(ColReviewerID) {
		out.ReviewerID = cur.ReviewerID
	}
	if has(ColReviewerNotes) {
		out.ReviewerNotes = cur.ReviewerNotes
	}
	if has(ColCreatedAt) {
		out.CreatedAt = cur.CreatedAt
	}
	if has(ColUpdatedAt) {
		out.UpdatedAt = cur.UpdatedAt
	}
	return out
}
