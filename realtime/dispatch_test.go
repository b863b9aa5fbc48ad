// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchTable(t *testing.T) {
	var got []EventKind
	h := Handlers{
		OnInsert: func(ev Event) error { got = append(got, ev.Kind); return nil },
		OnDelete: func(ev Event) error { return errors.New("nope") },
	}
	table := h.table()

	assert.Equal(t, []EventKind{EventInsert, EventDelete}, table.kinds())

	handled, err := table.dispatch(Event{Kind: EventInsert})
	assert.True(t, handled)
	assert.NoError(t, err)

	handled, err = table.dispatch(Event{Kind: EventUpdate})
	assert.False(t, handled)
	assert.NoError(t, err)

	handled, err = table.dispatch(Event{Kind: EventDelete})
	assert.True(t, handled)
	assert.EqualError(t, err, "nope")

	_, err = table.dispatch(Event{Kind: "UPSERT"})
	assert.ErrorIs(t, err, ErrUnknownEventKind)

	assert.Equal(t, []EventKind{EventInsert}, got)
	assert.Equal(t, AllKinds, Handlers{}.table().kinds())
}

func TestDispatchRecoversPanic(t *testing.T) {
	table := Handlers{
		OnUpdate: func(Event) error { panic("bad row") },
	}.table()

	handled, err := table.dispatch(Event{Kind: EventUpdate, Resource: "requests"})
	assert.True(t, handled)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "bad row")
}

func TestMailboxOrderAndReentry(t *testing.T) {
	m := newMailbox(slog.New(slog.DiscardHandler))
	var order []int

	m.post(func() {
		order = append(order, 1)
		m.post(func() { order = append(order, 3) })
		m.drain() // reentrant, must not run 3 before 2 finishes
		order = append(order, 2)
	})
	m.post(func() { panic("ignored") })
	m.post(func() { order = append(order, 4) })
	m.drain()

	assert.Equal(t, []int{1, 2, 4, 3}, order)
}

func TestOptionsValidate(t *testing.T) {
	opts := NewOptions()
	assert.NoError(t, opts.Validate())
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Observer)
	assert.NotNil(t, opts.Scheduler)
	assert.Equal(t, DefaultRetryInterval, opts.RetryInterval)
	assert.Equal(t, DefaultMaxAttempts, opts.MaxAttempts)

	opts = NewOptions().SetSettleDelay(-1).SetReconnectLimit(1, 1)
	assert.NoError(t, opts.Validate())
	assert.Zero(t, opts.SettleDelay)
	assert.NotNil(t, opts.ReconnectLimiter)

	assert.ErrorIs(t, NewOptions().SetMaxAttempts(-1).Validate(), ErrInvalidAttempts)
	assert.ErrorIs(t, NewOptions().SetRetryInterval(-1).Validate(), ErrInvalidInterval)
}
