// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import "fmt"

// EventHandler handles one change event. A returned error is reported
// through Handlers.OnError and does not stop delivery.
type EventHandler func(Event) error

// Handlers are the callbacks a channel dispatches to. Any of them may be nil.
type Handlers struct {
	OnInsert EventHandler
	OnUpdate EventHandler
	OnDelete EventHandler
	OnError  func(error)
}

// Descriptor describes what a channel subscribes to.
type Descriptor struct {
	// ChannelName identifies the listener. Empty means a unique name is
	// generated from the resource.
	ChannelName string
	Resource    string
	Filter      string
	Handlers    Handlers
	Enabled     bool
}

// dispatchTable maps an event kind to its handler.
type dispatchTable map[EventKind]EventHandler

func (h Handlers) table() dispatchTable {
	t := make(dispatchTable, len(AllKinds))
	if h.OnInsert != nil {
		t[EventInsert] = h.OnInsert
	}
	if h.OnUpdate != nil {
		t[EventUpdate] = h.OnUpdate
	}
	if h.OnDelete != nil {
		t[EventDelete] = h.OnDelete
	}
	return t
}

// kinds returns the kinds worth subscribing to: those with a handler, or
// all of them when none is registered.
func (t dispatchTable) kinds() []EventKind {
	var ret []EventKind
	for _, k := range AllKinds {
		if _, ok := t[k]; ok {
			ret = append(ret, k)
		}
	}
	if len(ret) == 0 {
		ret = append(ret, AllKinds...)
	}
	return ret
}

// dispatch runs the handler registered for ev.Kind. Panics are converted
// to ErrHandlerPanic. handled is false when no handler is registered.
func (t dispatchTable) dispatch(ev Event) (handled bool, err error) {
	if !ev.Kind.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
	fn, ok := t[ev.Kind]
	if !ok {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s on %s: %v", ErrHandlerPanic, ev.Kind, ev.Resource, r)
		}
	}()
	return true, fn(ev)
}
