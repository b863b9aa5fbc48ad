// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import "context"

// SubscribeStatus is the confirmation signal a backend reports for a
// subscription.
type SubscribeStatus uint8

// Subscription confirmation signals.
const (
	Subscribed SubscribeStatus = iota
	ChannelError
	TimedOut
	Closed
)

// String returns the wire name of the signal.
func (s SubscribeStatus) String() string {
	switch s {
	case Subscribed:
		return "SUBSCRIBED"
	case ChannelError:
		return "CHANNEL_ERROR"
	case TimedOut:
		return "TIMED_OUT"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Error implements the error interface so failure signals can be wrapped.
func (s SubscribeStatus) Error() string {
	switch s {
	case ChannelError:
		return "channel error"
	case TimedOut:
		return "subscription timed out"
	case Closed:
		return "channel closed"
	default:
		return s.String()
	}
}

// SubscribeRequest describes the change stream a channel wants.
type SubscribeRequest struct {
	ChannelName string
	Resource    string
	Filter      string
	Kinds       []EventKind
}

// Handle is an opaque backend-side subscription.
type Handle interface{}

// Sink receives the confirmation signals and change events of one
// subscription. A backend must call it from a single goroutine per
// subscription so events keep their arrival order, and must not hold
// locks that Unsubscribe needs while doing so.
type Sink interface {
	Status(status SubscribeStatus, err error)
	Event(ev Event)
}

// Backend is a change-stream provider.
type Backend interface {
	// Subscribe starts a subscription and returns its handle. The context
	// bounds the call only; confirmation arrives later through the sink.
	Subscribe(ctx context.Context, req SubscribeRequest, sink Sink) (Handle, error)

	// Unsubscribe releases a subscription. It must be idempotent and must
	// not wait for sink callbacks in progress.
	Unsubscribe(ctx context.Context, h Handle) error
}
