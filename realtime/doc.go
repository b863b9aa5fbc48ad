// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package realtime implements a resilient change-subscription channel.
//
// A Channel subscribes to the change stream of one resource (optionally
// narrowed by a filter) through a Backend, dispatches insert, update and
// delete events to registered handlers in arrival order, and keeps the
// subscription alive with a bounded, fixed-interval retry policy.
//
// # States
//
//	disconnected -> connecting -> connected
//	     ^              |             |
//	     |              v             v
//	     +----------- error <---------+
//
// A failed attempt moves the channel to error and arms a single retry
// timer while fewer than MaxAttempts consecutive attempts have been made.
// Once the limit is reached the channel stays in error until Reconnect is
// called. Disconnect stops automatic retries until the next Connect or
// Reconnect.
//
// # Callbacks
//
// Status observers, error handlers and event handlers never run while the
// channel holds its state lock. They are queued in transition order and
// executed one at a time, so callbacks of a single channel never overlap
// and may safely call back into the channel.
package realtime
