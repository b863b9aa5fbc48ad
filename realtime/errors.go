// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import "errors"

// Channel errors.
var (
	// Configuration errors.
	ErrNilBackend      = errors.New("backend cannot be nil")
	ErrEmptyResource   = errors.New("resource cannot be empty")
	ErrInvalidAttempts = errors.New("max attempts must be positive")
	ErrInvalidInterval = errors.New("retry interval must be positive")
	ErrInvalidFilter   = errors.New("invalid filter expression")

	// Runtime errors, reported through Handlers.OnError.
	ErrSubscribeFailed    = errors.New("subscribe failed")
	ErrRetriesExhausted   = errors.New("reconnect attempts exhausted")
	ErrHandlerPanic       = errors.New("event handler panicked")
	ErrUnknownEventKind   = errors.New("unknown event kind")
	ErrReconnectThrottled = errors.New("reconnect throttled")
	ErrQueueOverflow      = errors.New("event queue overflow")
)
