// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"sync/atomic"
	"time"
)

// Status represents the channel connection status.
type Status uint32

// Channel statuses.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether the channel may move from one status to
// another in a single step.
func ValidTransition(from, to Status) bool {
	switch to {
	case StatusConnecting:
		// Retry timers leave error, Reconnect and parameter changes may
		// restart a live subscription.
		return from == StatusDisconnected || from == StatusError || from == StatusConnected
	case StatusConnected:
		return from == StatusConnecting
	case StatusError:
		return from == StatusConnecting || from == StatusConnected
	case StatusDisconnected:
		return from == StatusConnecting || from == StatusConnected || from == StatusError
	default:
		return false
	}
}

// StatusChange describes one status transition.
type StatusChange struct {
	From     Status
	To       Status
	Attempts int
	At       time.Time
}

// statusManager stores the current status so readers never need the
// channel lock.
type statusManager struct {
	status uint32
}

func newStatusManager() *statusManager {
	return &statusManager{status: uint32(StatusDisconnected)}
}

// get returns the current status.
func (sm *statusManager) get() Status {
	return Status(atomic.LoadUint32(&sm.status))
}

// swap stores s and returns the previous status.
func (sm *statusManager) swap(s Status) Status {
	return Status(atomic.SwapUint32(&sm.status, uint32(s)))
}
