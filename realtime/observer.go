// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package realtime

import "time"

// Observer receives channel telemetry. Implementations must be cheap and
// must not call back into the channel.
type Observer interface {
	StatusChanged(channel string, from, to Status)
	EventDelivered(channel string, kind EventKind)
	HandlerFailed(channel string, kind EventKind)
	RetryScheduled(channel string, attempt int, delay time.Duration)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(string, Status, Status) {}
func (nopObserver) EventDelivered(string, EventKind) {}
func (nopObserver) HandlerFailed(string, EventKind) {}
func (nopObserver) RetryScheduled(string, int, time.Duration) {}
