// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards change events and channel status changes to
// HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/gatepass/realtime"
)

// Event types.
const (
	TypeInsert = "insert"
	TypeUpdate = "update"
	TypeDelete = "delete"
	TypeStatus = "status"
)

// Event is a single webhook notification.
type Event struct {
	Type           string          `json:"type"`
	Source         string          `json:"source"`
	Channel        string          `json:"channel"`
	Resource       string          `json:"resource,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Record         realtime.Record `json:"record,omitempty"`
	OldRecord      realtime.Record `json:"old_record,omitempty"`
	Status         string          `json:"status,omitempty"`
	PreviousStatus string          `json:"previous_status,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
}

// ChangeEvent builds a webhook event from a change delivered on channel.
func ChangeEvent(channel string, ev realtime.Event) Event {
	ts := ev.CommitTime
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var typ string
	switch ev.Kind {
	case realtime.EventInsert:
		typ = TypeInsert
	case realtime.EventUpdate:
		typ = TypeUpdate
	case realtime.EventDelete:
		typ = TypeDelete
	}
	return Event{
		Type:      typ,
		Channel:   channel,
		Resource:  ev.Resource,
		Timestamp: ts,
		Record:    ev.New,
		OldRecord: ev.Old,
	}
}

// StatusEvent builds a webhook event from a channel status change.
func StatusEvent(channel, resource string, sc realtime.StatusChange) Event {
	return Event{
		Type:           TypeStatus,
		Channel:        channel,
		Resource:       resource,
		Timestamp:      sc.At,
		Status:         sc.To.String(),
		PreviousStatus: sc.From.String(),
		Attempts:       sc.Attempts,
	}
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
