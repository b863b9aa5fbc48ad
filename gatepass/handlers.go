// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gatepass

import (
	"fmt"

	"github.com/absmach/gatepass/realtime"
)

// Handlers are typed callbacks for request changes. Any of them may be nil.
type Handlers struct {
	OnSubmitted func(Request) error
	// OnChanged receives the previous row when the backend supplies it.
	OnChanged func(prev, cur Request) error
	OnRemoved func(id string) error
	OnError   func(error)
}

// Realtime adapts h to channel handlers. Rows that cannot be decoded are
// reported as handler errors.
func (h Handlers) Realtime() realtime.Handlers {
	var rh realtime.Handlers
	rh.OnError = h.OnError

	if h.OnSubmitted != nil {
		rh.OnInsert = func(ev realtime.Event) error {
			req, err := DecodeRequest(ev.New)
			if err != nil {
				return fmt.Errorf("decode insert: %w", err)
			}
			return h.OnSubmitted(req)
		}
	}
	if h.OnChanged != nil {
		rh.OnUpdate = func(ev realtime.Event) error {
			cur, err := DecodeRequest(ev.New)
			if err != nil {
				return fmt.Errorf("decode update: %w", err)
			}
			var prev Request
			if len(ev.Old) > 0 {
				if prev, err = DecodeRequest(ev.Old); err != nil {
					return fmt.Errorf("decode previous row: %w", err)
				}
			}
			return h.OnChanged(prev, cur)
		}
	}
	if h.OnRemoved != nil {
		rh.OnDelete = func(ev realtime.Event) error {
			id := ev.Old.String(ColID)
			if id == "" {
				return fmt.Errorf("decode delete: %w", ErrMissingID)
			}
			return h.OnRemoved(id)
		}
	}
	return rh
}

// Role is a dashboard role.
type Role string

const (
	RoleRequester Role = "requester"
	RoleApprover  Role = "approver"
)

// Descriptor returns the channel descriptor for a role's dashboard.
// Requesters only follow their own requests; approvers follow every
// request so reviews made elsewhere leave their queue.
func Descriptor(role Role, userID string, h realtime.Handlers) realtime.Descriptor {
	desc := realtime.Descriptor{
		Resource: Resource,
		Handlers: h,
		Enabled:  true,
	}
	switch role {
	case RoleRequester:
		desc.ChannelName = realtime.UniqueName("requests-" + userID)
		desc.Filter = ColRequesterID + "=eq." + userID
	default:
		desc.ChannelName = realtime.UniqueName("requests-review")
	}
	return desc
}
