// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/gatepass/backend/memory"
	"github.com/absmach/gatepass/gatepass"
	"github.com/absmach/gatepass/realtime"
)

var destinations = []string{"Main gate", "North gate", "Loading bay", "Visitor lot"}

// runDemo submits a request every interval and reviews the previous one.
func runDemo(ctx context.Context, hub *memory.Hub, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		seq     int
		pending *gatepass.Request
	)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			now = now.UTC()
			if pending != nil {
				prev := *pending
				cur := prev
				cur.Status = gatepass.StatusApproved
				if rand.IntN(3) == 0 {
					cur.Status = gatepass.StatusDenied
				}
				cur.ReviewerID = "demo-approver"
				cur.UpdatedAt = now
				hub.Publish(realtime.Event{
					Kind:     realtime.EventUpdate,
					Resource: gatepass.Resource,
					New:      cur.Record(),
					Old:      realtime.Record{gatepass.ColID: prev.ID},
				})
			}

			seq++
			req := gatepass.Request{
				ID:            fmt.Sprintf("demo-%d", seq),
				RequesterID:   fmt.Sprintf("%d", 40+rand.IntN(5)),
				Destination:   destinations[rand.IntN(len(destinations))],
				Reason:        "Demo",
				DepartureTime: now.Add(time.Duration(1+rand.IntN(8)) * time.Hour),
				Status:        gatepass.StatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			n := hub.Publish(realtime.Event{
				Kind:     realtime.EventInsert,
				Resource: gatepass.Resource,
				New:      req.Record(),
			})
			logger.Debug("demo request submitted", slog.String("id", req.ID), slog.Int("receivers", n))
			pending = &req
		}
	}
}
