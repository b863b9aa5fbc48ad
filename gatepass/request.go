// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gatepass models gate-pass requests and keeps dashboard state in
// sync with their change stream.
package gatepass

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/gatepass/realtime"
)

// Resource is the change stream gate-pass requests are published on.
const Resource = "requests"

// Record columns.
const (
	ColID            = "id"
	ColRequesterID   = "requester_id"
	ColDestination   = "destination"
	ColReason        = "reason"
	ColDepartureTime = "departure_time"
	ColStatus        = "status"
	ColReviewerID    = "reviewer_id"
	ColReviewerNotes = "reviewer_notes"
	ColCreatedAt     = "created_at"
	ColUpdatedAt     = "updated_at"
)

var (
	ErrMissingID     = errors.New("request id is missing")
	ErrInvalidStatus = errors.New("invalid request status")
	ErrInvalidTime   = errors.New("invalid timestamp")
)

// Status is the review state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied:
		return true
	default:
		return false
	}
}

// Reviewed reports whether an approver has decided on the request.
func (s Status) Reviewed() bool {
	return s == StatusApproved || s == StatusDenied
}

// Request is a gate-pass request row.
type Request struct {
	ID            string    `json:"id"`
	RequesterID   string    `json:"requester_id"`
	Destination   string    `json:"destination"`
	Reason        string    `json:"reason"`
	DepartureTime time.Time `json:"departure_time"`
	Status        Status    `json:"status"`
	ReviewerID    string    `json:"reviewer_id,omitempty"`
	ReviewerNotes string    `json:"reviewer_notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DecodeRequest builds a request from a change record. Only the id is
// required, since delete events may carry nothing else.
func DecodeRequest(rec realtime.Record) (Request, error) {
	r := Request{
		ID:            rec.String(ColID),
		RequesterID:   rec.String(ColRequesterID),
		Destination:   rec.String(ColDestination),
		Reason:        rec.String(ColReason),
		Status:        Status(rec.String(ColStatus)),
		ReviewerID:    rec.String(ColReviewerID),
		ReviewerNotes: rec.String(ColReviewerNotes),
	}
	if r.ID == "" {
		return Request{}, ErrMissingID
	}
	if r.Status != "" && !r.Status.Valid() {
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}

	var err error
	if r.DepartureTime, err = parseTime(rec, ColDepartureTime); err != nil {
		return Request{}, err
	}
	if r.CreatedAt, err = parseTime(rec, ColCreatedAt); err != nil {
		return Request{}, err
	}
	if r.UpdatedAt, err = parseTime(rec, ColUpdatedAt); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Record converts the request to its change-record form.
func (r Request) Record() realtime.Record {
	rec := realtime.Record{
		ColID:          r.ID,
		ColRequesterID: r.RequesterID,
		ColDestination: r.Destination,
		ColReason:      r.Reason,
		ColStatus:      string(r.Status),
	}
	if r.ReviewerID != "" {
		rec[ColReviewerID] = r.ReviewerID
	}
	if r.ReviewerNotes != "" {
		rec[ColReviewerNotes] = r.ReviewerNotes
	}
	for col, ts := range map[string]time.Time{
		ColDepartureTime: r.DepartureTime,
		ColCreatedAt:     r.CreatedAt,
		ColUpdatedAt:     r.UpdatedAt,
	} {
		if !ts.IsZero() {
			rec[col] = ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return rec
}

func parseTime(rec realtime.Record, col string) (time.Time, error) {
	switch v := rec[col].(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %w", ErrInvalidTime, col, err)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %s has type %T", ErrInvalidTime, col, v)
	}
}
