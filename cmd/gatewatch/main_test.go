// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/gatepass/config"
	"github.com/absmach/gatepass/gatepass"
	"github.com/absmach/gatepass/journal"
	"github.com/absmach/gatepass/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBackendUnknown(t *testing.T) {
	_, err := newBackend(config.BackendConfig{Type: "carrier-pigeon"}, tracenoop.NewTracerProvider().Tracer(""), discard())
	assert.Error(t, err)
}

func TestChannelPipeline(t *testing.T) {
	be, err := newBackend(config.BackendConfig{Type: config.BackendMemory}, tracenoop.NewTracerProvider().Tracer(""), discard())
	require.NoError(t, err)
	defer be.close()
	require.NotNil(t, be.hub)

	jrnl, err := journal.Open(journal.Config{InMemory: true}, discard())
	require.NoError(t, err)
	defer jrnl.Close()

	board := gatepass.NewBoard()
	cc := config.Default().Channel
	cc.SettleDelay = 0

	mine, err := newChannel(cc, config.SubscriptionConfig{Name: "mine", Role: "requester", UserID: "42"},
		be.backend, board, jrnl, nil, nil, discard())
	require.NoError(t, err)
	defer mine.Close()

	off, err := newChannel(cc, config.SubscriptionConfig{Name: "off", Resource: "requests", Disabled: true},
		be.backend, board, nil, nil, nil, discard())
	require.NoError(t, err)
	defer off.Close()

	require.Eventually(t, func() bool { return mine.Status() == realtime.StatusConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.StatusDisconnected, off.Status())
	assert.Equal(t, "requester_id=eq.42", mine.Descriptor().Filter)

	for _, owner := range []string{"42", "7"} {
		req := gatepass.Request{ID: "r-" + owner, RequesterID: owner, Status: gatepass.StatusPending}
		be.hub.Publish(realtime.Event{Kind: realtime.EventInsert, Resource: gatepass.Resource, New: req.Record()})
	}

	require.Eventually(t, func() bool { return board.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := board.Get("r-42")
	assert.True(t, ok)

	entries, err := jrnl.List("mine", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r-42", entries[0].New.String("id"))
}

func TestSubscriptionLabel(t *testing.T) {
	cases := []struct {
		sub  config.SubscriptionConfig
		want string
	}{
		{config.SubscriptionConfig{Name: "approvals", Role: "approver"}, "approvals"},
		{config.SubscriptionConfig{Role: "requester", UserID: "42"}, "requester"},
		{config.SubscriptionConfig{Resource: "requests"}, "requests"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, subscriptionLabel(tc.sub))
	}
}
