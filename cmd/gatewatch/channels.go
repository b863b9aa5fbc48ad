// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/absmach/gatepass/config"
	"github.com/absmach/gatepass/gatepass"
	"github.com/absmach/gatepass/journal"
	"github.com/absmach/gatepass/realtime"
	"github.com/absmach/gatepass/webhook"
)

// newChannel builds a channel for one configured subscription. Events flow
// through the journal and the webhook notifier before reaching the board.
func newChannel(cc config.ChannelConfig, sub config.SubscriptionConfig, be realtime.Backend, board *gatepass.Board,
	jrnl *journal.Journal, notifier *webhook.Notifier, observer realtime.Observer, logger *slog.Logger,
) (*realtime.Channel, error) {
	onError := func(err error) {
		logger.Warn("channel error", slog.String("subscription", subscriptionLabel(sub)), slog.String("error", err.Error()))
	}

	var desc realtime.Descriptor
	switch gatepass.Role(sub.Role) {
	case gatepass.RoleRequester, gatepass.RoleApprover:
		desc = gatepass.Descriptor(gatepass.Role(sub.Role), sub.UserID, board.Handlers(onError))
	default:
		desc = realtime.Descriptor{
			ChannelName: realtime.UniqueName(sub.Resource),
			Resource:    sub.Resource,
			Filter:      sub.Filter,
			Handlers:    board.Handlers(onError),
		}
	}
	if sub.Name != "" {
		desc.ChannelName = realtime.UniqueName(sub.Name)
	}
	desc.Enabled = !sub.Disabled

	if jrnl != nil {
		key := sub.Name
		if key == "" {
			key = desc.ChannelName
		}
		desc.Handlers = jrnl.Handlers(key, desc.Handlers)
	}
	if notifier != nil {
		desc.Handlers = notifier.Handlers(desc.ChannelName, desc.Handlers)
	}

	opts := realtime.NewOptions().
		SetRetryInterval(cc.RetryInterval).
		SetMaxAttempts(cc.MaxAttempts).
		SetSettleDelay(cc.SettleDelay).
		SetSubscribeTimeout(cc.SubscribeTimeout).
		SetLogger(logger.With(slog.String("subscription", subscriptionLabel(sub))))
	opts.UnsubscribeWait = cc.UnsubscribeWait
	if cc.ReconnectRate > 0 {
		opts.SetReconnectLimit(cc.ReconnectRate, cc.ReconnectBurst)
	}
	if observer != nil {
		opts.SetObserver(observer)
	}
	if notifier != nil {
		opts.SetOnStatusChange(notifier.StatusWatcher(desc.ChannelName, desc.Resource))
	}

	return realtime.New(be, desc, opts)
}

// subscriptionLabel names a subscription in logs and telemetry.
func subscriptionLabel(sub config.SubscriptionConfig) string {
	switch {
	case sub.Name != "":
		return sub.Name
	case sub.Role != "":
		return sub.Role
	default:
		return sub.Resource
	}
}
