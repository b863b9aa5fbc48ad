// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/absmach/gatepass/backend/etcd"
	"github.com/absmach/gatepass/backend/memory"
	"github.com/absmach/gatepass/backend/mqtt"
	"github.com/absmach/gatepass/backend/phoenix"
	"github.com/absmach/gatepass/config"
	"github.com/absmach/gatepass/realtime"
	"go.opentelemetry.io/otel/trace"
)

type backend struct {
	backend realtime.Backend
	hub     *memory.Hub
	closers []func() error
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Error("Failed to close backend", "error", err)
		}
	}
}

func newBackend(cfg config.BackendConfig, tracer trace.Tracer, logger *slog.Logger) (*backend, error) {
	switch cfg.Type {
	case config.BackendMemory:
		hub := memory.NewHub(logger)
		slog.Info("Using in-process change hub")
		return &backend{backend: hub, hub: hub, closers: []func() error{hub.Close}}, nil

	case config.BackendPhoenix:
		sock, err := phoenix.NewSocket(cfg.Phoenix, tracer, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("Using realtime socket", "url", cfg.Phoenix.URL)
		return &backend{backend: sock, closers: []func() error{sock.Close}}, nil

	case config.BackendEtcd:
		b := &backend{}
		ecfg := cfg.Etcd
		if ecfg.Embedded.Enabled {
			e, err := etcd.StartEmbedded(ecfg.Embedded)
			if err != nil {
				return nil, fmt.Errorf("failed to start embedded etcd: %w", err)
			}
			b.closers = append(b.closers, func() error { e.Close(); return nil })
			ecfg.Endpoints = e.Endpoints()
			slog.Info("Embedded etcd started", "endpoints", ecfg.Endpoints)
		}
		feed, err := etcd.Dial(ecfg, logger)
		if err != nil {
			b.close()
			return nil, err
		}
		b.backend = feed
		b.closers = append(b.closers, feed.Close)
		slog.Info("Using etcd change feed", "endpoints", ecfg.Endpoints, "prefix", ecfg.Prefix)
		return b, nil

	case config.BackendMQTT:
		feed, err := mqtt.Dial(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		slog.Info("Using MQTT change feed", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.Prefix)
		return &backend{backend: feed, closers: []func() error{feed.Close}}, nil

	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
