// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

const defaultStartTimeout = 60 * time.Second

// EmbedConfig configures a single-node etcd server run in-process, used for
// local development and demo deployments.
type EmbedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Name         string        `yaml:"name"`
	DataDir      string        `yaml:"data_dir"`
	ClientAddr   string        `yaml:"client_addr"`
	PeerAddr     string        `yaml:"peer_addr"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// Embedded is a running in-process etcd server.
type Embedded struct {
	etcd      *embed.Etcd
	endpoints []string
}

// StartEmbedded starts a single-node etcd server and waits until it is
// ready to serve clients.
func StartEmbedded(cfg EmbedConfig) (*Embedded, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("embedded etcd requires a data dir")
	}
	if cfg.Name == "" {
		cfg.Name = "gatepass"
	}
	if cfg.ClientAddr == "" {
		cfg.ClientAddr = "127.0.0.1:2379"
	}
	if cfg.PeerAddr == "" {
		cfg.PeerAddr = "127.0.0.1:2380"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}

	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}
	eCfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	eCfg.ClusterState = embed.ClusterStateFlagNew
	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(cfg.StartTimeout):
		e.Server.Stop()
		e.Close()
		return nil, errors.New("etcd server took too long to start")
	}

	return &Embedded{etcd: e, endpoints: []string{cfg.ClientAddr}}, nil
}

// Endpoints returns the client endpoints of the server.
func (e *Embedded) Endpoints() []string {
	return e.endpoints
}

// Close stops the server.
func (e *Embedded) Close() {
	e.etcd.Close()
}
