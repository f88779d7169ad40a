// Copyright 2025 The cc4me-network Authors
// This file is part of the cc4me-network library.
//
// The cc4me-network library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cc4me-network library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cc4me-network library. If not, see <http://www.gnu.org/licenses/>.

package agent

import (
	"crypto/ed25519"
	"time"
)

// CommunityConfig describes one community the agent belongs to.
type CommunityConfig struct {
	// Name is the local handle for the community.
	Name string
	// PrimaryURL is the community's relay. FailoverURL, when set, takes
	// over after repeated primary failures and keeps the traffic until
	// restart: failover is sticky.
	PrimaryURL  string
	FailoverURL string
	// PrivateKey overrides the agent's top-level identity key for this
	// community. Leave nil to use Config.PrivateKey.
	PrivateKey ed25519.PrivateKey
}

// Config carries every tunable of the agent runtime. Zero fields fall
// back to the DefaultConfig values in New.
type Config struct {
	// Username is the agent's name on every community it joins.
	Username string
	// PrivateKey is the agent's identity key, used for envelope and
	// relay-request signing unless a community overrides it.
	PrivateKey ed25519.PrivateKey
	// Endpoint is the public HTTPS inbox URL advertised via heartbeats.
	Endpoint string

	// Communities lists the networks to join. The first entry is the
	// default community unless DefaultCommunity says otherwise.
	Communities      []CommunityConfig
	DefaultCommunity string

	// DataDir holds the per-community contact cache files.
	DataDir string

	HeartbeatInterval time.Duration
	// FailoverThreshold is the consecutive-failure count that flips a
	// community to its failover relay. StartupFailoverThreshold applies
	// instead until the first successful call, so a dead primary does
	// not stall startup for long.
	FailoverThreshold        int
	StartupFailoverThreshold int

	RetryQueueMax int
	// RetryOffsets schedules re-attempts relative to enqueue time; its
	// length caps the attempts per queued message.
	RetryOffsets []time.Duration
	RetryHorizon time.Duration
	ScanInterval time.Duration

	DeliveryTimeout time.Duration
	RelayTimeout    time.Duration

	// ContactStaleAfter ages cache entries; a send to a stale entry
	// refreshes the contact list first (best effort).
	ContactStaleAfter time.Duration
	MemberCacheTTL    time.Duration

	DedupCapacity int
	ReportCap     int

	// SendReceipts acknowledges received direct messages with receipt
	// envelopes.
	SendReceipts bool

	// AllowInsecureTransport permits plain http peer endpoints. Tests
	// only; production delivery requires TLS.
	AllowInsecureTransport bool
}

// DefaultConfig carries the deployed defaults.
var DefaultConfig = Config{
	HeartbeatInterval:        5 * time.Minute,
	FailoverThreshold:        3,
	StartupFailoverThreshold: 2,
	RetryQueueMax:            100,
	RetryOffsets:             []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second},
	RetryHorizon:             time.Hour,
	ScanInterval:             time.Second,
	DeliveryTimeout:          5 * time.Second,
	RelayTimeout:             5 * time.Second,
	ContactStaleAfter:        10 * time.Minute,
	MemberCacheTTL:           time.Minute,
	DedupCapacity:            1000,
	ReportCap:                500,
}

// withDefaults fills zero fields from DefaultConfig.
func (cfg Config) withDefaults() Config {
	d := DefaultConfig
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.FailoverThreshold == 0 {
		cfg.FailoverThreshold = d.FailoverThreshold
	}
	if cfg.StartupFailoverThreshold == 0 {
		cfg.StartupFailoverThreshold = d.StartupFailoverThreshold
	}
	if cfg.RetryQueueMax == 0 {
		cfg.RetryQueueMax = d.RetryQueueMax
	}
	if cfg.RetryOffsets == nil {
		cfg.RetryOffsets = d.RetryOffsets
	}
	if cfg.RetryHorizon == 0 {
		cfg.RetryHorizon = d.RetryHorizon
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = d.ScanInterval
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = d.DeliveryTimeout
	}
	if cfg.RelayTimeout == 0 {
		cfg.RelayTimeout = d.RelayTimeout
	}
	if cfg.ContactStaleAfter == 0 {
		cfg.ContactStaleAfter = d.ContactStaleAfter
	}
	if cfg.MemberCacheTTL == 0 {
		cfg.MemberCacheTTL = d.MemberCacheTTL
	}
	if cfg.DedupCapacity == 0 {
		cfg.DedupCapacity = d.DedupCapacity
	}
	if cfg.ReportCap == 0 {
		cfg.ReportCap = d.ReportCap
	}
	if cfg.DefaultCommunity == "" && len(cfg.Communities) > 0 {
		cfg.DefaultCommunity = cfg.Communities[0].Name
	}
	return cfg
}
