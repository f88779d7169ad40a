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

// Package agent implements the client runtime of the network: a
// multi-community identity that sends and receives end-to-end encrypted
// messages peer to peer, coordinating contacts, presence, groups and
// key lifecycle through each community's relay.
//
// The runtime is event driven. Inbound envelopes, delivery outcomes,
// broadcasts and contact traffic surface on typed feeds; the host
// application subscribes to what it cares about and drives sends
// through the public methods.
package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

// Agent is the client runtime. Construct with New, wire subscriptions,
// then Start.
type Agent struct {
	cfg     Config
	log     log.Logger
	events  *Events
	manager *Manager
	queue   *RetryQueue
	reports *reportLog
	http    *http.Client
	clock   mclock.Clock

	// Per-channel duplicate sets. Broadcasts dedupe against each
	// community's broadcast id set instead, shared with relay polling.
	seenDirect *lru.Cache[string, struct{}]
	seenGroup  *lru.Cache[string, struct{}]

	rosterMu sync.Mutex
	rosters  map[string]*groupRosterEntry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New builds an agent runtime from cfg. The runtime is idle until
// Start.
func New(cfg Config) (*Agent, error) {
	return newAgent(cfg, mclock.System{})
}

func newAgent(cfg Config, clock mclock.Clock) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.Username == "" {
		return nil, errors.New("agent: no username")
	}
	if len(cfg.Communities) == 0 {
		return nil, errors.New("agent: no communities configured")
	}

	a := &Agent{
		cfg:        cfg,
		log:        log.New("agent", cfg.Username),
		events:     new(Events),
		reports:    newReportLog(cfg.ReportCap),
		seenDirect: lru.NewCache[string, struct{}](cfg.DedupCapacity),
		seenGroup:  lru.NewCache[string, struct{}](cfg.DedupCapacity),
		http:       &http.Client{Timeout: cfg.DeliveryTimeout},
		clock:      clock,
		rosters:    make(map[string]*groupRosterEntry),
	}
	a.queue = NewRetryQueue(clock, cfg.RetryQueueMax, cfg.RetryOffsets, cfg.RetryHorizon, a.onDeliveryStatus)

	manager, err := newManager(cfg, a.events, clock)
	if err != nil {
		return nil, err
	}
	a.manager = manager
	return a, nil
}

// onDeliveryStatus forwards queue transitions to subscribers and closes
// out delivery reports on terminal states.
func (a *Agent) onDeliveryStatus(ev DeliveryStatusEvent) {
	switch ev.Status {
	case DeliveryDelivered, DeliveryExpired, DeliveryFailed:
		a.reports.finish(ev.MessageID, ev.Status)
	}
	switch ev.Status {
	case DeliveryQueued:
		queuedMeter.Mark(1)
	case DeliveryExpired, DeliveryFailed:
		failedMeter.Mark(1)
	}
	a.events.deliveryStatus.Send(ev)
}

// Events exposes the subscription surface.
func (a *Agent) Events() *Events { return a.events }

// Username returns the agent's name.
func (a *Agent) Username() string { return a.cfg.Username }

// Communities lists the configured community names in order.
func (a *Agent) Communities() []string {
	var names []string
	for _, c := range a.manager.All() {
		names = append(names, c.Name())
	}
	return names
}

// QueueLen reports the number of messages waiting for retry.
func (a *Agent) QueueLen() int { return a.queue.Len() }

// Start brings up the heartbeat loops and the retry scanner. Calling
// Start on a running agent is a no-op.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go func() {
		defer close(a.done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.manager.run(ctx)
		}()
		go func() {
			defer wg.Done()
			a.scanLoop(ctx)
		}()
		wg.Wait()
	}()
	a.log.Info("Agent started", "communities", len(a.manager.All()))
	return nil
}

// Stop shuts the runtime down, flushes the contact caches and closes
// the event feeds. Idempotent.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done
	for _, c := range a.manager.All() {
		if err := c.Cache().Save(); err != nil {
			a.log.Warn("Contact cache not persisted on shutdown", "community", c.Name(), "err", err)
		}
	}
	a.events.Close()
	a.log.Info("Agent stopped")
	return nil
}

// scanLoop wakes every ScanInterval and runs due retries.
func (a *Agent) scanLoop(ctx context.Context) {
	timer := a.clock.NewTimer(a.cfg.ScanInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			a.retryDue(ctx)
			timer.Reset(a.cfg.ScanInterval)
		}
	}
}

// community resolves a community name, with "" meaning the default.
func (a *Agent) community(name string) (*Community, error) {
	if name == "" {
		return a.manager.Default(), nil
	}
	c, ok := a.manager.Community(name)
	if !ok {
		return nil, ErrUnknownCommunity
	}
	return c, nil
}

// Contacts returns the cached contact list of one community.
func (a *Agent) Contacts(community string) ([]ContactEntry, error) {
	c, err := a.community(community)
	if err != nil {
		return nil, err
	}
	return c.Cache().Entries(), nil
}

// RequestContact asks to exchange keys with another agent on a
// community, with an optional greeting for the human on the other side.
func (a *Agent) RequestContact(ctx context.Context, community, to, greeting string) error {
	c, err := a.community(community)
	if err != nil {
		return err
	}
	return c.Call(func(cl *relayclient.Client) error {
		return cl.RequestContact(ctx, to, greeting)
	})
}

// PendingContacts lists contact requests awaiting our answer.
func (a *Agent) PendingContacts(ctx context.Context, community string) ([]api.PendingContact, error) {
	c, err := a.community(community)
	if err != nil {
		return nil, err
	}
	var out []api.PendingContact
	err = c.Call(func(cl *relayclient.Client) error {
		var err error
		out, err = cl.PendingContacts(ctx)
		return err
	})
	return out, err
}

// AcceptContact accepts a pending contact request and refreshes the
// cache so the new peer is immediately sendable.
func (a *Agent) AcceptContact(ctx context.Context, community, from string) error {
	c, err := a.community(community)
	if err != nil {
		return err
	}
	if err := c.Call(func(cl *relayclient.Client) error {
		return cl.AcceptContact(ctx, from)
	}); err != nil {
		return err
	}
	if err := c.RefreshContacts(ctx); err != nil {
		return err
	}
	go a.sendContactResponse(c, from, true)
	return nil
}

// DenyContact declines a pending contact request.
func (a *Agent) DenyContact(ctx context.Context, community, from string) error {
	c, err := a.community(community)
	if err != nil {
		return err
	}
	if err := c.Call(func(cl *relayclient.Client) error {
		return cl.DenyContact(ctx, from)
	}); err != nil {
		return err
	}
	go a.sendContactResponse(c, from, false)
	return nil
}

// sendContactResponse notifies the requester of our decision with a
// contact-response envelope, best effort. A denied requester is not a
// contact, so the endpoint and key come from the registry.
func (a *Agent) sendContactResponse(comm *Community, requester string, accepted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeliveryTimeout)
	defer cancel()

	entry, ok := comm.Cache().Get(requester)
	if !ok {
		var peer *api.Agent
		err := comm.Call(func(cl *relayclient.Client) error {
			var err error
			peer, err = cl.Agent(ctx, requester)
			return err
		})
		if err != nil {
			comm.log.Debug("Contact response not sent", "to", requester, "err", err)
			return
		}
		entry = &ContactEntry{
			Username:  peer.Name,
			PublicKey: peer.PublicKey,
			Endpoint:  peer.Endpoint,
			Online:    true,
			Community: comm.Name(),
		}
	}
	payload := wire.ContactResponsePayload{Community: comm.Name(), Responder: a.cfg.Username, Accepted: accepted}
	env, err := wire.NewEnvelope(wire.TypeContactResponse, uuid.NewString(), a.cfg.Username, requester, payload, time.Now())
	if err != nil {
		return
	}
	if err := env.Sign(comm.Key()); err != nil {
		return
	}
	if _, err := a.deliver(ctx, comm, entry, env); err != nil {
		comm.log.Debug("Contact response not delivered", "to", requester, "err", err)
	}
}

// RemoveContact drops an established contact on both sides of the
// relay's ledger and from the local cache.
func (a *Agent) RemoveContact(ctx context.Context, community, name string) error {
	c, err := a.community(community)
	if err != nil {
		return err
	}
	if err := c.Call(func(cl *relayclient.Client) error {
		return cl.RemoveContact(ctx, name)
	}); err != nil {
		return err
	}
	return c.RefreshContacts(ctx)
}

// Presence queries live presence for a set of peers on one community.
func (a *Agent) Presence(ctx context.Context, community string, names []string) ([]api.Presence, error) {
	c, err := a.community(community)
	if err != nil {
		return nil, err
	}
	var out []api.Presence
	err = c.Call(func(cl *relayclient.Client) error {
		var err error
		out, err = cl.PresenceBatch(ctx, names)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range out {
		var last time.Time
		if p.LastSeen != nil {
			last = *p.LastSeen
		}
		c.Cache().SetOnline(p.Agent, p.Online, last)
	}
	return out, nil
}

// RefreshContacts forces a cache refresh on one community.
func (a *Agent) RefreshContacts(ctx context.Context, community string) error {
	c, err := a.community(community)
	if err != nil {
		return err
	}
	return c.RefreshContacts(ctx)
}

// RotateKey rotates the agent's signing key. Without a community filter
// it targets every community using the top-level key and, on success,
// adopts newKey as the top-level key for future communities too.
func (a *Agent) RotateKey(ctx context.Context, newKey ed25519.PrivateKey, communities []string) ([]RotationResult, error) {
	return a.manager.RotateKey(ctx, newKey, communities)
}

// RecoverKey starts email-verified key recovery on one community after
// the current key is lost.
func (a *Agent) RecoverKey(ctx context.Context, community, email, code string, newKey ed25519.PrivateKey) (*api.RecoverResponse, error) {
	return a.manager.RecoverKey(ctx, community, email, code, newKey)
}
