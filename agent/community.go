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
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
)

// ErrUnknownCommunity rejects operations addressed to a community the
// agent is not a member of.
var ErrUnknownCommunity = errors.New("unknown community")

// Community is one relay network the agent belongs to: a pair of relay
// clients (primary plus optional failover), the persisted contact
// cache, and the community's admin key set.
type Community struct {
	name     string
	username string
	events   *Events
	cache    *ContactCache
	log      log.Logger

	failoverThreshold int
	startupThreshold  int

	mu          sync.Mutex
	key         ed25519.PrivateKey
	primary     *relayclient.Client
	failover    *relayclient.Client
	onFailover  bool
	failures    int
	everReached bool

	adminKeys map[string]ed25519.PublicKey
	lastSeen  time.Time // newest broadcast CreatedAt observed
	seenCasts *lru.Cache[string, struct{}]
}

func newCommunity(cfg Config, cc CommunityConfig, events *Events) (*Community, error) {
	key := cc.PrivateKey
	if key == nil {
		key = cfg.PrivateKey
	}
	if key == nil {
		return nil, fmt.Errorf("community %s: no private key", cc.Name)
	}
	if cc.PrimaryURL == "" {
		return nil, fmt.Errorf("community %s: no relay URL", cc.Name)
	}
	c := &Community{
		name:              cc.Name,
		username:          cfg.Username,
		events:            events,
		cache:             NewContactCache(cfg.DataDir, cc.Name),
		log:               log.New("community", cc.Name),
		failoverThreshold: cfg.FailoverThreshold,
		startupThreshold:  cfg.StartupFailoverThreshold,
		key:               key,
		primary:           relayclient.NewClient(cc.PrimaryURL, cfg.Username, key),
		adminKeys:         make(map[string]ed25519.PublicKey),
		seenCasts:         lru.NewCache[string, struct{}](cfg.DedupCapacity),
	}
	if cc.FailoverURL != "" {
		c.failover = relayclient.NewClient(cc.FailoverURL, cfg.Username, key)
	}
	return c, nil
}

// Name returns the community's local handle.
func (c *Community) Name() string { return c.name }

// Key returns the private key in effect for this community.
func (c *Community) Key() ed25519.PrivateKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Cache exposes the community's contact cache.
func (c *Community) Cache() *ContactCache { return c.cache }

// Client returns the relay client currently in use. Failover is sticky:
// once traffic moves to the secondary it stays there until restart.
func (c *Community) Client() *relayclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onFailover {
		return c.failover
	}
	return c.primary
}

// Call runs fn against the active relay and feeds the outcome into the
// failover accounting. Only transport-level failures count against the
// relay; an HTTP rejection proves it is alive.
func (c *Community) Call(fn func(*relayclient.Client) error) error {
	cl := c.Client()
	err := fn(cl)
	c.account(err)
	return err
}

func (c *Community) account(err error) {
	if err != nil && relayclient.IsTransient(err) {
		c.mu.Lock()
		c.failures++
		threshold := c.failoverThreshold
		if !c.everReached {
			threshold = c.startupThreshold
		}
		flip := !c.onFailover && c.failover != nil && c.failures >= threshold
		if flip {
			c.onFailover = true
			c.failures = 0
		}
		relay := ""
		if flip {
			relay = c.failover.URL
		}
		c.mu.Unlock()
		if flip {
			c.log.Warn("Relay unreachable, switching to failover", "relay", relay)
			c.events.communityStatus.Send(CommunityStatusEvent{Community: c.name, Status: "failover", Relay: relay})
		}
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.everReached = true
	c.mu.Unlock()
}

// hosts lists the relay hostnames this community answers to, for
// resolving user@hostname recipients.
func (c *Community) hosts() []string {
	var out []string
	for _, cl := range []*relayclient.Client{c.primary, c.failover} {
		if cl == nil {
			continue
		}
		if u, err := url.Parse(cl.URL); err == nil && u.Hostname() != "" {
			out = append(out, strings.ToLower(u.Hostname()), strings.ToLower(u.Host))
		}
	}
	return out
}

// AdminKey returns the decoded public key of a community admin.
func (c *Community) AdminKey(agent string) (ed25519.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.adminKeys[agent]
	return k, ok
}

// RefreshContacts replaces the contact cache from the relay and emits
// key:changed events for any peer whose key moved.
func (c *Community) RefreshContacts(ctx context.Context) error {
	var contacts []api.Contact
	err := c.Call(func(cl *relayclient.Client) error {
		var err error
		contacts, err = cl.Contacts(ctx)
		return err
	})
	if err != nil {
		return err
	}
	for _, ev := range c.cache.Replace(contacts, time.Now()) {
		c.log.Info("Contact key changed", "peer", ev.Peer)
		c.events.keyChanged.Send(ev)
	}
	if err := c.cache.Save(); err != nil {
		c.log.Warn("Contact cache not persisted", "err", err)
	}
	return nil
}

// refreshAdminKeys pulls the community's current admin key set.
func (c *Community) refreshAdminKeys(ctx context.Context) error {
	var keys []api.AdminKey
	err := c.Call(func(cl *relayclient.Client) error {
		var err error
		keys, err = cl.AdminKeys(ctx)
		return err
	})
	if err != nil {
		return err
	}
	decoded := make(map[string]ed25519.PublicKey, len(keys))
	for _, k := range keys {
		pub, err := e2e.DecodePublicKey(k.PublicKey)
		if err != nil {
			c.log.Warn("Undecodable admin key", "admin", k.Agent, "err", err)
			continue
		}
		decoded[k.Agent] = pub
	}
	c.mu.Lock()
	c.adminKeys = decoded
	c.mu.Unlock()
	return nil
}

// pollBroadcasts fetches broadcasts newer than the last poll, verifies
// each against the admin key set, and emits events. Revocations
// additionally produce a RevocationEvent and evict the peer locally.
func (c *Community) pollBroadcasts(ctx context.Context) error {
	c.mu.Lock()
	since := c.lastSeen
	c.mu.Unlock()

	var casts []api.Broadcast
	err := c.Call(func(cl *relayclient.Client) error {
		var err error
		casts, err = cl.Broadcasts(ctx, since)
		return err
	})
	if err != nil {
		return err
	}
	for _, b := range casts {
		c.mu.Lock()
		if b.CreatedAt.After(c.lastSeen) {
			c.lastSeen = b.CreatedAt
		}
		c.mu.Unlock()
		if c.seenCasts.Contains(b.ID) {
			continue
		}
		c.seenCasts.Add(b.ID, struct{}{})
		if !c.verifyBroadcast(b) {
			c.log.Warn("Broadcast with bad signature dropped", "id", b.ID, "sender", b.Sender)
			continue
		}
		c.events.broadcast.Send(BroadcastEvent{
			Community: c.name,
			ID:        b.ID,
			Type:      b.Type,
			Sender:    b.Sender,
			Payload:   b.Payload,
		})
		if b.Type == api.BroadcastRevocation {
			var rev api.RevocationPayload
			if err := json.Unmarshal(b.Payload, &rev); err != nil {
				c.log.Warn("Malformed revocation payload", "id", b.ID, "err", err)
				continue
			}
			c.log.Warn("Agent revoked by community admin", "agent", rev.RevokedAgent)
			c.events.revocation.Send(RevocationEvent{
				Community:    c.name,
				RevokedAgent: rev.RevokedAgent,
				RevokedAt:    rev.RevokedAt,
			})
		}
	}
	return nil
}

func (c *Community) verifyBroadcast(b api.Broadcast) bool {
	return c.verifyAdminSig(b.Sender, b.Payload, b.Signature)
}

// verifyAdminSig checks a detached signature over body against sender's
// admin key. Admin keys are independent of identity keys; a valid
// envelope signature says nothing about admin authority.
func (c *Community) verifyAdminSig(sender string, body []byte, sig string) bool {
	pub, ok := c.AdminKey(sender)
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, body, raw)
}

func (c *Community) setKey(key ed25519.PrivateKey) {
	c.mu.Lock()
	c.key = key
	c.primary.SetKey(key)
	if c.failover != nil {
		c.failover.SetKey(key)
	}
	c.mu.Unlock()
}

// usesTopLevelKey reports whether the community signs with the agent's
// shared identity key rather than a per-community override.
func (c *Community) usesTopLevelKey(topLevel ed25519.PrivateKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.key) == string(topLevel)
}

// Manager owns the agent's community set: construction, heartbeats,
// recipient resolution and key rotation fan-out.
type Manager struct {
	cfg    Config
	events *Events
	clock  mclock.Clock
	log    log.Logger

	keyMu  sync.Mutex
	topKey ed25519.PrivateKey

	order       []string
	communities map[string]*Community
}

func newManager(cfg Config, events *Events, clock mclock.Clock) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		events:      events,
		clock:       clock,
		log:         log.New("module", "communities"),
		topKey:      cfg.PrivateKey,
		communities: make(map[string]*Community),
	}
	for _, cc := range cfg.Communities {
		if _, dup := m.communities[cc.Name]; dup {
			return nil, fmt.Errorf("duplicate community %s", cc.Name)
		}
		c, err := newCommunity(cfg, cc, events)
		if err != nil {
			return nil, err
		}
		m.communities[cc.Name] = c
		m.order = append(m.order, cc.Name)
	}
	if len(m.order) == 0 {
		return nil, errors.New("no communities configured")
	}
	if _, ok := m.communities[cfg.DefaultCommunity]; !ok {
		return nil, fmt.Errorf("default community %s not configured", cfg.DefaultCommunity)
	}
	return m, nil
}

// Community returns the named community.
func (m *Manager) Community(name string) (*Community, bool) {
	c, ok := m.communities[name]
	return c, ok
}

// Default returns the default community.
func (m *Manager) Default() *Community {
	return m.communities[m.cfg.DefaultCommunity]
}

// All lists the communities in configuration order.
func (m *Manager) All() []*Community {
	out := make([]*Community, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.communities[name])
	}
	return out
}

// Resolve maps a recipient to (username, community). A qualified name
// user@hostname picks the community whose relay lives on that host. A
// bare name prefers the first community whose contact cache knows the
// user, falling back to the default community.
func (m *Manager) Resolve(recipient string) (string, *Community, error) {
	if user, host, ok := strings.Cut(recipient, "@"); ok {
		host = strings.ToLower(host)
		for _, name := range m.order {
			c := m.communities[name]
			for _, h := range c.hosts() {
				if h == host {
					return user, c, nil
				}
			}
		}
		return "", nil, fmt.Errorf("%w: no relay on %s", ErrUnknownCommunity, host)
	}
	for _, name := range m.order {
		if c := m.communities[name]; c.cache.Has(recipient) {
			return recipient, c, nil
		}
	}
	return recipient, m.Default(), nil
}

// run drives one heartbeat loop per community until ctx ends. The first
// beat fires immediately so caches warm up at startup.
func (m *Manager) run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.All() {
		wg.Add(1)
		go func(c *Community) {
			defer wg.Done()
			m.heartbeatLoop(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (m *Manager) heartbeatLoop(ctx context.Context, c *Community) {
	m.beat(ctx, c)
	timer := m.clock.NewTimer(m.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			m.beat(ctx, c)
			timer.Reset(m.cfg.HeartbeatInterval)
		}
	}
}

// beat is one heartbeat cycle: announce presence, then refresh the
// contact cache, the admin key set and the broadcast feed. Failures are
// logged and retried next interval; the loop never stops.
func (m *Manager) beat(ctx context.Context, c *Community) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RelayTimeout)
	defer cancel()

	err := c.Call(func(cl *relayclient.Client) error {
		_, err := cl.Heartbeat(ctx, m.cfg.Endpoint)
		return err
	})
	if err != nil {
		c.log.Debug("Heartbeat failed", "err", err)
		return
	}
	if err := c.RefreshContacts(ctx); err != nil {
		c.log.Debug("Contact refresh failed", "err", err)
	}
	if err := c.refreshAdminKeys(ctx); err != nil {
		c.log.Debug("Admin key refresh failed", "err", err)
	}
	if err := c.pollBroadcasts(ctx); err != nil {
		c.log.Debug("Broadcast poll failed", "err", err)
	}
}

// RotateKey publishes a new public key and swaps the signing key on the
// affected communities. With no filter the rotation targets every
// community using the agent's top-level key; per-community override
// keys rotate only when named explicitly. A partial landing emits a
// KeyRotationPartialEvent so the caller knows which communities now
// expect which key.
func (m *Manager) RotateKey(ctx context.Context, newKey ed25519.PrivateKey, communities []string) ([]RotationResult, error) {
	m.keyMu.Lock()
	topKey := m.topKey
	m.keyMu.Unlock()

	var targets []*Community
	if len(communities) == 0 {
		for _, c := range m.All() {
			if c.usesTopLevelKey(topKey) {
				targets = append(targets, c)
			}
		}
	} else {
		for _, name := range communities {
			c, ok := m.communities[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, name)
			}
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return nil, errors.New("no communities to rotate")
	}

	newPub, err := e2e.EncodePublicKey(newKey.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	results := make([]RotationResult, 0, len(targets))
	failed := 0
	for _, c := range targets {
		err := c.Call(func(cl *relayclient.Client) error {
			_, err := cl.RotateKey(ctx, newPub)
			return err
		})
		if err != nil {
			failed++
			c.log.Error("Key rotation failed", "err", err)
		} else {
			c.setKey(newKey)
			c.log.Info("Key rotated")
		}
		results = append(results, RotationResult{Community: c.name, Err: err})
	}
	if failed == len(targets) {
		return results, errors.New("key rotation failed on every community")
	}
	if len(communities) == 0 {
		m.keyMu.Lock()
		m.topKey = newKey
		m.keyMu.Unlock()
	}
	if failed > 0 {
		m.events.rotationPartial.Send(KeyRotationPartialEvent{Results: results})
	}
	return results, nil
}

// RecoverKey starts email-verified key recovery on one community. The
// relay holds the old key until the cool-off passes, then serves the
// new one; the caller keeps newKey safe meanwhile.
func (m *Manager) RecoverKey(ctx context.Context, community, email, code string, newKey ed25519.PrivateKey) (*api.RecoverResponse, error) {
	c, ok := m.communities[community]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, community)
	}
	newPub, err := e2e.EncodePublicKey(newKey.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	var res *api.RecoverResponse
	err = c.Call(func(cl *relayclient.Client) error {
		var err error
		res, err = cl.RecoverKey(ctx, api.RecoverRequest{
			Name:         m.cfg.Username,
			Email:        email,
			Code:         code,
			NewPublicKey: newPub,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("Key recovery scheduled", "recoverAt", res.RecoverAt)
	return res, nil
}
