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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// ContactEntry is one cached peer of a community.
type ContactEntry struct {
	Username           string    `json:"username"`
	PublicKey          string    `json:"publicKey"`
	Endpoint           string    `json:"endpoint"`
	AddedAt            time.Time `json:"addedAt"`
	Online             bool      `json:"online"`
	LastSeen           time.Time `json:"lastSeen,omitempty"`
	KeyUpdatedAt       time.Time `json:"keyUpdatedAt,omitempty"`
	RecoveryInProgress bool      `json:"recoveryInProgress,omitempty"`
	Community          string    `json:"community"`
	RefreshedAt        time.Time `json:"refreshedAt"`
}

// ContactCache is the persisted per-community peer map. It is the only
// shared mutable state the hot send path reads, so every refresh
// replaces the whole map under one lock hold.
type ContactCache struct {
	mu        sync.RWMutex
	community string
	path      string
	entries   map[string]*ContactEntry
	log       log.Logger
}

// NewContactCache loads the cache persisted for community under
// dataDir. An unreadable or malformed file is logged and ignored; the
// cache starts empty and repopulates from the relay.
func NewContactCache(dataDir, community string) *ContactCache {
	c := &ContactCache{
		community: community,
		path:      filepath.Join(dataDir, community+".json"),
		entries:   make(map[string]*ContactEntry),
		log:       log.New("community", community),
	}
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c
	}
	if err != nil {
		c.log.Warn("Contact cache unreadable, starting empty", "path", c.path, "err", err)
		return c
	}
	var entries map[string]*ContactEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.log.Warn("Contact cache corrupt, starting empty", "path", c.path, "err", err)
		return c
	}
	for name, e := range entries {
		if e == nil || e.Username != name {
			c.log.Warn("Contact cache corrupt, starting empty", "path", c.path)
			return c
		}
	}
	c.entries = entries
	return c
}

// Get returns the cached entry for username, if any.
func (c *ContactCache) Get(username string) (*ContactEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[username]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Has reports whether username is a known contact.
func (c *ContactCache) Has(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[username]
	return ok
}

// Names lists the cached usernames sorted.
func (c *ContactCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries snapshots every cached contact, sorted by username.
func (c *ContactCache) Entries() []ContactEntry {
	c.mu.RLock()
	out := make([]ContactEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Len returns the number of cached contacts.
func (c *ContactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Replace swaps the whole map for the relay's current contact list and
// returns the peers whose public key changed, for key:changed events.
func (c *ContactCache) Replace(contacts []api.Contact, now time.Time) []KeyChangedEvent {
	fresh := make(map[string]*ContactEntry, len(contacts))
	var changes []KeyChangedEvent

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range contacts {
		e := &ContactEntry{
			Username:           ct.Agent,
			PublicKey:          ct.PublicKey,
			Endpoint:           ct.Endpoint,
			AddedAt:            ct.Since,
			Online:             ct.Online,
			RecoveryInProgress: ct.RecoveryInProgress,
			Community:          c.community,
			RefreshedAt:        now,
		}
		if ct.LastSeen != nil {
			e.LastSeen = *ct.LastSeen
		}
		if ct.KeyUpdatedAt != nil {
			e.KeyUpdatedAt = *ct.KeyUpdatedAt
		}
		if old, ok := c.entries[ct.Agent]; ok {
			e.AddedAt = old.AddedAt
			if old.PublicKey != ct.PublicKey {
				changes = append(changes, KeyChangedEvent{
					Community: c.community,
					Peer:      ct.Agent,
					OldKey:    old.PublicKey,
					NewKey:    ct.PublicKey,
				})
			}
		}
		fresh[ct.Agent] = e
	}
	c.entries = fresh
	return changes
}

// SetOnline updates the presence flag of one entry in place.
func (c *ContactCache) SetOnline(username string, online bool, lastSeen time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[username]; ok {
		e.Online = online
		if !lastSeen.IsZero() {
			e.LastSeen = lastSeen
		}
	}
}

// Save writes the cache to disk via a temp-file rename, so a crash
// never leaves a half-written file behind.
func (c *ContactCache) Save() error {
	c.mu.RLock()
	raw, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist contact cache: %w", err)
	}
	return nil
}
