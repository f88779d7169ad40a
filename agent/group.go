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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

// groupFanoutWorkers bounds concurrent per-member deliveries.
const groupFanoutWorkers = 10

// ErrGroupSendForbidden rejects a group send the group's settings do
// not allow for the caller's role.
var ErrGroupSendForbidden = errors.New("group settings forbid members sending")

// groupRosterEntry caches one group's membership and settings.
type groupRosterEntry struct {
	members   map[string]string // agent -> role
	settings  api.GroupSettings
	fetchedAt time.Time
}

// GroupSendResult reports the per-member fate of one group message. The
// message id is shared across every member's envelope.
type GroupSendResult struct {
	MessageID string
	Delivered []string
	Queued    []string
	Failed    map[string]string
}

// groupRoster returns the cached membership of a group, refreshing
// after the TTL.
func (a *Agent) groupRoster(ctx context.Context, comm *Community, groupID string) (map[string]string, error) {
	a.rosterMu.Lock()
	entry, ok := a.rosters[comm.Name()+"/"+groupID]
	a.rosterMu.Unlock()
	if ok && time.Since(entry.fetchedAt) <= a.cfg.MemberCacheTTL {
		return entry.members, nil
	}
	return a.refreshGroupRoster(ctx, comm, groupID)
}

// refreshGroupRoster reloads a group's membership and settings from the
// community relay.
func (a *Agent) refreshGroupRoster(ctx context.Context, comm *Community, groupID string) (map[string]string, error) {
	var (
		members []api.GroupMember
		group   *api.Group
	)
	err := comm.Call(func(cl *relayclient.Client) error {
		var err error
		if group, err = cl.Group(ctx, groupID); err != nil {
			return err
		}
		members, err = cl.GroupMembers(ctx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	roster := make(map[string]string, len(members))
	for _, m := range members {
		roster[m.Agent] = m.Role
	}
	a.rosterMu.Lock()
	a.rosters[comm.Name()+"/"+groupID] = &groupRosterEntry{
		members:   roster,
		settings:  group.Settings,
		fetchedAt: time.Now(),
	}
	a.rosterMu.Unlock()
	return roster, nil
}

func (a *Agent) groupSettings(comm *Community, groupID string) (api.GroupSettings, bool) {
	a.rosterMu.Lock()
	defer a.rosterMu.Unlock()
	entry, ok := a.rosters[comm.Name()+"/"+groupID]
	if !ok {
		return api.GroupSettings{}, false
	}
	return entry.settings, true
}

// SendGroupMessage encrypts payload pairwise for every group member and
// fans the envelopes out concurrently. All envelopes share one message
// id, so receivers dedup across members and the group thread stays
// coherent. Each member gets the usual presence gate: offline members'
// envelopes go to the retry queue under the shared id.
func (a *Agent) SendGroupMessage(ctx context.Context, community, groupID string, payload map[string]any) (*GroupSendResult, error) {
	comm, ok := a.manager.Community(community)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, community)
	}
	roster, err := a.refreshGroupRoster(ctx, comm, groupID)
	if err != nil {
		return nil, err
	}
	role, ok := roster[a.cfg.Username]
	if !ok {
		return nil, fmt.Errorf("%w: %s in group %s", ErrNotGroupMember, a.cfg.Username, groupID)
	}
	if settings, ok := a.groupSettings(comm, groupID); ok {
		if role == api.RoleMember && !settings.MembersCanSend {
			return nil, ErrGroupSendForbidden
		}
	}

	messageID := uuid.NewString()
	result := &GroupSendResult{MessageID: messageID, Failed: make(map[string]string)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(groupFanoutWorkers)
	for member := range roster {
		if member == a.cfg.Username {
			continue
		}
		member := member
		g.Go(func() error {
			status, err := a.sendToMember(ctx, comm, member, groupID, messageID, payload)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case DeliveryDelivered:
				result.Delivered = append(result.Delivered, member)
			case DeliveryQueued:
				result.Queued = append(result.Queued, member)
			default:
				msg := "delivery failed"
				if err != nil {
					msg = err.Error()
				}
				result.Failed[member] = msg
			}
			return nil
		})
	}
	g.Wait()

	a.log.Debug("Group message fanned out", "group", groupID, "id", messageID,
		"delivered", len(result.Delivered), "queued", len(result.Queued), "failed", len(result.Failed))
	return result, nil
}

// sendToMember seals and delivers one member's copy of a group message.
// Members outside the contact cache get their key and endpoint from the
// community registry instead; groups do not require pairwise contact
// relationships.
func (a *Agent) sendToMember(ctx context.Context, comm *Community, member, groupID, messageID string, payload map[string]any) (DeliveryStatus, error) {
	entry, ok := comm.Cache().Get(member)
	if !ok {
		var peer *api.Agent
		err := comm.Call(func(cl *relayclient.Client) error {
			var err error
			peer, err = cl.Agent(ctx, member)
			return err
		})
		if err != nil {
			return DeliveryFailed, err
		}
		// The registry does not say whether the peer is up; try the
		// delivery and let the outcome route to the queue.
		entry = &ContactEntry{
			Username:  peer.Name,
			PublicKey: peer.PublicKey,
			Endpoint:  peer.Endpoint,
			Online:    true,
			Community: comm.Name(),
		}
	}

	env, err := a.sealEnvelope(comm, entry, wire.TypeGroup, messageID, groupID, payload)
	if err != nil {
		return DeliveryFailed, err
	}
	if !entry.Online {
		if err := a.queue.Enqueue(messageID, member, comm.Name(), env); err != nil {
			return DeliveryFailed, err
		}
		return DeliveryQueued, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DeliveryTimeout)
	defer cancel()
	status, err := a.deliver(ctx, comm, entry, env)
	if status == DeliveryQueued {
		if qerr := a.queue.Enqueue(messageID, member, comm.Name(), env); qerr != nil {
			return DeliveryFailed, qerr
		}
	}
	return status, err
}
