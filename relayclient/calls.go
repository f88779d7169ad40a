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

package relayclient

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// Registry.

func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.Agent, error) {
	var out api.Agent
	if err := c.Post(ctx, "/registry/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Agent(ctx context.Context, name string) (*api.Agent, error) {
	var out api.Agent
	if err := c.Get(ctx, "/registry/agents/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Agents(ctx context.Context) ([]api.Agent, error) {
	var out []api.Agent
	if err := c.Get(ctx, "/registry/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ApproveAgent(ctx context.Context, name string) error {
	return c.Post(ctx, "/registry/agents/"+url.PathEscape(name)+"/approve", nil, nil)
}

func (c *Client) RevokeAgent(ctx context.Context, name string, req api.RevokeRequest) error {
	return c.Post(ctx, "/registry/agents/"+url.PathEscape(name)+"/revoke", req, nil)
}

// Email verification.

func (c *Client) VerifySend(ctx context.Context, username, email string) error {
	return c.Post(ctx, "/verify/send", api.VerifySendRequest{Username: username, Email: email}, nil)
}

func (c *Client) VerifyConfirm(ctx context.Context, username, email, code string) error {
	return c.Post(ctx, "/verify/confirm", api.VerifyConfirmRequest{Username: username, Email: email, Code: code}, nil)
}

// Contacts.

func (c *Client) RequestContact(ctx context.Context, to, greeting string) error {
	return c.Post(ctx, "/contacts/request", api.ContactRequest{To: to, Greeting: greeting}, nil)
}

func (c *Client) PendingContacts(ctx context.Context) ([]api.PendingContact, error) {
	var out []api.PendingContact
	if err := c.Get(ctx, "/contacts/pending", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AcceptContact(ctx context.Context, from string) error {
	return c.Post(ctx, "/contacts/"+url.PathEscape(from)+"/accept", nil, nil)
}

func (c *Client) DenyContact(ctx context.Context, from string) error {
	return c.Post(ctx, "/contacts/"+url.PathEscape(from)+"/deny", nil, nil)
}

func (c *Client) RemoveContact(ctx context.Context, agent string) error {
	return c.Delete(ctx, "/contacts/"+url.PathEscape(agent))
}

func (c *Client) Contacts(ctx context.Context) ([]api.Contact, error) {
	var out []api.Contact
	if err := c.Get(ctx, "/contacts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Presence.

func (c *Client) Heartbeat(ctx context.Context, endpoint string) (*api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	if err := c.Put(ctx, "/presence", api.HeartbeatRequest{Endpoint: endpoint}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Presence(ctx context.Context, agent string) (*api.Presence, error) {
	var out api.Presence
	if err := c.Get(ctx, "/presence/"+url.PathEscape(agent), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PresenceBatch(ctx context.Context, agents []string) ([]api.Presence, error) {
	var out []api.Presence
	path := "/presence/batch?agents=" + url.QueryEscape(strings.Join(agents, ","))
	if err := c.Get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Broadcasts and admin.

func (c *Client) Broadcasts(ctx context.Context, since time.Time) ([]api.Broadcast, error) {
	path := "/admin/broadcasts"
	if !since.IsZero() {
		path += "?since=" + strconv.FormatInt(since.Unix(), 10)
	}
	var out []api.Broadcast
	if err := c.Get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PostBroadcast(ctx context.Context, req api.BroadcastRequest) (*api.Broadcast, error) {
	var out api.Broadcast
	if err := c.Post(ctx, "/admin/broadcast", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AdminKeys(ctx context.Context) ([]api.AdminKey, error) {
	var out []api.AdminKey
	if err := c.Get(ctx, "/admin/keys", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PendingAgents(ctx context.Context) ([]api.Agent, error) {
	var out []api.Agent
	if err := c.Get(ctx, "/admin/pending", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Keys.

func (c *Client) RotateKey(ctx context.Context, newPublicKey string) (*api.RotateResponse, error) {
	var out api.RotateResponse
	if err := c.Post(ctx, "/keys/rotate", api.RotateRequest{NewPublicKey: newPublicKey}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecoverKey(ctx context.Context, req api.RecoverRequest) (*api.RecoverResponse, error) {
	var out api.RecoverResponse
	if err := c.Post(ctx, "/keys/recover", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Groups.

func (c *Client) CreateGroup(ctx context.Context, req api.CreateGroupRequest) (*api.Group, error) {
	var out api.Group
	if err := c.Post(ctx, "/groups", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Groups(ctx context.Context) ([]api.Group, error) {
	var out []api.Group
	if err := c.Get(ctx, "/groups", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Group(ctx context.Context, id string) (*api.Group, error) {
	var out api.Group
	if err := c.Get(ctx, "/groups/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GroupMembers(ctx context.Context, id string) ([]api.GroupMember, error) {
	var out []api.GroupMember
	if err := c.Get(ctx, "/groups/"+url.PathEscape(id)+"/members", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GroupChanges(ctx context.Context, since uint64) (*api.GroupChanges, error) {
	var out api.GroupChanges
	if err := c.Get(ctx, "/groups/changes?since="+strconv.FormatUint(since, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Invitations(ctx context.Context) ([]api.GroupInvitation, error) {
	var out []api.GroupInvitation
	if err := c.Get(ctx, "/groups/invitations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InviteToGroup(ctx context.Context, id, agent, greeting string) error {
	return c.Post(ctx, "/groups/"+url.PathEscape(id)+"/invite", api.InviteRequest{Agent: agent, Greeting: greeting}, nil)
}

func (c *Client) AcceptInvitation(ctx context.Context, id string) error {
	return c.Post(ctx, "/groups/"+url.PathEscape(id)+"/accept", nil, nil)
}

func (c *Client) DeclineInvitation(ctx context.Context, id string) error {
	return c.Post(ctx, "/groups/"+url.PathEscape(id)+"/decline", nil, nil)
}

func (c *Client) LeaveGroup(ctx context.Context, id string) error {
	return c.Post(ctx, "/groups/"+url.PathEscape(id)+"/leave", nil, nil)
}

func (c *Client) RemoveGroupMember(ctx context.Context, id, agent string) error {
	return c.Delete(ctx, "/groups/"+url.PathEscape(id)+"/members/"+url.PathEscape(agent))
}

func (c *Client) TransferGroup(ctx context.Context, id, to string) error {
	return c.Post(ctx, "/groups/"+url.PathEscape(id)+"/transfer", api.TransferRequest{To: to}, nil)
}

func (c *Client) DissolveGroup(ctx context.Context, id string) error {
	return c.Delete(ctx, "/groups/"+url.PathEscape(id))
}

// Health.

func (c *Client) Health(ctx context.Context) (*api.Health, error) {
	var out api.Health
	if err := c.Get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
