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

package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
)

func TestGroupLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, _ := h.newAgent("bob")
	carol, _ := h.newAgent("carol")

	g, err := alice.CreateGroup(ctx, api.CreateGroupRequest{Name: "team"})
	require.NoError(t, err)
	require.Equal(t, "alice", g.Owner)
	require.Equal(t, api.MaxGroupMembers, g.Settings.MaxMembers)

	// Outsiders cannot see the group.
	_, err = bob.Group(ctx, g.ID)
	require.Equal(t, relayclient.KindNotFound, relayclient.KindOf(err))

	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "bob", "join us"))
	invs, err := bob.Invitations(ctx)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Equal(t, "team", invs[0].GroupName)
	require.Equal(t, "alice", invs[0].InvitedBy)

	// Duplicate invitations conflict; inviting a member conflicts too.
	err = alice.InviteToGroup(ctx, g.ID, "bob", "")
	require.Equal(t, relayclient.KindConflict, relayclient.KindOf(err))

	require.NoError(t, bob.AcceptInvitation(ctx, g.ID))
	err = alice.InviteToGroup(ctx, g.ID, "bob", "")
	require.Equal(t, relayclient.KindConflict, relayclient.KindOf(err))

	members, err := bob.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, api.RoleOwner, members[0].Role)
	require.Equal(t, "alice", members[0].Agent)

	// Plain members cannot invite unless the group allows it.
	err = bob.InviteToGroup(ctx, g.ID, "carol", "")
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// Declining consumes the invitation.
	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "carol", ""))
	require.NoError(t, carol.DeclineInvitation(ctx, g.ID))
	invs, err = carol.Invitations(ctx)
	require.NoError(t, err)
	require.Empty(t, invs)

	groups, err := bob.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, g.ID, groups[0].ID)
}

func TestGroupOwnership(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, _ := h.newAgent("bob")
	carol, _ := h.newAgent("carol")

	g, err := alice.CreateGroup(ctx, api.CreateGroupRequest{Name: "team"})
	require.NoError(t, err)
	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "bob", ""))
	require.NoError(t, bob.AcceptInvitation(ctx, g.ID))
	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "carol", ""))
	require.NoError(t, carol.AcceptInvitation(ctx, g.ID))

	// The owner may not leave; members may not transfer or dissolve.
	err = alice.LeaveGroup(ctx, g.ID)
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))
	err = bob.TransferGroup(ctx, g.ID, "carol")
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))
	err = bob.DissolveGroup(ctx, g.ID)
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// Members cannot remove each other.
	err = bob.RemoveGroupMember(ctx, g.ID, "carol")
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// Transfer keeps exactly one owner: alice drops to admin.
	require.NoError(t, alice.TransferGroup(ctx, g.ID, "bob"))
	members, err := bob.GroupMembers(ctx, g.ID)
	require.NoError(t, err)
	owners := 0
	roles := make(map[string]string)
	for _, m := range members {
		roles[m.Agent] = m.Role
		if m.Role == api.RoleOwner {
			owners++
		}
	}
	require.Equal(t, 1, owners)
	require.Equal(t, api.RoleOwner, roles["bob"])
	require.Equal(t, api.RoleAdmin, roles["alice"])

	// Admins remove members but not fellow admins.
	require.NoError(t, alice.RemoveGroupMember(ctx, g.ID, "carol"))
	err = alice.RemoveGroupMember(ctx, g.ID, "bob")
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// The old owner can now leave, and the new owner dissolves.
	require.NoError(t, alice.LeaveGroup(ctx, g.ID))
	require.NoError(t, bob.DissolveGroup(ctx, g.ID))
	_, err = bob.Group(ctx, g.ID)
	require.Equal(t, relayclient.KindNotFound, relayclient.KindOf(err))
}

func TestGroupChanges(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, _ := h.newAgent("bob")

	base, err := alice.GroupChanges(ctx, 0)
	require.NoError(t, err)

	g, err := alice.CreateGroup(ctx, api.CreateGroupRequest{Name: "team"})
	require.NoError(t, err)
	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "bob", ""))
	require.NoError(t, bob.AcceptInvitation(ctx, g.ID))

	changes, err := alice.GroupChanges(ctx, base.Seq)
	require.NoError(t, err)
	require.Greater(t, changes.Seq, base.Seq)
	require.Len(t, changes.Groups, 1)
	require.Equal(t, g.ID, changes.Groups[0].ID)

	// Polling from the new cursor sees nothing until the next mutation.
	quiet, err := alice.GroupChanges(ctx, changes.Seq)
	require.NoError(t, err)
	require.Empty(t, quiet.Groups)

	// A dissolve shows up so clients can purge caches.
	require.NoError(t, alice.DissolveGroup(ctx, g.ID))
	after, err := alice.GroupChanges(ctx, changes.Seq)
	require.NoError(t, err)
	require.Len(t, after.Groups, 1)
	require.Equal(t, api.GroupDissolved, after.Groups[0].Status)
}

func TestGroupMemberCap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, _ := h.newAgent("bob")
	carol, _ := h.newAgent("carol")

	settings := &api.GroupSettings{MembersCanInvite: true, MembersCanSend: true, MaxMembers: 2}
	g, err := alice.CreateGroup(ctx, api.CreateGroupRequest{Name: "tiny", Settings: settings})
	require.NoError(t, err)

	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "bob", ""))
	require.NoError(t, bob.AcceptInvitation(ctx, g.ID))

	require.NoError(t, alice.InviteToGroup(ctx, g.ID, "carol", ""))
	err = carol.AcceptInvitation(ctx, g.ID)
	require.Equal(t, relayclient.KindConflict, relayclient.KindOf(err))
}
