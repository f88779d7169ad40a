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
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	var req api.CreateGroupRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return errBadRequest("group name is required")
	}
	settings := api.GroupSettings{MaxMembers: api.MaxGroupMembers}
	if req.Settings != nil {
		settings = *req.Settings
		if settings.MaxMembers <= 0 || settings.MaxMembers > api.MaxGroupMembers {
			settings.MaxMembers = api.MaxGroupMembers
		}
	}
	row, err := s.store.CreateGroup(uuid.NewString(), req.Name, caller.Name, settings, s.now())
	if err != nil {
		return err
	}
	s.log.Info("Group created", "group", row.ID, "owner", caller.Name)
	s.JSON(w, http.StatusCreated, groupView(row))
	return nil
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	rows, err := s.store.GroupsOf(caller.Name)
	if err != nil {
		return err
	}
	out := make([]api.Group, 0, len(rows))
	for _, row := range rows {
		out = append(out, groupView(row))
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

// getGroup serves GET /groups/:id, and hosts the static routes that
// share the :id slot: /groups/changes and /groups/invitations.
func (s *Server) getGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	switch p.ByName("id") {
	case "changes":
		return s.groupChanges(w, r, caller)
	case "invitations":
		return s.listInvitations(w, caller)
	}
	row, _, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	s.JSON(w, http.StatusOK, groupView(row))
	return nil
}

func (s *Server) groupChanges(w http.ResponseWriter, r *http.Request, caller *AgentRow) error {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if since, err = strconv.ParseUint(v, 10, 64); err != nil {
			return errBadRequest("bad since parameter %q", v)
		}
	}
	seq, err := s.store.GroupChangeSeq()
	if err != nil {
		return err
	}
	rows, err := s.store.GroupsSince(since)
	if err != nil {
		return err
	}
	out := api.GroupChanges{Seq: seq, Groups: make([]api.Group, 0, len(rows))}
	for _, row := range rows {
		out.Groups = append(out.Groups, groupView(row))
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) listInvitations(w http.ResponseWriter, caller *AgentRow) error {
	rows, err := s.store.InvitationsFor(caller.Name)
	if err != nil {
		return err
	}
	out := make([]api.GroupInvitation, 0, len(rows))
	for _, row := range rows {
		name := ""
		if g, err := s.store.Group(row.GroupID); err == nil {
			name = g.Name
		}
		out = append(out, api.GroupInvitation{
			GroupID:   row.GroupID,
			GroupName: name,
			Invitee:   row.Invitee,
			InvitedBy: row.InvitedBy,
			Greeting:  row.Greeting,
			CreatedAt: row.CreatedAt,
		})
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) dissolveGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	row, _, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	if row.Owner != caller.Name {
		return errForbidden("only the owner may dissolve a group")
	}
	if err := s.store.DissolveGroup(row.ID); err != nil {
		return err
	}
	s.log.Info("Group dissolved", "group", row.ID, "owner", caller.Name)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) groupMembers(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	row, _, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	members, err := s.store.GroupMembers(row.ID)
	if err != nil {
		return err
	}
	out := make([]api.GroupMember, 0, len(members))
	for _, m := range members {
		out = append(out, api.GroupMember{Agent: m.Agent, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) inviteToGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	row, member, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	if member.Role == api.RoleMember && !row.CanInvite {
		return errForbidden("members may not invite in this group")
	}
	var req api.InviteRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if len(req.Greeting) > api.MaxGreetingLen {
		return errBadRequest("greeting longer than %d characters", api.MaxGreetingLen)
	}
	invitee, err := s.store.Agent(req.Agent)
	if err == ErrNotFound || (err == nil && invitee.Status != api.StatusActive) {
		return errNotFound("no active agent %q", req.Agent)
	}
	if err != nil {
		return err
	}
	if err := s.store.CreateInvitation(row.ID, req.Agent, caller.Name, req.Greeting, s.now()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	id := p.ByName("id")
	if err := s.store.AcceptInvitation(id, caller.Name, s.now()); err != nil {
		if err == ErrNotFound {
			return errNotFound("no invitation to group %q", id)
		}
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) declineInvitation(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	id := p.ByName("id")
	if err := s.store.DeclineInvitation(id, caller.Name); err != nil {
		if err == ErrNotFound {
			return errNotFound("no invitation to group %q", id)
		}
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	row, member, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	if member.Role == api.RoleOwner {
		return errBadRequest("the owner must transfer or dissolve the group")
	}
	if err := s.store.RemoveGroupMember(row.ID, caller.Name); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) removeGroupMember(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	row, member, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	target := p.ByName("agent")
	if target == caller.Name {
		return errBadRequest("use leave to remove yourself")
	}
	targetMember, err := s.store.GroupMember(row.ID, target)
	if err != nil {
		if err == ErrNotFound {
			return errNotFound("%q is not a member", target)
		}
		return err
	}
	// Owners remove anyone; admins remove plain members only.
	switch member.Role {
	case api.RoleOwner:
	case api.RoleAdmin:
		if targetMember.Role != api.RoleMember {
			return errForbidden("admins may only remove members")
		}
	default:
		return errForbidden("members may not remove others")
	}
	if err := s.store.RemoveGroupMember(row.ID, target); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) transferGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	row, member, err := s.memberGroup(p.ByName("id"), caller.Name)
	if err != nil {
		return err
	}
	if member.Role != api.RoleOwner {
		return errForbidden("only the owner may transfer a group")
	}
	var req api.TransferRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.To == caller.Name {
		return errBadRequest("cannot transfer to yourself")
	}
	if err := s.store.TransferGroup(row.ID, caller.Name, req.To); err != nil {
		if err == ErrNotFound {
			return errNotFound("%q is not a member", req.To)
		}
		return err
	}
	s.log.Info("Group transferred", "group", row.ID, "from", caller.Name, "to", req.To)
	w.WriteHeader(http.StatusOK)
	return nil
}

// memberGroup loads an active group and checks the caller belongs to it.
// Outsiders get 404, not 403: group existence is not theirs to probe.
func (s *Server) memberGroup(id, agent string) (*GroupRow, *MemberRow, error) {
	row, err := s.store.Group(id)
	if err == ErrNotFound {
		return nil, nil, errNotFound("no group %q", id)
	}
	if err != nil {
		return nil, nil, err
	}
	if row.Status != api.GroupActive {
		return nil, nil, errNotFound("no group %q", id)
	}
	member, err := s.store.GroupMember(id, agent)
	if err == ErrNotFound {
		return nil, nil, errNotFound("no group %q", id)
	}
	if err != nil {
		return nil, nil, err
	}
	return row, member, nil
}

func groupView(row *GroupRow) api.Group {
	return api.Group{
		ID:     row.ID,
		Name:   row.Name,
		Owner:  row.Owner,
		Status: row.Status,
		Settings: api.GroupSettings{
			MembersCanInvite: row.CanInvite,
			MembersCanSend:   row.CanSend,
			MaxMembers:       row.MaxMembers,
		},
		ChangeSeq: row.ChangeSeq,
		CreatedAt: row.CreatedAt,
	}
}
