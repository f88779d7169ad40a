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
	"database/sql"
	"errors"
	"time"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

var (
	// ErrGroupFull reports a join that would exceed the member cap.
	ErrGroupFull = errors.New("group is full")
	// ErrAlreadyMember reports an invitation or join for a current member.
	ErrAlreadyMember = errors.New("already a member")
	// ErrInviteExists reports a duplicate open invitation.
	ErrInviteExists = errors.New("invitation already exists")
)

// GroupRow mirrors one groups row.
type GroupRow struct {
	ID         string
	Name       string
	Owner      string
	Status     string
	CanInvite  bool
	CanSend    bool
	MaxMembers int
	ChangeSeq  uint64
	CreatedAt  time.Time
}

// MemberRow mirrors one group_members row.
type MemberRow struct {
	GroupID  string
	Agent    string
	Role     string
	JoinedAt time.Time
}

// InvitationRow mirrors one group_invitations row.
type InvitationRow struct {
	GroupID   string
	Invitee   string
	InvitedBy string
	Greeting  string
	CreatedAt time.Time
}

// bumpChangeSeq advances the global group change counter and stamps the
// group with it, so clients can poll "what changed since seq N".
func bumpChangeSeq(tx *sql.Tx, groupID string) (uint64, error) {
	_, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('group_change_seq', 1)
		 ON CONFLICT(key) DO UPDATE SET value = value + 1`)
	if err != nil {
		return 0, err
	}
	var seq uint64
	if err := tx.QueryRow(`SELECT value FROM meta WHERE key = 'group_change_seq'`).Scan(&seq); err != nil {
		return 0, err
	}
	if groupID != "" {
		if _, err := tx.Exec(`UPDATE groups SET change_seq = ? WHERE id = ?`, seq, groupID); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// GroupChangeSeq reads the current change counter.
func (s *Store) GroupChangeSeq() (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'group_change_seq'`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// CreateGroup inserts a group with its owner as the first member.
func (s *Store) CreateGroup(id, name, owner string, settings api.GroupSettings, now time.Time) (*GroupRow, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO groups (id, name, owner, status, can_invite, can_send, max_members, change_seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, name, owner, api.GroupActive, boolInt(settings.MembersCanInvite), boolInt(settings.MembersCanSend),
		settings.MaxMembers, now.Unix())
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		`INSERT INTO group_members (group_id, agent, role, joined_at) VALUES (?, ?, ?, ?)`,
		id, owner, api.RoleOwner, now.Unix())
	if err != nil {
		return nil, err
	}
	seq, err := bumpChangeSeq(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &GroupRow{
		ID: id, Name: name, Owner: owner, Status: api.GroupActive,
		CanInvite: settings.MembersCanInvite, CanSend: settings.MembersCanSend,
		MaxMembers: settings.MaxMembers, ChangeSeq: seq, CreatedAt: now,
	}, nil
}

func (s *Store) Group(id string) (*GroupRow, error) {
	return scanGroup(s.db.QueryRow(
		`SELECT id, name, owner, status, can_invite, can_send, max_members, change_seq, created_at
		 FROM groups WHERE id = ?`, id))
}

// GroupsOf lists the active groups agent belongs to.
func (s *Store) GroupsOf(agent string) ([]*GroupRow, error) {
	rows, err := s.db.Query(
		`SELECT g.id, g.name, g.owner, g.status, g.can_invite, g.can_send, g.max_members, g.change_seq, g.created_at
		 FROM groups g JOIN group_members m ON m.group_id = g.id
		 WHERE m.agent = ? AND g.status = ? ORDER BY g.name`,
		agent, api.GroupActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// GroupsSince lists groups whose change counter is above seq. Dissolved
// groups are included so clients drop them from member caches.
func (s *Store) GroupsSince(seq uint64) ([]*GroupRow, error) {
	rows, err := s.db.Query(
		`SELECT id, name, owner, status, can_invite, can_send, max_members, change_seq, created_at
		 FROM groups WHERE change_seq > ? ORDER BY change_seq`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// DissolveGroup marks the group dissolved and clears members and
// invitations.
func (s *Store) DissolveGroup(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE groups SET status = ? WHERE id = ? AND status = ?`,
		api.GroupDissolved, id, api.GroupActive)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM group_invitations WHERE group_id = ?`, id); err != nil {
		return err
	}
	if _, err := bumpChangeSeq(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GroupMember returns agent's membership row in the group.
func (s *Store) GroupMember(groupID, agent string) (*MemberRow, error) {
	var m MemberRow
	err := s.db.QueryRow(
		`SELECT group_id, agent, role, joined_at FROM group_members WHERE group_id = ? AND agent = ?`,
		groupID, agent).Scan(&m.GroupID, &m.Agent, &m.Role, (*unixTime)(&m.JoinedAt))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GroupMembers lists the group's members, owner first, then by name.
func (s *Store) GroupMembers(groupID string) ([]*MemberRow, error) {
	rows, err := s.db.Query(
		`SELECT group_id, agent, role, joined_at FROM group_members WHERE group_id = ?
		 ORDER BY CASE role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END, agent`,
		groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MemberRow
	for rows.Next() {
		var m MemberRow
		if err := rows.Scan(&m.GroupID, &m.Agent, &m.Role, (*unixTime)(&m.JoinedAt)); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CreateInvitation records an invitation, refusing duplicates and
// invitations to current members.
func (s *Store) CreateInvitation(groupID, invitee, invitedBy, greeting string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND agent = ?`, groupID, invitee).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrAlreadyMember
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM group_invitations WHERE group_id = ? AND invitee = ?`, groupID, invitee).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrInviteExists
	}
	_, err = tx.Exec(
		`INSERT INTO group_invitations (group_id, invitee, invited_by, greeting, created_at) VALUES (?, ?, ?, ?, ?)`,
		groupID, invitee, invitedBy, greeting, now.Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// InvitationsFor lists open invitations addressed to agent.
func (s *Store) InvitationsFor(agent string) ([]*InvitationRow, error) {
	rows, err := s.db.Query(
		`SELECT group_id, invitee, invited_by, greeting, created_at
		 FROM group_invitations WHERE invitee = ? ORDER BY created_at`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InvitationRow
	for rows.Next() {
		var inv InvitationRow
		if err := rows.Scan(&inv.GroupID, &inv.Invitee, &inv.InvitedBy, &inv.Greeting, (*unixTime)(&inv.CreatedAt)); err != nil {
			return nil, err
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// AcceptInvitation consumes the invitation and adds the invitee as a
// member, enforcing the group's member cap in the same transaction.
func (s *Store) AcceptInvitation(groupID, invitee string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM group_invitations WHERE group_id = ? AND invitee = ?`, groupID, invitee)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}
	var members, limit int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM group_members WHERE group_id = ?`, groupID).Scan(&members); err != nil {
		return err
	}
	if err := tx.QueryRow(`SELECT max_members FROM groups WHERE id = ?`, groupID).Scan(&limit); err != nil {
		return err
	}
	if members >= limit {
		return ErrGroupFull
	}
	_, err = tx.Exec(
		`INSERT INTO group_members (group_id, agent, role, joined_at) VALUES (?, ?, ?, ?)`,
		groupID, invitee, api.RoleMember, now.Unix())
	if err != nil {
		return err
	}
	if _, err := bumpChangeSeq(tx, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeclineInvitation drops the invitation without a trace.
func (s *Store) DeclineInvitation(groupID, invitee string) error {
	res, err := s.db.Exec(`DELETE FROM group_invitations WHERE group_id = ? AND invitee = ?`, groupID, invitee)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// RemoveGroupMember deletes a membership row. Callers must not remove
// the owner; transfer first.
func (s *Store) RemoveGroupMember(groupID, agent string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`DELETE FROM group_members WHERE group_id = ? AND agent = ? AND role != ?`,
		groupID, agent, api.RoleOwner)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}
	if _, err := bumpChangeSeq(tx, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// TransferGroup moves ownership from the current owner to another
// member. The old owner stays in the group as an admin, keeping the
// one-owner invariant.
func (s *Store) TransferGroup(groupID, from, to string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRow(`SELECT role FROM group_members WHERE group_id = ? AND agent = ?`, groupID, to).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE group_members SET role = ? WHERE group_id = ? AND agent = ?`, api.RoleAdmin, groupID, from); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE group_members SET role = ? WHERE group_id = ? AND agent = ?`, api.RoleOwner, groupID, to); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE groups SET owner = ? WHERE id = ?`, to, groupID); err != nil {
		return err
	}
	if _, err := bumpChangeSeq(tx, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanGroup(row interface{ Scan(...any) error }) (*GroupRow, error) {
	var g GroupRow
	var canInvite, canSend int
	err := row.Scan(&g.ID, &g.Name, &g.Owner, &g.Status, &canInvite, &canSend,
		&g.MaxMembers, &g.ChangeSeq, (*unixTime)(&g.CreatedAt))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.CanInvite = canInvite != 0
	g.CanSend = canSend != 0
	return &g, nil
}

func collectGroups(rows *sql.Rows) ([]*GroupRow, error) {
	var out []*GroupRow
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
