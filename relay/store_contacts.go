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
)

// Contact pair statuses. Denied and removed pairs leave no row, so a
// fresh request is always possible.
const (
	ContactPending = "pending"
	ContactActive  = "active"
)

var (
	// ErrContactExists reports a pending or active row already covering
	// the pair.
	ErrContactExists = errors.New("contact already exists")
	// ErrNotRecipient reports an accept/deny by the requester.
	ErrNotRecipient = errors.New("only the requested agent may act")
)

// ContactRow mirrors one contacts row. AgentA sorts before AgentB; that
// ordering is the table's uniqueness invariant.
type ContactRow struct {
	AgentA      string
	AgentB      string
	Status      string
	RequestedBy string
	Greeting    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Other returns the peer of agent within the pair.
func (c *ContactRow) Other(agent string) string {
	if c.AgentA == agent {
		return c.AgentB
	}
	return c.AgentA
}

// orderPair maps an unordered pair onto the stored (agent_a, agent_b)
// ordering.
func orderPair(x, y string) (a, b string) {
	if x < y {
		return x, y
	}
	return y, x
}

// CreateContactRequest inserts a pending row for the pair in a single
// transaction. ErrContactExists reports any surviving row, pending or
// active.
func (s *Store) CreateContactRequest(from, to, greeting string, now time.Time) error {
	a, b := orderPair(from, to)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM contacts WHERE agent_a = ? AND agent_b = ?`, a, b).Scan(&status)
	switch {
	case err == nil:
		return ErrContactExists
	case err != sql.ErrNoRows:
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO contacts (agent_a, agent_b, status, requested_by, greeting, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a, b, ContactPending, from, greeting, now.Unix(), now.Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Contact returns the row covering the unordered pair, if any.
func (s *Store) Contact(x, y string) (*ContactRow, error) {
	a, b := orderPair(x, y)
	var c ContactRow
	err := s.db.QueryRow(
		`SELECT agent_a, agent_b, status, requested_by, greeting, created_at, updated_at
		 FROM contacts WHERE agent_a = ? AND agent_b = ?`, a, b).
		Scan(&c.AgentA, &c.AgentB, &c.Status, &c.RequestedBy, &c.Greeting,
			(*unixTime)(&c.CreatedAt), (*unixTime)(&c.UpdatedAt))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PendingContactsFor lists pending rows where agent is a party but not
// the requester, oldest first.
func (s *Store) PendingContactsFor(agent string) ([]*ContactRow, error) {
	rows, err := s.db.Query(
		`SELECT agent_a, agent_b, status, requested_by, greeting, created_at, updated_at
		 FROM contacts
		 WHERE status = ? AND (agent_a = ? OR agent_b = ?) AND requested_by != ?
		 ORDER BY created_at`,
		ContactPending, agent, agent, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContacts(rows)
}

// AcceptContact flips a pending pair to active. Only the non-requester
// may accept; anyone else gets ErrNotRecipient.
func (s *Store) AcceptContact(actor, peer string, now time.Time) error {
	return s.resolvePending(actor, peer, func(tx *sql.Tx, a, b string) error {
		_, err := tx.Exec(
			`UPDATE contacts SET status = ?, updated_at = ? WHERE agent_a = ? AND agent_b = ?`,
			ContactActive, now.Unix(), a, b)
		return err
	})
}

// DenyContact deletes a pending pair. The row is gone, so the requester
// may ask again.
func (s *Store) DenyContact(actor, peer string) error {
	return s.resolvePending(actor, peer, func(tx *sql.Tx, a, b string) error {
		_, err := tx.Exec(`DELETE FROM contacts WHERE agent_a = ? AND agent_b = ?`, a, b)
		return err
	})
}

func (s *Store) resolvePending(actor, peer string, apply func(tx *sql.Tx, a, b string) error) error {
	a, b := orderPair(actor, peer)
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status, requestedBy string
	err = tx.QueryRow(`SELECT status, requested_by FROM contacts WHERE agent_a = ? AND agent_b = ?`, a, b).
		Scan(&status, &requestedBy)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != ContactPending {
		return ErrNotFound
	}
	if requestedBy == actor {
		return ErrNotRecipient
	}
	if err := apply(tx, a, b); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveContact deletes an active pair. Either party may remove.
func (s *Store) RemoveContact(actor, peer string) error {
	a, b := orderPair(actor, peer)
	res, err := s.db.Exec(
		`DELETE FROM contacts WHERE agent_a = ? AND agent_b = ? AND status = ?`,
		a, b, ContactActive)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ContactPeer joins an active pair against the peer's registry row, the
// shape the contact list serves.
type ContactPeer struct {
	Agent *AgentRow
	Since time.Time
}

// ContactsOf lists the active contacts of agent with their registry rows.
func (s *Store) ContactsOf(agent string) ([]*ContactPeer, error) {
	rows, err := s.db.Query(
		`SELECT a.`+joinAgentCols+`, c.updated_at
		 FROM contacts c JOIN agents a
		   ON a.name = CASE WHEN c.agent_a = ? THEN c.agent_b ELSE c.agent_a END
		 WHERE c.status = ? AND (c.agent_a = ? OR c.agent_b = ?)
		 ORDER BY a.name`,
		agent, ContactActive, agent, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ContactPeer
	for rows.Next() {
		var p ContactPeer
		var a AgentRow
		var verified int
		var lastSeen, keyUpdated, recoverAt, approvedAt sql.NullInt64
		err := rows.Scan(&a.Name, &a.PublicKey, &a.OwnerEmail, &a.Endpoint, &verified, &a.Status,
			&lastSeen, &keyUpdated, &a.RecoveryKey, &recoverAt, (*unixTime)(&a.CreatedAt),
			&a.ApprovedBy, &approvedAt, (*unixTime)(&p.Since))
		if err != nil {
			return nil, err
		}
		a.EmailVerified = verified != 0
		a.LastSeen = nullTime(lastSeen)
		a.KeyUpdatedAt = nullTime(keyUpdated)
		a.RecoveryAt = nullTime(recoverAt)
		a.ApprovedAt = nullTime(approvedAt)
		p.Agent = &a
		out = append(out, &p)
	}
	return out, rows.Err()
}

const joinAgentCols = `name, a.public_key, a.owner_email, a.endpoint, a.email_verified, a.status,
	a.last_seen, a.key_updated_at, a.recovery_key, a.recovery_at, a.created_at, a.approved_by, a.approved_at`

func collectContacts(rows *sql.Rows) ([]*ContactRow, error) {
	var out []*ContactRow
	for rows.Next() {
		var c ContactRow
		err := rows.Scan(&c.AgentA, &c.AgentB, &c.Status, &c.RequestedBy, &c.Greeting,
			(*unixTime)(&c.CreatedAt), (*unixTime)(&c.UpdatedAt))
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
