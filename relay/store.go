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
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// ErrNotFound is returned by store lookups that match no row.
var ErrNotFound = errors.New("not found")

// schema is applied on open. Times are unix seconds; booleans are 0/1.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name            TEXT PRIMARY KEY,
	public_key      TEXT NOT NULL,
	owner_email     TEXT NOT NULL,
	endpoint        TEXT NOT NULL DEFAULT '',
	email_verified  INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	last_seen       INTEGER,
	key_updated_at  INTEGER,
	recovery_key    TEXT NOT NULL DEFAULT '',
	recovery_at     INTEGER,
	created_at      INTEGER NOT NULL,
	approved_by     TEXT NOT NULL DEFAULT '',
	approved_at     INTEGER
);
CREATE TABLE IF NOT EXISTS contacts (
	agent_a      TEXT NOT NULL,
	agent_b      TEXT NOT NULL,
	status       TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	greeting     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (agent_a, agent_b),
	CHECK (agent_a < agent_b)
);
CREATE TABLE IF NOT EXISTS email_verifications (
	agent_name TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	code_hash  TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL,
	verified   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS admins (
	agent            TEXT PRIMARY KEY,
	admin_public_key TEXT NOT NULL,
	added_at         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS broadcasts (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	sender     TEXT NOT NULL,
	signature  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rate_limits (
	key          TEXT PRIMARY KEY,
	window_start INTEGER NOT NULL,
	count        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS groups (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner      TEXT NOT NULL,
	status     TEXT NOT NULL,
	can_invite INTEGER NOT NULL,
	can_send   INTEGER NOT NULL,
	max_members INTEGER NOT NULL,
	change_seq INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS group_members (
	group_id  TEXT NOT NULL,
	agent     TEXT NOT NULL,
	role      TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, agent)
);
CREATE TABLE IF NOT EXISTS group_invitations (
	group_id   TEXT NOT NULL,
	invitee    TEXT NOT NULL,
	invited_by TEXT NOT NULL,
	greeting   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, invitee)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Store is the relay's durable state, one SQLite file per community.
type Store struct {
	db  *sql.DB
	log log.Logger
}

// OpenStore opens (or creates) the store at path and applies the schema.
// Use ":memory:" for throwaway stores in tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The sqlite driver is not safe for concurrent writers over separate
	// connections; one connection serializes every transaction.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, log: log.New("relay", "store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AgentRow mirrors one agents table row.
type AgentRow struct {
	Name          string
	PublicKey     string
	OwnerEmail    string
	Endpoint      string
	EmailVerified bool
	Status        string
	LastSeen      time.Time // zero when never seen
	KeyUpdatedAt  time.Time
	RecoveryKey   string
	RecoveryAt    time.Time
	CreatedAt     time.Time
	ApprovedBy    string
	ApprovedAt    time.Time
}

const agentCols = `name, public_key, owner_email, endpoint, email_verified, status,
	last_seen, key_updated_at, recovery_key, recovery_at, created_at, approved_by, approved_at`

func scanAgent(row interface{ Scan(...any) error }) (*AgentRow, error) {
	var a AgentRow
	var verified int
	var lastSeen, keyUpdated, recoverAt, approvedAt sql.NullInt64
	err := row.Scan(&a.Name, &a.PublicKey, &a.OwnerEmail, &a.Endpoint, &verified, &a.Status,
		&lastSeen, &keyUpdated, &a.RecoveryKey, &recoverAt, (*unixTime)(&a.CreatedAt), &a.ApprovedBy, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.EmailVerified = verified != 0
	a.LastSeen = nullTime(lastSeen)
	a.KeyUpdatedAt = nullTime(keyUpdated)
	a.RecoveryAt = nullTime(recoverAt)
	a.ApprovedAt = nullTime(approvedAt)
	return &a, nil
}

// CreateAgent inserts a pending registry row. ErrNotFound never applies
// here; a duplicate name surfaces as a conflict from the unique key.
func (s *Store) CreateAgent(name, publicKey, email, endpoint string, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO agents (name, public_key, owner_email, endpoint, email_verified, status, created_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		name, publicKey, email, endpoint, api.StatusPending, now.Unix())
	return err
}

func (s *Store) Agent(name string) (*AgentRow, error) {
	return scanAgent(s.db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE name = ?`, name))
}

// Agents returns all rows with the given status, or all rows when status
// is empty. Ordered by name for stable listings.
func (s *Store) Agents(status string) ([]*AgentRow, error) {
	q := `SELECT ` + agentCols + ` FROM agents`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY name`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AgentRow
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApproveAgent moves a pending agent to active. Returns ErrNotFound when
// the agent is missing or not pending.
func (s *Store) ApproveAgent(name, approvedBy string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE agents SET status = ?, approved_by = ?, approved_at = ? WHERE name = ? AND status = ?`,
		api.StatusActive, approvedBy, now.Unix(), name, api.StatusPending)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// RevokeAgent marks an agent revoked. Idempotent: revoking a revoked
// agent succeeds without touching the row.
func (s *Store) RevokeAgent(name string) (already bool, err error) {
	res, err := s.db.Exec(
		`UPDATE agents SET status = ? WHERE name = ? AND status != ?`,
		api.StatusRevoked, name, api.StatusRevoked)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	// Nothing updated: either already revoked or unknown.
	if _, err := s.Agent(name); err != nil {
		return false, err
	}
	return true, nil
}

// UpdatePresence records a heartbeat.
func (s *Store) UpdatePresence(name, endpoint string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE agents SET last_seen = ?, endpoint = ? WHERE name = ?`,
		now.Unix(), endpoint, name)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// UpdateAgentKey installs a rotated public key and clears any pending
// recovery.
func (s *Store) UpdateAgentKey(name, publicKey string, now time.Time) error {
	res, err := s.db.Exec(
		`UPDATE agents SET public_key = ?, key_updated_at = ?, recovery_key = '', recovery_at = NULL WHERE name = ?`,
		publicKey, now.Unix(), name)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ScheduleRecovery parks a replacement key until recoverAt.
func (s *Store) ScheduleRecovery(name, newKey string, recoverAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE agents SET recovery_key = ?, recovery_at = ? WHERE name = ?`,
		newKey, recoverAt.Unix(), name)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// VerificationRow mirrors one email_verifications row.
type VerificationRow struct {
	AgentName string
	Email     string
	CodeHash  string
	Attempts  int
	ExpiresAt time.Time
	Verified  bool
	CreatedAt time.Time
}

// PutVerification replaces any outstanding code for the username.
func (s *Store) PutVerification(name, email, codeHash string, expiresAt, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO email_verifications (agent_name, email, code_hash, attempts, expires_at, verified, created_at)
		 VALUES (?, ?, ?, 0, ?, 0, ?)
		 ON CONFLICT(agent_name) DO UPDATE SET
		   email = excluded.email, code_hash = excluded.code_hash, attempts = 0,
		   expires_at = excluded.expires_at, verified = 0, created_at = excluded.created_at`,
		name, email, codeHash, expiresAt.Unix(), now.Unix())
	return err
}

func (s *Store) Verification(name string) (*VerificationRow, error) {
	var v VerificationRow
	var verified int
	err := s.db.QueryRow(
		`SELECT agent_name, email, code_hash, attempts, expires_at, verified, created_at
		 FROM email_verifications WHERE agent_name = ?`, name).
		Scan(&v.AgentName, &v.Email, &v.CodeHash, &v.Attempts, (*unixTime)(&v.ExpiresAt), &verified, (*unixTime)(&v.CreatedAt))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Verified = verified != 0
	return &v, nil
}

func (s *Store) MarkVerified(name string) error {
	res, err := s.db.Exec(`UPDATE email_verifications SET verified = 1 WHERE agent_name = ?`, name)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// BumpVerifyAttempts increments the failure counter and returns the new
// value.
func (s *Store) BumpVerifyAttempts(name string) (int, error) {
	if _, err := s.db.Exec(`UPDATE email_verifications SET attempts = attempts + 1 WHERE agent_name = ?`, name); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`SELECT attempts FROM email_verifications WHERE agent_name = ?`, name).Scan(&n)
	return n, err
}

func (s *Store) DeleteVerification(name string) error {
	_, err := s.db.Exec(`DELETE FROM email_verifications WHERE agent_name = ?`, name)
	return err
}

// AddAdmin grants agent admin powers under an independent keypair.
func (s *Store) AddAdmin(agent, adminPublicKey string, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO admins (agent, admin_public_key, added_at) VALUES (?, ?, ?)`,
		agent, adminPublicKey, now.Unix())
	return err
}

// AdminKey returns the admin public key for agent, or ErrNotFound when
// the agent is no admin.
func (s *Store) AdminKey(agent string) (string, error) {
	var key string
	err := s.db.QueryRow(`SELECT admin_public_key FROM admins WHERE agent = ?`, agent).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return key, err
}

// AdminKeys lists every admin with its public key.
func (s *Store) AdminKeys() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT agent, admin_public_key FROM admins ORDER BY agent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var agent, key string
		if err := rows.Scan(&agent, &key); err != nil {
			return nil, err
		}
		out[agent] = key
	}
	return out, rows.Err()
}

// BroadcastRow mirrors one broadcasts row. Rows are append-only.
type BroadcastRow struct {
	ID        string
	Type      string
	Payload   []byte
	Sender    string
	Signature string
	CreatedAt time.Time
}

func (s *Store) InsertBroadcast(b *BroadcastRow) error {
	_, err := s.db.Exec(
		`INSERT INTO broadcasts (id, type, payload, sender, signature, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Type, string(b.Payload), b.Sender, b.Signature, b.CreatedAt.Unix())
	return err
}

// Broadcasts returns rows created at or after since, oldest first. A zero
// since returns everything.
func (s *Store) Broadcasts(since time.Time) ([]*BroadcastRow, error) {
	rows, err := s.db.Query(
		`SELECT id, type, payload, sender, signature, created_at FROM broadcasts
		 WHERE created_at >= ? ORDER BY created_at, id`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BroadcastRow
	for rows.Next() {
		var b BroadcastRow
		var payload string
		if err := rows.Scan(&b.ID, &b.Type, &payload, &b.Sender, &b.Signature, (*unixTime)(&b.CreatedAt)); err != nil {
			return nil, err
		}
		b.Payload = []byte(payload)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// TakeRate counts a hit against the fixed window for key. It returns the
// remaining allowance, the window reset time, and whether the hit was
// admitted. The counting row is updated in one transaction.
func (s *Store) TakeRate(key string, limit int, window time.Duration, now time.Time) (remaining int, resetAt time.Time, ok bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, time.Time{}, false, err
	}
	defer tx.Rollback()

	var start, count int64
	err = tx.QueryRow(`SELECT window_start, count FROM rate_limits WHERE key = ?`, key).Scan(&start, &count)
	switch {
	case err == sql.ErrNoRows:
		start, count = now.Unix(), 0
	case err != nil:
		return 0, time.Time{}, false, err
	}
	if now.Sub(time.Unix(start, 0)) >= window {
		start, count = now.Unix(), 0
	}
	resetAt = time.Unix(start, 0).Add(window)
	if int(count) >= limit {
		return 0, resetAt, false, nil
	}
	count++
	_, err = tx.Exec(
		`INSERT INTO rate_limits (key, window_start, count) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET window_start = excluded.window_start, count = excluded.count`,
		key, start, count)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, false, err
	}
	return limit - int(count), resetAt, true, nil
}

// unixTime scans an INTEGER column into a time.Time.
type unixTime time.Time

func (t *unixTime) Scan(v any) error {
	switch n := v.(type) {
	case int64:
		*t = unixTime(time.Unix(n, 0).UTC())
		return nil
	case nil:
		*t = unixTime(time.Time{})
		return nil
	}
	return fmt.Errorf("unexpected time column type %T", v)
}

func nullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
