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

// Package api defines the request and response types of the relay's HTTP
// surface, shared between the server and the client.
package api

import (
	"encoding/json"
	"regexp"
	"time"
)

// Agent lifecycle statuses. Revoked is terminal.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Broadcast types accepted by the relay.
const (
	BroadcastSecurityAlert = "security-alert"
	BroadcastMaintenance   = "maintenance"
	BroadcastUpdate        = "update"
	BroadcastAnnouncement  = "announcement"
	BroadcastRevocation    = "revocation"
)

// ValidBroadcastType reports whether t belongs to the closed broadcast
// type set.
func ValidBroadcastType(t string) bool {
	switch t {
	case BroadcastSecurityAlert, BroadcastMaintenance, BroadcastUpdate,
		BroadcastAnnouncement, BroadcastRevocation:
		return true
	}
	return false
}

// Group member roles. Each group has exactly one owner.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Group lifecycle statuses.
const (
	GroupActive    = "active"
	GroupDissolved = "dissolved"
)

// MaxGroupMembers caps group size.
const MaxGroupMembers = 50

// MaxGreetingLen caps contact-request greetings.
const MaxGreetingLen = 500

// AgentNameRE is the username shape the registry accepts.
var AgentNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Agent is the public view of a registry row. Owner email never leaves
// the relay.
type Agent struct {
	Name               string     `json:"name"`
	PublicKey          string     `json:"publicKey"`
	Endpoint           string     `json:"endpoint,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastSeen           *time.Time `json:"lastSeen,omitempty"`
	KeyUpdatedAt       *time.Time `json:"keyUpdatedAt,omitempty"`
	RecoveryInProgress bool       `json:"recoveryInProgress,omitempty"`
}

type RegisterRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Email     string `json:"email"`
	Endpoint  string `json:"endpoint,omitempty"`
}

type ContactRequest struct {
	To       string `json:"to"`
	Greeting string `json:"greeting,omitempty"`
}

type PendingContact struct {
	From      string    `json:"from"`
	Greeting  string    `json:"greeting,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Contact struct {
	Agent              string     `json:"agent"`
	PublicKey          string     `json:"publicKey"`
	Endpoint           string     `json:"endpoint,omitempty"`
	Since              time.Time  `json:"since"`
	Online             bool       `json:"online"`
	LastSeen           *time.Time `json:"lastSeen,omitempty"`
	KeyUpdatedAt       *time.Time `json:"keyUpdatedAt,omitempty"`
	RecoveryInProgress bool       `json:"recoveryInProgress,omitempty"`
}

type HeartbeatRequest struct {
	Endpoint string `json:"endpoint"`
}

type HeartbeatResponse struct {
	ServerTime time.Time `json:"serverTime"`
	Community  string    `json:"community"`
}

type Presence struct {
	Agent    string     `json:"agent"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	Endpoint string     `json:"endpoint,omitempty"`
}

type VerifySendRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type VerifyConfirmRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Code     string `json:"code"`
}

// BroadcastRequest creates a broadcast. Signature is the posting admin's
// Ed25519 signature over the raw payload bytes; the relay verifies but
// never creates admin signatures.
type BroadcastRequest struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type Broadcast struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender"`
	Signature string          `json:"signature"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RevocationPayload is the payload schema of revocation broadcasts.
type RevocationPayload struct {
	RevokedAgent string    `json:"revokedAgent"`
	RevokedAt    time.Time `json:"revokedAt"`
}

// RevokeRequest accompanies a revoke call. The admin signs the revocation
// payload client-side so the relay can store a verifiable broadcast
// without ever holding an admin private key.
type RevokeRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type AdminKey struct {
	Agent     string `json:"agent"`
	PublicKey string `json:"publicKey"`
}

type RotateRequest struct {
	NewPublicKey string `json:"newPublicKey"`
}

type RotateResponse struct {
	KeyUpdatedAt time.Time `json:"keyUpdatedAt"`
}

type RecoverRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Code         string `json:"code"`
	NewPublicKey string `json:"newPublicKey"`
}

type RecoverResponse struct {
	RecoverAt time.Time `json:"recoverAt"`
}

type GroupSettings struct {
	MembersCanInvite bool `json:"membersCanInvite"`
	MembersCanSend   bool `json:"membersCanSend"`
	MaxMembers       int  `json:"maxMembers"`
}

type Group struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Owner     string        `json:"owner"`
	Status    string        `json:"status"`
	Settings  GroupSettings `json:"settings"`
	ChangeSeq uint64        `json:"changeSeq"`
	CreatedAt time.Time     `json:"createdAt"`
}

type GroupMember struct {
	Agent    string    `json:"agent"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

type GroupInvitation struct {
	GroupID   string    `json:"groupId"`
	GroupName string    `json:"groupName"`
	Invitee   string    `json:"invitee"`
	InvitedBy string    `json:"invitedBy"`
	Greeting  string    `json:"greeting,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateGroupRequest struct {
	Name     string         `json:"name"`
	Settings *GroupSettings `json:"settings,omitempty"`
}

type InviteRequest struct {
	Agent    string `json:"agent"`
	Greeting string `json:"greeting,omitempty"`
}

type TransferRequest struct {
	To string `json:"to"`
}

// GroupChanges reports groups touched since a client's last poll. Seq is
// the relay's current change counter; pass it back as ?since= next time.
type GroupChanges struct {
	Seq    uint64  `json:"seq"`
	Groups []Group `json:"groups"`
}

type Health struct {
	Status    string    `json:"status"`
	Community string    `json:"community"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Time      time.Time `json:"time"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}

// Legacy store-and-forward shims, kept alive through the migration
// window only.
type LegacySendRequest struct {
	To       string          `json:"to"`
	Envelope json.RawMessage `json:"envelope"`
}

type LegacyInboxItem struct {
	ID       string          `json:"id"`
	From     string          `json:"from"`
	Envelope json.RawMessage `json:"envelope"`
	StoredAt time.Time       `json:"storedAt"`
}

type LegacyAckRequest struct {
	IDs []string `json:"ids"`
}
