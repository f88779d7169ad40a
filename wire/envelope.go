// Copyright 2024 The cc4me-network Authors
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

// Package wire implements the envelope every agent message travels in and
// its canonical JSON form used for signing.
package wire

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the envelope version stamped on everything this code sends.
// Inbound envelopes are accepted when the major version matches, whatever
// the minor says.
const Version = "2.0"

// MaxClockSkew bounds the difference between an envelope timestamp and the
// receiver's clock.
const MaxClockSkew = 5 * time.Minute

// TimeLayout renders envelope timestamps: UTC, millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Type tags the envelope variant. The set is closed; decoders reject tags
// they do not know.
type Type string

const (
	TypeDirect          Type = "direct"
	TypeGroup           Type = "group"
	TypeBroadcast       Type = "broadcast"
	TypeContactRequest  Type = "contact-request"
	TypeContactResponse Type = "contact-response"
	TypeRevocation      Type = "revocation"
	TypeReceipt         Type = "receipt"
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypeDirect, TypeGroup, TypeBroadcast, TypeContactRequest,
		TypeContactResponse, TypeRevocation, TypeReceipt:
		return true
	}
	return false
}

// Unicast reports whether envelopes of this type are addressed to exactly
// one recipient. Broadcast and revocation envelopes may arrive with an
// empty recipient when replayed from a relay's broadcast log.
func (t Type) Unicast() bool {
	switch t {
	case TypeBroadcast, TypeRevocation:
		return false
	}
	return true
}

var (
	ErrBadVersion   = errors.New("unsupported envelope version")
	ErrUnknownType  = errors.New("unknown envelope type")
	ErrBadRecipient = errors.New("envelope addressed to another agent")
	ErrClockSkew    = errors.New("envelope timestamp outside accepted window")
	ErrBadSignature = errors.New("envelope signature invalid")
	ErrMalformed    = errors.New("malformed envelope")
)

// Envelope is the signed unit of agent-to-agent communication. Payload
// bytes are kept raw so that verification sees exactly what was signed;
// the per-type schemas live in payload.go.
type Envelope struct {
	Version   string          `json:"version"`
	Type      Type            `json:"type"`
	MessageID string          `json:"messageId"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp string          `json:"timestamp"`
	GroupID   string          `json:"groupId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// NewEnvelope assembles an unsigned envelope around payload, which must be
// JSON-serializable. The message id is caller-supplied: group fan-out
// shares one id across every per-member envelope.
func NewEnvelope(typ Type, messageID, sender, recipient string, payload any, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{
		Version:   Version,
		Type:      typ,
		MessageID: messageID,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: FormatTime(now),
		Payload:   raw,
	}, nil
}

// SigningBytes returns the canonical serialization of the envelope with
// the signature field absent. Signer and verifier must produce identical
// bytes from equal envelopes; that is the point of the canonical form.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	return CanonicalJSON(&unsigned)
}

// Sign computes the sender's signature and stores it base64-encoded.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	msg, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
	return nil
}

// Verify checks the envelope signature against pub.
func (e *Envelope) Verify(pub ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	msg, err := e.SigningBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Validate applies the decode-side gates every inbound envelope passes
// before any cryptographic work: structural completeness, version and
// type acceptance, addressing, and clock skew. Signature and payload
// checks are the caller's next step.
func (e *Envelope) Validate(localName string, now time.Time) error {
	if e.MessageID == "" || e.Sender == "" {
		return ErrMalformed
	}
	if !versionCompatible(e.Version) {
		return ErrBadVersion
	}
	if !e.Type.Valid() {
		return ErrUnknownType
	}
	if e.Type == TypeGroup && e.GroupID == "" {
		return fmt.Errorf("%w: group envelope without groupId", ErrMalformed)
	}
	if e.Type.Unicast() || e.Recipient != "" {
		if e.Recipient != localName {
			return ErrBadRecipient
		}
	}
	ts, err := ParseTime(e.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrMalformed, e.Timestamp)
	}
	if d := now.Sub(ts); d > MaxClockSkew || d < -MaxClockSkew {
		return ErrClockSkew
	}
	return nil
}

// Decode parses raw as an envelope. Unknown top-level fields are rejected.
func Decode(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// FormatTime renders t in the envelope timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses an envelope timestamp. Any RFC 3339 form is accepted;
// FormatTime output is one of them.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func versionCompatible(v string) bool {
	major, _, found := strings.Cut(v, ".")
	return found && major == "2"
}
