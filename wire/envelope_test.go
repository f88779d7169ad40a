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

package wire

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEnvelope(t *testing.T, now time.Time) (*Envelope, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	env, err := NewEnvelope(TypeDirect, "11111111-2222-4333-8444-555555555555", "alice", "bob",
		SealedPayload{Ciphertext: "Y2lwaGVy", Nonce: "bm9uY2Vub25jZQ=="}, now)
	require.NoError(t, err)
	return env, pub, priv
}

func TestEnvelopeSignVerify(t *testing.T) {
	now := time.Now()
	env, pub, priv := testEnvelope(t, now)

	require.NoError(t, env.Sign(priv))
	require.NotEmpty(t, env.Signature)
	require.NoError(t, env.Verify(pub))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.ErrorIs(t, env.Verify(otherPub), ErrBadSignature)
}

func TestVerifyDetectsFieldMutation(t *testing.T) {
	now := time.Now()
	env, pub, priv := testEnvelope(t, now)
	require.NoError(t, env.Sign(priv))

	mutations := map[string]func(*Envelope){
		"version":   func(e *Envelope) { e.Version = "2.1" },
		"type":      func(e *Envelope) { e.Type = TypeReceipt },
		"messageId": func(e *Envelope) { e.MessageID = "22222222-2222-4333-8444-555555555555" },
		"sender":    func(e *Envelope) { e.Sender = "mallory" },
		"recipient": func(e *Envelope) { e.Recipient = "carol" },
		"timestamp": func(e *Envelope) { e.Timestamp = FormatTime(now.Add(time.Second)) },
		"groupId":   func(e *Envelope) { e.GroupID = "g1" },
		"payload":   func(e *Envelope) { e.Payload = json.RawMessage(`{"ciphertext":"x","nonce":"y"}`) },
	}
	for field, mutate := range mutations {
		bad := *env
		mutate(&bad)
		require.ErrorIs(t, bad.Verify(pub), ErrBadSignature, field)
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	base := func() *Envelope {
		env, _, _ := testEnvelope(t, now)
		return env
	}
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr error
	}{
		{"valid", func(e *Envelope) {}, nil},
		{"newer minor accepted", func(e *Envelope) { e.Version = "2.7" }, nil},
		{"older major rejected", func(e *Envelope) { e.Version = "1.0" }, ErrBadVersion},
		{"newer major rejected", func(e *Envelope) { e.Version = "3.0" }, ErrBadVersion},
		{"junk version rejected", func(e *Envelope) { e.Version = "two" }, ErrBadVersion},
		{"unknown type", func(e *Envelope) { e.Type = "telepathy" }, ErrUnknownType},
		{"wrong recipient", func(e *Envelope) { e.Recipient = "carol" }, ErrBadRecipient},
		{"future timestamp", func(e *Envelope) { e.Timestamp = FormatTime(now.Add(6 * time.Minute)) }, ErrClockSkew},
		{"stale timestamp", func(e *Envelope) { e.Timestamp = FormatTime(now.Add(-6 * time.Minute)) }, ErrClockSkew},
		{"skew inside window", func(e *Envelope) { e.Timestamp = FormatTime(now.Add(4 * time.Minute)) }, nil},
		{"missing message id", func(e *Envelope) { e.MessageID = "" }, ErrMalformed},
		{"missing sender", func(e *Envelope) { e.Sender = "" }, ErrMalformed},
		{"bad timestamp", func(e *Envelope) { e.Timestamp = "yesterday" }, ErrMalformed},
		{"group without groupId", func(e *Envelope) { e.Type = TypeGroup }, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := base()
			tt.mutate(env)
			err := env.Validate("bob", now)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBroadcastRecipient(t *testing.T) {
	now := time.Now()
	env, err := NewEnvelope(TypeBroadcast, "33333333-2222-4333-8444-555555555555", "admin", "",
		map[string]any{"id": "b1"}, now)
	require.NoError(t, err)

	// Replayed broadcasts carry no recipient and are accepted anywhere.
	require.NoError(t, env.Validate("bob", now))

	// Addressed broadcasts still honor the recipient gate.
	env.Recipient = "carol"
	require.ErrorIs(t, env.Validate("bob", now), ErrBadRecipient)
	env.Recipient = "bob"
	require.NoError(t, env.Validate("bob", now))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"version":"2.0","type":"direct","messageId":"m1","sender":"alice","recipient":"bob","timestamp":"2026-01-02T03:04:05.000Z","payload":{},"hops":3}`)
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodePayloadClosedSchema(t *testing.T) {
	env := &Envelope{Payload: json.RawMessage(`{"ciphertext":"a","nonce":"b","padding":"c"}`)}
	var p SealedPayload
	require.ErrorIs(t, env.DecodePayload(&p), ErrMalformed)

	env.Payload = json.RawMessage(`{"ciphertext":"a","nonce":"b"}`)
	require.NoError(t, env.DecodePayload(&p))
	require.Equal(t, "a", p.Ciphertext)
}

func TestTimestampLayout(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	s := FormatTime(ts)
	require.Equal(t, "2026-01-02T03:04:05.678Z", s)

	parsed, err := ParseTime(s)
	require.NoError(t, err)
	require.True(t, parsed.Equal(ts))

	// Plain RFC 3339 without millis parses too.
	_, err = ParseTime("2026-01-02T03:04:05Z")
	require.NoError(t, err)
}
