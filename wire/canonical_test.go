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

func TestCanonicalizeSortsKeys(t *testing.T) {
	a := []byte(`{"b":1,"a":2,"c":{"z":true,"y":null}}`)
	b := []byte(`{"c":{"y":null,"z":true},"a":2,"b":1}`)

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
	require.Equal(t, `{"a":2,"b":1,"c":{"y":null,"z":true}}`, string(ca))
}

func TestCanonicalizeStripsWhitespace(t *testing.T) {
	in := []byte("{\n  \"list\": [1, 2,\t3],\n  \"s\": \"x y\"\n}")
	out, err := Canonicalize(in)
	require.NoError(t, err)
	require.Equal(t, `{"list":[1,2,3],"s":"x y"}`, string(out))
}

func TestCanonicalizePreservesNumberLiterals(t *testing.T) {
	out, err := Canonicalize([]byte(`{"n":1000,"f":2.5,"neg":-7}`))
	require.NoError(t, err)
	require.Equal(t, `{"f":2.5,"n":1000,"neg":-7}`, string(out))
}

// An envelope that crosses the network as JSON with arbitrary key order
// and spacing must re-canonicalize to the bytes the sender signed.
func TestSigningBytesStableAcrossTransport(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env, err := NewEnvelope(TypeDirect, "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee", "alice", "bob",
		map[string]any{"ciphertext": "Zm9v", "nonce": "YmFy"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.Sign(priv))

	want, err := env.SigningBytes()
	require.NoError(t, err)

	// Shuffle the representation: decode into a map and re-encode, which
	// loses field order and adds nothing semantic.
	loose, err := json.Marshal(map[string]json.RawMessage{
		"signature": mustMarshal(t, env.Signature),
		"payload":   env.Payload,
		"timestamp": mustMarshal(t, env.Timestamp),
		"recipient": mustMarshal(t, env.Recipient),
		"sender":    mustMarshal(t, env.Sender),
		"messageId": mustMarshal(t, env.MessageID),
		"type":      mustMarshal(t, string(env.Type)),
		"version":   mustMarshal(t, env.Version),
	})
	require.NoError(t, err)

	got, err := Decode(loose)
	require.NoError(t, err)
	gotBytes, err := got.SigningBytes()
	require.NoError(t, err)

	require.Equal(t, want, gotBytes)
	require.NoError(t, got.Verify(pub))
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
