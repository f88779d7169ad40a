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

package e2e

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func pairKey(t *testing.T) []byte {
	t.Helper()
	_, alicePriv, err := GenerateKey()
	require.NoError(t, err)
	bobPub, _, err := GenerateKey()
	require.NoError(t, err)
	key, err := SharedKey(alicePriv, bobPub, "alice", "bob")
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := pairKey(t)
	plaintext := []byte(`{"text":"hi"}`)

	ct, nonce, err := Seal(key, plaintext, "msg-1")
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	got, err := Open(key, ct, nonce, "msg-1")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestSealFreshNonce(t *testing.T) {
	key := pairKey(t)
	_, n1, err := Seal(key, []byte("x"), "id")
	require.NoError(t, err)
	_, n2, err := Seal(key, []byte("x"), "id")
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)
}

func TestOpenRejectsTampering(t *testing.T) {
	key := pairKey(t)
	ct, nonce, err := Seal(key, []byte("payload"), "msg-1")
	require.NoError(t, err)

	cases := map[string]func() ([]byte, []byte, []byte, string){
		"ciphertext bit": func() ([]byte, []byte, []byte, string) {
			bad := append([]byte(nil), ct...)
			bad[0] ^= 1
			return key, bad, nonce, "msg-1"
		},
		"nonce bit": func() ([]byte, []byte, []byte, string) {
			bad := append([]byte(nil), nonce...)
			bad[0] ^= 1
			return key, ct, bad, "msg-1"
		},
		"short nonce": func() ([]byte, []byte, []byte, string) {
			return key, ct, nonce[:NonceSize-1], "msg-1"
		},
		"message id": func() ([]byte, []byte, []byte, string) {
			return key, ct, nonce, "msg-2"
		},
		"wrong key": func() ([]byte, []byte, []byte, string) {
			return pairKey(t), ct, nonce, "msg-1"
		},
	}
	for name, mk := range cases {
		k, c, n, id := mk()
		_, err := Open(k, c, n, id)
		require.ErrorIs(t, err, ErrDecrypt, name)
	}
}
