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
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfSalt pins the derivation domain. Changing it breaks compatibility
// with every deployed agent.
const hkdfSalt = "cc4me-e2e-v1"

// SharedKey derives the 32-byte AES key for the conversation between the
// local agent and peer: X25519 over the converted keys, expanded through
// HKDF-SHA256. The info string carries both usernames sorted
// lexicographically, so either endpoint derives the same key.
func SharedKey(priv ed25519.PrivateKey, peer ed25519.PublicKey, localName, peerName string) ([]byte, error) {
	peerU, err := PublicKeyToX25519(peer)
	if err != nil {
		return nil, err
	}
	scalar := PrivateKeyToX25519(priv)
	secret, err := curve25519.X25519(scalar[:], peerU[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	a, b := localName, peerName
	if b < a {
		a, b = b, a
	}
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(a+":"+b))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
