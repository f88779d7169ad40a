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
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// The edwards25519 base point has y = 4/5. Its montgomery image must be
// the curve25519 base point u = 9.
func TestPublicKeyToX25519BasePoint(t *testing.T) {
	y := new(big.Int).ModInverse(big.NewInt(5), curveP)
	y.Mul(y, big.NewInt(4))
	y.Mod(y, curveP)

	be := make([]byte, 32)
	y.FillBytes(be)
	pub := make(ed25519.PublicKey, 32)
	for i := range pub {
		pub[i] = be[31-i]
	}

	u, err := PublicKeyToX25519(pub)
	require.NoError(t, err)

	var want [32]byte
	want[0] = 9
	require.Equal(t, want, u)
}

func TestPublicKeyToX25519SignBitIgnored(t *testing.T) {
	pub, _, err := GenerateKey()
	require.NoError(t, err)

	u1, err := PublicKeyToX25519(pub)
	require.NoError(t, err)

	flipped := make(ed25519.PublicKey, len(pub))
	copy(flipped, pub)
	flipped[31] ^= 0x80
	u2, err := PublicKeyToX25519(flipped)
	require.NoError(t, err)
	require.Equal(t, u1, u2)
}

func TestPublicKeyToX25519Unmappable(t *testing.T) {
	// y = 1 has no montgomery u-coordinate.
	pub := make(ed25519.PublicKey, 32)
	pub[0] = 1
	_, err := PublicKeyToX25519(pub)
	require.ErrorIs(t, err, ErrUnmappable)

	_, err = PublicKeyToX25519(make(ed25519.PublicKey, 31))
	require.ErrorIs(t, err, ErrUnmappable)
}

func TestPrivateKeyToX25519Clamped(t *testing.T) {
	_, priv, err := GenerateKey()
	require.NoError(t, err)

	scalar := PrivateKeyToX25519(priv)
	require.Zero(t, scalar[0]&7)
	require.Zero(t, scalar[31]&128)
	require.EqualValues(t, 64, scalar[31]&64)
}

func TestSharedKeySymmetric(t *testing.T) {
	alicePub, alicePriv, err := GenerateKey()
	require.NoError(t, err)
	bobPub, bobPriv, err := GenerateKey()
	require.NoError(t, err)

	k1, err := SharedKey(alicePriv, bobPub, "alice", "bob")
	require.NoError(t, err)
	k2, err := SharedKey(bobPriv, alicePub, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 32)

	// A different name pair must land on a different key.
	k3, err := SharedKey(alicePriv, bobPub, "alice", "carol")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}
