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
	"crypto/sha512"
	"errors"
	"math/big"
)

// curveP is the Curve25519 field prime 2^255 - 19, shared by the edwards
// and montgomery representations of the curve.
var curveP = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// ErrUnmappable is returned for Ed25519 public keys whose point has no
// montgomery u-coordinate (y == 1) or whose encoding is out of range.
var ErrUnmappable = errors.New("ed25519 public key not mappable to curve25519")

// PublicKeyToX25519 maps an Ed25519 public key to the X25519 public key of
// the same point, using the birational map u = (1+y)·(1−y)^(−1) mod p. The
// encoded sign-of-x bit is ignored: both x solutions share one u.
func PublicKeyToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var u [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return u, ErrUnmappable
	}
	// The key encodes y little-endian with the sign of x in the top bit.
	buf := make([]byte, 32)
	for i, b := range pub {
		buf[31-i] = b
	}
	buf[0] &= 0x7f
	y := new(big.Int).SetBytes(buf)
	if y.Cmp(curveP) >= 0 {
		return u, ErrUnmappable
	}
	one := big.NewInt(1)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, curveP)
	if den.Sign() == 0 {
		return u, ErrUnmappable
	}
	den.ModInverse(den, curveP)

	num := new(big.Int).Add(one, y)
	num.Mod(num, curveP)
	num.Mul(num, den)
	num.Mod(num, curveP)

	num.FillBytes(buf)
	for i := range u {
		u[i] = buf[31-i]
	}
	return u, nil
}

// PrivateKeyToX25519 derives the X25519 scalar belonging to an Ed25519
// private key: the low 32 bytes of SHA-512 over the seed, clamped per
// RFC 7748.
func PrivateKeyToX25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}
