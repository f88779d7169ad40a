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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyCodecRoundtrip(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	pubStr, err := EncodePublicKey(pub)
	require.NoError(t, err)
	gotPub, err := DecodePublicKey(pubStr)
	require.NoError(t, err)
	require.Equal(t, pub, gotPub)

	privStr, err := EncodePrivateKey(priv)
	require.NoError(t, err)
	gotPriv, err := DecodePrivateKey(privStr)
	require.NoError(t, err)
	require.Equal(t, priv, gotPriv)
}

func TestDecodePublicKeyRejectsGarbage(t *testing.T) {
	_, err := DecodePublicKey("not base64!!!")
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = DecodePublicKey(base64.StdEncoding.EncodeToString([]byte("not der")))
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestDecodePublicKeyRejectsWrongAlgorithm(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&ec.PublicKey)
	require.NoError(t, err)

	_, err = DecodePublicKey(base64.StdEncoding.EncodeToString(der))
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestDecodePrivateKeyRejectsWrongAlgorithm(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(ec)
	require.NoError(t, err)

	_, err = DecodePrivateKey(base64.StdEncoding.EncodeToString(der))
	require.ErrorIs(t, err, ErrInvalidPrivateKey)
}
