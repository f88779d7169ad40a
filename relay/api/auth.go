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

package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Headers of the signed-request scheme.
const (
	AuthHeader               = "Authorization"
	AuthScheme               = "Signature"
	TimestampHeader          = "X-Timestamp"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
	DeprecationHeader        = "Deprecation"
)

// MaxAuthSkew bounds the difference between X-Timestamp and the relay's
// clock.
const MaxAuthSkew = 5 * time.Minute

// ErrBadAuthHeader is returned for Authorization values that do not parse
// as "Signature <agent>:<base64-sig>".
var ErrBadAuthHeader = errors.New("malformed authorization header")

// SigningString builds the exact string both sides sign for authenticated
// relay requests: "{METHOD} {PATH}\n{timestamp}\n{sha256hex(body)}". The
// path excludes the query string.
func SigningString(method, path, timestamp string, body []byte) string {
	sum := sha256.Sum256(body)
	return method + " " + path + "\n" + timestamp + "\n" + hex.EncodeToString(sum[:])
}

// FormatAuthHeader renders "Signature <agent>:<base64-sig>".
func FormatAuthHeader(agent string, sig []byte) string {
	return AuthScheme + " " + agent + ":" + base64.StdEncoding.EncodeToString(sig)
}

// ParseAuthHeader splits an Authorization header produced by
// FormatAuthHeader back into agent name and signature bytes.
func ParseAuthHeader(h string) (string, []byte, error) {
	scheme, rest, found := strings.Cut(h, " ")
	if !found || scheme != AuthScheme {
		return "", nil, ErrBadAuthHeader
	}
	agent, sigStr, found := strings.Cut(rest, ":")
	if !found || agent == "" {
		return "", nil, ErrBadAuthHeader
	}
	sig, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return "", nil, ErrBadAuthHeader
	}
	return agent, sig, nil
}
