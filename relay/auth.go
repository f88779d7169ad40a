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

package relay

import (
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

// authenticate verifies a signed request against the caller's registered
// identity key. It returns the caller's registry row and the raw body,
// which it leaves replayable for the handler.
//
// Failure mapping per the admission protocol: unknown agent 404, revoked
// or not-yet-approved agent 403, everything wrong with the signature or
// clock 401.
func (s *Server) authenticate(r *http.Request) (*AgentRow, []byte, error) {
	agent, sig, body, ts, err := s.parseSigned(r)
	if err != nil {
		return nil, nil, err
	}
	row, err := s.store.Agent(agent)
	if err == ErrNotFound {
		return nil, nil, errNotFound("unknown agent %q", agent)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := s.maybeApplyRecovery(row); err != nil {
		return nil, nil, err
	}
	if row.Status != api.StatusActive {
		return nil, nil, errForbidden("agent %q is %s", agent, row.Status)
	}
	pub, err := e2e.DecodePublicKey(row.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	if !s.verifySignature(pub, r, ts, body, sig) {
		return nil, nil, errUnauthorized("bad signature")
	}
	if err := s.takeRate("auth:"+agent, s.cfg.AuthRequestsPerMin, time.Minute); err != nil {
		return nil, nil, err
	}
	return row, body, nil
}

// authenticateAdmin verifies a signed request against the admins table.
// The signing key is the admin keypair, never the agent identity key.
func (s *Server) authenticateAdmin(r *http.Request) (admin, adminKey string, err error) {
	agent, sig, body, ts, err := s.parseSigned(r)
	if err != nil {
		return "", "", err
	}
	adminKey, err = s.store.AdminKey(agent)
	if err == ErrNotFound {
		return "", "", errForbidden("agent %q is not an admin", agent)
	}
	if err != nil {
		return "", "", err
	}
	pub, err := e2e.DecodePublicKey(adminKey)
	if err != nil {
		return "", "", err
	}
	if !s.verifySignature(pub, r, ts, body, sig) {
		return "", "", errUnauthorized("bad signature")
	}
	if err := s.takeRate("auth:"+agent, s.cfg.AuthRequestsPerMin, time.Minute); err != nil {
		return "", "", err
	}
	return agent, adminKey, nil
}

// parseSigned pulls the auth material out of the request: agent name,
// signature, body bytes, and the timestamp, which must sit within the
// accepted skew.
func (s *Server) parseSigned(r *http.Request) (agent string, sig, body []byte, ts string, err error) {
	agent, sig, err = api.ParseAuthHeader(r.Header.Get(api.AuthHeader))
	if err != nil {
		return "", nil, nil, "", errUnauthorized("missing or malformed authorization")
	}
	ts = r.Header.Get(api.TimestampHeader)
	t, err := wire.ParseTime(ts)
	if err != nil {
		return "", nil, nil, "", errUnauthorized("missing or malformed timestamp")
	}
	if d := s.now().Sub(t); d > api.MaxAuthSkew || d < -api.MaxAuthSkew {
		return "", nil, nil, "", errUnauthorized("request timestamp outside accepted window")
	}
	body, err = readBody(r)
	if err != nil {
		return "", nil, nil, "", err
	}
	return agent, sig, body, ts, nil
}

func (s *Server) verifySignature(pub ed25519.PublicKey, r *http.Request, ts string, body, sig []byte) bool {
	msg := api.SigningString(r.Method, r.URL.Path, ts, body)
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(pub, []byte(msg), sig)
}
