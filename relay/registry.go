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
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// register creates a pending registry row. Admission requires a verified
// email row for the same username; approval is a separate admin step.
func (s *Server) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	if err := s.takeRate("register:"+clientIP(r), s.cfg.RegistrationsPerHour, time.Hour); err != nil {
		return err
	}
	var req api.RegisterRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if !api.AgentNameRE.MatchString(req.Name) {
		return errBadRequest("invalid agent name %q", req.Name)
	}
	if _, err := e2e.DecodePublicKey(req.PublicKey); err != nil {
		return errBadRequest("invalid public key: %v", err)
	}
	if req.Email == "" {
		return errBadRequest("email is required")
	}
	// Any surviving row blocks re-registration, revoked ones included.
	if _, err := s.store.Agent(req.Name); err == nil {
		return errConflict("agent %q already registered", req.Name)
	} else if err != ErrNotFound {
		return err
	}
	v, err := s.store.Verification(req.Name)
	if err == ErrNotFound || (err == nil && (!v.Verified || v.Email != req.Email)) {
		return errForbidden("email not verified for %q", req.Name)
	}
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.store.CreateAgent(req.Name, req.PublicKey, req.Email, req.Endpoint, now); err != nil {
		return err
	}
	// The verification row is single-use.
	if err := s.store.DeleteVerification(req.Name); err != nil {
		return err
	}
	s.log.Info("Agent registered", "agent", req.Name)
	row, err := s.store.Agent(req.Name)
	if err != nil {
		return err
	}
	s.JSON(w, http.StatusCreated, s.agentView(row))
	return nil
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *AgentRow) error {
	rows, err := s.store.Agents(api.StatusActive)
	if err != nil {
		return err
	}
	out := make([]api.Agent, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.agentView(row))
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *AgentRow) error {
	row, err := s.store.Agent(p.ByName("name"))
	if err != nil {
		return err
	}
	if err := s.maybeApplyRecovery(row); err != nil {
		return err
	}
	s.JSON(w, http.StatusOK, s.agentView(row))
	return nil
}

func (s *Server) approveAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, admin, _ string) error {
	name := p.ByName("name")
	if err := s.store.ApproveAgent(name, admin, s.now()); err != nil {
		if err == ErrNotFound {
			return errNotFound("no pending agent %q", name)
		}
		return err
	}
	s.log.Info("Agent approved", "agent", name, "admin", admin)
	w.WriteHeader(http.StatusOK)
	return nil
}

// revokeAgent retires an agent for good and publishes the fact as a
// revocation broadcast. The admin signs the broadcast payload client
// side; the relay verifies and stores, it never signs.
func (s *Server) revokeAgent(w http.ResponseWriter, r *http.Request, p httprouter.Params, admin, adminKey string) error {
	name := p.ByName("name")
	var req api.RevokeRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if len(req.Payload) == 0 {
		return errBadRequest("revocation payload is required")
	}
	pub, err := e2e.DecodePublicKey(adminKey)
	if err != nil {
		return err
	}
	if !verifyDetached(pub, req.Payload, req.Signature) {
		return errUnauthorized("bad revocation signature")
	}
	already, err := s.store.RevokeAgent(name)
	if err != nil {
		return err
	}
	if already {
		// Repeat revocations succeed without another broadcast.
		w.WriteHeader(http.StatusOK)
		return nil
	}
	b := &BroadcastRow{
		ID:        uuid.NewString(),
		Type:      api.BroadcastRevocation,
		Payload:   req.Payload,
		Sender:    admin,
		Signature: req.Signature,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertBroadcast(b); err != nil {
		return err
	}
	s.log.Warn("Agent revoked", "agent", name, "admin", admin)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) agentView(row *AgentRow) api.Agent {
	a := api.Agent{
		Name:               row.Name,
		PublicKey:          row.PublicKey,
		Endpoint:           row.Endpoint,
		Status:             row.Status,
		CreatedAt:          row.CreatedAt,
		RecoveryInProgress: !row.RecoveryAt.IsZero(),
	}
	if !row.LastSeen.IsZero() {
		t := row.LastSeen
		a.LastSeen = &t
	}
	if !row.KeyUpdatedAt.IsZero() {
		t := row.KeyUpdatedAt
		a.KeyUpdatedAt = &t
	}
	return a
}

func verifyDetached(pub ed25519.PublicKey, payload []byte, sig string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, raw)
}
