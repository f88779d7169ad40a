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
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// rotateKey installs a replacement public key for the caller. The
// request is signed with the current key, which is all the proof of
// possession rotation needs.
func (s *Server) rotateKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	var req api.RotateRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if _, err := e2e.DecodePublicKey(req.NewPublicKey); err != nil {
		return errBadRequest("invalid public key: %v", err)
	}
	now := s.now()
	if err := s.store.UpdateAgentKey(caller.Name, req.NewPublicKey, now); err != nil {
		return err
	}
	s.log.Info("Agent key rotated", "agent", caller.Name)
	s.JSON(w, http.StatusOK, api.RotateResponse{KeyUpdatedAt: now})
	return nil
}

// recoverKey starts an email-verified recovery that does not depend on
// the lost key. The caller first runs /verify/send for the username; the
// submitted code is checked here. The replacement key lands only after
// the cooling-off period, giving the old key's owner a window to object.
func (s *Server) recoverKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req api.RecoverRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if _, err := e2e.DecodePublicKey(req.NewPublicKey); err != nil {
		return errBadRequest("invalid public key: %v", err)
	}
	row, err := s.store.Agent(req.Name)
	if err == ErrNotFound {
		return errNotFound("unknown agent %q", req.Name)
	}
	if err != nil {
		return err
	}
	if row.Status != api.StatusActive {
		return errForbidden("agent %q is %s", req.Name, row.Status)
	}
	if row.OwnerEmail != req.Email {
		return errForbidden("email does not match the registered owner")
	}
	if _, err := s.checkCode(req.Name, req.Email, req.Code); err != nil {
		return err
	}
	if err := s.store.DeleteVerification(req.Name); err != nil {
		return err
	}
	recoverAt := s.now().Add(s.cfg.RecoveryCoolOff)
	if err := s.store.ScheduleRecovery(req.Name, req.NewPublicKey, recoverAt); err != nil {
		return err
	}
	s.log.Warn("Key recovery scheduled", "agent", req.Name, "recoverAt", recoverAt)
	s.JSON(w, http.StatusOK, api.RecoverResponse{RecoverAt: recoverAt})
	return nil
}

// maybeApplyRecovery lands a scheduled recovery whose cooling-off has
// passed. Called wherever an agent row is about to be used, so the swap
// needs no background job.
func (s *Server) maybeApplyRecovery(row *AgentRow) error {
	if row.RecoveryAt.IsZero() || s.now().Before(row.RecoveryAt) {
		return nil
	}
	now := s.now()
	if err := s.store.UpdateAgentKey(row.Name, row.RecoveryKey, now); err != nil {
		return err
	}
	s.log.Warn("Recovered key installed", "agent", row.Name)
	row.PublicKey = row.RecoveryKey
	row.RecoveryKey = ""
	row.RecoveryAt = time.Time{}
	row.KeyUpdatedAt = now
	return nil
}
