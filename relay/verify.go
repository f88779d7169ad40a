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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

const (
	// codeTTL is how long a verification code stays redeemable.
	codeTTL = 10 * time.Minute
	// maxVerifyAttempts consumes the code after this many wrong guesses.
	maxVerifyAttempts = 3
)

// verifySend issues a 6-digit code to the address that wants to own the
// username. Only the SHA-256 of the code is stored.
func (s *Server) verifySend(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req api.VerifySendRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if !api.AgentNameRE.MatchString(req.Username) {
		return errBadRequest("invalid agent name %q", req.Username)
	}
	if !strings.Contains(req.Email, "@") {
		return errBadRequest("invalid email address")
	}
	if s.cfg.Sender == nil {
		return &apiError{http.StatusServiceUnavailable, "email verification is not configured"}
	}
	code, err := newCode()
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.store.PutVerification(req.Username, req.Email, hashCode(code), now.Add(codeTTL), now); err != nil {
		return err
	}
	if err := s.cfg.Sender.SendCode(r.Context(), req.Email, code); err != nil {
		s.log.Error("Verification code dispatch failed", "agent", req.Username, "err", err)
		return fmt.Errorf("send code: %w", err)
	}
	s.log.Debug("Verification code issued", "agent", req.Username)
	w.WriteHeader(http.StatusOK)
	return nil
}

// verifyConfirm redeems a code. Three strikes or ten minutes kill the
// row; success flips it to verified, the precondition for registering.
func (s *Server) verifyConfirm(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	var req api.VerifyConfirmRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	_, err := s.checkCode(req.Username, req.Email, req.Code)
	if err != nil {
		return err
	}
	if err := s.store.MarkVerified(req.Username); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// checkCode validates a submitted code against the stored row, shared
// between confirm and key recovery.
func (s *Server) checkCode(username, email, code string) (*VerificationRow, error) {
	v, err := s.store.Verification(username)
	if err == ErrNotFound {
		return nil, errNotFound("no verification pending for %q", username)
	}
	if err != nil {
		return nil, err
	}
	if s.now().After(v.ExpiresAt) {
		if err := s.store.DeleteVerification(username); err != nil {
			return nil, err
		}
		return nil, errBadRequest("verification code expired")
	}
	if v.Email != email {
		return nil, errBadRequest("email does not match")
	}
	submitted := hashCode(code)
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(v.CodeHash)) != 1 {
		attempts, err := s.store.BumpVerifyAttempts(username)
		if err != nil {
			return nil, err
		}
		if attempts >= maxVerifyAttempts {
			if err := s.store.DeleteVerification(username); err != nil {
				return nil, err
			}
		}
		return nil, errBadRequest("wrong verification code")
	}
	return v, nil
}

// newCode draws a uniform 6-digit decimal code.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
