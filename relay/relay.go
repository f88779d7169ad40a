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

// Package relay implements the coordination service of one community:
// agent registry, contact graph, presence, broadcasts, groups and key
// management behind a signature-authenticated HTTP surface. The relay
// never carries message content; agents deliver to each other directly.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// Version is reported by /health.
const Version = "2.0.0"

// maxBodySize bounds request bodies before they reach a decoder.
const maxBodySize = 1 << 20

var (
	requestsMeter  = metrics.NewRegisteredMeter("cc4me/relay/requests", nil)
	rateLimitMeter = metrics.NewRegisteredMeter("cc4me/relay/ratelimited", nil)
)

// Server is the relay's HTTP surface over one Store.
type Server struct {
	cfg    Config
	store  *Store
	router *httprouter.Router

	breaker *breaker
	legacy  legacyStore
	log     log.Logger
	now     func() time.Time
	started time.Time
}

// NewServer wires the routing table over store.
func NewServer(cfg Config, store *Store) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		router:  httprouter.New(),
		breaker: newBreaker(cfg.BreakerPerMin, time.Minute),
		log:     log.New("relay", cfg.Community),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.started = s.now()

	// Registry.
	s.handle(http.MethodPost, "/registry/agents", s.register)
	s.authed(http.MethodGet, "/registry/agents", s.listAgents)
	s.authed(http.MethodGet, "/registry/agents/:name", s.getAgent)
	s.admin(http.MethodPost, "/registry/agents/:name/approve", s.approveAgent)
	s.admin(http.MethodPost, "/registry/agents/:name/revoke", s.revokeAgent)

	// Contacts. httprouter keeps one radix tree per method and refuses a
	// static segment next to a wildcard, so the POST handlers dispatch on
	// the parameter themselves: /contacts/request lands in postContact,
	// accept and deny land in contactAction.
	s.authed(http.MethodPost, "/contacts/:agent", s.postContact)
	s.authed(http.MethodPost, "/contacts/:agent/:action", s.contactAction)
	s.authed(http.MethodGet, "/contacts/pending", s.pendingContacts)
	s.authed(http.MethodDelete, "/contacts/:agent", s.removeContact)
	s.authed(http.MethodGet, "/contacts", s.listContacts)

	// Presence. "batch" shares the :agent slot for the same reason.
	s.authed(http.MethodPut, "/presence", s.heartbeat)
	s.authed(http.MethodGet, "/presence/:agent", s.presence)

	// Email verification.
	s.handle(http.MethodPost, "/verify/send", s.verifySend)
	s.handle(http.MethodPost, "/verify/confirm", s.verifyConfirm)

	// Admin.
	s.admin(http.MethodPost, "/admin/broadcast", s.postBroadcast)
	s.authed(http.MethodGet, "/admin/broadcasts", s.listBroadcasts)
	s.admin(http.MethodGet, "/admin/pending", s.pendingAgents)
	s.authed(http.MethodGet, "/admin/keys", s.adminKeys)

	// Keys.
	s.authed(http.MethodPost, "/keys/rotate", s.rotateKey)
	s.handle(http.MethodPost, "/keys/recover", s.recoverKey)

	// Groups. getGroup dispatches the static names "changes" and
	// "invitations" sharing the :id slot.
	s.authed(http.MethodPost, "/groups", s.createGroup)
	s.authed(http.MethodGet, "/groups", s.listGroups)
	s.authed(http.MethodGet, "/groups/:id", s.getGroup)
	s.authed(http.MethodDelete, "/groups/:id", s.dissolveGroup)
	s.authed(http.MethodGet, "/groups/:id/members", s.groupMembers)
	s.authed(http.MethodPost, "/groups/:id/invite", s.inviteToGroup)
	s.authed(http.MethodPost, "/groups/:id/accept", s.acceptInvitation)
	s.authed(http.MethodPost, "/groups/:id/decline", s.declineInvitation)
	s.authed(http.MethodPost, "/groups/:id/leave", s.leaveGroup)
	s.authed(http.MethodPost, "/groups/:id/transfer", s.transferGroup)
	s.authed(http.MethodDelete, "/groups/:id/members/:agent", s.removeGroupMember)

	// Legacy store-and-forward, alive until the migration cutoff.
	s.authed(http.MethodPost, "/relay/send", s.legacySend)
	s.authed(http.MethodGet, "/relay/inbox/:agent", s.legacyInbox)
	s.authed(http.MethodPost, "/relay/inbox/:agent/ack", s.legacyAck)

	s.handle(http.MethodGet, "/health", s.health)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handlerFunc handles an unauthenticated request. A returned error is
// translated into the matching status; nil means the handler responded.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error

// authedFunc additionally receives the verified caller's registry row.
type authedFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error

// adminFunc receives the verified admin's name and admin public key.
type adminFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, admin, adminKey string) error

func (s *Server) handle(method, path string, h handlerFunc) {
	s.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		requestsMeter.Mark(1)
		if !s.breaker.allow(s.now()) {
			s.writeRateLimited(w, &rateLimitError{})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := h(w, r, p); err != nil {
			s.writeError(w, r, err)
		}
	})
}

func (s *Server) authed(method, path string, h authedFunc) {
	s.handle(method, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
		caller, _, err := s.authenticate(r)
		if err != nil {
			return err
		}
		return h(w, r, p, caller)
	})
}

func (s *Server) admin(method, path string, h adminFunc) {
	s.handle(method, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
		admin, key, err := s.authenticateAdmin(r)
		if err != nil {
			return err
		}
		return h(w, r, p, admin, key)
	})
}

// JSON writes data with the given status.
func (s *Server) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads the request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest("bad request body: %v", err)
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		s.writeRateLimited(w, rl)
		return
	}
	var ae *apiError
	if errors.As(err, &ae) {
		s.JSON(w, ae.status, api.Error{Error: ae.msg})
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		s.JSON(w, http.StatusNotFound, api.Error{Error: err.Error()})
	case errors.Is(err, ErrContactExists), errors.Is(err, ErrAlreadyMember),
		errors.Is(err, ErrInviteExists), errors.Is(err, ErrGroupFull):
		s.JSON(w, http.StatusConflict, api.Error{Error: err.Error()})
	case errors.Is(err, ErrNotRecipient):
		s.JSON(w, http.StatusBadRequest, api.Error{Error: err.Error()})
	default:
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		s.JSON(w, http.StatusInternalServerError, api.Error{Error: "internal error"})
	}
}

func (s *Server) writeRateLimited(w http.ResponseWriter, rl *rateLimitError) {
	rateLimitMeter.Mark(1)
	w.Header().Set(api.RateLimitRemainingHeader, strconv.Itoa(rl.remaining))
	if !rl.resetAt.IsZero() {
		w.Header().Set(api.RateLimitResetHeader, strconv.FormatInt(rl.resetAt.Unix(), 10))
	}
	s.JSON(w, http.StatusTooManyRequests, api.Error{Error: "rate limit exceeded"})
}

// takeRate charges one hit against a store-backed fixed window and turns
// refusal into a 429 error.
func (s *Server) takeRate(key string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	remaining, resetAt, ok, err := s.store.TakeRate(key, limit, window, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return &rateLimitError{remaining: remaining, resetAt: resetAt}
	}
	return nil
}

// clientIP extracts the caller address for the registration limiter.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// online derives presence from the last heartbeat: an agent is online
// while its silence stays under twice the heartbeat interval.
func (s *Server) online(lastSeen time.Time) bool {
	if lastSeen.IsZero() {
		return false
	}
	return s.now().Sub(lastSeen) <= 2*s.cfg.HeartbeatInterval
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	now := s.now()
	s.JSON(w, http.StatusOK, api.Health{
		Status:    "ok",
		Community: s.cfg.Community,
		Version:   Version,
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		Time:      now,
	})
	return nil
}

// readBody consumes and returns the request body, leaving a replayable
// copy behind for the handler's decoder.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errBadRequest("unreadable body: %v", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
