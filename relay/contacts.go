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
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// postContact serves POST /contacts/request. The route shares the
// :agent slot with accept/deny, so anything but "request" is unknown.
func (s *Server) postContact(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	if p.ByName("agent") != "request" {
		return errNotFound("unknown contacts operation")
	}
	var req api.ContactRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.To == caller.Name {
		return errBadRequest("cannot request contact with yourself")
	}
	if len(req.Greeting) > api.MaxGreetingLen {
		return errBadRequest("greeting longer than %d characters", api.MaxGreetingLen)
	}
	peer, err := s.store.Agent(req.To)
	if err == ErrNotFound || (err == nil && peer.Status != api.StatusActive) {
		return errNotFound("no active agent %q", req.To)
	}
	if err != nil {
		return err
	}
	if err := s.takeRate("contactreq:"+caller.Name, s.cfg.ContactReqsPerHour, time.Hour); err != nil {
		return err
	}
	if err := s.store.CreateContactRequest(caller.Name, req.To, req.Greeting, s.now()); err != nil {
		if err == ErrContactExists {
			return errConflict("contact with %q already requested or active", req.To)
		}
		return err
	}
	s.log.Debug("Contact requested", "from", caller.Name, "to", req.To)
	w.WriteHeader(http.StatusCreated)
	return nil
}

// contactAction serves POST /contacts/:agent/accept and deny. Only the
// agent the request was addressed to may act.
func (s *Server) contactAction(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	peer := p.ByName("agent")
	var err error
	switch p.ByName("action") {
	case "accept":
		err = s.store.AcceptContact(caller.Name, peer, s.now())
	case "deny":
		err = s.store.DenyContact(caller.Name, peer)
	default:
		return errNotFound("unknown contacts operation")
	}
	if err != nil {
		if err == ErrNotFound {
			return errNotFound("no pending request from %q", peer)
		}
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) pendingContacts(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	rows, err := s.store.PendingContactsFor(caller.Name)
	if err != nil {
		return err
	}
	out := make([]api.PendingContact, 0, len(rows))
	for _, row := range rows {
		out = append(out, api.PendingContact{
			From:      row.RequestedBy,
			Greeting:  row.Greeting,
			CreatedAt: row.CreatedAt,
		})
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) removeContact(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	peer := p.ByName("agent")
	if err := s.store.RemoveContact(caller.Name, peer); err != nil {
		if err == ErrNotFound {
			return errNotFound("no active contact %q", peer)
		}
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	peers, err := s.store.ContactsOf(caller.Name)
	if err != nil {
		return err
	}
	out := make([]api.Contact, 0, len(peers))
	for _, peer := range peers {
		if err := s.maybeApplyRecovery(peer.Agent); err != nil {
			return err
		}
		c := api.Contact{
			Agent:              peer.Agent.Name,
			PublicKey:          peer.Agent.PublicKey,
			Endpoint:           peer.Agent.Endpoint,
			Since:              peer.Since,
			Online:             s.online(peer.Agent.LastSeen),
			RecoveryInProgress: !peer.Agent.RecoveryAt.IsZero(),
		}
		if !peer.Agent.LastSeen.IsZero() {
			t := peer.Agent.LastSeen
			c.LastSeen = &t
		}
		if !peer.Agent.KeyUpdatedAt.IsZero() {
			t := peer.Agent.KeyUpdatedAt
			c.KeyUpdatedAt = &t
		}
		out = append(out, c)
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

// heartbeat records the caller's presence and current inbox endpoint.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	var req api.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := s.store.UpdatePresence(caller.Name, req.Endpoint, s.now()); err != nil {
		return err
	}
	s.JSON(w, http.StatusOK, api.HeartbeatResponse{ServerTime: s.now(), Community: s.cfg.Community})
	return nil
}

// presence serves GET /presence/:agent and, when the parameter is the
// literal "batch", GET /presence/batch?agents=a,b,c.
func (s *Server) presence(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	name := p.ByName("agent")
	if name == "batch" {
		return s.presenceBatch(w, r, caller)
	}
	row, err := s.store.Agent(name)
	if err != nil {
		return err
	}
	s.JSON(w, http.StatusOK, s.presenceView(row))
	return nil
}

func (s *Server) presenceBatch(w http.ResponseWriter, r *http.Request, _ *AgentRow) error {
	names := strings.Split(r.URL.Query().Get("agents"), ",")
	out := make([]api.Presence, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		row, err := s.store.Agent(name)
		if err == ErrNotFound {
			// Unknown names are skipped, not fatal for the batch.
			continue
		}
		if err != nil {
			return err
		}
		out = append(out, s.presenceView(row))
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) presenceView(row *AgentRow) api.Presence {
	pr := api.Presence{
		Agent:    row.Name,
		Online:   s.online(row.LastSeen),
		Endpoint: row.Endpoint,
	}
	if !row.LastSeen.IsZero() {
		t := row.LastSeen
		pr.LastSeen = &t
	}
	return pr
}
