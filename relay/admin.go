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
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// postBroadcast stores an admin announcement. The signature covers the
// raw payload bytes and is verified against the posting admin's key;
// clients verify the same signature end to end.
func (s *Server) postBroadcast(w http.ResponseWriter, r *http.Request, _ httprouter.Params, admin, adminKey string) error {
	var req api.BroadcastRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if !api.ValidBroadcastType(req.Type) {
		return errBadRequest("unknown broadcast type %q", req.Type)
	}
	if len(req.Payload) == 0 {
		return errBadRequest("broadcast payload is required")
	}
	pub, err := e2e.DecodePublicKey(adminKey)
	if err != nil {
		return err
	}
	if !verifyDetached(pub, req.Payload, req.Signature) {
		return errUnauthorized("bad broadcast signature")
	}
	row := &BroadcastRow{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Payload:   req.Payload,
		Sender:    admin,
		Signature: req.Signature,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertBroadcast(row); err != nil {
		return err
	}
	s.log.Info("Broadcast stored", "type", row.Type, "admin", admin, "id", row.ID)
	s.JSON(w, http.StatusCreated, broadcastView(row))
	return nil
}

// listBroadcasts serves the broadcast log, optionally bounded by
// ?since=<unix seconds>.
func (s *Server) listBroadcasts(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *AgentRow) error {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errBadRequest("bad since parameter %q", v)
		}
		since = time.Unix(sec, 0)
	}
	rows, err := s.store.Broadcasts(since)
	if err != nil {
		return err
	}
	out := make([]api.Broadcast, 0, len(rows))
	for _, row := range rows {
		out = append(out, broadcastView(row))
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) pendingAgents(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _, _ string) error {
	rows, err := s.store.Agents(api.StatusPending)
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

// adminKeys publishes the admin public keys agents verify broadcasts
// against. Clients refresh this list on heartbeat.
func (s *Server) adminKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *AgentRow) error {
	keys, err := s.store.AdminKeys()
	if err != nil {
		return err
	}
	agents := make([]string, 0, len(keys))
	for agent := range keys {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	out := make([]api.AdminKey, 0, len(keys))
	for _, agent := range agents {
		out = append(out, api.AdminKey{Agent: agent, PublicKey: keys[agent]})
	}
	s.JSON(w, http.StatusOK, out)
	return nil
}

func broadcastView(row *BroadcastRow) api.Broadcast {
	return api.Broadcast{
		ID:        row.ID,
		Type:      row.Type,
		Payload:   row.Payload,
		Sender:    row.Sender,
		Signature: row.Signature,
		CreatedAt: row.CreatedAt,
	}
}
