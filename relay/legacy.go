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
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
)

// legacyStore is the in-memory remnant of relay-mediated messaging.
// Nothing here survives a restart; that is acceptable for a shim whose
// whole purpose is to disappear at the migration cutoff.
type legacyStore struct {
	mu    sync.Mutex
	boxes map[string][]api.LegacyInboxItem
}

// legacyGate answers 410 once the configured cutoff has passed. Before
// that, every legacy response carries a Deprecation header and a warn
// log so operators can watch remaining traffic drain.
func (s *Server) legacyGate(w http.ResponseWriter, r *http.Request) error {
	if !s.cfg.MigrationCutoff.IsZero() && s.now().After(s.cfg.MigrationCutoff) {
		return errGone("legacy relay endpoints were retired on %s", s.cfg.MigrationCutoff.Format("2006-01-02"))
	}
	w.Header().Set(api.DeprecationHeader, "true")
	s.log.Warn("Legacy relay endpoint used", "path", r.URL.Path)
	return nil
}

func (s *Server) legacySend(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller *AgentRow) error {
	if err := s.legacyGate(w, r); err != nil {
		return err
	}
	var req api.LegacySendRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.To == "" || len(req.Envelope) == 0 {
		return errBadRequest("to and envelope are required")
	}
	if _, err := s.store.Agent(req.To); err == ErrNotFound {
		return errNotFound("unknown agent %q", req.To)
	} else if err != nil {
		return err
	}
	item := api.LegacyInboxItem{
		ID:       uuid.NewString(),
		From:     caller.Name,
		Envelope: req.Envelope,
		StoredAt: s.now(),
	}
	s.legacy.mu.Lock()
	if s.legacy.boxes == nil {
		s.legacy.boxes = make(map[string][]api.LegacyInboxItem)
	}
	s.legacy.boxes[req.To] = append(s.legacy.boxes[req.To], item)
	s.legacy.mu.Unlock()
	s.JSON(w, http.StatusCreated, item)
	return nil
}

func (s *Server) legacyInbox(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	if err := s.legacyGate(w, r); err != nil {
		return err
	}
	if p.ByName("agent") != caller.Name {
		return errForbidden("inboxes are private")
	}
	s.legacy.mu.Lock()
	items := append([]api.LegacyInboxItem(nil), s.legacy.boxes[caller.Name]...)
	s.legacy.mu.Unlock()
	if items == nil {
		items = []api.LegacyInboxItem{}
	}
	s.JSON(w, http.StatusOK, items)
	return nil
}

func (s *Server) legacyAck(w http.ResponseWriter, r *http.Request, p httprouter.Params, caller *AgentRow) error {
	if err := s.legacyGate(w, r); err != nil {
		return err
	}
	if p.ByName("agent") != caller.Name {
		return errForbidden("inboxes are private")
	}
	var req api.LegacyAckRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	acked := make(map[string]bool, len(req.IDs))
	for _, id := range req.IDs {
		acked[id] = true
	}
	s.legacy.mu.Lock()
	if box := s.legacy.boxes[caller.Name]; box != nil {
		kept := box[:0]
		for _, item := range box {
			if !acked[item.ID] {
				kept = append(kept, item)
			}
		}
		s.legacy.boxes[caller.Name] = kept
	}
	s.legacy.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	return nil
}
