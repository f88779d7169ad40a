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

package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

var (
	// ErrUnknownSender rejects envelopes from agents no community's
	// contact cache can vouch for.
	ErrUnknownSender = errors.New("sender is not a known contact")

	// ErrNotGroupMember rejects group envelopes whose sender the group
	// roster does not list.
	ErrNotGroupMember = errors.New("sender is not a group member")
)

var (
	inboundMeter         = metrics.NewRegisteredMeter("cc4me/agent/inbound", nil)
	inboundRejectedMeter = metrics.NewRegisteredMeter("cc4me/agent/inbound/rejected", nil)
)

// HandleInbound processes one envelope delivered to the agent's inbox.
// A nil return means accepted (including silently dropped duplicates);
// any error means the transport should answer 400 and the sender must
// not retry the same bytes.
func (a *Agent) HandleInbound(ctx context.Context, raw []byte) error {
	inboundMeter.Mark(1)
	env, err := wire.Decode(raw)
	if err != nil {
		inboundRejectedMeter.Mark(1)
		return err
	}
	if err := env.Validate(a.cfg.Username, time.Now()); err != nil {
		inboundRejectedMeter.Mark(1)
		return err
	}
	if seen := a.dedupSet(env.Type); seen != nil && seen.Contains(env.MessageID) {
		a.log.Debug("Duplicate envelope dropped", "id", env.MessageID, "from", env.Sender)
		return nil
	}

	// Contact requests are first contact: the sender is by definition
	// not in any cache yet, so they bypass the contact lookup. The
	// carried key verifies the envelope instead.
	if env.Type == wire.TypeContactRequest {
		if err := a.handleContactRequest(env); err != nil {
			inboundRejectedMeter.Mark(1)
			return err
		}
		return nil
	}

	var (
		comm  *Community
		entry *ContactEntry
	)
	switch env.Type {
	case wire.TypeGroup, wire.TypeContactResponse, wire.TypeBroadcast, wire.TypeRevocation:
		// Group members, responders and community admins need not be
		// pairwise contacts; the registry vouches for their identity
		// keys.
		comm, entry, err = a.senderPeer(ctx, env.Sender)
	default:
		comm, entry, err = a.senderContact(ctx, env.Sender)
	}
	if err != nil {
		inboundRejectedMeter.Mark(1)
		return err
	}
	peerPub, err := e2e.DecodePublicKey(entry.PublicKey)
	if err != nil {
		inboundRejectedMeter.Mark(1)
		return fmt.Errorf("contact %s: bad cached key: %w", env.Sender, err)
	}
	if err := env.Verify(peerPub); err != nil {
		inboundRejectedMeter.Mark(1)
		return err
	}

	switch env.Type {
	case wire.TypeDirect:
		err = a.handleDirect(comm, entry, env)
	case wire.TypeGroup:
		err = a.handleGroup(ctx, comm, entry, env)
	case wire.TypeBroadcast:
		err = a.handleBroadcast(comm, env)
	case wire.TypeContactResponse:
		err = a.handleContactResponse(env)
	case wire.TypeRevocation:
		err = a.handleRevocation(comm, env)
	case wire.TypeReceipt:
		err = a.handleReceipt(env)
	default:
		err = wire.ErrUnknownType
	}
	if err != nil {
		inboundRejectedMeter.Mark(1)
		return err
	}
	if seen := a.dedupSet(env.Type); seen != nil {
		seen.Add(env.MessageID, struct{}{})
	}
	return nil
}

// dedupSet picks the duplicate set for an envelope type. Broadcasts and
// revocations dedupe against the per-community broadcast id set inside
// their handlers, shared with the relay polling path, and get nil here.
func (a *Agent) dedupSet(typ wire.Type) *lru.Cache[string, struct{}] {
	switch typ {
	case wire.TypeGroup:
		return a.seenGroup
	case wire.TypeBroadcast, wire.TypeRevocation:
		return nil
	default:
		return a.seenDirect
	}
}

// senderContact locates the sender across the agent's communities,
// refreshing caches once on a miss so a freshly accepted contact can
// speak immediately.
func (a *Agent) senderContact(ctx context.Context, sender string) (*Community, *ContactEntry, error) {
	for _, c := range a.manager.All() {
		if entry, ok := c.Cache().Get(sender); ok {
			return c, entry, nil
		}
	}
	for _, c := range a.manager.All() {
		if err := c.RefreshContacts(ctx); err != nil {
			continue
		}
		if entry, ok := c.Cache().Get(sender); ok {
			return c, entry, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSender, sender)
}

// senderPeer resolves a sender like senderContact but falls back to the
// community registries on a contact-cache miss.
func (a *Agent) senderPeer(ctx context.Context, sender string) (*Community, *ContactEntry, error) {
	for _, c := range a.manager.All() {
		if entry, ok := c.Cache().Get(sender); ok {
			return c, entry, nil
		}
	}
	for _, c := range a.manager.All() {
		var peer *api.Agent
		err := c.Call(func(cl *relayclient.Client) error {
			var err error
			peer, err = cl.Agent(ctx, sender)
			return err
		})
		if err != nil {
			continue
		}
		return c, &ContactEntry{
			Username:  peer.Name,
			PublicKey: peer.PublicKey,
			Endpoint:  peer.Endpoint,
			Online:    true,
			Community: c.Name(),
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSender, sender)
}

// openSealed derives the pairwise key with entry and decrypts the
// envelope's sealed payload into a JSON object.
func (a *Agent) openSealed(comm *Community, entry *ContactEntry, env *wire.Envelope) (map[string]any, error) {
	var sealed wire.SealedPayload
	if err := env.DecodePayload(&sealed); err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", wire.ErrMalformed)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", wire.ErrMalformed)
	}
	peerPub, err := e2e.DecodePublicKey(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("contact %s: bad cached key: %w", entry.Username, err)
	}
	key, err := e2e.SharedKey(comm.Key(), peerPub, a.cfg.Username, entry.Username)
	if err != nil {
		return nil, err
	}
	plain, err := e2e.Open(key, ciphertext, nonce, env.MessageID)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("%w: decrypted payload is not an object", wire.ErrMalformed)
	}
	return payload, nil
}

func (a *Agent) handleDirect(comm *Community, entry *ContactEntry, env *wire.Envelope) error {
	payload, err := a.openSealed(comm, entry, env)
	if err != nil {
		return err
	}
	ts, _ := wire.ParseTime(env.Timestamp)
	a.log.Debug("Message received", "from", env.Sender, "id", env.MessageID)
	a.events.message.Send(MessageEvent{
		Community: comm.Name(),
		Sender:    env.Sender,
		MessageID: env.MessageID,
		Timestamp: ts,
		Payload:   payload,
		Verified:  true,
	})
	if a.cfg.SendReceipts {
		go a.sendReceipt(comm, entry, env.MessageID)
	}
	return nil
}

func (a *Agent) handleGroup(ctx context.Context, comm *Community, entry *ContactEntry, env *wire.Envelope) error {
	roster, err := a.groupRoster(ctx, comm, env.GroupID)
	if err != nil {
		return err
	}
	if _, ok := roster[env.Sender]; !ok {
		// One refresh covers a sender who joined since the cache filled.
		roster, err = a.refreshGroupRoster(ctx, comm, env.GroupID)
		if err != nil {
			return err
		}
		if _, ok := roster[env.Sender]; !ok {
			return fmt.Errorf("%w: %s in group %s", ErrNotGroupMember, env.Sender, env.GroupID)
		}
	}
	payload, err := a.openSealed(comm, entry, env)
	if err != nil {
		return err
	}
	ts, _ := wire.ParseTime(env.Timestamp)
	a.events.groupMessage.Send(GroupMessageEvent{
		Community: comm.Name(),
		GroupID:   env.GroupID,
		Sender:    env.Sender,
		MessageID: env.MessageID,
		Timestamp: ts,
		Payload:   payload,
	})
	return nil
}

// handleBroadcast accepts admin announcements pushed peer-to-peer. The
// envelope signature only proves the sender's identity; admin authority
// comes from the detached signature over the body, checked against the
// community's admin key set. Ids dedupe against the same set the relay
// polling path fills, so a broadcast arriving both ways is emitted once.
func (a *Agent) handleBroadcast(comm *Community, env *wire.Envelope) error {
	var p wire.BroadcastPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if !comm.verifyAdminSig(env.Sender, p.Body, p.Signature) {
		return fmt.Errorf("broadcast %s without a valid admin signature from %s", env.MessageID, env.Sender)
	}
	if comm.seenCasts.Contains(env.MessageID) {
		a.log.Debug("Duplicate broadcast dropped", "id", env.MessageID)
		return nil
	}
	comm.seenCasts.Add(env.MessageID, struct{}{})
	a.events.broadcast.Send(BroadcastEvent{
		Community: comm.Name(),
		ID:        env.MessageID,
		Type:      p.Type,
		Sender:    env.Sender,
		Payload:   p.Body,
	})
	return nil
}

func (a *Agent) handleContactRequest(env *wire.Envelope) error {
	var p wire.ContactRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	pub, err := e2e.DecodePublicKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: contact request carries undecodable key", wire.ErrMalformed)
	}
	// The carried key is the sender's whole claim of identity; the
	// envelope signature must prove possession of it.
	if err := env.Verify(pub); err != nil {
		return err
	}
	a.seenDirect.Add(env.MessageID, struct{}{})
	a.log.Info("Contact request received", "from", env.Sender, "community", p.Community)
	a.events.contactRequest.Send(ContactRequestEvent{
		Community: p.Community,
		From:      env.Sender,
		Greeting:  p.Greeting,
		PublicKey: p.PublicKey,
	})
	return nil
}

func (a *Agent) handleContactResponse(env *wire.Envelope) error {
	var p wire.ContactResponsePayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	a.events.contactResponse.Send(ContactResponseEvent{
		Community: p.Community,
		Responder: p.Responder,
		Accepted:  p.Accepted,
	})
	return nil
}

// handleRevocation takes revocations the same way as broadcasts: admin
// authority is the detached body signature, not the envelope signature.
func (a *Agent) handleRevocation(comm *Community, env *wire.Envelope) error {
	var p wire.BroadcastPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if !comm.verifyAdminSig(env.Sender, p.Body, p.Signature) {
		return fmt.Errorf("revocation %s without a valid admin signature from %s", env.MessageID, env.Sender)
	}
	if comm.seenCasts.Contains(env.MessageID) {
		return nil
	}
	var rev api.RevocationPayload
	if err := json.Unmarshal(p.Body, &rev); err != nil {
		return fmt.Errorf("%w: revocation body", wire.ErrMalformed)
	}
	comm.seenCasts.Add(env.MessageID, struct{}{})
	a.events.revocation.Send(RevocationEvent{
		Community:    comm.Name(),
		RevokedAgent: rev.RevokedAgent,
		RevokedAt:    rev.RevokedAt,
	})
	return nil
}

func (a *Agent) handleReceipt(env *wire.Envelope) error {
	var p wire.ReceiptPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	a.events.receipt.Send(ReceiptEvent{
		Sender:    env.Sender,
		MessageID: p.MessageID,
		Status:    p.Status,
	})
	return nil
}

// sendReceipt acknowledges a received direct message, best effort.
func (a *Agent) sendReceipt(comm *Community, entry *ContactEntry, messageID string) {
	payload := wire.ReceiptPayload{MessageID: messageID, Status: "delivered"}
	env, err := wire.NewEnvelope(wire.TypeReceipt, uuid.NewString(), a.cfg.Username, entry.Username, payload, time.Now())
	if err != nil {
		return
	}
	if err := env.Sign(comm.Key()); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeliveryTimeout)
	defer cancel()
	if _, err := a.deliver(ctx, comm, entry, env); err != nil {
		comm.log.Debug("Receipt not delivered", "to", entry.Username, "err", err)
	}
}
