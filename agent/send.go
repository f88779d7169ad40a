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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

var (
	// ErrNotContact rejects a send to a peer without an established
	// contact relationship. Key exchange happens at contact time; there
	// is nothing to encrypt to.
	ErrNotContact = errors.New("recipient is not a contact")

	// ErrInsecureEndpoint rejects delivery to a plain-http inbox.
	ErrInsecureEndpoint = errors.New("recipient endpoint is not https")
)

var (
	deliveredMeter = metrics.NewRegisteredMeter("cc4me/agent/delivered", nil)
	queuedMeter    = metrics.NewRegisteredMeter("cc4me/agent/queued", nil)
	failedMeter    = metrics.NewRegisteredMeter("cc4me/agent/failed", nil)
)

// SendResult reports how a message left the agent.
type SendResult struct {
	MessageID string
	Recipient string
	Community string
	Status    DeliveryStatus
}

// SendMessage encrypts payload for recipient and delivers it to the
// peer's inbox, queueing for retry when the peer is unreachable. The
// recipient may be a bare username or user@relayhost. The returned
// status is delivered, queued or failed; queued messages report their
// final fate through delivery status events.
func (a *Agent) SendMessage(ctx context.Context, recipient string, payload map[string]any) (*SendResult, error) {
	user, comm, err := a.manager.Resolve(recipient)
	if err != nil {
		return nil, err
	}
	entry, err := a.lookupContact(ctx, comm, user)
	if err != nil {
		return nil, err
	}

	messageID := uuid.NewString()
	env, err := a.sealEnvelope(comm, entry, wire.TypeDirect, messageID, "", payload)
	if err != nil {
		return nil, err
	}

	a.reports.open(messageID, user, comm.Name(), time.Now())
	res := &SendResult{MessageID: messageID, Recipient: user, Community: comm.Name()}

	if !entry.Online {
		// Peer offline per the cache: skip the network and queue.
		a.reports.attempt(messageID, DeliveryAttempt{Timestamp: time.Now(), PresenceCheck: "offline"})
		if err := a.queue.Enqueue(messageID, user, comm.Name(), env); err != nil {
			a.reports.finish(messageID, DeliveryFailed)
			return nil, err
		}
		a.reports.finish(messageID, DeliveryQueued)
		res.Status = DeliveryQueued
		return res, nil
	}

	status, err := a.deliver(ctx, comm, entry, env)
	switch status {
	case DeliveryDelivered:
		a.reports.finish(messageID, DeliveryDelivered)
		a.events.deliveryStatus.Send(DeliveryStatusEvent{MessageID: messageID, Recipient: user, Status: DeliveryDelivered, Attempts: 1})
	case DeliveryFailed:
		failedMeter.Mark(1)
		a.reports.finish(messageID, DeliveryFailed)
		a.events.deliveryStatus.Send(DeliveryStatusEvent{MessageID: messageID, Recipient: user, Status: DeliveryFailed, Attempts: 1, Error: err.Error()})
		return nil, err
	case DeliveryQueued:
		if qerr := a.queue.Enqueue(messageID, user, comm.Name(), env); qerr != nil {
			a.reports.finish(messageID, DeliveryFailed)
			return nil, qerr
		}
		a.reports.finish(messageID, DeliveryQueued)
	}
	res.Status = status
	return res, nil
}

// lookupContact finds user in the community's cache, refreshing first
// when the cached entry has gone stale. The refresh is best effort: a
// dead relay never blocks sending to a cached peer.
func (a *Agent) lookupContact(ctx context.Context, comm *Community, user string) (*ContactEntry, error) {
	entry, ok := comm.Cache().Get(user)
	if ok && time.Since(entry.RefreshedAt) <= a.cfg.ContactStaleAfter {
		return entry, nil
	}
	if err := comm.RefreshContacts(ctx); err != nil {
		comm.log.Debug("Contact refresh before send failed", "err", err)
	}
	if entry, ok = comm.Cache().Get(user); !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotContact, user, comm.Name())
	}
	return entry, nil
}

// sealEnvelope derives the pairwise key for entry, encrypts payload
// with the message id as AES-GCM additional data, and returns the
// signed envelope.
func (a *Agent) sealEnvelope(comm *Community, entry *ContactEntry, typ wire.Type, messageID, groupID string, payload map[string]any) (*wire.Envelope, error) {
	peerPub, err := e2e.DecodePublicKey(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("contact %s: bad cached key: %w", entry.Username, err)
	}
	key, err := e2e.SharedKey(comm.Key(), peerPub, a.cfg.Username, entry.Username)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := e2e.Seal(key, plain, messageID)
	if err != nil {
		return nil, err
	}
	sealed := wire.SealedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	env, err := wire.NewEnvelope(typ, messageID, a.cfg.Username, entry.Username, sealed, time.Now())
	if err != nil {
		return nil, err
	}
	env.GroupID = groupID
	if err := env.Sign(comm.Key()); err != nil {
		return nil, err
	}
	return env, nil
}

// deliver posts env to the peer's inbox. The verdict follows the HTTP
// class: 2xx delivered, 4xx failed permanently (the peer answered and
// refused), anything else queued for retry.
func (a *Agent) deliver(ctx context.Context, comm *Community, entry *ContactEntry, env *wire.Envelope) (DeliveryStatus, error) {
	start := time.Now()
	att := DeliveryAttempt{Timestamp: start, PresenceCheck: "online", Endpoint: entry.Endpoint}
	defer func() {
		att.DurationMs = time.Since(start).Milliseconds()
		a.reports.attempt(env.MessageID, att)
	}()

	if entry.Endpoint == "" {
		att.Error = "no endpoint"
		return DeliveryQueued, errors.New("contact has no endpoint")
	}
	if !strings.HasPrefix(entry.Endpoint, "https://") && !a.cfg.AllowInsecureTransport {
		att.Error = ErrInsecureEndpoint.Error()
		return DeliveryFailed, fmt.Errorf("%w: %s", ErrInsecureEndpoint, entry.Endpoint)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return DeliveryFailed, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DeliveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.Endpoint, bytes.NewReader(body))
	if err != nil {
		return DeliveryFailed, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.http.Do(req)
	if err != nil {
		att.Error = err.Error()
		comm.log.Debug("Delivery attempt failed", "to", entry.Username, "err", err)
		return DeliveryQueued, err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	att.HTTPStatus = res.StatusCode

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		deliveredMeter.Mark(1)
		comm.log.Debug("Message delivered", "to", entry.Username, "id", env.MessageID)
		return DeliveryDelivered, nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		// The peer is up and rejected the envelope. Retrying the same
		// bytes cannot end differently.
		err := fmt.Errorf("peer rejected message: %s", res.Status)
		att.Error = err.Error()
		return DeliveryFailed, err
	default:
		err := fmt.Errorf("peer unavailable: %s", res.Status)
		att.Error = err.Error()
		return DeliveryQueued, err
	}
}

// retryDue runs one scanner pass: take the due queue entries, gate each
// on current presence, and attempt delivery. An offline peer still
// costs the entry an attempt, keeping the schedule honest.
func (a *Agent) retryDue(ctx context.Context) {
	for _, e := range a.queue.Due() {
		comm, ok := a.manager.Community(e.Community)
		if !ok {
			a.queue.Done(e.MessageID, e.Recipient, false, ErrUnknownCommunity)
			continue
		}
		entry, ok := comm.Cache().Get(e.Recipient)
		if !ok {
			// Group members need not be contacts; the registry still
			// knows their endpoint.
			var peer *api.Agent
			err := comm.Call(func(cl *relayclient.Client) error {
				var err error
				peer, err = cl.Agent(ctx, e.Recipient)
				return err
			})
			if err != nil {
				a.reports.attempt(e.MessageID, DeliveryAttempt{Timestamp: time.Now(), PresenceCheck: "unknown", Error: err.Error()})
				a.queue.Done(e.MessageID, e.Recipient, false, err)
				continue
			}
			entry = &ContactEntry{
				Username:  peer.Name,
				PublicKey: peer.PublicKey,
				Endpoint:  peer.Endpoint,
				Online:    true,
				Community: comm.Name(),
			}
		}
		if !entry.Online {
			a.reports.attempt(e.MessageID, DeliveryAttempt{Timestamp: time.Now(), PresenceCheck: "offline"})
			a.queue.Done(e.MessageID, e.Recipient, false, nil)
			continue
		}
		status, err := a.deliver(ctx, comm, entry, e.Envelope)
		delivered := status == DeliveryDelivered
		if delivered {
			a.reports.finish(e.MessageID, DeliveryDelivered)
		}
		a.queue.Done(e.MessageID, e.Recipient, delivered, err)
	}
}

// DeliveryReport returns the attempt history of an outbound message.
func (a *Agent) DeliveryReport(messageID string) (*DeliveryReport, bool) {
	return a.reports.Report(messageID)
}
