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
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

// The agent surfaces everything asynchronous as typed events on feeds,
// one feed per event kind. Subscribers get their own channels; nothing
// here blocks the pipelines.

// MessageEvent is a verified, decrypted direct message.
type MessageEvent struct {
	Community string
	Sender    string
	MessageID string
	Timestamp time.Time
	Payload   map[string]any
	Verified  bool
}

// GroupMessageEvent is a verified, decrypted group message.
type GroupMessageEvent struct {
	Community string
	GroupID   string
	Sender    string
	MessageID string
	Timestamp time.Time
	Payload   map[string]any
}

// BroadcastEvent is an admin announcement whose signature checked out
// against the community's admin keys.
type BroadcastEvent struct {
	Community string
	ID        string
	Type      string
	Sender    string
	Payload   json.RawMessage
}

// ContactRequestEvent carries an inbound contact request. The runtime
// never auto-accepts; the host application decides.
type ContactRequestEvent struct {
	Community string
	From      string
	Greeting  string
	PublicKey string
}

// ContactResponseEvent reports the peer's decision on an outbound
// contact request.
type ContactResponseEvent struct {
	Community string
	Responder string
	Accepted  bool
}

// ReceiptEvent acknowledges one of our direct messages.
type ReceiptEvent struct {
	Sender    string
	MessageID string
	Status    string
}

// RevocationEvent reports an agent revoked by a community admin.
type RevocationEvent struct {
	Community    string
	RevokedAgent string
	RevokedAt    time.Time
}

// DeliveryStatusEvent tracks a message through the retry queue.
type DeliveryStatusEvent struct {
	MessageID string
	Recipient string
	Status    DeliveryStatus
	Attempts  int
	Error     string
}

// CommunityStatusEvent reports relay failover.
type CommunityStatusEvent struct {
	Community string
	Status    string // "failover"
	Relay     string
}

// KeyChangedEvent warns that a cached peer key differs from what the
// relay now serves. Trust decisions stay with the subscriber.
type KeyChangedEvent struct {
	Community string
	Peer      string
	OldKey    string
	NewKey    string
}

// RotationResult is the per-community outcome of a key rotation.
type RotationResult struct {
	Community string
	Err       error
}

// KeyRotationPartialEvent reports a rotation that landed on some
// communities but not all.
type KeyRotationPartialEvent struct {
	Results []RotationResult
}

// Events is the agent's event surface. The zero value is ready; Close
// tears down every subscription.
type Events struct {
	scope event.SubscriptionScope

	message         event.FeedOf[MessageEvent]
	groupMessage    event.FeedOf[GroupMessageEvent]
	broadcast       event.FeedOf[BroadcastEvent]
	contactRequest  event.FeedOf[ContactRequestEvent]
	contactResponse event.FeedOf[ContactResponseEvent]
	receipt         event.FeedOf[ReceiptEvent]
	revocation      event.FeedOf[RevocationEvent]
	deliveryStatus  event.FeedOf[DeliveryStatusEvent]
	communityStatus event.FeedOf[CommunityStatusEvent]
	keyChanged      event.FeedOf[KeyChangedEvent]
	rotationPartial event.FeedOf[KeyRotationPartialEvent]
}

func (e *Events) SubscribeMessages(ch chan<- MessageEvent) event.Subscription {
	return e.scope.Track(e.message.Subscribe(ch))
}

func (e *Events) SubscribeGroupMessages(ch chan<- GroupMessageEvent) event.Subscription {
	return e.scope.Track(e.groupMessage.Subscribe(ch))
}

func (e *Events) SubscribeBroadcasts(ch chan<- BroadcastEvent) event.Subscription {
	return e.scope.Track(e.broadcast.Subscribe(ch))
}

func (e *Events) SubscribeContactRequests(ch chan<- ContactRequestEvent) event.Subscription {
	return e.scope.Track(e.contactRequest.Subscribe(ch))
}

func (e *Events) SubscribeContactResponses(ch chan<- ContactResponseEvent) event.Subscription {
	return e.scope.Track(e.contactResponse.Subscribe(ch))
}

func (e *Events) SubscribeReceipts(ch chan<- ReceiptEvent) event.Subscription {
	return e.scope.Track(e.receipt.Subscribe(ch))
}

func (e *Events) SubscribeRevocations(ch chan<- RevocationEvent) event.Subscription {
	return e.scope.Track(e.revocation.Subscribe(ch))
}

func (e *Events) SubscribeDeliveryStatus(ch chan<- DeliveryStatusEvent) event.Subscription {
	return e.scope.Track(e.deliveryStatus.Subscribe(ch))
}

func (e *Events) SubscribeCommunityStatus(ch chan<- CommunityStatusEvent) event.Subscription {
	return e.scope.Track(e.communityStatus.Subscribe(ch))
}

func (e *Events) SubscribeKeyChanges(ch chan<- KeyChangedEvent) event.Subscription {
	return e.scope.Track(e.keyChanged.Subscribe(ch))
}

func (e *Events) SubscribeKeyRotationPartial(ch chan<- KeyRotationPartialEvent) event.Subscription {
	return e.scope.Track(e.rotationPartial.Subscribe(ch))
}

// Close cancels every subscription created through this surface.
func (e *Events) Close() {
	e.scope.Close()
}
