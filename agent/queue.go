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
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

// DeliveryStatus tracks a message through the retry queue.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySending   DeliveryStatus = "sending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExpired   DeliveryStatus = "expired"
	DeliveryFailed    DeliveryStatus = "failed"
)

// ErrQueueFull rejects an enqueue when the retry queue is at capacity.
// Callers surface this to the application instead of dropping silently.
var ErrQueueFull = errors.New("retry queue full")

// queuedMessage is one undelivered envelope awaiting retry.
type queuedMessage struct {
	MessageID  string
	Recipient  string
	Community  string
	Envelope   *wire.Envelope
	EnqueuedAt mclock.AbsTime
	NextAt     mclock.AbsTime
	Attempts   int
	inflight   bool
}

// RetryQueue holds envelopes whose recipients were unreachable and
// re-offers them on a fixed offset schedule relative to enqueue time.
// At most one attempt per message is in flight at a time; a message
// older than the horizon expires regardless of attempts left.
type RetryQueue struct {
	mu      sync.Mutex
	clock   mclock.Clock
	max     int
	offsets []time.Duration
	horizon time.Duration
	notify  func(DeliveryStatusEvent)
	log     log.Logger

	entries map[string]*queuedMessage // messageID|recipient -> entry
	order   []string                  // FIFO, for bounded eviction reporting
}

// qkey keys queue entries. Group fan-out shares one message id across
// members, so the recipient is part of the key.
func qkey(messageID, recipient string) string {
	return messageID + "|" + recipient
}

// NewRetryQueue builds a queue over clock. notify, when non-nil, gets a
// DeliveryStatusEvent on every status change.
func NewRetryQueue(clock mclock.Clock, max int, offsets []time.Duration, horizon time.Duration, notify func(DeliveryStatusEvent)) *RetryQueue {
	return &RetryQueue{
		clock:   clock,
		max:     max,
		offsets: offsets,
		horizon: horizon,
		notify:  notify,
		log:     log.New("module", "retryqueue"),
		entries: make(map[string]*queuedMessage),
	}
}

// Enqueue adds an undelivered envelope. The first retry fires at
// offsets[0] past now; delivery itself already cost attempt zero.
func (q *RetryQueue) Enqueue(messageID, recipient, community string, env *wire.Envelope) error {
	q.mu.Lock()
	key := qkey(messageID, recipient)
	// An entry already queued stays a no-op even at capacity.
	if _, ok := q.entries[key]; ok {
		q.mu.Unlock()
		return nil
	}
	if len(q.entries) >= q.max {
		q.mu.Unlock()
		q.log.Warn("Retry queue full, rejecting message", "id", messageID, "to", recipient)
		return ErrQueueFull
	}
	now := q.clock.Now()
	e := &queuedMessage{
		MessageID:  messageID,
		Recipient:  recipient,
		Community:  community,
		Envelope:   env,
		EnqueuedAt: now,
		NextAt:     now.Add(q.offsets[0]),
	}
	q.entries[key] = e
	q.order = append(q.order, key)
	q.mu.Unlock()

	q.emit(DeliveryStatusEvent{MessageID: messageID, Recipient: recipient, Status: DeliveryQueued})
	return nil
}

// Due returns the messages whose retry time has come, marking each as
// in flight. Expired messages are dropped here with an expired event
// rather than returned. The caller must finish every returned entry
// with Done.
func (q *RetryQueue) Due() []*queuedMessage {
	now := q.clock.Now()
	var due []*queuedMessage
	var expired []*queuedMessage

	q.mu.Lock()
	for _, key := range q.order {
		e, ok := q.entries[key]
		if !ok || e.inflight {
			continue
		}
		if time.Duration(now-e.EnqueuedAt) > q.horizon {
			expired = append(expired, e)
			continue
		}
		if now >= e.NextAt {
			e.inflight = true
			due = append(due, e)
		}
	}
	for _, e := range expired {
		q.removeLocked(qkey(e.MessageID, e.Recipient))
	}
	q.mu.Unlock()

	for _, e := range expired {
		q.log.Info("Queued message expired", "id", e.MessageID, "to", e.Recipient, "attempts", e.Attempts)
		q.emit(DeliveryStatusEvent{MessageID: e.MessageID, Recipient: e.Recipient, Status: DeliveryExpired, Attempts: e.Attempts})
	}
	for _, e := range due {
		q.emit(DeliveryStatusEvent{MessageID: e.MessageID, Recipient: e.Recipient, Status: DeliverySending, Attempts: e.Attempts})
	}
	return due
}

// Done records the outcome of an attempt handed out by Due. A delivered
// message leaves the queue; a failed one is rescheduled until the
// offset table runs out, after which it fails permanently. The attempt
// is consumed even when the caller skipped the network because presence
// said offline.
func (q *RetryQueue) Done(messageID, recipient string, delivered bool, attemptErr error) {
	key := qkey(messageID, recipient)
	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	e.inflight = false
	e.Attempts++

	var ev DeliveryStatusEvent
	switch {
	case delivered:
		q.removeLocked(key)
		ev = DeliveryStatusEvent{MessageID: messageID, Recipient: e.Recipient, Status: DeliveryDelivered, Attempts: e.Attempts}
	case e.Attempts >= len(q.offsets):
		q.removeLocked(key)
		ev = DeliveryStatusEvent{MessageID: messageID, Recipient: e.Recipient, Status: DeliveryFailed, Attempts: e.Attempts}
		if attemptErr != nil {
			ev.Error = attemptErr.Error()
		}
	default:
		e.NextAt = e.EnqueuedAt.Add(q.offsets[e.Attempts])
		ev = DeliveryStatusEvent{MessageID: messageID, Recipient: e.Recipient, Status: DeliveryQueued, Attempts: e.Attempts}
		if attemptErr != nil {
			ev.Error = attemptErr.Error()
		}
	}
	q.mu.Unlock()

	if ev.Status == DeliveryFailed {
		q.log.Warn("Message failed permanently", "id", messageID, "to", ev.Recipient, "attempts", ev.Attempts, "err", attemptErr)
	}
	q.emit(ev)
}

// Len reports the queued message count.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending snapshots the queued message IDs in FIFO order.
func (q *RetryQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.entries))
	for _, key := range q.order {
		if e, ok := q.entries[key]; ok {
			ids = append(ids, e.MessageID)
		}
	}
	return ids
}

func (q *RetryQueue) removeLocked(key string) {
	delete(q.entries, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *RetryQueue) emit(ev DeliveryStatusEvent) {
	if q.notify != nil {
		q.notify(ev)
	}
}
