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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/require"

	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

var testOffsets = []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}

func testEnvelope(id string) *wire.Envelope {
	return &wire.Envelope{Version: wire.Version, Type: wire.TypeDirect, MessageID: id, Sender: "alice", Recipient: "bob"}
}

func collectStatuses(events *[]DeliveryStatusEvent) func(DeliveryStatusEvent) {
	return func(ev DeliveryStatusEvent) { *events = append(*events, ev) }
}

func TestQueueRetrySchedule(t *testing.T) {
	clock := new(mclock.Simulated)
	var events []DeliveryStatusEvent
	q := NewRetryQueue(clock, 10, testOffsets, time.Hour, collectStatuses(&events))

	require.NoError(t, q.Enqueue("m1", "bob", "home", testEnvelope("m1")))
	require.Equal(t, 1, q.Len())
	require.Empty(t, q.Due())

	// First retry at +10s from enqueue.
	clock.Run(9 * time.Second)
	require.Empty(t, q.Due())
	clock.Run(time.Second)
	due := q.Due()
	require.Len(t, due, 1)
	require.Equal(t, "m1", due[0].MessageID)

	// While in flight the entry is not offered again.
	require.Empty(t, q.Due())

	// A failed attempt reschedules relative to enqueue time: +30s.
	q.Done("m1", "bob", false, errors.New("unreachable"))
	clock.Run(19 * time.Second)
	require.Empty(t, q.Due())
	clock.Run(time.Second)
	due = q.Due()
	require.Len(t, due, 1)

	// Success removes the entry.
	q.Done("m1", "bob", true, nil)
	require.Equal(t, 0, q.Len())

	var statuses []DeliveryStatus
	for _, ev := range events {
		statuses = append(statuses, ev.Status)
	}
	require.Equal(t, []DeliveryStatus{
		DeliveryQueued, DeliverySending, DeliveryQueued, DeliverySending, DeliveryDelivered,
	}, statuses)
}

func TestQueueExhaustsAttempts(t *testing.T) {
	clock := new(mclock.Simulated)
	var events []DeliveryStatusEvent
	q := NewRetryQueue(clock, 10, testOffsets, time.Hour, collectStatuses(&events))

	require.NoError(t, q.Enqueue("m1", "bob", "home", testEnvelope("m1")))
	for _, off := range testOffsets {
		clock.Run(off - time.Duration(clock.Now()))
		due := q.Due()
		require.Len(t, due, 1)
		q.Done("m1", "bob", false, errors.New("still down"))
	}
	require.Equal(t, 0, q.Len())

	last := events[len(events)-1]
	require.Equal(t, DeliveryFailed, last.Status)
	require.Equal(t, len(testOffsets), last.Attempts)
	require.Contains(t, last.Error, "still down")
}

func TestQueueHorizonExpiry(t *testing.T) {
	clock := new(mclock.Simulated)
	var events []DeliveryStatusEvent
	q := NewRetryQueue(clock, 10, testOffsets, time.Hour, collectStatuses(&events))

	require.NoError(t, q.Enqueue("m1", "bob", "home", testEnvelope("m1")))
	clock.Run(time.Hour + time.Second)
	require.Empty(t, q.Due())
	require.Equal(t, 0, q.Len())

	last := events[len(events)-1]
	require.Equal(t, DeliveryExpired, last.Status)
}

func TestQueueCapacity(t *testing.T) {
	clock := new(mclock.Simulated)
	q := NewRetryQueue(clock, 2, testOffsets, time.Hour, nil)

	require.NoError(t, q.Enqueue("m1", "bob", "home", testEnvelope("m1")))
	require.NoError(t, q.Enqueue("m2", "carol", "home", testEnvelope("m2")))
	require.ErrorIs(t, q.Enqueue("m3", "dave", "home", testEnvelope("m3")), ErrQueueFull)

	// Re-enqueueing the same message and recipient is a no-op, not an
	// overflow.
	require.NoError(t, q.Enqueue("m1", "bob", "home", testEnvelope("m1")))
	require.Equal(t, 2, q.Len())
}

func TestQueueSharedGroupMessageID(t *testing.T) {
	clock := new(mclock.Simulated)
	q := NewRetryQueue(clock, 10, testOffsets, time.Hour, nil)

	// Group fan-out queues one entry per member under the shared id.
	require.NoError(t, q.Enqueue("g1", "bob", "home", testEnvelope("g1")))
	require.NoError(t, q.Enqueue("g1", "carol", "home", testEnvelope("g1")))
	require.Equal(t, 2, q.Len())

	clock.Run(10 * time.Second)
	require.Len(t, q.Due(), 2)
	q.Done("g1", "bob", true, nil)
	q.Done("g1", "carol", false, errors.New("down"))
	require.Equal(t, 1, q.Len())
	require.Equal(t, []string{"g1"}, q.Pending())
}
