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
	"sync"
	"time"
)

// DeliveryAttempt records one try at handing an envelope to a peer.
type DeliveryAttempt struct {
	Timestamp     time.Time `json:"timestamp"`
	PresenceCheck string    `json:"presenceCheck,omitempty"` // online, offline, unknown
	Endpoint      string    `json:"endpoint,omitempty"`
	HTTPStatus    int       `json:"httpStatus,omitempty"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
}

// DeliveryReport is the full attempt history of one outbound message.
type DeliveryReport struct {
	MessageID   string            `json:"messageId"`
	Recipient   string            `json:"recipient"`
	Community   string            `json:"community"`
	CreatedAt   time.Time         `json:"createdAt"`
	Attempts    []DeliveryAttempt `json:"attempts"`
	FinalStatus DeliveryStatus    `json:"finalStatus"`
}

// reportLog keeps delivery reports for recent messages, oldest evicted
// first once the cap is hit.
type reportLog struct {
	mu      sync.Mutex
	cap     int
	reports map[string]*DeliveryReport
	order   []string
}

func newReportLog(cap int) *reportLog {
	return &reportLog{cap: cap, reports: make(map[string]*DeliveryReport)}
}

func (l *reportLog) open(messageID, recipient, community string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reports[messageID]; ok {
		return
	}
	for len(l.order) >= l.cap {
		delete(l.reports, l.order[0])
		l.order = l.order[1:]
	}
	l.reports[messageID] = &DeliveryReport{
		MessageID:   messageID,
		Recipient:   recipient,
		Community:   community,
		CreatedAt:   now,
		FinalStatus: DeliverySending,
	}
	l.order = append(l.order, messageID)
}

func (l *reportLog) attempt(messageID string, a DeliveryAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.reports[messageID]; ok {
		r.Attempts = append(r.Attempts, a)
	}
}

func (l *reportLog) finish(messageID string, status DeliveryStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.reports[messageID]; ok {
		r.FinalStatus = status
	}
}

// Report returns a copy of the delivery report for messageID.
func (l *reportLog) Report(messageID string) (*DeliveryReport, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reports[messageID]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Attempts = append([]DeliveryAttempt(nil), r.Attempts...)
	return &cp, true
}
