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
	"context"
	"time"
)

// CodeSender dispatches verification codes to agent owners. Email delivery
// lives outside this package; tests and the daemon plug in their own.
type CodeSender interface {
	SendCode(ctx context.Context, email, code string) error
}

// Config holds the relay's tunables.
type Config struct {
	// Community is the name clients know this relay by. It is echoed in
	// heartbeat and health responses.
	Community string

	// HeartbeatInterval is the client heartbeat period this relay expects.
	// Presence staleness is derived from it: an agent is online while
	// now-lastSeen <= 2*HeartbeatInterval.
	HeartbeatInterval time.Duration

	// MigrationCutoff ends the legacy store-and-forward window. Before the
	// cutoff the /relay endpoints work and carry a Deprecation header;
	// after it they answer 410 Gone. Zero means the window never closes.
	MigrationCutoff time.Time

	// RecoveryCoolOff delays key recovery so the owner of the old key has
	// a chance to object.
	RecoveryCoolOff time.Duration

	// Rate limit caps. Zero disables the corresponding limiter.
	AuthRequestsPerMin   int // per agent
	ContactReqsPerHour   int // per agent
	RegistrationsPerHour int // per IP
	BreakerPerMin        int // aggregate, across all callers

	// Sender delivers verification codes. nil disables /verify/send.
	Sender CodeSender
}

// DefaultConfig carries the deployed defaults.
var DefaultConfig = Config{
	Community:            "default",
	HeartbeatInterval:    5 * time.Minute,
	RecoveryCoolOff:      time.Hour,
	AuthRequestsPerMin:   60,
	ContactReqsPerHour:   10,
	RegistrationsPerHour: 3,
	BreakerPerMin:        10000,
}
