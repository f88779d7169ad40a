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
	"sync"
	"time"
)

// breaker is the aggregate circuit breaker in front of every endpoint.
// Unlike the per-agent limiters it keeps no durable state: a restart
// resets the window, which is fine for overload protection.
type breaker struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	start  time.Time
	count  int
}

func newBreaker(limit int, window time.Duration) *breaker {
	return &breaker{limit: limit, window: window}
}

func (b *breaker) allow(now time.Time) bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.start) >= b.window {
		b.start, b.count = now, 0
	}
	if b.count >= b.limit {
		return false
	}
	b.count++
	return true
}
