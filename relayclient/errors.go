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

package relayclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies relay failures by how callers react to them.
type Kind int

const (
	// KindTransient covers network failures and 5xx responses. These
	// count toward retry and failover accounting.
	KindTransient Kind = iota + 1
	// KindValidation covers 400: the request was wrong, retrying is
	// pointless.
	KindValidation
	// KindAuth covers 401 and 403.
	KindAuth
	// KindNotFound covers 404.
	KindNotFound
	// KindConflict covers 409.
	KindConflict
	// KindRateLimited covers 429 and carries the reset headers.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate-limited"
	}
	return "unknown"
}

// Error is the failure type for every unsuccessful relay call.
type Error struct {
	Kind       Kind
	StatusCode int // zero when the request never got a response
	Message    string

	// Rate-limit context, populated for KindRateLimited.
	Remaining int
	ResetAt   time.Time

	err error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("relay: %s", e.Message)
	}
	return fmt.Sprintf("relay: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Temporary reports whether the failure is worth retrying.
func (e *Error) Temporary() bool { return e.Kind == KindTransient }

// IsTransient reports whether err is a relay failure that should count
// toward failover accounting: a network error or a 5xx response.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

// KindOf extracts the failure kind from err, or zero when err did not
// come from a relay call.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func classify(status int) Kind {
	switch {
	case status >= 500:
		return KindTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindValidation
	}
}
