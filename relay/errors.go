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
	"fmt"
	"net/http"
	"time"
)

// apiError carries an HTTP status from wherever a request dies to the
// response writer. Anything else that surfaces from a handler is a 500.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func errBadRequest(format string, args ...any) *apiError {
	return &apiError{http.StatusBadRequest, fmt.Sprintf(format, args...)}
}

func errUnauthorized(format string, args ...any) *apiError {
	return &apiError{http.StatusUnauthorized, fmt.Sprintf(format, args...)}
}

func errForbidden(format string, args ...any) *apiError {
	return &apiError{http.StatusForbidden, fmt.Sprintf(format, args...)}
}

func errNotFound(format string, args ...any) *apiError {
	return &apiError{http.StatusNotFound, fmt.Sprintf(format, args...)}
}

func errConflict(format string, args ...any) *apiError {
	return &apiError{http.StatusConflict, fmt.Sprintf(format, args...)}
}

func errGone(format string, args ...any) *apiError {
	return &apiError{http.StatusGone, fmt.Sprintf(format, args...)}
}

// rateLimitError is split from apiError because 429 responses carry the
// window headers.
type rateLimitError struct {
	remaining int
	resetAt   time.Time
}

func (e *rateLimitError) Error() string { return "rate limit exceeded" }
