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
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

func TestRequestSigning(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var seen struct {
		agent string
		ok    bool
		path  string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		agent, sig, err := api.ParseAuthHeader(r.Header.Get(api.AuthHeader))
		require.NoError(t, err)
		ts := r.Header.Get(api.TimestampHeader)
		parsed, err := wire.ParseTime(ts)
		require.NoError(t, err)
		require.WithinDuration(t, time.Now(), parsed, time.Minute)

		msg := api.SigningString(r.Method, r.URL.Path, ts, body)
		seen.agent = agent
		seen.ok = ed25519.Verify(pub, []byte(msg), sig)
		seen.path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]api.Presence{{Agent: "bob", Online: true}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "alice", priv)

	// Query strings stay out of the signed path.
	out, err := c.PresenceBatch(context.Background(), []string{"bob", "carol"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "alice", seen.agent)
	require.True(t, seen.ok, "signature must verify over method, path, timestamp and body hash")
	require.Equal(t, "/presence/batch", seen.path)
}

func TestErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set(api.RateLimitRemainingHeader, "0")
			w.Header().Set(api.RateLimitResetHeader, "1700000000")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(api.Error{Error: "nope"})
	}))
	defer srv.Close()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := NewClient(srv.URL, "alice", priv)
	ctx := context.Background()

	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusTooManyRequests, KindRateLimited},
	}
	for _, tt := range tests {
		status = tt.status
		_, err := c.Contacts(ctx)
		var relayErr *Error
		require.ErrorAs(t, err, &relayErr, "status %d", tt.status)
		require.Equal(t, tt.kind, relayErr.Kind, "status %d", tt.status)
		require.Equal(t, tt.status, relayErr.StatusCode)
		require.Equal(t, "nope", relayErr.Message)
		require.Equal(t, tt.kind == KindTransient, IsTransient(err))
		if tt.kind == KindRateLimited {
			require.Equal(t, 0, relayErr.Remaining)
			require.Equal(t, time.Unix(1700000000, 0), relayErr.ResetAt)
		}
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := NewClient(srv.URL, "alice", priv)

	_, err = c.Contacts(context.Background())
	require.Error(t, err)
	require.True(t, IsTransient(err))
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	require.Zero(t, relayErr.StatusCode)
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := NewClient(srv.URL, "alice", priv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Contacts(ctx)
	require.True(t, IsTransient(err))
}
