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
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/require"

	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
)

func stubRelay(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testAgentConfig(t *testing.T, communities ...CommunityConfig) Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return Config{
		Username:    "alice",
		PrivateKey:  priv,
		Endpoint:    "https://alice.example/inbox",
		Communities: communities,
		DataDir:     t.TempDir(),
	}
}

func health(cl *relayclient.Client) error {
	_, err := cl.Health(context.Background())
	return err
}

func TestStickyFailoverAtStartup(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	live := stubRelay(t)

	cfg := testAgentConfig(t, CommunityConfig{Name: "home", PrimaryURL: dead.URL, FailoverURL: live.URL})
	a, err := newAgent(cfg, new(mclock.Simulated))
	require.NoError(t, err)

	ch := make(chan CommunityStatusEvent, 1)
	sub := a.Events().SubscribeCommunityStatus(ch)
	defer sub.Unsubscribe()

	comm, ok := a.manager.Community("home")
	require.True(t, ok)

	// Before the first successful call the lower startup threshold
	// applies: two failures flip to the failover relay.
	require.Error(t, comm.Call(health))
	require.Equal(t, dead.URL, comm.Client().URL)
	require.Error(t, comm.Call(health))
	require.Equal(t, live.URL, comm.Client().URL)

	select {
	case ev := <-ch:
		require.Equal(t, "home", ev.Community)
		require.Equal(t, "failover", ev.Status)
		require.Equal(t, live.URL, ev.Relay)
	case <-time.After(time.Second):
		t.Fatal("no failover event")
	}

	// Failover is sticky: successful calls keep the secondary.
	require.NoError(t, comm.Call(health))
	require.NoError(t, comm.Call(health))
	require.Equal(t, live.URL, comm.Client().URL)
}

func TestFailoverThresholdAfterFirstSuccess(t *testing.T) {
	var down atomic.Bool
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			panic(http.ErrAbortHandler)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(primary.Close)
	live := stubRelay(t)

	cfg := testAgentConfig(t, CommunityConfig{Name: "home", PrimaryURL: primary.URL, FailoverURL: live.URL})
	a, err := newAgent(cfg, new(mclock.Simulated))
	require.NoError(t, err)
	comm, _ := a.manager.Community("home")

	require.NoError(t, comm.Call(health))
	down.Store(true)

	// After a success the full threshold of three applies.
	require.Error(t, comm.Call(health))
	require.Error(t, comm.Call(health))
	require.Equal(t, primary.URL, comm.Client().URL)
	require.Error(t, comm.Call(health))
	require.Equal(t, live.URL, comm.Client().URL)
}

func TestHTTPRejectionIsNotARelayFailure(t *testing.T) {
	var calls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"nope"}`, http.StatusForbidden)
	}))
	t.Cleanup(primary.Close)
	live := stubRelay(t)

	cfg := testAgentConfig(t, CommunityConfig{Name: "home", PrimaryURL: primary.URL, FailoverURL: live.URL})
	a, err := newAgent(cfg, new(mclock.Simulated))
	require.NoError(t, err)
	comm, _ := a.manager.Community("home")

	for i := 0; i < 5; i++ {
		require.Error(t, comm.Call(health))
	}
	require.Equal(t, primary.URL, comm.Client().URL)
	require.EqualValues(t, 5, calls.Load())
}

func TestResolveRecipient(t *testing.T) {
	home := stubRelay(t)
	work := stubRelay(t)

	cfg := testAgentConfig(t,
		CommunityConfig{Name: "home", PrimaryURL: home.URL},
		CommunityConfig{Name: "work", PrimaryURL: work.URL},
	)
	a, err := newAgent(cfg, new(mclock.Simulated))
	require.NoError(t, err)

	workHost := mustHost(t, work.URL)
	user, comm, err := a.manager.Resolve("bob@" + workHost)
	require.NoError(t, err)
	require.Equal(t, "bob", user)
	require.Equal(t, "work", comm.Name())

	// A bare name prefers whichever community already knows the user.
	workComm, _ := a.manager.Community("work")
	workComm.Cache().Replace([]api.Contact{{Agent: "carol", PublicKey: "k", Since: time.Now()}}, time.Now())
	user, comm, err = a.manager.Resolve("carol")
	require.NoError(t, err)
	require.Equal(t, "carol", user)
	require.Equal(t, "work", comm.Name())

	// Unknown bare names land on the default community.
	_, comm, err = a.manager.Resolve("nobody")
	require.NoError(t, err)
	require.Equal(t, "home", comm.Name())

	// A qualified name with an unknown host is an error.
	_, _, err = a.manager.Resolve("bob@relay.elsewhere.example")
	require.ErrorIs(t, err, ErrUnknownCommunity)
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}
