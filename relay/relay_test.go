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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
	"github.com/RockaRhymeLLC/cc4me-network/wire"
)

// codeRecorder stands in for the email sender and remembers the last
// code per address.
type codeRecorder struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeRecorder) SendCode(_ context.Context, email, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes == nil {
		c.codes = make(map[string]string)
	}
	c.codes[email] = code
	return nil
}

func (c *codeRecorder) code(email string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[email]
}

type harness struct {
	t      *testing.T
	cfg    Config
	store  *Store
	srv    *Server
	ts     *httptest.Server
	sender *codeRecorder
}

func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()
	sender := &codeRecorder{}
	cfg := DefaultConfig
	cfg.Community = "home"
	cfg.Sender = sender
	if mut != nil {
		mut(&cfg)
	}
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := NewServer(cfg, store)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &harness{t: t, cfg: cfg, store: store, srv: srv, ts: ts, sender: sender}
}

// newAgent seeds an active agent directly in the store and returns a
// signed client for it.
func (h *harness) newAgent(name string) (*relayclient.Client, ed25519.PrivateKey) {
	h.t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(h.t, err)
	enc, err := e2e.EncodePublicKey(pub)
	require.NoError(h.t, err)
	now := time.Now()
	require.NoError(h.t, h.store.CreateAgent(name, enc, name+"@example.com", "https://"+name+".example.com/inbox", now))
	require.NoError(h.t, h.store.ApproveAgent(name, "seed", now))
	return relayclient.NewClient(h.ts.URL, name, priv), priv
}

// newAdmin seeds an active agent that also holds admin powers under an
// independent keypair. The returned client signs with the admin key.
func (h *harness) newAdmin(name string) (*relayclient.Client, ed25519.PrivateKey) {
	h.t.Helper()
	h.newAgent(name)
	adminPub, adminPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(h.t, err)
	enc, err := e2e.EncodePublicKey(adminPub)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.AddAdmin(name, enc, time.Now()))
	return relayclient.NewClient(h.ts.URL, name, adminPriv), adminPriv
}

func signPayload(priv ed25519.PrivateKey, payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
}

func TestRegistrationFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubEnc, err := e2e.EncodePublicKey(pub)
	require.NoError(t, err)
	anon := relayclient.NewClient(h.ts.URL, "", nil)

	// Registration without a verified email is refused.
	_, err = anon.Register(ctx, api.RegisterRequest{Name: "dave", PublicKey: pubEnc, Email: "dave@example.com"})
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	require.NoError(t, anon.VerifySend(ctx, "dave", "dave@example.com"))
	code := h.sender.code("dave@example.com")
	require.Len(t, code, 6)

	// Wrong guesses burn attempts; the third consumes the row.
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 3; i++ {
		err = anon.VerifyConfirm(ctx, "dave", "dave@example.com", wrong)
		require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))
	}
	err = anon.VerifyConfirm(ctx, "dave", "dave@example.com", code)
	require.Equal(t, relayclient.KindNotFound, relayclient.KindOf(err), "row must be consumed after 3 attempts")

	// Fresh code, correct confirm, then registration succeeds.
	require.NoError(t, anon.VerifySend(ctx, "dave", "dave@example.com"))
	code = h.sender.code("dave@example.com")
	require.NoError(t, anon.VerifyConfirm(ctx, "dave", "dave@example.com", code))

	agent, err := anon.Register(ctx, api.RegisterRequest{
		Name: "dave", PublicKey: pubEnc, Email: "dave@example.com", Endpoint: "https://dave.example.com/inbox",
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, agent.Status)

	// Re-registration is blocked while the row exists.
	_, err = anon.Register(ctx, api.RegisterRequest{Name: "dave", PublicKey: pubEnc, Email: "dave@example.com"})
	require.Equal(t, relayclient.KindConflict, relayclient.KindOf(err))

	// Pending agents cannot use the authenticated surface.
	row, err := h.store.Agent("dave")
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, row.Status)

	admin, _ := h.newAdmin("admin")
	require.NoError(t, admin.ApproveAgent(ctx, "dave"))
	row, err = h.store.Agent("dave")
	require.NoError(t, err)
	require.Equal(t, api.StatusActive, row.Status)
	require.Equal(t, "admin", row.ApprovedBy)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, nil)
	anon := relayclient.NewClient(h.ts.URL, "", nil)
	ctx := context.Background()

	_, err := anon.Register(ctx, api.RegisterRequest{Name: "Not Valid!", PublicKey: "x", Email: "a@b.c"})
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))

	err = anon.VerifySend(ctx, "UPPER", "a@b.c")
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))
	err = anon.VerifySend(ctx, "ok-name", "not-an-email")
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))
}

// S1: the contact handshake, down to the ordered pair row.
func TestContactHandshake(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, _ := h.newAgent("bob")

	require.NoError(t, alice.RequestContact(ctx, "bob", "Hi Bob!"))

	pending, err := bob.PendingContacts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "alice", pending[0].From)
	require.Equal(t, "Hi Bob!", pending[0].Greeting)

	// The requester sees nothing pending and may not act on its own
	// request.
	alicePending, err := alice.PendingContacts(ctx)
	require.NoError(t, err)
	require.Empty(t, alicePending)
	err = alice.AcceptContact(ctx, "bob")
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))

	require.NoError(t, bob.AcceptContact(ctx, "alice"))

	contacts, err := alice.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, "bob", contacts[0].Agent)
	require.NotEmpty(t, contacts[0].PublicKey)

	row, err := h.store.Contact("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", row.AgentA)
	require.Equal(t, "bob", row.AgentB)
	require.Equal(t, ContactActive, row.Status)
}

// S2: deny deletes the row so the requester can try again; remove does
// the same for active pairs.
func TestDenyAndRerequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	charlie, _ := h.newAgent("charlie")

	require.NoError(t, alice.RequestContact(ctx, "charlie", ""))
	require.NoError(t, charlie.DenyContact(ctx, "alice"))

	pending, err := charlie.PendingContacts(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, alice.RequestContact(ctx, "charlie", ""))
	require.NoError(t, charlie.AcceptContact(ctx, "alice"))
	require.NoError(t, alice.RemoveContact(ctx, "charlie"))
	require.NoError(t, alice.RequestContact(ctx, "charlie", ""))
}

func TestContactValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	h.newAgent("bob")

	err := alice.RequestContact(ctx, "alice", "")
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))

	err = alice.RequestContact(ctx, "nobody", "")
	require.Equal(t, relayclient.KindNotFound, relayclient.KindOf(err))

	long := make([]byte, api.MaxGreetingLen+1)
	for i := range long {
		long[i] = 'x'
	}
	err = alice.RequestContact(ctx, "bob", string(long))
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))

	require.NoError(t, alice.RequestContact(ctx, "bob", "hi"))
	err = alice.RequestContact(ctx, "bob", "hi again")
	require.Equal(t, relayclient.KindConflict, relayclient.KindOf(err))
}

func TestContactRequestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ContactReqsPerHour = 2 })
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	for _, name := range []string{"b1", "b2", "b3"} {
		h.newAgent(name)
	}

	require.NoError(t, alice.RequestContact(ctx, "b1", ""))
	require.NoError(t, alice.RequestContact(ctx, "b2", ""))
	err := alice.RequestContact(ctx, "b3", "")
	require.Equal(t, relayclient.KindRateLimited, relayclient.KindOf(err))
	var relayErr *relayclient.Error
	require.ErrorAs(t, err, &relayErr)
	require.False(t, relayErr.ResetAt.IsZero())
}

func TestPresence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, _ := h.newAgent("bob")

	hb, err := bob.Heartbeat(ctx, "https://bob.example.com/inbox2")
	require.NoError(t, err)
	require.Equal(t, "home", hb.Community)

	pr, err := alice.Presence(ctx, "bob")
	require.NoError(t, err)
	require.True(t, pr.Online)
	require.Equal(t, "https://bob.example.com/inbox2", pr.Endpoint)

	// An agent past 2x the heartbeat interval is offline.
	stale := time.Now().Add(-2*h.cfg.HeartbeatInterval - time.Minute)
	require.NoError(t, h.store.UpdatePresence("alice", "https://alice.example.com/inbox", stale))
	pr, err = bob.Presence(ctx, "alice")
	require.NoError(t, err)
	require.False(t, pr.Online)

	batch, err := alice.PresenceBatch(ctx, []string{"alice", "bob", "ghost"})
	require.NoError(t, err)
	require.Len(t, batch, 2, "unknown agents are skipped")
}

func TestAuthRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.newAgent("alice")

	// Unknown agent.
	_, stranger, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c := relayclient.NewClient(h.ts.URL, "ghost", stranger)
	_, err = c.Contacts(ctx)
	require.Equal(t, relayclient.KindNotFound, relayclient.KindOf(err))

	// Wrong key for a known agent.
	c = relayclient.NewClient(h.ts.URL, "alice", stranger)
	_, err = c.Contacts(ctx)
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// Stale timestamp.
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/contacts", nil)
	require.NoError(t, err)
	old := wire.FormatTime(time.Now().Add(-10 * time.Minute))
	sig := ed25519.Sign(stranger, []byte(api.SigningString(http.MethodGet, "/contacts", old, nil)))
	req.Header.Set(api.AuthHeader, api.FormatAuthHeader("alice", sig))
	req.Header.Set(api.TimestampHeader, old)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// No header at all.
	res, err = http.Get(h.ts.URL + "/contacts")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

// S5: revocation is terminal, locks the agent out, and leaves exactly
// one revocation broadcast.
func TestRevocation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	admin, adminPriv := h.newAdmin("admin")
	rogue, _ := h.newAgent("rogue")

	payload, err := json.Marshal(api.RevocationPayload{RevokedAgent: "rogue", RevokedAt: time.Now().UTC()})
	require.NoError(t, err)
	req := api.RevokeRequest{Payload: payload, Signature: signPayload(adminPriv, payload)}

	require.NoError(t, admin.RevokeAgent(ctx, "rogue", req))

	row, err := h.store.Agent("rogue")
	require.NoError(t, err)
	require.Equal(t, api.StatusRevoked, row.Status)

	// The revoked agent is locked out with 403.
	_, err = rogue.Contacts(ctx)
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	bcs, err := h.store.Broadcasts(time.Time{})
	require.NoError(t, err)
	require.Len(t, bcs, 1)
	require.Equal(t, api.BroadcastRevocation, bcs[0].Type)
	var rp api.RevocationPayload
	require.NoError(t, json.Unmarshal(bcs[0].Payload, &rp))
	require.Equal(t, "rogue", rp.RevokedAgent)

	// Revoking again succeeds without a second broadcast.
	require.NoError(t, admin.RevokeAgent(ctx, "rogue", req))
	bcs, err = h.store.Broadcasts(time.Time{})
	require.NoError(t, err)
	require.Len(t, bcs, 1)

	// A bad signature never revokes.
	payload2, _ := json.Marshal(api.RevocationPayload{RevokedAgent: "admin"})
	err = admin.RevokeAgent(ctx, "admin", api.RevokeRequest{Payload: payload2, Signature: signPayload(adminPriv, payload)})
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))
}

func TestBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	admin, adminPriv := h.newAdmin("admin")
	alice, _ := h.newAgent("alice")

	payload := json.RawMessage(`{"note":"maintenance at noon"}`)
	bc, err := admin.PostBroadcast(ctx, api.BroadcastRequest{
		Type: api.BroadcastMaintenance, Payload: payload, Signature: signPayload(adminPriv, payload),
	})
	require.NoError(t, err)
	require.NotEmpty(t, bc.ID)
	require.Equal(t, "admin", bc.Sender)

	// Unknown type and bad signature are rejected.
	_, err = admin.PostBroadcast(ctx, api.BroadcastRequest{Type: "gossip", Payload: payload, Signature: signPayload(adminPriv, payload)})
	require.Equal(t, relayclient.KindValidation, relayclient.KindOf(err))
	_, err = admin.PostBroadcast(ctx, api.BroadcastRequest{Type: api.BroadcastUpdate, Payload: payload, Signature: signPayload(adminPriv, []byte("other"))})
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// Non-admins cannot post but can read.
	_, err = alice.PostBroadcast(ctx, api.BroadcastRequest{Type: api.BroadcastUpdate, Payload: payload, Signature: signPayload(adminPriv, payload)})
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	got, err := alice.Broadcasts(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	keys, err := alice.AdminKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "admin", keys[0].Agent)
}

func TestKeyRotation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, _ := h.newAgent("alice")

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	newEnc, err := e2e.EncodePublicKey(newPub)
	require.NoError(t, err)

	res, err := alice.RotateKey(ctx, newEnc)
	require.NoError(t, err)
	require.False(t, res.KeyUpdatedAt.IsZero())

	// The old key stops working; the new one signs fine.
	_, err = alice.Contacts(ctx)
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))
	rotated := relayclient.NewClient(h.ts.URL, "alice", newPriv)
	_, err = rotated.Contacts(ctx)
	require.NoError(t, err)
}

func TestKeyRecovery(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RecoveryCoolOff = 0 })
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	anon := relayclient.NewClient(h.ts.URL, "", nil)

	require.NoError(t, anon.VerifySend(ctx, "alice", "alice@example.com"))
	code := h.sender.code("alice@example.com")

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	newEnc, err := e2e.EncodePublicKey(newPub)
	require.NoError(t, err)

	// Wrong email is refused before the code is even checked.
	_, err = anon.RecoverKey(ctx, api.RecoverRequest{Name: "alice", Email: "mallory@example.com", Code: code, NewPublicKey: newEnc})
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	_, err = anon.RecoverKey(ctx, api.RecoverRequest{Name: "alice", Email: "alice@example.com", Code: code, NewPublicKey: newEnc})
	require.NoError(t, err)

	// Cool-off is zero here, so the next authenticated touch lands the
	// new key: the old key is dead, the new one works.
	_, err = alice.Contacts(ctx)
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))
	recovered := relayclient.NewClient(h.ts.URL, "alice", newPriv)
	_, err = recovered.Contacts(ctx)
	require.NoError(t, err)
}

func TestLegacyWindow(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MigrationCutoff = time.Now().Add(time.Hour) })
	ctx := context.Background()
	alice, _ := h.newAgent("alice")
	bob, bobPriv := h.newAgent("bob")

	env := json.RawMessage(`{"version":"2.0"}`)
	require.NoError(t, alice.Post(ctx, "/relay/send", api.LegacySendRequest{To: "bob", Envelope: env}, nil))

	var inbox []api.LegacyInboxItem
	require.NoError(t, bob.Get(ctx, "/relay/inbox/bob", &inbox))
	require.Len(t, inbox, 1)
	require.Equal(t, "alice", inbox[0].From)

	// Inboxes are private.
	err := alice.Get(ctx, "/relay/inbox/bob", &inbox)
	require.Equal(t, relayclient.KindAuth, relayclient.KindOf(err))

	// The shim flags itself deprecated on every response.
	ts := wire.FormatTime(time.Now())
	sig := ed25519.Sign(bobPriv, []byte(api.SigningString(http.MethodGet, "/relay/inbox/bob", ts, nil)))
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/relay/inbox/bob", nil)
	require.NoError(t, err)
	req.Header.Set(api.AuthHeader, api.FormatAuthHeader("bob", sig))
	req.Header.Set(api.TimestampHeader, ts)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, "true", res.Header.Get(api.DeprecationHeader))

	require.NoError(t, bob.Post(ctx, "/relay/inbox/bob/ack", api.LegacyAckRequest{IDs: []string{inbox[0].ID}}, nil))
	inbox = nil
	require.NoError(t, bob.Get(ctx, "/relay/inbox/bob", &inbox))
	require.Empty(t, inbox)

	// After the cutoff everything legacy is 410 Gone.
	h.srv.cfg.MigrationCutoff = time.Now().Add(-time.Minute)
	err = alice.Post(ctx, "/relay/send", api.LegacySendRequest{To: "bob", Envelope: env}, nil)
	var relayErr *relayclient.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, http.StatusGone, relayErr.StatusCode)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	c := relayclient.NewClient(h.ts.URL, "", nil)
	hl, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", hl.Status)
	require.Equal(t, "home", hl.Community)
}
