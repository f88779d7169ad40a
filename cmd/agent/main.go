// Copyright 2025 The cc4me-network Authors
// This file is part of cc4me-network.
//
// cc4me-network is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// cc4me-network is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with cc4me-network. If not, see <http://www.gnu.org/licenses/>.

// agent runs an interactive cc4me agent: it keeps an HTTPS inbox open
// for peers, heartbeats its communities' relays, and takes send and
// contact commands on stdin.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/RockaRhymeLLC/cc4me-network/agent"
	"github.com/RockaRhymeLLC/cc4me-network/crypto/e2e"
	"github.com/RockaRhymeLLC/cc4me-network/relay/api"
	"github.com/RockaRhymeLLC/cc4me-network/relayclient"
)

var (
	nameFlag = &cli.StringFlag{
		Name:     "name",
		Usage:    "agent username",
		EnvVars:  []string{"CC4ME_NAME"},
		Required: true,
	}
	keyFileFlag = &cli.StringFlag{
		Name:    "keyfile",
		Usage:   "path to the identity key (created when missing)",
		Value:   "agent.key",
		EnvVars: []string{"CC4ME_KEYFILE"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "directory for contact caches",
		Value:   ".",
		EnvVars: []string{"CC4ME_DATADIR"},
	}
	endpointFlag = &cli.StringFlag{
		Name:    "endpoint",
		Usage:   "public inbox URL advertised to peers",
		EnvVars: []string{"CC4ME_ENDPOINT"},
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "inbox listen address",
		Value: ":8421",
	}
	relayFlag = &cli.StringSliceFlag{
		Name:     "relay",
		Usage:    "community relay as name=primaryURL[|failoverURL]; repeatable",
		Required: true,
	}
	defaultCommunityFlag = &cli.StringFlag{
		Name:  "default-community",
		Usage: "community used for unqualified recipients (default: first --relay)",
	}
	receiptsFlag = &cli.BoolFlag{
		Name:  "receipts",
		Usage: "acknowledge received messages with receipts",
	}
	insecureFlag = &cli.BoolFlag{
		Name:  "insecure-transport",
		Usage: "allow plain http peer endpoints (testing only)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
	relayURLFlag = &cli.StringFlag{
		Name:     "relay-url",
		Usage:    "relay to register with",
		Required: true,
	}
	emailFlag = &cli.StringFlag{
		Name:     "email",
		Usage:    "owner email for verification",
		Required: true,
	}
)

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:  "agent",
		Usage: "cc4me messaging agent",
		Flags: []cli.Flag{
			nameFlag, keyFileFlag, dataDirFlag, endpointFlag, listenFlag,
			relayFlag, defaultCommunityFlag, receiptsFlag, insecureFlag, verbosityFlag,
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "register",
				Usage:  "verify an email and register this agent on a relay",
				Flags:  []cli.Flag{nameFlag, keyFileFlag, relayURLFlag, emailFlag, endpointFlag, verbosityFlag},
				Action: register,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogger(ctx.Int(verbosityFlag.Name))

	key, err := loadOrCreateKey(ctx.String(keyFileFlag.Name))
	if err != nil {
		return err
	}
	communities, err := parseRelays(ctx.StringSlice(relayFlag.Name))
	if err != nil {
		return err
	}

	cfg := agent.DefaultConfig
	cfg.Username = ctx.String(nameFlag.Name)
	cfg.PrivateKey = key
	cfg.Endpoint = ctx.String(endpointFlag.Name)
	cfg.Communities = communities
	cfg.DefaultCommunity = ctx.String(defaultCommunityFlag.Name)
	cfg.DataDir = ctx.String(dataDirFlag.Name)
	cfg.SendReceipts = ctx.Bool(receiptsFlag.Name)
	cfg.AllowInsecureTransport = ctx.Bool(insecureFlag.Name)

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /inbox", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}
		if err := a.HandleInbound(r.Context(), body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	inbox := &http.Server{
		Addr:              ctx.String(listenFlag.Name),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Inbox listening", "addr", inbox.Addr)
		if err := inbox.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Crit("Inbox server failed", "err", err)
		}
	}()

	printEvents(a)
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		readCommands(a)
		close(done)
	}()
	select {
	case <-sig:
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inbox.Shutdown(shutdownCtx)
	return nil
}

// readCommands drives the interactive loop until EOF or "quit".
func readCommands(a *agent.Agent) {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: send <to> <text> | group <community> <id> <text> | request <community> <to> [greeting] | pending [community] | accept <community> <from> | deny <community> <from> | contacts [community] | report <messageId> | quit")
	for in.Scan() {
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		dispatch(ctx, a, fields)
		cancel()
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
	}
}

func dispatch(ctx context.Context, a *agent.Agent, fields []string) {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "send":
		if len(args) < 2 {
			fmt.Println("usage: send <to> <text>")
			return
		}
		res, err := a.SendMessage(ctx, args[0], map[string]any{"text": strings.Join(args[1:], " ")})
		if err != nil {
			log.Error("Send failed", "err", err)
			return
		}
		log.Info("Message sent", "id", res.MessageID, "status", res.Status)
	case "group":
		if len(args) < 3 {
			fmt.Println("usage: group <community> <id> <text>")
			return
		}
		res, err := a.SendGroupMessage(ctx, args[0], args[1], map[string]any{"text": strings.Join(args[2:], " ")})
		if err != nil {
			log.Error("Group send failed", "err", err)
			return
		}
		log.Info("Group message sent", "id", res.MessageID,
			"delivered", len(res.Delivered), "queued", len(res.Queued), "failed", len(res.Failed))
	case "request":
		if len(args) < 2 {
			fmt.Println("usage: request <community> <to> [greeting]")
			return
		}
		if err := a.RequestContact(ctx, args[0], args[1], strings.Join(args[2:], " ")); err != nil {
			log.Error("Contact request failed", "err", err)
			return
		}
		log.Info("Contact requested", "to", args[1])
	case "pending":
		community := ""
		if len(args) > 0 {
			community = args[0]
		}
		pending, err := a.PendingContacts(ctx, community)
		if err != nil {
			log.Error("Pending lookup failed", "err", err)
			return
		}
		for _, p := range pending {
			fmt.Printf("  %s: %q\n", p.From, p.Greeting)
		}
	case "accept", "deny":
		if len(args) != 2 {
			fmt.Printf("usage: %s <community> <from>\n", cmd)
			return
		}
		var err error
		if cmd == "accept" {
			err = a.AcceptContact(ctx, args[0], args[1])
		} else {
			err = a.DenyContact(ctx, args[0], args[1])
		}
		if err != nil {
			log.Error("Contact decision failed", "err", err)
			return
		}
		log.Info("Contact "+cmd+"ed", "from", args[1])
	case "contacts":
		community := ""
		if len(args) > 0 {
			community = args[0]
		}
		contacts, err := a.Contacts(community)
		if err != nil {
			log.Error("Contact list failed", "err", err)
			return
		}
		for _, c := range contacts {
			state := "offline"
			if c.Online {
				state = "online"
			}
			fmt.Printf("  %s (%s) %s\n", c.Username, state, c.Endpoint)
		}
	case "report":
		if len(args) != 1 {
			fmt.Println("usage: report <messageId>")
			return
		}
		r, ok := a.DeliveryReport(args[0])
		if !ok {
			fmt.Println("  no report")
			return
		}
		fmt.Printf("  %s -> %s: %s, %d attempts\n", r.MessageID, r.Recipient, r.FinalStatus, len(r.Attempts))
	case "quit", "exit":
	default:
		fmt.Println("unknown command:", cmd)
	}
}

// printEvents logs the interesting feeds for the human at the terminal.
func printEvents(a *agent.Agent) {
	msgs := make(chan agent.MessageEvent, 16)
	groups := make(chan agent.GroupMessageEvent, 16)
	casts := make(chan agent.BroadcastEvent, 16)
	reqs := make(chan agent.ContactRequestEvent, 16)
	status := make(chan agent.DeliveryStatusEvent, 64)
	comms := make(chan agent.CommunityStatusEvent, 4)
	keys := make(chan agent.KeyChangedEvent, 16)
	revs := make(chan agent.RevocationEvent, 16)
	a.Events().SubscribeMessages(msgs)
	a.Events().SubscribeGroupMessages(groups)
	a.Events().SubscribeBroadcasts(casts)
	a.Events().SubscribeContactRequests(reqs)
	a.Events().SubscribeDeliveryStatus(status)
	a.Events().SubscribeCommunityStatus(comms)
	a.Events().SubscribeKeyChanges(keys)
	a.Events().SubscribeRevocations(revs)
	go func() {
		for {
			select {
			case ev := <-msgs:
				log.Info("Message", "from", ev.Sender, "community", ev.Community, "text", ev.Payload["text"])
			case ev := <-groups:
				log.Info("Group message", "group", ev.GroupID, "from", ev.Sender, "text", ev.Payload["text"])
			case ev := <-casts:
				log.Info("Broadcast", "community", ev.Community, "type", ev.Type, "from", ev.Sender)
			case ev := <-reqs:
				log.Info("Contact request", "from", ev.From, "community", ev.Community, "greeting", ev.Greeting)
			case ev := <-status:
				log.Debug("Delivery status", "id", ev.MessageID, "to", ev.Recipient, "status", ev.Status, "attempts", ev.Attempts)
			case ev := <-comms:
				log.Warn("Community status", "community", ev.Community, "status", ev.Status, "relay", ev.Relay)
			case ev := <-keys:
				log.Warn("Contact key changed", "peer", ev.Peer, "community", ev.Community)
			case ev := <-revs:
				log.Warn("Agent revoked", "agent", ev.RevokedAgent, "community", ev.Community)
			}
		}
	}()
}

// register walks the email verification flow and creates the agent on a
// relay.
func register(ctx *cli.Context) error {
	setupLogger(ctx.Int(verbosityFlag.Name))

	key, err := loadOrCreateKey(ctx.String(keyFileFlag.Name))
	if err != nil {
		return err
	}
	pubEnc, err := e2e.EncodePublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	name := ctx.String(nameFlag.Name)
	email := ctx.String(emailFlag.Name)
	cl := relayclient.NewClient(ctx.String(relayURLFlag.Name), "", nil)

	cctx := context.Background()
	if err := cl.VerifySend(cctx, name, email); err != nil {
		return fmt.Errorf("request verification code: %w", err)
	}
	fmt.Printf("verification code sent to %s, enter it: ", email)
	in := bufio.NewScanner(os.Stdin)
	if !in.Scan() {
		return errors.New("no code entered")
	}
	code := strings.TrimSpace(in.Text())
	if err := cl.VerifyConfirm(cctx, name, email, code); err != nil {
		return fmt.Errorf("confirm code: %w", err)
	}

	agentInfo, err := cl.Register(cctx, api.RegisterRequest{
		Name:      name,
		PublicKey: pubEnc,
		Email:     email,
		Endpoint:  ctx.String(endpointFlag.Name),
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Info("Registered", "name", agentInfo.Name, "status", agentInfo.Status)
	if agentInfo.Status == api.StatusPending {
		fmt.Println("registration is pending community admin approval")
	}
	return nil
}

// parseRelays turns name=primary[|failover] entries into community
// configs.
func parseRelays(entries []string) ([]agent.CommunityConfig, error) {
	var out []agent.CommunityConfig
	for _, entry := range entries {
		name, urls, ok := strings.Cut(entry, "=")
		if !ok || name == "" || urls == "" {
			return nil, fmt.Errorf("bad --relay %q, want name=primaryURL[|failoverURL]", entry)
		}
		primary, failover, _ := strings.Cut(urls, "|")
		out = append(out, agent.CommunityConfig{Name: name, PrimaryURL: primary, FailoverURL: failover})
	}
	return out, nil
}

// loadOrCreateKey reads the base64 identity key at path, generating and
// persisting a fresh one when the file does not exist.
func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return e2e.DecodePrivateKey(strings.TrimSpace(string(raw)))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	_, priv, err := e2e.GenerateKey()
	if err != nil {
		return nil, err
	}
	enc, err := e2e.EncodePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(enc+"\n"), 0600); err != nil {
		return nil, err
	}
	log.Info("Generated new identity key", "path", path)
	return priv, nil
}

func setupLogger(verbosity int) {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), false)
	log.SetDefault(log.NewLogger(handler))
}
