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

// relay runs a community coordination relay: agent registry, contacts,
// presence, broadcasts and groups behind a signed HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/RockaRhymeLLC/cc4me-network/relay"
)

var (
	addrFlag = &cli.StringFlag{
		Name:    "addr",
		Usage:   "HTTP listen address",
		Value:   ":8420",
		EnvVars: []string{"CC4ME_RELAY_ADDR"},
	}
	portFlag = &cli.IntFlag{
		Name:    "port",
		Usage:   "HTTP listen port (overrides the port in --addr)",
		EnvVars: []string{"PORT"},
	}
	dbFlag = &cli.StringFlag{
		Name:    "db",
		Usage:   "path to the sqlite database",
		Value:   "relay.db",
		EnvVars: []string{"CC4ME_RELAY_DB"},
	}
	communityFlag = &cli.StringFlag{
		Name:    "community",
		Usage:   "community name announced to clients",
		Value:   relay.DefaultConfig.Community,
		EnvVars: []string{"CC4ME_COMMUNITY"},
	}
	heartbeatFlag = &cli.DurationFlag{
		Name:  "heartbeat-interval",
		Usage: "expected client heartbeat period",
		Value: relay.DefaultConfig.HeartbeatInterval,
	}
	cutoffFlag = &cli.TimestampFlag{
		Name:   "migration-cutoff",
		Usage:  "RFC 3339 time after which the legacy /relay endpoints answer 410",
		Layout: time.RFC3339,
	}
	coolOffFlag = &cli.DurationFlag{
		Name:  "recovery-cooloff",
		Usage: "delay before a recovered key takes effect",
		Value: relay.DefaultConfig.RecoveryCoolOff,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
)

func main() {
	// Missing .env is fine; flags and the environment still apply.
	godotenv.Load()

	app := &cli.App{
		Name:  "relay",
		Usage: "cc4me community relay",
		Flags: []cli.Flag{
			addrFlag, portFlag, dbFlag, communityFlag,
			heartbeatFlag, cutoffFlag, coolOffFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogger(ctx.Int(verbosityFlag.Name))

	cfg := relay.DefaultConfig
	cfg.Community = ctx.String(communityFlag.Name)
	cfg.HeartbeatInterval = ctx.Duration(heartbeatFlag.Name)
	cfg.RecoveryCoolOff = ctx.Duration(coolOffFlag.Name)
	if t := ctx.Timestamp(cutoffFlag.Name); t != nil {
		cfg.MigrationCutoff = *t
	}
	cfg.Sender = logSender{}

	store, err := relay.OpenStore(ctx.String(dbFlag.Name))
	if err != nil {
		return err
	}
	defer store.Close()

	addr := ctx.String(addrFlag.Name)
	if port := ctx.Int(portFlag.Name); port != 0 {
		addr = fmt.Sprintf(":%d", port)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           relay.NewServer(cfg, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Relay listening", "addr", addr, "community", cfg.Community)
		errc <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case s := <-sig:
		log.Info("Shutting down", "signal", s)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func setupLogger(verbosity int) {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), false)
	log.SetDefault(log.NewLogger(handler))
}

// logSender writes verification codes to the relay log instead of
// email. Deployments front this with a real mail hookup; the log
// fallback keeps single-operator communities usable out of the box.
type logSender struct{}

func (logSender) SendCode(_ context.Context, email, code string) error {
	log.Info("Verification code issued", "email", email, "code", code)
	return nil
}
