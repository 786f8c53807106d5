// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mscript logs in to a Matrix account, or resumes a saved session,
// and runs one sync pass from where the previous run left off.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mscript/pkg/bridgeid"
	"github.com/aiku/mscript/pkg/session"
	"github.com/aiku/mscript/pkg/session/prompt"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
var sessionPath = flag.MakeFull("s", "session", "Override the path of the saved session file.", "").String()
var wantHelp, _ = flag.MakeHelpFlag()

const helpUsage = `mscript [-h] [-c <path>] [-s <path>] [command]

Commands:
  sync                 Resume the saved session (or log in) and sync once. Default.
  login                Ask for a user ID and log in with SSO or a password.
  sso <server name>    Log in to the server with SSO.
  password <user ID>   Log in as the user with a password.`

func main() {
	flag.SetHelpTitles(fmt.Sprintf("mscript %s (%s, built %s) - Matrix session manager", Tag, Commit, BuildTime), helpUsage)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	cfg, err := session.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	if *sessionPath != "" {
		cfg.SessionFile = *sessionPath
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)

	console := prompt.NewConsole()
	manager := session.NewManager(cfg, console, os.Stdout, *log)
	err = session.RunUntilInterrupted(context.Background(), func(ctx context.Context) error {
		return run(ctx, manager, cfg.SessionFile, flag.Args(), *log)
	})
	_ = console.Close()

	switch {
	case errors.Is(err, session.ErrInterrupted):
		log.Info().Msg("Interrupted, exiting")
		os.Exit(130)
	case err != nil:
		log.Error().Err(err).Msg("Failed")
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, manager *session.Manager, bundlePath string, args []string, log zerolog.Logger) error {
	command := "sync"
	if len(args) > 0 {
		command = args[0]
	}
	needArg := func() (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("%s needs an argument", command)
		}
		return args[1], nil
	}

	var client *session.Client
	var err error
	switch command {
	case "sync":
		client, err = manager.RestoreOrLogin(ctx, bundlePath)
	case "login":
		client, err = manager.NewLogin(ctx, bundlePath)
	case "sso":
		var serverName string
		if serverName, err = needArg(); err == nil {
			client, err = manager.SsoLogin(ctx, bundlePath, serverName)
		}
	case "password":
		var userID string
		if userID, err = needArg(); err == nil {
			client, err = manager.InteractiveLogin(ctx, bundlePath, id.UserID(userID))
		}
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close client")
		}
	}()

	client.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		printRooms(os.Stdout, resp)
		return true
	})
	_, err = session.SyncOnce(ctx, client)
	return err
}

func printRooms(w io.Writer, resp *mautrix.RespSync) {
	for _, room := range session.RoomsFromSync(resp) {
		bridged := 0
		for _, member := range room.Members {
			if bridgeid.IsTelegram(member) {
				bridged++
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%d members\t%d via Telegram\n", room, len(room.Members), bridged)
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, session.ErrPersistence), errors.Is(err, session.ErrIdentity):
		return 2
	case errors.Is(err, session.ErrCredential), errors.Is(err, session.ErrAuth):
		return 3
	case errors.Is(err, session.ErrClientBuild), errors.Is(err, session.ErrSync):
		return 4
	default:
		return 1
	}
}
