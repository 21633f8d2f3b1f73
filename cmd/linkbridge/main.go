// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command linkbridge is a Mattermost bot that links each user to their own
// Matrix account and relays messages between the two networks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"maunium.net/go/mauflag"

	"github.com/aiku/linkbridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	Name    = "linkbridge"
	URL     = "https://github.com/aiku/linkbridge"
	Version = "0.1.0"
)

var (
	configPath      = mauflag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	noUpdate        = mauflag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	generateExample = mauflag.MakeFull("e", "generate-example", "Save the example config to the config path and quit.", "false").Bool()
	wantVersion     = mauflag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _     = mauflag.MakeHelpFlag()
)

func main() {
	os.Exit(run())
}

func run() int {
	mauflag.SetHelpTitles(
		fmt.Sprintf("%s %s - Link Mattermost users to their Matrix accounts.", Name, Version),
		fmt.Sprintf("%s [-hnev] [-c <path>]", Name),
	)
	if err := mauflag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		mauflag.PrintHelp()
		return 1
	}
	switch {
	case *wantHelp:
		mauflag.PrintHelp()
		return 0
	case *wantVersion:
		fmt.Printf("%s %s (%s, built at %s)\n", Name, Version, shortCommit(), BuildTime)
		return 0
	case *generateExample:
		if err := bridge.GenerateExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println("Example config saved to", *configPath)
		return 0
	}

	cfg, err := bridge.Load(*configPath, !*noUpdate)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	zerolog.DefaultContextLogger = log
	log.Info().
		Str("version", Version).
		Str("tag", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing linkbridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	br, err := bridge.New(cfg, *log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize bridge")
		return 1
	}
	if err = br.Start(ctx); err != nil {
		_ = br.Close()
		if errors.Is(err, bridge.ErrMissingBootstrap) {
			log.Error().Err(err).Msg("Bootstrap credential missing, exiting")
			return 0
		}
		log.Error().Err(err).Msg("Failed to start bridge")
		return 1
	}
	log.Info().Msg("Bridge started")
	if err = br.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Bridge stopped with error")
		return 1
	}
	return 0
}

func shortCommit() string {
	if len(Commit) > 8 {
		return Commit[:8]
	}
	return Commit
}
