// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// loom-tail follows a Matrix room timeline from the terminal. It opens
// a reconciled timeline on one room and prints the current snapshot
// followed by live updates, one text line per item: messages with their
// edits and reactions folded in, membership and state changes, day
// dividers, the read marker.
//
// Subcommands:
//
//	login    authenticate with a homeserver and seal the session to disk
//	tail     follow a room (live, a single thread, or an event's context)
//	version  print version information
//
// The session file is age-encrypted with a passphrase (scrypt
// recipient); the same passphrase derives the key for the optional
// encrypted on-disk event cache, so one secret unlocks both.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/loom/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "login":
		return runLogin(os.Args[2:])
	case "tail":
		return runTail(os.Args[2:])
	case "version", "--version":
		fmt.Printf("loom-tail %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: loom-tail <subcommand> [flags]

Subcommands:
  login     Log in to a homeserver and seal the session to disk
  tail      Follow a room timeline and print snapshot + live updates
  version   Print version information

Run 'loom-tail <subcommand> --help' for subcommand flags.
`)
}
