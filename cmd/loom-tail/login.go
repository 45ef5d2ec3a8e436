// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/loom/lib/secret"
	"github.com/bureau-foundation/loom/messaging"
)

// runLogin authenticates against the homeserver with a password,
// verifies the session with /whoami, and seals it to the session file
// under a fresh passphrase.
func runLogin(args []string) error {
	flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
	var (
		homeserverURL  string
		username       string
		passwordFile   string
		passphraseFile string
		sessionPath    string
	)
	flags.StringVar(&homeserverURL, "homeserver", "", "homeserver base URL (e.g., https://matrix.example.org) (required)")
	flags.StringVar(&username, "user", "", "Matrix username localpart or full user ID (required)")
	flags.StringVar(&passwordFile, "password-file", "", "read the login password from this file instead of prompting")
	flags.StringVar(&passphraseFile, "passphrase-file", "", "read the session-sealing passphrase from this file instead of prompting")
	flags.StringVar(&sessionPath, "session", "", "sealed session file path (default: "+sessionFilePath()+")")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if homeserverURL == "" || username == "" {
		flags.Usage()
		return fmt.Errorf("--homeserver and --user are required")
	}
	if sessionPath == "" {
		sessionPath = sessionFilePath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	password, err := readLoginPassword(passwordFile)
	if err != nil {
		return err
	}
	defer password.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: homeserverURL,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	session, err := client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer session.Close()

	// Verify the session works before sealing it.
	userID, err := session.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("session verification failed: %w", err)
	}

	passphrase, err := readPassphrase(passphraseFile, true)
	if err != nil {
		return err
	}
	defer passphrase.Close()

	tail := &tailSession{
		UserID:      userID.String(),
		DeviceID:    session.DeviceID().String(),
		AccessToken: session.AccessToken(),
		Homeserver:  homeserverURL,
	}
	if err := saveSession(tail, sessionPath, passphrase); err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Logged in as %s\n", userID)
	fmt.Fprintf(os.Stderr, "Session sealed to %s\n", sessionPath)
	return nil
}

// readLoginPassword reads the login password: from passwordFile when
// given (and not "-"), otherwise interactively with echo disabled.
func readLoginPassword(passwordFile string) (*secret.Buffer, error) {
	if passwordFile != "" && passwordFile != "-" {
		return readSecretFile(passwordFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for interactive password prompt (use --password-file)")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}

	buffer, err := secret.NewFromBytes(passwordBytes)
	if err != nil {
		secret.Zero(passwordBytes)
		return nil, err
	}
	return buffer, nil
}
