// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"golang.org/x/term"

	"github.com/bureau-foundation/loom/lib/secret"
)

// tailSession is the persisted login state. The file on disk is the
// JSON encoding of this struct, age-encrypted to a scrypt recipient
// derived from the user's passphrase.
type tailSession struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id,omitempty"`
	AccessToken string `json:"access_token"`
	Homeserver  string `json:"homeserver"`
}

// sessionFilePath returns the path to the sealed session file. Checks
// LOOM_SESSION_FILE first, then falls back to
// ~/.config/loom/session.age.
func sessionFilePath() string {
	if envPath := os.Getenv("LOOM_SESSION_FILE"); envPath != "" {
		return envPath
	}

	configDirectory := os.Getenv("XDG_CONFIG_HOME")
	if configDirectory == "" {
		homeDirectory, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("/tmp", "loom-session.age")
		}
		configDirectory = filepath.Join(homeDirectory, ".config")
	}
	return filepath.Join(configDirectory, "loom", "session.age")
}

// saveSession seals the session to path with the given passphrase.
// Creates the parent directory with mode 0700; the file is written
// with mode 0600 since it contains an access token.
func saveSession(session *tailSession, path string, passphrase *secret.Buffer) error {
	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	defer secret.Zero(plaintext)

	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return fmt.Errorf("deriving session recipient: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0700); err != nil {
		return fmt.Errorf("creating session directory %s: %w", directory, err)
	}
	if err := os.WriteFile(path, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing session file %s: %w", path, err)
	}
	return nil
}

// loadSession opens the sealed session file at path with the given
// passphrase.
func loadSession(path string, passphrase *secret.Buffer) (*tailSession, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no session found at %s — run \"loom-tail login\" first", path)
		}
		return nil, fmt.Errorf("opening session file %s: %w", path, err)
	}
	defer file.Close()

	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("deriving session identity: %w", err)
	}

	reader, err := age.Decrypt(file, identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing session file %s (wrong passphrase?): %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("unsealing session file %s: %w", path, err)
	}
	defer secret.Zero(plaintext)

	var session tailSession
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	if session.UserID == "" {
		return nil, fmt.Errorf("session file %s has no user_id", path)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("session file %s has no access_token", path)
	}
	if session.Homeserver == "" {
		return nil, fmt.Errorf("session file %s has no homeserver", path)
	}
	return &session, nil
}

// readPassphrase obtains the session passphrase. If passphraseFile is
// non-empty and not "-", reads it from the file; otherwise prompts on
// the terminal with echo disabled. When confirm is true (creating a
// new session file) the interactive path prompts twice and requires
// the entries to match.
func readPassphrase(passphraseFile string, confirm bool) (*secret.Buffer, error) {
	if passphraseFile != "" && passphraseFile != "-" {
		return readSecretFile(passphraseFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for interactive passphrase prompt (use --passphrase-file)")
	}

	fmt.Fprint(os.Stderr, "Session passphrase: ")
	passphraseBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphraseBytes) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		confirmBytes, err := term.ReadPassword(stdinFileDescriptor)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			secret.Zero(passphraseBytes)
			return nil, fmt.Errorf("reading passphrase confirmation: %w", err)
		}
		match := bytes.Equal(passphraseBytes, confirmBytes)
		secret.Zero(confirmBytes)
		if !match {
			secret.Zero(passphraseBytes)
			return nil, fmt.Errorf("passphrases do not match")
		}
	}

	buffer, err := secret.NewFromBytes(passphraseBytes)
	if err != nil {
		secret.Zero(passphraseBytes)
		return nil, err
	}
	return buffer, nil
}

// readSecretFile reads a secret from a file path into a secret.Buffer,
// stripping trailing newlines (common with echo/printf pipelines).
func readSecretFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}

	if len(data) == 0 {
		secret.Zero(data)
		return nil, fmt.Errorf("file %s is empty (after stripping trailing newlines)", path)
	}

	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		secret.Zero(data)
		return nil, err
	}
	return buffer, nil
}
