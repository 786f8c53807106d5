// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Prompter reads input from the user.
type Prompter interface {
	// ReadSecret asks for a secret. Implementations without a secure
	// backend fall back to an echoed prompt.
	ReadSecret(title, description string) (string, error)
	// ReadLine reads one line of echoed input.
	ReadLine(prompt string) (string, error)
}

// Manager establishes client sessions: fresh logins that are persisted to a
// credential bundle, and restores from such a bundle.
type Manager struct {
	cfg      *Config
	factory  *Factory
	prompter Prompter
	out      io.Writer
	log      zerolog.Logger
}

// NewManager creates a session manager. User-facing messages such as the
// SSO URL are written to out.
func NewManager(cfg *Config, prompter Prompter, out io.Writer, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		factory:  NewFactory(cfg, out, log),
		prompter: prompter,
		out:      out,
		log:      log.With().Str("component", "session_manager").Logger(),
	}
}

// Restore builds a client from the credential bundle at bundlePath. The
// stored session is injected without contacting the server and the bundle
// file is never written.
func (m *Manager) Restore(ctx context.Context, bundlePath string) (*Client, error) {
	m.log.Info().Str("path", bundlePath).Msg("Restoring session")
	bundle, err := ReadBundle(bundlePath)
	if err != nil {
		return nil, err
	}
	if _, _, err = bundle.UserID.Parse(); err != nil {
		return nil, classify(ErrIdentity, "stored user ID %q: %w", bundle.UserID, err)
	}
	if strings.ContainsFunc(string(bundle.DeviceID), unicode.IsSpace) {
		return nil, classify(ErrIdentity, "stored device ID %q contains whitespace", bundle.DeviceID)
	}

	client, err := m.factory.BuildClient(ctx, "", bundle.Homeserver)
	if err != nil {
		return nil, err
	}
	client.restoreSession(bundle)
	m.log.Info().
		Stringer("user_id", bundle.UserID).
		Stringer("device_id", bundle.DeviceID).
		Msg("Session restored")
	return client, nil
}

// InteractiveLogin prompts for the password of userID, logs in and writes a
// new credential bundle to bundlePath, replacing any existing one.
func (m *Manager) InteractiveLogin(ctx context.Context, bundlePath string, userID id.UserID) (*Client, error) {
	log := m.log.With().Str("action", "password_login").Stringer("user_id", userID).Logger()
	localpart, serverName, err := userID.ParseAndValidate()
	if err != nil {
		return nil, classify(ErrIdentity, "user ID %q: %w", userID, err)
	}

	password, err := m.prompter.ReadSecret(
		fmt.Sprintf("Password for %s", userID),
		fmt.Sprintf("Enter the account password to log in to %s.", serverName),
	)
	if err != nil {
		return nil, classify(ErrCredential, "failed to read password: %w", err)
	} else if password == "" {
		return nil, classify(ErrCredential, "%w", errors.New("empty password"))
	}

	client, err := m.factory.BuildClient(ctx, serverName, "")
	if err != nil {
		return nil, err
	}
	log.Info().Str("homeserver", client.Homeserver()).Msg("Logging in with password")
	_, err = client.Matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: userID.String(),
		},
		Password:                 password,
		InitialDeviceDisplayName: m.deviceName(localpart),
		StoreCredentials:         true,
	})
	if err != nil {
		_ = client.Close()
		return nil, classify(ErrAuth, "password login failed: %w", err)
	}
	return m.finishLogin(ctx, log, client, bundlePath, password)
}

// SsoLogin prints the SSO URL of serverName, reads the login token the user
// pastes back and exchanges it for a session, which is then persisted like
// InteractiveLogin does.
func (m *Manager) SsoLogin(ctx context.Context, bundlePath, serverName string) (*Client, error) {
	log := m.log.With().Str("action", "sso_login").Str("server_name", serverName).Logger()
	client, err := m.factory.BuildClient(ctx, serverName, "")
	if err != nil {
		return nil, err
	}

	ssoURL := client.Matrix.BuildURLWithQuery(
		mautrix.ClientURLPath{"v3", "login", "sso", "redirect"},
		map[string]string{"redirectUrl": m.cfg.SSORedirectURL},
	)
	log.Info().Str("homeserver", client.Homeserver()).Msg("Starting SSO login")
	if _, err = fmt.Fprintf(m.out, "Visit %s to login.\n", ssoURL); err != nil {
		_ = client.Close()
		return nil, classify(ErrIO, "failed to print SSO URL: %w", err)
	}

	token, err := m.prompter.ReadLine("Login token: ")
	if err != nil {
		_ = client.Close()
		return nil, classify(ErrIO, "failed to read login token: %w", err)
	}
	_, err = client.Matrix.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    strings.TrimSpace(token),
		InitialDeviceDisplayName: m.deviceName(""),
		StoreCredentials:         true,
	})
	if err != nil {
		_ = client.Close()
		return nil, classify(ErrAuth, "token login failed: %w", err)
	}
	return m.finishLogin(ctx, log, client, bundlePath, "")
}

// NewLogin asks for a user ID until one parses, then logs in with SSO if the
// user's server only accepts SSO and with a password otherwise.
func (m *Manager) NewLogin(ctx context.Context, bundlePath string) (*Client, error) {
	for {
		raw, err := m.prompter.ReadLine("User ID: ")
		if err != nil {
			return nil, classify(ErrIO, "failed to read user ID: %w", err)
		}
		userID := id.UserID(strings.TrimSpace(raw))
		_, serverName, err := userID.ParseAndValidate()
		if err != nil {
			_, _ = fmt.Fprintf(m.out, "Invalid user ID %q: %v\n", raw, err)
			continue
		}
		if RequiresSSO(serverName) {
			return m.SsoLogin(ctx, bundlePath, serverName)
		}
		return m.InteractiveLogin(ctx, bundlePath, userID)
	}
}

// RestoreOrLogin restores the session at bundlePath, or runs NewLogin if no
// bundle exists yet.
func (m *Manager) RestoreOrLogin(ctx context.Context, bundlePath string) (*Client, error) {
	client, err := m.Restore(ctx, bundlePath)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Info().Str("path", bundlePath).Msg("No saved session, starting new login")
		return m.NewLogin(ctx, bundlePath)
	}
	return client, err
}

// finishLogin persists the session of a freshly logged-in client and sets up
// encryption for it.
func (m *Manager) finishLogin(ctx context.Context, log zerolog.Logger, client *Client, bundlePath, password string) (*Client, error) {
	bundle, err := client.Bundle()
	if err != nil {
		_ = client.Close()
		return nil, classify(ErrAuth, "login did not yield a session: %w", err)
	}
	if err = WriteBundle(bundlePath, bundle); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info().
		Stringer("user_id", bundle.UserID).
		Stringer("device_id", bundle.DeviceID).
		Str("path", bundlePath).
		Msg("Logged in and saved session")

	if err = client.activateEncryption(ctx, password); err != nil {
		log.Warn().Err(err).Msg("Encryption setup failed, will retry on next sync")
	}
	return client, nil
}

func (m *Manager) deviceName(localpart string) string {
	hostname, _ := os.Hostname()
	return m.cfg.FormatDeviceName(DeviceNameParams{
		Localpart: localpart,
		Hostname:  hostname,
	})
}
