// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Client is a Matrix client together with its local store and encryption
// setup.
type Client struct {
	Matrix *mautrix.Client
	Store  *Store

	encryption   encryption
	syncDefaults SyncSettings
	log          zerolog.Logger
}

// UserID returns the logged-in user, or an empty ID before login.
func (c *Client) UserID() id.UserID {
	return c.Matrix.UserID
}

// DeviceID returns the logged-in device, or an empty ID before login.
func (c *Client) DeviceID() id.DeviceID {
	return c.Matrix.DeviceID
}

// Homeserver returns the base URL of the client's homeserver.
func (c *Client) Homeserver() string {
	return c.Matrix.HomeserverURL.String()
}

// LoggedIn reports whether the client carries a complete session.
func (c *Client) LoggedIn() bool {
	return c.Matrix.UserID != "" && c.Matrix.DeviceID != "" && c.Matrix.AccessToken != ""
}

// Bundle materializes a credential bundle from the client's current session.
func (c *Client) Bundle() (*CredentialBundle, error) {
	if !c.LoggedIn() {
		return nil, errors.New("client has no session")
	}
	return &CredentialBundle{
		Homeserver:  c.Homeserver(),
		UserID:      c.Matrix.UserID,
		DeviceID:    c.Matrix.DeviceID,
		AccessToken: c.Matrix.AccessToken,
	}, nil
}

// restoreSession injects a stored session without contacting the server.
func (c *Client) restoreSession(bundle *CredentialBundle) {
	c.Matrix.UserID = bundle.UserID
	c.Matrix.DeviceID = bundle.DeviceID
	c.Matrix.AccessToken = bundle.AccessToken
	c.log = c.log.With().Stringer("user_id", bundle.UserID).Logger()
}

// OnSync registers a callback that receives every processed sync response.
func (c *Client) OnSync(callback mautrix.SyncHandler) {
	c.Matrix.Syncer.(mautrix.ExtensibleSyncer).OnSync(callback)
}

// activateEncryption initializes end-to-end encryption once the client has
// a session. The password is only used for interactive auth when
// publishing cross-signing keys and may be empty.
func (c *Client) activateEncryption(ctx context.Context, password string) error {
	if c.encryption == nil || c.encryption.Active() {
		return nil
	}
	if err := c.encryption.Activate(ctx, password); err != nil {
		return fmt.Errorf("failed to set up encryption: %w", err)
	}
	return nil
}

// Close releases the encryption machinery and the local store.
func (c *Client) Close() error {
	var encErr error
	if c.encryption != nil {
		encErr = c.encryption.Close()
	}
	return errors.Join(encErr, c.Store.Close())
}
