// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session establishes and persists a Matrix client identity on top
// of mautrix-go.
//
// # Core Types
//
// [Manager] drives the three ways of getting a ready client: SSO redirect
// login, interactive password login and restoring a saved
// [CredentialBundle]. [Manager.NewLogin] asks for a user ID and picks SSO or
// password based on a compiled-in list of servers that only accept SSO.
//
// [Factory] builds a [Client] for either a server name (fresh login) or a
// homeserver URL (restore). Every client is backed by a local SQLite
// database under the configured store directory, which holds the sync
// cursor slot, the room state store and the end-to-end encryption store.
//
// [SyncOnce] performs one bounded sync pass, resuming from the cursor
// persisted by the previous successful pass.
//
// # Errors
//
// Errors returned by the [Manager] login and restore methods,
// [Factory.BuildClient], [SyncOnce], [ReadBundle] and [WriteBundle] match
// exactly one of the class sentinels ([ErrIO], [ErrPersistence],
// [ErrIdentity], [ErrCredential], [ErrAuth], [ErrClientBuild], [ErrSync])
// with [errors.Is], while the original cause stays reachable through the
// chain. [RunUntilInterrupted] returns [ErrInterrupted] or the task's own
// error. Lower-level helpers such as [OpenStore], [Store] methods,
// [LoadConfig] and [Client.Bundle] return plain wrapped errors.
//
// # Sub-packages
//
//   - prompt reads secrets and lines from the console.
package session
