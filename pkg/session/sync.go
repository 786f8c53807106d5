// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// SyncSettings scopes a single sync pass.
type SyncSettings struct {
	Timeout  time.Duration
	Presence event.Presence
	// Token is the cursor to resume from. Empty means a full initial sync.
	Token string
}

// WithToken returns a copy of the settings resuming from token.
func (s SyncSettings) WithToken(token string) SyncSettings {
	s.Token = token
	return s
}

// syncFilter drops presence and ephemeral room events, which no sync consumer
// here reads.
var syncFilter = mautrix.Filter{
	Presence: &mautrix.FilterPart{NotTypes: []event.Type{{Type: "*"}}},
	Room: &mautrix.RoomFilter{
		Ephemeral: &mautrix.FilterPart{NotTypes: []event.Type{{Type: "*"}}},
	},
}

// SyncOnce performs one sync pass, resuming from the cursor stored by the
// last successful pass. The new cursor is stored only after the response has
// been fully processed, so a failed pass leaves the previous cursor intact.
// The sync filter is uploaded on the first pass and its id reused afterwards.
// It returns the settings used for the pass.
func SyncOnce(ctx context.Context, client *Client) (SyncSettings, error) {
	userID := client.UserID()
	token, err := client.Store.LoadNextBatch(ctx, userID)
	if err != nil {
		return SyncSettings{}, classify(ErrSync, "failed to load sync token: %w", err)
	}
	settings := client.syncDefaults.WithToken(token)

	if err = client.activateEncryption(ctx, ""); err != nil {
		return settings, classify(ErrSync, "%w", err)
	}

	log := client.log.With().Bool("initial", token == "").Logger()
	filterID, err := client.syncFilterID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set up sync filter, syncing unfiltered")
	}
	log.Info().Str("filter_id", filterID).Msg("Syncing once...")
	resp, err := client.Matrix.SyncRequest(ctx, int(settings.Timeout.Milliseconds()), settings.Token, filterID, false, settings.Presence)
	if err != nil {
		return settings, classify(ErrSync, "sync request failed: %w", err)
	}
	if err = client.Matrix.Syncer.ProcessResponse(ctx, resp, settings.Token); err != nil {
		return settings, classify(ErrSync, "failed to process sync response: %w", err)
	}
	if err = client.Store.SaveNextBatch(ctx, userID, resp.NextBatch); err != nil {
		return settings, classify(ErrSync, "failed to store sync token: %w", err)
	}
	if client.encryption != nil {
		client.encryption.AfterSync(ctx)
	}
	log.Info().Str("next_batch", resp.NextBatch).Msg("Synced.")
	return settings, nil
}

// syncFilterID returns the id of the uploaded sync filter, uploading it and
// storing the id on first use.
func (c *Client) syncFilterID(ctx context.Context) (string, error) {
	userID := c.UserID()
	filterID, err := c.Store.LoadFilterID(ctx, userID)
	if err != nil || filterID != "" {
		return filterID, err
	}
	resp, err := c.Matrix.CreateFilter(ctx, &syncFilter)
	if err != nil {
		return "", fmt.Errorf("failed to upload sync filter: %w", err)
	}
	if err = c.Store.SaveFilterID(ctx, userID, resp.FilterID); err != nil {
		return "", err
	}
	return resp.FilterID, nil
}
