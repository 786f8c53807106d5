// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Slot names in the key-value table.
const (
	SlotSyncToken        = "sync_token"
	SlotFilterID         = "filter_id"
	SlotKeyBackupVersion = "key_backup_version"
)

// storeFileName is the database file inside the store directory.
const storeFileName = "mscript.db"

var upgradeTable dbutil.UpgradeTable

//go:embed upgrades/*.sql
var rawUpgrades embed.FS

func init() {
	upgradeTable.RegisterFSPath(rawUpgrades, "upgrades")
}

// Store is the local persistent store of a client. It owns the SQLite
// database shared with the mautrix state and crypto stores and exposes a
// small per-user key-value table on top of it.
type Store struct {
	DB  *dbutil.Database
	log zerolog.Logger
}

var _ mautrix.SyncStore = (*Store)(nil)

// OpenStore opens (creating if needed) the store rooted at dir and brings its
// schema up to date.
func OpenStore(ctx context.Context, dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, storeFileName)
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3-fk-wal")
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	db.Owner = "mscript"
	db.VersionTable = "mscript_version"
	db.UpgradeTable = upgradeTable
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "kv").Logger())
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade store database: %w", err)
	}
	return &Store{DB: db, log: log}, nil
}

const (
	getValueQuery = `SELECT value FROM kv_store WHERE user_id=$1 AND key=$2`
	putValueQuery = `
		INSERT INTO kv_store (user_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key) DO UPDATE SET value=excluded.value
	`
)

// Get returns the value of a slot, or an empty string if the slot was never
// written.
func (s *Store) Get(ctx context.Context, userID id.UserID, key string) (string, error) {
	var value string
	err := s.DB.QueryRow(ctx, getValueQuery, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Put overwrites a slot.
func (s *Store) Put(ctx context.Context, userID id.UserID, key, value string) error {
	if _, err := s.DB.Exec(ctx, putValueQuery, userID, key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.Put(ctx, userID, SlotFilterID, filterID)
}

func (s *Store) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.Get(ctx, userID, SlotFilterID)
}

func (s *Store) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.Put(ctx, userID, SlotSyncToken, nextBatchToken)
}

func (s *Store) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.Get(ctx, userID, SlotSyncToken)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
