// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// encryption is the end-to-end encryption setup attached to every client.
// Production uses the mautrix crypto helper; tests inject a recorder.
type encryption interface {
	// Activate initializes encryption for the now-known session and runs
	// the configured bootstraps.
	Activate(ctx context.Context, password string) error
	Active() bool
	// AfterSync runs deferred work, such as a backup download requested by
	// a decryption failure during the pass.
	AfterSync(ctx context.Context)
	Close() error
}

type encryptionConstructor func(cli *mautrix.Client, store *Store, cfg EncryptionConfig, out io.Writer, log zerolog.Logger) (encryption, error)

// cryptoRuntime is the part of the crypto helper the bootstraps need.
type cryptoRuntime interface {
	Init(ctx context.Context) error
	Machine() *crypto.OlmMachine
	Close() error
}

// defaultSecretTimeout bounds how long a backup download waits for another
// device to share the backup key.
const defaultSecretTimeout = 10 * time.Second

type cryptoEncryption struct {
	cli     *mautrix.Client
	store   *Store
	cfg     EncryptionConfig
	runtime cryptoRuntime
	out     io.Writer
	log     zerolog.Logger

	secretTimeout time.Duration

	active        bool
	ssssKey       *ssss.Key
	decryptFailed atomic.Bool
	downloadOnce  sync.Once
}

var _ encryption = (*cryptoEncryption)(nil)

func newCryptoEncryption(cli *mautrix.Client, store *Store, cfg EncryptionConfig, out io.Writer, log zerolog.Logger) (encryption, error) {
	helper, err := cryptohelper.NewCryptoHelper(cli, []byte(cfg.PickleKey), store.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create crypto helper: %w", err)
	}
	ce := newEncryptionWithRuntime(cli, store, cfg, helper, out, log)
	helper.DecryptErrorCallback = ce.onDecryptError
	return ce, nil
}

func newEncryptionWithRuntime(cli *mautrix.Client, store *Store, cfg EncryptionConfig, runtime cryptoRuntime, out io.Writer, log zerolog.Logger) *cryptoEncryption {
	return &cryptoEncryption{
		cli:           cli,
		store:         store,
		cfg:           cfg,
		runtime:       runtime,
		out:           out,
		log:           log,
		secretTimeout: defaultSecretTimeout,
	}
}

func (ce *cryptoEncryption) Active() bool {
	return ce.active
}

func (ce *cryptoEncryption) Activate(ctx context.Context, password string) error {
	if ce.active {
		return nil
	}
	ctx = ce.log.WithContext(ctx)
	if err := ce.runtime.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize crypto helper: %w", err)
	}
	if helper, ok := ce.runtime.(mautrix.CryptoHelper); ok {
		ce.cli.Crypto = helper
	}
	ce.active = true
	ce.log.Info().Stringer("device_id", ce.cli.DeviceID).Msg("End-to-end encryption ready")

	// Bootstrap failures only warn and are retried on the next start.
	if ce.cfg.AutoCrossSigning {
		if err := ce.bootstrapCrossSigning(ctx, password); err != nil {
			ce.log.Warn().Err(err).Msg("Failed to bootstrap cross-signing")
		}
	}
	if ce.cfg.AutoBackups {
		if err := ce.bootstrapKeyBackup(ctx); err != nil {
			ce.log.Warn().Err(err).Msg("Failed to bootstrap key backup")
		}
	}
	if ce.cfg.BackupDownload == BackupDownloadOneShot {
		ce.downloadKeyBackup(ctx)
	}
	return nil
}

// bootstrapCrossSigning generates cross-signing keys for an account that has
// none, stores their private halves in secret storage and prints the
// recovery key unlocking it.
func (ce *cryptoEncryption) bootstrapCrossSigning(ctx context.Context, password string) error {
	mach := ce.runtime.Machine()
	if keys := mach.GetOwnCrossSigningPublicKeys(ctx); keys != nil {
		ce.log.Debug().Stringer("master_key", keys.MasterKey).Msg("Cross-signing keys already published")
		return nil
	}
	recoveryKey, _, err := mach.GenerateAndUploadCrossSigningKeys(ctx, ce.passwordAuth(password), "")
	if err != nil {
		return err
	}
	ce.log.Info().Msg("Published new cross-signing keys")

	keyID, keyData, err := mach.SSSS.GetDefaultKeyData(ctx)
	if err != nil {
		ce.log.Warn().Err(err).Msg("Failed to read back secret storage key metadata")
	} else if ce.ssssKey, err = keyData.VerifyRecoveryKey(keyID, recoveryKey); err != nil {
		ce.log.Warn().Err(err).Msg("Generated recovery key does not match secret storage")
	}

	if _, err = fmt.Fprintf(ce.out, "Cross-signing is set up. Store this recovery key somewhere safe, it unlocks the secret storage of %s:\n\n    %s\n\n", ce.cli.UserID, recoveryKey); err != nil {
		return fmt.Errorf("failed to print recovery key: %w", err)
	}
	return nil
}

func (ce *cryptoEncryption) passwordAuth(password string) mautrix.UIACallback {
	return func(uiResp *mautrix.RespUserInteractive) interface{} {
		if password == "" {
			ce.log.Warn().Msg("Server requires interactive auth to publish cross-signing keys, but no password is available")
			return nil
		}
		return &mautrix.ReqUIAuthLogin{
			BaseAuthData: mautrix.BaseAuthData{
				Type:    mautrix.AuthTypePassword,
				Session: uiResp.Session,
			},
			User:     ce.cli.UserID.String(),
			Password: password,
		}
	}
}

// bootstrapKeyBackup makes sure the account has a server-side key backup,
// creating one if needed, and records its version.
func (ce *cryptoEncryption) bootstrapKeyBackup(ctx context.Context) error {
	version, err := ce.latestBackupVersion(ctx)
	if err != nil {
		return err
	} else if version == "" {
		if version, err = ce.createKeyBackup(ctx); err != nil {
			return err
		}
	}
	previous, err := ce.store.Get(ctx, ce.cli.UserID, SlotKeyBackupVersion)
	if err != nil {
		return err
	}
	if previous != version {
		ce.log.Info().Str("previous", previous).Str("version", version).Msg("Key backup version changed")
	}
	return ce.store.Put(ctx, ce.cli.UserID, SlotKeyBackupVersion, version)
}

// createKeyBackup creates a new megolm backup version. The private key is
// kept in the local crypto store and, when this session holds the secret
// storage key, in secret storage too.
func (ce *cryptoEncryption) createKeyBackup(ctx context.Context) (string, error) {
	mach := ce.runtime.Machine()
	key, err := backup.NewMegolmBackupKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate key backup key: %w", err)
	}
	authData := backup.MegolmAuthData{
		PublicKey: id.Ed25519(base64.RawStdEncoding.EncodeToString(key.PublicKey().Bytes())),
	}
	if mach.CrossSigningKeys != nil {
		masterKey := mach.CrossSigningKeys.MasterKey
		sig, err := masterKey.SignJSON(authData)
		if err != nil {
			return "", fmt.Errorf("failed to sign key backup auth data: %w", err)
		}
		authData.Signatures = signatures.NewSingleSignature(ce.cli.UserID, id.KeyAlgorithmEd25519, masterKey.PublicKey().String(), sig)
	}

	resp, err := ce.cli.CreateKeyBackupVersion(ctx, &mautrix.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  authData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create key backup: %w", err)
	}
	log := ce.log.With().Stringer("version", resp.Version).Logger()

	if err = mach.CryptoStore.PutSecret(ctx, id.SecretMegolmBackupV1, base64.RawStdEncoding.EncodeToString(key.Bytes())); err != nil {
		return "", fmt.Errorf("failed to store key backup key: %w", err)
	}
	if ce.ssssKey != nil {
		if err = mach.SSSS.SetEncryptedAccountData(ctx, event.AccountDataMegolmBackupKey, key.Bytes(), ce.ssssKey); err != nil {
			return "", fmt.Errorf("failed to store key backup key in secret storage: %w", err)
		}
	} else {
		log.Warn().Msg("Secret storage is locked in this session, key backup key is only stored locally")
	}
	log.Info().Msg("Created server-side key backup")
	return string(resp.Version), nil
}

func (ce *cryptoEncryption) latestBackupVersion(ctx context.Context) (string, error) {
	resp, err := ce.cli.GetKeyBackupLatestVersion(ctx)
	if errors.Is(err, mautrix.MNotFound) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get latest key backup version: %w", err)
	}
	return string(resp.Version), nil
}

// onDecryptError is called by the crypto helper from inside sync processing.
func (ce *cryptoEncryption) onDecryptError(evt *event.Event, err error) {
	ce.log.Warn().Err(err).
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Msg("Failed to decrypt event")
	ce.decryptFailed.Store(true)
}

func (ce *cryptoEncryption) AfterSync(ctx context.Context) {
	if ce.cfg.BackupDownload == BackupDownloadAfterDecryptionFailure && ce.decryptFailed.Load() {
		ce.downloadKeyBackup(ctx)
	}
}

// downloadKeyBackup imports the room keys of the latest backup at most once
// per process.
func (ce *cryptoEncryption) downloadKeyBackup(ctx context.Context) {
	ce.downloadOnce.Do(func() {
		ctx = ce.log.WithContext(ctx)
		key := ce.backupKey(ctx)
		if key == nil {
			ce.log.Info().Msg("No key backup key available, skipping backup download")
			return
		}
		version, err := ce.runtime.Machine().DownloadAndStoreLatestKeyBackup(ctx, key)
		if err == nil && version != "" {
			err = ce.store.Put(ctx, ce.cli.UserID, SlotKeyBackupVersion, string(version))
		}
		if err != nil {
			ce.log.Warn().Err(err).Msg("Failed to download key backup")
		} else if version == "" {
			ce.log.Info().Msg("Account has no key backup to download")
		} else {
			ce.log.Info().Stringer("version", version).Msg("Downloaded key backup")
		}
	})
}

// backupKey finds the megolm backup key in secret storage, the local crypto
// store or, failing both, by asking the user's other devices for it.
func (ce *cryptoEncryption) backupKey(ctx context.Context) *backup.MegolmBackupKey {
	mach := ce.runtime.Machine()
	if ce.ssssKey != nil {
		data, err := mach.SSSS.GetDecryptedAccountData(ctx, event.AccountDataMegolmBackupKey, ce.ssssKey)
		if err == nil {
			var key *backup.MegolmBackupKey
			if key, err = backup.MegolmBackupKeyFromBytes(data); err == nil {
				return key
			}
		}
		ce.log.Debug().Err(err).Msg("Key backup key not found in secret storage")
	}

	var key *backup.MegolmBackupKey
	err := mach.GetOrRequestSecret(ctx, id.SecretMegolmBackupV1, func(secret string) (bool, error) {
		raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(secret, "="))
		if err != nil {
			ce.log.Warn().Err(err).Msg("Received malformed key backup key")
			return false, nil
		}
		if key, err = backup.MegolmBackupKeyFromBytes(raw); err != nil {
			ce.log.Warn().Err(err).Msg("Received invalid key backup key")
			return false, nil
		}
		return true, nil
	}, ce.secretTimeout)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		ce.log.Warn().Err(err).Msg("Failed to request key backup key")
	}
	return key
}

func (ce *cryptoEncryption) Close() error {
	return ce.runtime.Close()
}
