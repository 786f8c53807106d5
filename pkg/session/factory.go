// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/sqlstatestore"
)

// homeserverResolver maps a server name to a client-server API base URL.
type homeserverResolver func(ctx context.Context, serverName string) (string, error)

// Factory builds clients for fresh logins and restores.
type Factory struct {
	cfg *Config
	out io.Writer
	log zerolog.Logger

	resolveHomeserver homeserverResolver
	newEncryption     encryptionConstructor
}

// NewFactory creates a factory that resolves server names via well-known
// discovery and sets up end-to-end encryption with the mautrix crypto helper.
// Messages for the user, such as a freshly generated recovery key, are
// written to out.
func NewFactory(cfg *Config, out io.Writer, log zerolog.Logger) *Factory {
	return &Factory{
		cfg:               cfg,
		out:               out,
		log:               log,
		resolveHomeserver: discoverHomeserver,
		newEncryption:     newCryptoEncryption,
	}
}

// discoverHomeserver looks up .well-known/matrix/client for the server name,
// falling back to https://<server name> when the server publishes nothing.
func discoverHomeserver(ctx context.Context, serverName string) (string, error) {
	wellKnown, err := mautrix.DiscoverClientAPI(ctx, serverName)
	if err != nil {
		return "", fmt.Errorf("failed to discover homeserver of %s: %w", serverName, err)
	}
	if wellKnown != nil && wellKnown.Homeserver.BaseURL != "" {
		return wellKnown.Homeserver.BaseURL, nil
	}
	return "https://" + serverName, nil
}

// BuildClient builds a client for homeserverURL if set, otherwise for the
// homeserver serving serverName. The local store and encryption setup are
// always attached; encryption is activated later, once a session exists.
func (f *Factory) BuildClient(ctx context.Context, serverName, homeserverURL string) (*Client, error) {
	log := f.log.With().Str("component", "client_factory").Logger()
	if homeserverURL == "" {
		if serverName == "" {
			return nil, classify(ErrClientBuild, "%w", errors.New("neither server name nor homeserver URL given"))
		}
		var err error
		homeserverURL, err = f.resolveHomeserver(ctx, serverName)
		if err != nil {
			return nil, classify(ErrClientBuild, "%w", err)
		}
		log.Debug().Str("server_name", serverName).Str("homeserver", homeserverURL).Msg("Resolved homeserver")
	}

	cli, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, classify(ErrClientBuild, "failed to create matrix client for %s: %w", homeserverURL, err)
	}
	// The crypto helper derives its logger from this one and adds its own
	// component field.
	cli.Log = f.log.With().Str("matrix_client", homeserverURL).Logger()

	store, err := OpenStore(ctx, f.cfg.StoreDir, f.log.With().Str("component", "store").Logger())
	if err != nil {
		return nil, classify(ErrClientBuild, "%w", err)
	}
	stateStore := sqlstatestore.NewSQLStateStore(store.DB, dbutil.ZeroLogger(f.log.With().Str("db_section", "matrix_state").Logger()), false)
	if err = stateStore.Upgrade(ctx); err != nil {
		_ = store.Close()
		return nil, classify(ErrClientBuild, "failed to upgrade state store: %w", err)
	}
	cli.StateStore = stateStore
	cli.Store = store

	enc, err := f.newEncryption(cli, store, f.cfg.Encryption, f.out, f.log.With().Str("component", "crypto").Logger())
	if err != nil {
		_ = store.Close()
		return nil, classify(ErrClientBuild, "failed to set up encryption: %w", err)
	}

	log.Info().Str("homeserver", homeserverURL).Msg("Built client")
	return &Client{
		Matrix:       cli,
		Store:        store,
		encryption:   enc,
		syncDefaults: f.cfg.syncDefaults(),
		log:          f.log.With().Str("component", "client").Logger(),
	}, nil
}
