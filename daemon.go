// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package minisafe implements the backend engine of a wallet daemon for
// descriptor wallets with timelocked recovery paths. It tracks the coins
// of a configured spending policy against a bitcoind node in a local
// SQLite database, and exposes a command surface to inspect them and to
// manage spend transactions.
package minisafe

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/revault/minisafe/chain"
	"github.com/revault/minisafe/database"
	"github.com/revault/minisafe/descriptor"
	"github.com/revault/minisafe/poller"
)

// Daemon ties together the database, the node backend and the
// reconciliation engine. Its methods form the command surface of the
// wallet.
type Daemon struct {
	cfg    *Config
	params *chaincfg.Params
	policy *descriptor.Policy

	store   database.Store
	backend *chain.BitcoindBackend
	poller  *poller.Poller
}

// StartDaemon validates the config, opens (or creates) the wallet state,
// connects to the node and launches the reconciliation engine. On success
// the returned handle is ready to serve commands.
func StartDaemon(cfg *Config) (*Daemon, error) {
	policy, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	log.Infof("Starting minisafed %s on network '%s'", Version(),
		cfg.Params.Name)
	log.Debugf("Wallet policy: %s", policy)

	fresh, err := cfg.maybeCreateDatadir()
	if err != nil {
		return nil, err
	}
	if fresh {
		log.Infof("Created fresh datadir at '%s'",
			cfg.NetworkDatadir())
	}

	var freshOpts *database.FreshStoreOptions
	if fresh {
		freshOpts = &database.FreshStoreOptions{
			Network:   cfg.Params.Name,
			Policy:    policy,
			Timestamp: time.Now(),
		}
	}
	store, err := database.OpenSQLite(cfg.DatabasePath(), freshOpts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.SanityCheck(cfg.Params.Name, policy); err != nil {
		store.Close()
		return nil, err
	}

	backend, err := setupBitcoind(cfg, policy, store, fresh)
	if err != nil {
		store.Close()
		return nil, err
	}

	p := poller.NewPoller(&poller.Config{
		Backend:    backend,
		Store:      store,
		Policy:     policy,
		Params:     cfg.Params,
		Ticker:     ticker.New(cfg.PollInterval),
		PruneAfter: cfg.PruneAfter,
	})
	if err := p.Start(); err != nil {
		store.Close()
		return nil, fmt.Errorf("starting poller: %w", err)
	}

	log.Infof("Daemon started, wallet id %s", policy.WalletID())
	return &Daemon{
		cfg:     cfg,
		params:  cfg.Params,
		policy:  policy,
		store:   store,
		backend: backend,
		poller:  p,
	}, nil
}

// setupBitcoind connects to the node, checks it fits our needs and makes
// sure the watchonly wallet exists, is loaded and watches our policy.
func setupBitcoind(cfg *Config, policy *descriptor.Policy,
	store database.Store, fresh bool) (*chain.BitcoindBackend, error) {

	backend, err := chain.NewBitcoindBackend(&chain.BitcoindConfig{
		Host:       cfg.Bitcoind.Addr,
		User:       cfg.Bitcoind.User,
		Pass:       cfg.Bitcoind.Pass,
		CookiePath: cfg.Bitcoind.CookiePath,
		Params:     cfg.Params,
	})
	if err != nil {
		return nil, err
	}

	if err := backend.NodeSanityChecks(); err != nil {
		return nil, err
	}

	if fresh {
		createdAt, err := store.CreatedAt()
		if err != nil {
			return nil, err
		}
		log.Infof("Creating watchonly wallet on bitcoind")
		err = backend.CreateWatchonlyWallet(policy, createdAt)
		if err != nil {
			return nil, fmt.Errorf("creating watchonly "+
				"wallet: %w", err)
		}
	} else {
		if err := backend.MaybeLoadWallet(); err != nil {
			return nil, fmt.Errorf("loading watchonly "+
				"wallet: %w", err)
		}
	}
	if err := backend.WalletSanityChecks(policy); err != nil {
		return nil, err
	}

	return backend, nil
}

// Stop terminates the reconciliation engine and releases the database. An
// in-flight reconciliation pass is left to finish first.
func (d *Daemon) Stop() error {
	log.Infof("Stopping daemon")

	if err := d.poller.Stop(); err != nil {
		return err
	}
	return d.store.Close()
}

// Policy returns the wallet's spending policy.
func (d *Daemon) Policy() *descriptor.Policy {
	return d.policy
}
