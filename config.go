// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package minisafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/revault/minisafe/descriptor"
	"github.com/revault/minisafe/poller"
)

const (
	// defaultDirPerm restricts the datadir to its owner. It holds the
	// wallet database, whose coin set is privacy sensitive.
	defaultDirPerm = 0700

	// walletDbName is the SQLite database file name inside the
	// per-network datadir.
	walletDbName = "minisafed.sqlite3"
)

var (
	// DefaultDatadir is the default application data directory.
	DefaultDatadir = btcutil.AppDataDir("minisafed", false)

	// ErrNoPolicy is returned when no wallet policy was configured.
	ErrNoPolicy = errors.New("no wallet policy configured")
)

// BitcoindConfig groups the settings to reach the bitcoind node.
type BitcoindConfig struct {
	// Addr is the RPC address of the node, host:port without scheme.
	Addr string

	// User and Pass authenticate against the RPC interface. They are
	// ignored if CookiePath is set.
	User string
	Pass string

	// CookiePath is the path to the node's RPC cookie file.
	CookiePath string
}

// Config holds the daemon's settings. Zero values are replaced by defaults
// in Validate.
type Config struct {
	// Datadir is the root application directory. State is kept in a
	// per-network subdirectory of it.
	Datadir string

	// Params identify the Bitcoin network.
	Params *chaincfg.Params

	// Policy is the wallet's spending policy string.
	Policy string

	// Bitcoind describes the node backend.
	Bitcoind BitcoindConfig

	// PollInterval is the delay between two reconciliation ticks.
	PollInterval time.Duration

	// PruneAfter is the number of blocks a fully spent coin is kept
	// after its spend confirmed. Zero keeps spent coins forever.
	PruneAfter int32
}

// Validate fills in defaults and parses the policy string.
func (c *Config) Validate() (*descriptor.Policy, error) {
	if c.Datadir == "" {
		c.Datadir = DefaultDatadir
	}
	if c.Params == nil {
		c.Params = &chaincfg.MainNetParams
	}
	if c.PollInterval == 0 {
		c.PollInterval = poller.DefaultInterval
	}
	if c.PruneAfter < 0 {
		return nil, fmt.Errorf("pruneafter must not be negative")
	}

	if c.Policy == "" {
		return nil, ErrNoPolicy
	}
	policy, err := descriptor.ParsePolicy(c.Policy)
	if err != nil {
		return nil, fmt.Errorf("parsing wallet policy: %w", err)
	}

	return policy, nil
}

// NetworkDatadir returns the per-network state directory.
func (c *Config) NetworkDatadir() string {
	return filepath.Join(c.Datadir, c.Params.Name)
}

// DatabasePath returns the SQLite database file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.NetworkDatadir(), walletDbName)
}

// maybeCreateDatadir creates the per-network datadir with owner-only
// permissions if it does not exist yet. It reports whether the directory
// was created by this call, indicating a fresh wallet.
func (c *Config) maybeCreateDatadir() (bool, error) {
	dir := c.NetworkDatadir()
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return false, fmt.Errorf("creating datadir '%s': %w", dir,
			err)
	}
	return true, nil
}
