// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/fn/v2"

	// Register the SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"

	"github.com/revault/minisafe/chain"
	"github.com/revault/minisafe/descriptor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrFreshStore is returned when opening a store with no wallet
	// recorded and no fresh-store options.
	ErrFreshStore = errors.New(
		"store has no wallet and no fresh options were given")

	// ErrNetworkMismatch is returned when the store was created for
	// another network than the one configured.
	ErrNetworkMismatch = errors.New("store network mismatch")

	// ErrPolicyMismatch is returned when the store was created for
	// another wallet policy than the one configured.
	ErrPolicyMismatch = errors.New("store wallet policy mismatch")
)

// FreshStoreOptions carries the immutable wallet identity recorded when a
// store is first created.
type FreshStoreOptions struct {
	Network   string
	Policy    *descriptor.Policy
	Timestamp time.Time
}

// SQLiteStore is the Store implementation on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// A compile-time check that SQLiteStore satisfies the Store interface.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens, and migrates if needed, the SQLite database at the
// given path. A store that has never recorded a wallet requires fresh-store
// options; passing options for an existing store is a no-op beyond a sanity
// check against them.
func OpenSQLite(path string, fresh *FreshStoreOptions) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the engine's
	// write transaction and concurrent command-surface reads.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.maybeCreateWallet(fresh); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db,
		&migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStore) maybeCreateWallet(fresh *FreshStoreOptions) error {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM wallet").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if fresh == nil {
		return ErrFreshStore
	}

	log.Infof("Creating a fresh wallet store for network %s, wallet %s",
		fresh.Network, fresh.Policy.WalletID())
	_, err = s.db.Exec(
		"INSERT INTO wallet (id, network, policy, created_at) "+
			"VALUES (1, ?, ?, ?)",
		fresh.Network, fresh.Policy.String(),
		fresh.Timestamp.Unix(),
	)
	return err
}

// SanityCheck verifies the store was created for the given network and
// wallet policy.
func (s *SQLiteStore) SanityCheck(network string,
	policy *descriptor.Policy) error {

	storedNet, err := s.Network()
	if err != nil {
		return err
	}
	if storedNet != network {
		return fmt.Errorf("%w: store is for '%s', daemon configured "+
			"for '%s'", ErrNetworkMismatch, storedNet, network)
	}

	storedPolicy, err := s.PolicyString()
	if err != nil {
		return err
	}
	if storedPolicy != policy.String() {
		return fmt.Errorf("%w: store has '%s', daemon configured "+
			"with '%s'", ErrPolicyMismatch, storedPolicy, policy)
	}

	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Network returns the network name recorded at store creation.
func (s *SQLiteStore) Network() (string, error) {
	var network string
	err := s.db.QueryRow(
		"SELECT network FROM wallet WHERE id = 1").Scan(&network)
	return network, err
}

// PolicyString returns the policy string recorded at store creation.
func (s *SQLiteStore) PolicyString() (string, error) {
	var policy string
	err := s.db.QueryRow(
		"SELECT policy FROM wallet WHERE id = 1").Scan(&policy)
	return policy, err
}

// CreatedAt returns the wallet's creation timestamp.
func (s *SQLiteStore) CreatedAt() (time.Time, error) {
	var unix int64
	err := s.db.QueryRow(
		"SELECT created_at FROM wallet WHERE id = 1").Scan(&unix)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

// ChainTip returns the persisted synchronization tip, if any tick completed
// yet.
func (s *SQLiteStore) ChainTip() (fn.Option[chain.BlockChainTip], error) {
	var (
		height int32
		hash   []byte
	)
	err := s.db.QueryRow(
		"SELECT height, hash FROM chain_tip WHERE id = 1",
	).Scan(&height, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return fn.None[chain.BlockChainTip](), nil
	}
	if err != nil {
		return fn.None[chain.BlockChainTip](), err
	}

	blockHash, err := chainhash.NewHash(hash)
	if err != nil {
		return fn.None[chain.BlockChainTip](), err
	}
	return fn.Some(chain.BlockChainTip{
		Hash:   *blockHash,
		Height: height,
	}), nil
}

// statusClause returns the WHERE fragment selecting coins of the given
// status.
func statusClause(status CoinStatus) string {
	switch status {
	case StatusUnconfirmed:
		return "(block_height IS NULL AND spend_txid IS NULL)"
	case StatusConfirmed:
		return "(block_height IS NOT NULL AND spend_txid IS NULL)"
	case StatusSpending:
		return "(spend_txid IS NOT NULL " +
			"AND spend_block_height IS NULL)"
	case StatusSpent:
		return "(spend_txid IS NOT NULL " +
			"AND spend_block_height IS NOT NULL)"
	default:
		// Matches nothing.
		return "(1 = 0)"
	}
}

const coinColumns = "txid, vout, amount_sat, address, derivation_index, " +
	"is_change, is_immature, block_height, block_time, spend_txid, " +
	"spend_block_height, spend_block_time"

func scanCoin(rows *sql.Rows) (Coin, error) {
	var (
		coin             Coin
		txid             []byte
		amount           int64
		blockHeight      sql.NullInt32
		blockTime        sql.NullInt64
		spendTxid        []byte
		spendBlockHeight sql.NullInt32
		spendBlockTime   sql.NullInt64
	)
	err := rows.Scan(&txid, &coin.OutPoint.Index, &amount, &coin.Address,
		&coin.DerivationIndex, &coin.IsChange, &coin.IsImmature,
		&blockHeight, &blockTime, &spendTxid, &spendBlockHeight,
		&spendBlockTime)
	if err != nil {
		return coin, err
	}

	hash, err := chainhash.NewHash(txid)
	if err != nil {
		return coin, err
	}
	coin.OutPoint.Hash = *hash
	coin.Amount = btcutil.Amount(amount)

	if blockHeight.Valid {
		coin.Confirmation = &Confirmation{
			Height: blockHeight.Int32,
			Time:   uint32(blockTime.Int64),
		}
	}
	if spendTxid != nil {
		spendHash, err := chainhash.NewHash(spendTxid)
		if err != nil {
			return coin, err
		}
		coin.Spend = &SpendInfo{Txid: *spendHash}
		if spendBlockHeight.Valid {
			coin.Spend.Confirmation = &Confirmation{
				Height: spendBlockHeight.Int32,
				Time:   uint32(spendBlockTime.Int64),
			}
		}
	}

	return coin, nil
}

func (s *SQLiteStore) queryCoins(query string,
	args ...interface{}) ([]Coin, error) {

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coins []Coin
	for rows.Next() {
		coin, err := scanCoin(rows)
		if err != nil {
			return nil, err
		}
		coins = append(coins, coin)
	}
	return coins, rows.Err()
}

// Coins returns the tracked coins matching any of the given statuses, or
// all of them if no status is given.
func (s *SQLiteStore) Coins(statuses ...CoinStatus) ([]Coin, error) {
	query := "SELECT " + coinColumns + " FROM coins"
	if len(statuses) > 0 {
		clauses := make([]string, 0, len(statuses))
		for _, status := range statuses {
			clauses = append(clauses, statusClause(status))
		}
		query += " WHERE " + strings.Join(clauses, " OR ")
	}
	return s.queryCoins(query)
}

// CoinsByOutPoints returns the tracked coins with the given outpoints.
func (s *SQLiteStore) CoinsByOutPoints(
	outpoints []wire.OutPoint) (map[wire.OutPoint]Coin, error) {

	result := make(map[wire.OutPoint]Coin, len(outpoints))
	for _, op := range outpoints {
		coins, err := s.queryCoins(
			"SELECT "+coinColumns+" FROM coins "+
				"WHERE txid = ? AND vout = ?",
			op.Hash[:], op.Index,
		)
		if err != nil {
			return nil, err
		}
		if len(coins) > 0 {
			result[op] = coins[0]
		}
	}
	return result, nil
}

// ReceiveIndex returns the next unused receive derivation index.
func (s *SQLiteStore) ReceiveIndex() (uint32, error) {
	var index uint32
	err := s.db.QueryRow(
		"SELECT receive_index FROM wallet WHERE id = 1").Scan(&index)
	return index, err
}

// ChangeIndex returns the next unused change derivation index.
func (s *SQLiteStore) ChangeIndex() (uint32, error) {
	var index uint32
	err := s.db.QueryRow(
		"SELECT change_index FROM wallet WHERE id = 1").Scan(&index)
	return index, err
}

// RescanTimestamp returns the starting timestamp of an ongoing rescan.
func (s *SQLiteStore) RescanTimestamp() (fn.Option[uint32], error) {
	var timestamp sql.NullInt64
	err := s.db.QueryRow(
		"SELECT rescan_timestamp FROM wallet WHERE id = 1",
	).Scan(&timestamp)
	if err != nil {
		return fn.None[uint32](), err
	}
	if !timestamp.Valid {
		return fn.None[uint32](), nil
	}
	return fn.Some(uint32(timestamp.Int64)), nil
}

// RescanProgress returns the last persisted rescan progress.
func (s *SQLiteStore) RescanProgress() (fn.Option[float64], error) {
	var progress sql.NullFloat64
	err := s.db.QueryRow(
		"SELECT rescan_progress FROM wallet WHERE id = 1",
	).Scan(&progress)
	if err != nil {
		return fn.None[float64](), err
	}
	if !progress.Valid {
		return fn.None[float64](), nil
	}
	return fn.Some(progress.Float64), nil
}

// StartRescan records that a rescan from the given timestamp is in
// progress.
func (s *SQLiteStore) StartRescan(timestamp uint32) error {
	_, err := s.db.Exec(
		"UPDATE wallet SET rescan_timestamp = ?, rescan_progress = 0 "+
			"WHERE id = 1", timestamp,
	)
	return err
}

// SpendTx returns a stored spend transaction PSBT by txid.
func (s *SQLiteStore) SpendTx(
	txid chainhash.Hash) (fn.Option[[]byte], error) {

	var packet []byte
	err := s.db.QueryRow(
		"SELECT psbt FROM spend_transactions WHERE txid = ?",
		txid[:],
	).Scan(&packet)
	if errors.Is(err, sql.ErrNoRows) {
		return fn.None[[]byte](), nil
	}
	if err != nil {
		return fn.None[[]byte](), err
	}
	return fn.Some(packet), nil
}

// SpendTxs returns all stored spend transaction PSBTs.
func (s *SQLiteStore) SpendTxs() (map[chainhash.Hash][]byte, error) {
	rows, err := s.db.Query(
		"SELECT txid, psbt FROM spend_transactions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[chainhash.Hash][]byte)
	for rows.Next() {
		var txid, packet []byte
		if err := rows.Scan(&txid, &packet); err != nil {
			return nil, err
		}
		hash, err := chainhash.NewHash(txid)
		if err != nil {
			return nil, err
		}
		result[*hash] = packet
	}
	return result, rows.Err()
}

// StoreSpendTx inserts or replaces a spend transaction PSBT.
func (s *SQLiteStore) StoreSpendTx(txid chainhash.Hash,
	packet []byte) error {

	_, err := s.db.Exec(
		"INSERT INTO spend_transactions (txid, psbt, updated_at) "+
			"VALUES (?, ?, ?) ON CONFLICT (txid) DO UPDATE SET "+
			"psbt = excluded.psbt, updated_at = excluded.updated_at",
		txid[:], packet, time.Now().Unix(),
	)
	return err
}

// DeleteSpendTx removes a stored spend transaction PSBT.
func (s *SQLiteStore) DeleteSpendTx(txid chainhash.Hash) error {
	_, err := s.db.Exec(
		"DELETE FROM spend_transactions WHERE txid = ?", txid[:])
	return err
}

// Apply atomically commits a tick's mutations. A failure rolls every
// mutation of the update back.
func (s *SQLiteStore) Apply(update *StateUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		// Rollback is a no-op once the transaction committed.
		_ = tx.Rollback()
	}()

	if err := applyUpdate(tx, update); err != nil {
		return err
	}
	return tx.Commit()
}

func applyUpdate(tx *sql.Tx, update *StateUpdate) error {
	if tip := update.RollbackTo; tip != nil {
		_, err := tx.Exec(
			"UPDATE coins SET block_height = NULL, "+
				"block_time = NULL WHERE block_height > ?",
			tip.Height,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"UPDATE coins SET spend_block_height = NULL, "+
				"spend_block_time = NULL "+
				"WHERE spend_block_height > ?",
			tip.Height,
		)
		if err != nil {
			return err
		}
		if err := setTip(tx, *tip); err != nil {
			return err
		}
	}

	for _, coin := range update.NewCoins {
		var (
			blockHeight interface{}
			blockTime   interface{}
		)
		if coin.Confirmation != nil {
			blockHeight = coin.Confirmation.Height
			blockTime = coin.Confirmation.Time
		}
		_, err := tx.Exec(
			"INSERT INTO coins (txid, vout, amount_sat, address, "+
				"derivation_index, is_change, is_immature, "+
				"block_height, block_time) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) "+
				"ON CONFLICT (txid, vout) DO NOTHING",
			coin.OutPoint.Hash[:], coin.OutPoint.Index,
			int64(coin.Amount), coin.Address,
			coin.DerivationIndex, coin.IsChange, coin.IsImmature,
			blockHeight, blockTime,
		)
		if err != nil {
			return err
		}
	}

	for _, conf := range update.Confirmed {
		_, err := tx.Exec(
			"UPDATE coins SET block_height = ?, block_time = ?, "+
				"is_immature = 0 WHERE txid = ? AND vout = ?",
			conf.Height, conf.Time, conf.OutPoint.Hash[:],
			conf.OutPoint.Index,
		)
		if err != nil {
			return err
		}
	}

	for _, op := range update.Expired {
		_, err := tx.Exec(
			"DELETE FROM coins WHERE txid = ? AND vout = ? "+
				"AND block_height IS NULL",
			op.Hash[:], op.Index,
		)
		if err != nil {
			return err
		}
	}

	for _, spend := range update.Spending {
		_, err := tx.Exec(
			"UPDATE coins SET spend_txid = ? "+
				"WHERE txid = ? AND vout = ?",
			spend.Txid[:], spend.OutPoint.Hash[:],
			spend.OutPoint.Index,
		)
		if err != nil {
			return err
		}
	}

	for _, conf := range update.SpentConfirmed {
		_, err := tx.Exec(
			"UPDATE coins SET spend_txid = ?, "+
				"spend_block_height = ?, spend_block_time = ? "+
				"WHERE txid = ? AND vout = ?",
			conf.Txid[:], conf.Height, conf.Time,
			conf.OutPoint.Hash[:], conf.OutPoint.Index,
		)
		if err != nil {
			return err
		}
	}

	for _, op := range update.SpendDropped {
		_, err := tx.Exec(
			"UPDATE coins SET spend_txid = NULL "+
				"WHERE txid = ? AND vout = ? "+
				"AND spend_block_height IS NULL",
			op.Hash[:], op.Index,
		)
		if err != nil {
			return err
		}
	}

	var applyErr error
	update.ReceiveIndex.WhenSome(func(index uint32) {
		_, err := tx.Exec(
			"UPDATE wallet SET receive_index = ? WHERE id = 1 "+
				"AND receive_index < ?", index, index,
		)
		if err != nil && applyErr == nil {
			applyErr = err
		}
	})
	update.ChangeIndex.WhenSome(func(index uint32) {
		_, err := tx.Exec(
			"UPDATE wallet SET change_index = ? WHERE id = 1 "+
				"AND change_index < ?", index, index,
		)
		if err != nil && applyErr == nil {
			applyErr = err
		}
	})
	update.RescanProgress.WhenSome(func(progress float64) {
		_, err := tx.Exec(
			"UPDATE wallet SET rescan_progress = ? WHERE id = 1",
			progress,
		)
		if err != nil && applyErr == nil {
			applyErr = err
		}
	})
	update.PruneSpendsBelow.WhenSome(func(height int32) {
		_, err := tx.Exec(
			"DELETE FROM coins WHERE spend_block_height IS NOT "+
				"NULL AND spend_block_height < ?", height,
		)
		if err != nil && applyErr == nil {
			applyErr = err
		}
	})
	if applyErr != nil {
		return applyErr
	}

	if update.CompleteRescan {
		_, err := tx.Exec(
			"UPDATE wallet SET rescan_timestamp = NULL, " +
				"rescan_progress = NULL WHERE id = 1",
		)
		if err != nil {
			return err
		}
	}

	if tip := update.NewTip; tip != nil {
		if err := setTip(tx, *tip); err != nil {
			return err
		}
	}

	return nil
}

func setTip(tx *sql.Tx, tip chain.BlockChainTip) error {
	_, err := tx.Exec(
		"INSERT INTO chain_tip (id, height, hash) VALUES (1, ?, ?) "+
			"ON CONFLICT (id) DO UPDATE SET "+
			"height = excluded.height, hash = excluded.hash",
		tip.Height, tip.Hash[:],
	)
	return err
}
