// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package database implements durable storage of the tracked coin set, the
// current synchronization tip and the rescan state. Reads may happen
// concurrently with the single writer, the reconciliation engine, whose
// per-tick mutations are committed atomically through Apply.
package database

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/revault/minisafe/chain"
)

// CoinConfirmation records the confirmation of a tracked coin's deposit
// transaction during a tick.
type CoinConfirmation struct {
	OutPoint wire.OutPoint
	Height   int32
	Time     uint32
}

// CoinSpend records the observation of a transaction spending a tracked
// coin during a tick.
type CoinSpend struct {
	OutPoint wire.OutPoint
	Txid     chainhash.Hash
}

// CoinSpendConfirmation records the confirmation of a tracked coin's
// spending transaction during a tick. The txid may differ from the
// previously recorded spender if a conflicting transaction confirmed
// instead.
type CoinSpendConfirmation struct {
	OutPoint wire.OutPoint
	Txid     chainhash.Hash
	Height   int32
	Time     uint32
}

// StateUpdate is the full set of mutations a reconciliation tick wants to
// persist. It is applied in a single transaction: a tick either commits
// entirely or leaves the store in its pre-tick state.
type StateUpdate struct {
	// RollbackTo, if set, unconfirms every coin and spend whose
	// confirmation height exceeds this tip's height, and resets the
	// stored tip to it, before any other mutation is applied.
	RollbackTo *chain.BlockChainTip

	// NewTip is the tick's final observed chain tip.
	NewTip *chain.BlockChainTip

	// NewCoins are deposits observed for the first time.
	NewCoins []Coin

	// Confirmed are previously-unconfirmed coins now settled in a
	// block.
	Confirmed []CoinConfirmation

	// Expired are unconfirmed coins whose deposit transaction was
	// evicted from the mempool. They are deleted.
	Expired []wire.OutPoint

	// Spending are coins with a newly observed spending transaction.
	Spending []CoinSpend

	// SpentConfirmed are coins whose spending transaction confirmed.
	SpentConfirmed []CoinSpendConfirmation

	// SpendDropped are coins whose unconfirmed spending transaction was
	// evicted from the mempool without a confirmed conflict. Their spend
	// info is cleared.
	SpendDropped []wire.OutPoint

	// ReceiveIndex and ChangeIndex advance the derivation watermarks.
	ReceiveIndex fn.Option[uint32]
	ChangeIndex  fn.Option[uint32]

	// RescanProgress is the last progress reported for an ongoing
	// rescan.
	RescanProgress fn.Option[float64]

	// CompleteRescan clears the rescan state.
	CompleteRescan bool

	// PruneSpendsBelow deletes coins whose spend confirmed at a height
	// strictly below this, the retention horizon for fully settled
	// coins.
	PruneSpendsBelow fn.Option[int32]
}

// IsEmpty returns whether applying the update would be a no-op.
func (u *StateUpdate) IsEmpty() bool {
	return u.RollbackTo == nil && u.NewTip == nil &&
		len(u.NewCoins) == 0 && len(u.Confirmed) == 0 &&
		len(u.Expired) == 0 && len(u.Spending) == 0 &&
		len(u.SpentConfirmed) == 0 && len(u.SpendDropped) == 0 &&
		u.ReceiveIndex.IsNone() && u.ChangeIndex.IsNone() &&
		u.RescanProgress.IsNone() && !u.CompleteRescan &&
		u.PruneSpendsBelow.IsNone()
}

// Store is the capability contract for durable wallet state. A single
// writer, the reconciliation engine, serializes all mutations through
// Apply; the command surface only ever reads.
type Store interface {
	// Close releases the underlying storage.
	Close() error

	// Network returns the network name the store was created for.
	Network() (string, error)

	// PolicyString returns the canonical policy string the store was
	// created with.
	PolicyString() (string, error)

	// CreatedAt returns the wallet's creation timestamp, the earliest
	// date a rescan could meaningfully start from.
	CreatedAt() (time.Time, error)

	// ChainTip returns the persisted synchronization tip, or None if no
	// tick completed yet.
	ChainTip() (fn.Option[chain.BlockChainTip], error)

	// Coins returns the tracked coins matching any of the given
	// statuses, or all tracked coins if no status is given.
	Coins(statuses ...CoinStatus) ([]Coin, error)

	// CoinsByOutPoints returns the tracked coins with the given
	// outpoints. Unknown outpoints are simply absent from the result.
	CoinsByOutPoints(
		outpoints []wire.OutPoint) (map[wire.OutPoint]Coin, error)

	// ReceiveIndex returns the next unused derivation index of the
	// receive chain.
	ReceiveIndex() (uint32, error)

	// ChangeIndex returns the next unused derivation index of the
	// change chain.
	ChangeIndex() (uint32, error)

	// RescanTimestamp returns the starting timestamp of an ongoing
	// rescan, if any.
	RescanTimestamp() (fn.Option[uint32], error)

	// RescanProgress returns the last persisted progress of an ongoing
	// rescan, if any.
	RescanProgress() (fn.Option[float64], error)

	// StartRescan records that a rescan from the given timestamp is in
	// progress.
	StartRescan(timestamp uint32) error

	// SpendTx returns a stored spend transaction PSBT by txid.
	SpendTx(txid chainhash.Hash) (fn.Option[[]byte], error)

	// SpendTxs returns all stored spend transaction PSBTs.
	SpendTxs() (map[chainhash.Hash][]byte, error)

	// StoreSpendTx inserts or replaces a spend transaction PSBT.
	StoreSpendTx(txid chainhash.Hash, packet []byte) error

	// DeleteSpendTx removes a stored spend transaction PSBT.
	DeleteSpendTx(txid chainhash.Hash) error

	// Apply atomically commits a tick's mutations.
	Apply(update *StateUpdate) error
}
