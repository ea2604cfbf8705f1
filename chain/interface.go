// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/revault/minisafe/descriptor"
)

// CoinbaseMaturity is the number of confirmations a coinbase-descended
// output must accumulate before we are willing to treat it as settled.
const CoinbaseMaturity = 100

// BlockChainTip identifies a candidate best block.
type BlockChainTip struct {
	Hash   chainhash.Hash
	Height int32
}

// String returns a compact identifier for the tip, suitable for logs.
func (t BlockChainTip) String() string {
	return fmt.Sprintf("(%d,%s)", t.Height, t.Hash)
}

// Block identifies a block along with the timestamp set in its header. It is
// used once a coin, or the transaction spending it, is confirmed.
type Block struct {
	Hash   chainhash.Hash
	Height int32
	Time   uint32
}

// UTxO is a deposit to one of the wallet's addresses as reported by the
// backend. It may or may not be confirmed yet.
type UTxO struct {
	OutPoint    wire.OutPoint
	Amount      btcutil.Amount
	BlockHeight fn.Option[int32]
	Address     btcutil.Address

	// IsImmature is true while the output descends from a coinbase
	// transaction with less than CoinbaseMaturity confirmations.
	IsImmature bool
}

// ConfirmedCoin reports a previously-unconfirmed coin now included in the
// best chain.
type ConfirmedCoin struct {
	OutPoint wire.OutPoint
	Height   int32
	Time     uint32
}

// SpendingCoin reports a transaction, confirmed or not, spending one of the
// wallet's coins.
type SpendingCoin struct {
	OutPoint  wire.OutPoint
	SpendTxid chainhash.Hash
}

// SpentCoin reports a confirmed spend of one of the wallet's coins. The
// spending txid may differ from the one previously recorded if a conflicting
// transaction confirmed instead.
type SpentCoin struct {
	OutPoint  wire.OutPoint
	SpendTxid chainhash.Hash
	Block     Block
}

// WalletTx is a transaction related to the wallet along with its
// confirmation info, if any.
type WalletTx struct {
	Tx    *wire.MsgTx
	Block fn.Option[Block]
}

// MempoolEntry describes an unconfirmed transaction spending one of the
// wallet's coins, with enough fee information to reason about replacement.
type MempoolEntry struct {
	Txid          chainhash.Hash
	Vsize         uint64
	Fee           btcutil.Amount
	AncestorVsize uint64
	AncestorFee   btcutil.Amount
}

// SyncProgress describes how far the backend's block chain verification has
// come along.
type SyncProgress struct {
	Percentage float64
	Headers    int32
	Blocks     int32
}

// IsComplete returns whether the backend considers itself fully synced to
// the best known tip.
func (s SyncProgress) IsComplete() bool {
	return s.Percentage == 1.0 && s.Headers == s.Blocks
}

// Interface abstracts "a Bitcoin node" so more than one backing source can
// drive the wallet, such as a bitcoind watchonly wallet over RPC or an
// embedded light client, as long as we write a driver for it.
//
// Every call may fail with a transport error. Callers treat such failures as
// retryable, with the exception of CommonAncestor returning None which is
// unrecoverable.
type Interface interface {
	// ChainTip returns the best block the backend knows of.
	ChainTip() (BlockChainTip, error)

	// GenesisBlock returns the first block of the chain.
	GenesisBlock() (BlockChainTip, error)

	// TipTime returns the timestamp of the best block's header, if the
	// backend can tell.
	TipTime() (fn.Option[uint32], error)

	// SyncProgress returns the verification progress of the backend,
	// rounded up to a percentage between 0 and 1.
	SyncProgress() (SyncProgress, error)

	// IsInChain returns whether this former tip is still part of the
	// current best chain.
	IsInChain(tip BlockChainTip) (bool, error)

	// CommonAncestor walks backwards from the given former tip until it
	// finds a block that is part of the current best chain. It returns
	// None if no common ancestor can be found at all.
	CommonAncestor(tip BlockChainTip) (fn.Option[BlockChainTip], error)

	// ReceivedCoins returns the coins paid to an address derived from
	// any of the given single-path descriptors and observed since the
	// given tip.
	ReceivedCoins(tip BlockChainTip,
		descs []descriptor.SinglePathDescriptor) ([]UTxO, error)

	// ConfirmedCoins reports, for previously-unconfirmed coins, which
	// now have a confirming block (withholding immature coinbase
	// deposits) and which were dropped from the mempool and must be
	// considered expired.
	ConfirmedCoins(outpoints []wire.OutPoint) ([]ConfirmedCoin,
		[]wire.OutPoint, error)

	// SpendingCoins reports which of the given coins now have a known
	// spending transaction, in the mempool or in a block.
	SpendingCoins(outpoints []wire.OutPoint) ([]SpendingCoin, error)

	// SpentCoins reports, for coins marked as being spent, which spends
	// are now confirmed and which spending transactions disappeared from
	// the mempool without a confirmed conflict. If a conflicting
	// transaction spending the same outpoint confirmed instead of the
	// recorded spender, the conflict is reported as the canonical spend.
	SpentCoins(spends []SpendingCoin) ([]SpentCoin, []wire.OutPoint,
		error)

	// BroadcastTx submits this transaction to the Bitcoin P2P network.
	BroadcastTx(tx *wire.MsgTx) error

	// StartRescan triggers a rescan of the block chain for transactions
	// involving the wallet policy since the given date.
	StartRescan(policy *descriptor.Policy, timestamp uint32) error

	// RescanProgress returns the progress, between 0 and 1, of an
	// ongoing rescan, or None if there isn't any.
	RescanProgress() (fn.Option[float64], error)

	// BlockBeforeDate returns the last block with a timestamp below the
	// given one, if any.
	BlockBeforeDate(timestamp uint32) (fn.Option[BlockChainTip], error)

	// MempoolSpenders returns the details of the unconfirmed
	// transactions spending any of these outpoints.
	MempoolSpenders(outpoints []wire.OutPoint) ([]MempoolEntry, error)

	// WalletTransaction returns a transaction related to the wallet
	// along with its confirmation info, if the backend knows about it.
	WalletTransaction(txid chainhash.Hash) (fn.Option[WalletTx], error)
}
