// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package minisafe

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/revault/minisafe/chain"
	"github.com/revault/minisafe/database"
	"github.com/revault/minisafe/descriptor"
)

var (
	// ErrUnknownOutpoint is returned when a command references a coin we
	// do not track.
	ErrUnknownOutpoint = errors.New("unknown coin outpoint")

	// ErrUnknownSpend is returned when a command references a spend
	// transaction that was never stored.
	ErrUnknownSpend = errors.New("unknown spend transaction")

	// ErrRescanInProgress is returned when starting a rescan while one
	// is already running.
	ErrRescanInProgress = errors.New("a rescan is already in progress")

	// ErrInvalidTimestamp is returned for a rescan date before the
	// genesis block or in the future.
	ErrInvalidTimestamp = errors.New(
		"rescan timestamp must be between the genesis block time " +
			"and the current tip time")
)

// Info is the daemon's general state, as returned by GetInfo.
type Info struct {
	Version  string
	Network  string
	WalletID string
	Policy   string

	// CreatedAt is the wallet's creation time, the earliest point a
	// rescan can start from.
	CreatedAt time.Time

	// BlockHeight is the height of the last reconciled chain tip, -1 if
	// no reconciliation pass completed yet.
	BlockHeight int32

	// Sync is the node's verification progress, in [0, 1].
	Sync float64

	// RescanProgress is the progress of an ongoing rescan, if any.
	RescanProgress fn.Option[float64]

	// LastPoll is the completion time of the last reconciliation pass.
	// A stale value means the daemon's view of the chain is outdated.
	LastPoll time.Time
}

// GetInfo returns the daemon's general state.
func (d *Daemon) GetInfo() (*Info, error) {
	if err := d.poller.Err(); err != nil {
		return nil, fmt.Errorf("reconciliation halted: %w", err)
	}

	createdAt, err := d.store.CreatedAt()
	if err != nil {
		return nil, err
	}

	height := int32(-1)
	tipOpt, err := d.store.ChainTip()
	if err != nil {
		return nil, err
	}
	tipOpt.WhenSome(func(tip chain.BlockChainTip) {
		height = tip.Height
	})

	progress, err := d.backend.SyncProgress()
	if err != nil {
		return nil, err
	}
	rescan, err := d.store.RescanProgress()
	if err != nil {
		return nil, err
	}

	return &Info{
		Version:        Version(),
		Network:        d.params.Name,
		WalletID:       d.policy.WalletID(),
		Policy:         d.policy.String(),
		CreatedAt:      createdAt,
		BlockHeight:    height,
		Sync:           progress.Percentage,
		RescanProgress: rescan,
		LastPoll:       d.poller.LastTick(),
	}, nil
}

// GetNewAddress derives the next unused deposit address and advances the
// receive watermark.
func (d *Daemon) GetNewAddress() (btcutil.Address, uint32, error) {
	index, err := d.store.ReceiveIndex()
	if err != nil {
		return nil, 0, err
	}

	addr, err := d.policy.ReceiveDescriptor().Address(index, d.params)
	if err != nil {
		return nil, 0, err
	}

	// The watermark only ever moves forward, a concurrent advance by
	// the reconciliation engine wins.
	err = d.store.Apply(&database.StateUpdate{
		ReceiveIndex: fn.Some(index + 1),
	})
	if err != nil {
		return nil, 0, err
	}

	log.Infof("Handing out deposit address %s (index %d)", addr, index)
	return addr, index, nil
}

// CoinInfo is a tracked coin enriched with the recovery timelock state at
// the current tip.
type CoinInfo struct {
	database.Coin

	// RemainingSequences holds, for each recovery path in ascending
	// sequence order, how many blocks are left before it can spend this
	// coin. Zero means the path is available now. Unconfirmed coins
	// report the full sequence.
	RemainingSequences []uint32
}

// ListCoins returns the tracked coins matching the given statuses (all if
// none is given), optionally restricted to specific outpoints.
func (d *Daemon) ListCoins(statuses []database.CoinStatus,
	outpoints []wire.OutPoint) ([]CoinInfo, error) {

	var (
		coins []database.Coin
		err   error
	)
	if len(outpoints) > 0 {
		byOutpoint, err := d.store.CoinsByOutPoints(outpoints)
		if err != nil {
			return nil, err
		}
		for _, op := range outpoints {
			coin, ok := byOutpoint[op]
			if !ok {
				return nil, fmt.Errorf("%w: %s",
					ErrUnknownOutpoint, op)
			}
			coins = append(coins, coin)
		}
		coins = filterByStatus(coins, statuses)
	} else {
		coins, err = d.store.Coins(statuses...)
		if err != nil {
			return nil, err
		}
	}

	height := int32(0)
	tipOpt, err := d.store.ChainTip()
	if err != nil {
		return nil, err
	}
	tipOpt.WhenSome(func(tip chain.BlockChainTip) {
		height = tip.Height
	})

	infos := make([]CoinInfo, 0, len(coins))
	for _, coin := range coins {
		infos = append(infos, CoinInfo{
			Coin:               coin,
			RemainingSequences: d.remainingSequences(coin, height),
		})
	}
	return infos, nil
}

func (d *Daemon) remainingSequences(coin database.Coin,
	tipHeight int32) []uint32 {

	remaining := make([]uint32, 0, len(d.policy.Recovery))
	for _, rec := range d.policy.Recovery {
		if coin.Confirmation == nil {
			remaining = append(remaining, uint32(rec.Sequence))
			continue
		}
		remaining = append(remaining, descriptor.RemainingSequence(
			rec.Sequence, coin.Confirmation.Height, tipHeight))
	}
	return remaining
}

func filterByStatus(coins []database.Coin,
	statuses []database.CoinStatus) []database.Coin {

	if len(statuses) == 0 {
		return coins
	}
	filtered := coins[:0]
	for _, coin := range coins {
		for _, status := range statuses {
			if coin.Status() == status {
				filtered = append(filtered, coin)
				break
			}
		}
	}
	return filtered
}

// SpendTxEntry is a stored spend transaction.
type SpendTxEntry struct {
	Txid   chainhash.Hash
	Packet *psbt.Packet
}

// ListSpendTxs returns all stored spend transactions.
func (d *Daemon) ListSpendTxs() ([]SpendTxEntry, error) {
	raw, err := d.store.SpendTxs()
	if err != nil {
		return nil, err
	}

	entries := make([]SpendTxEntry, 0, len(raw))
	for txid, blob := range raw {
		packet, err := decodePsbt(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding stored spend "+
				"'%s': %w", txid, err)
		}
		entries = append(entries, SpendTxEntry{
			Txid:   txid,
			Packet: packet,
		})
	}
	return entries, nil
}

// UpdateSpend stores a spend transaction, or merges the signatures of the
// given PSBT into the already stored one.
func (d *Daemon) UpdateSpend(packet *psbt.Packet) error {
	txid := packet.UnsignedTx.TxHash()

	storedOpt, err := d.store.SpendTx(txid)
	if err != nil {
		return err
	}
	if blob := storedOpt.UnwrapOr(nil); blob != nil {
		stored, err := decodePsbt(blob)
		if err != nil {
			return err
		}
		if err := mergePsbtSigs(stored, packet); err != nil {
			return err
		}
		packet = stored
	}

	blob, err := encodePsbt(packet)
	if err != nil {
		return err
	}

	log.Infof("Storing spend transaction '%s'", txid)
	return d.store.StoreSpendTx(txid, blob)
}

// DelSpend removes a stored spend transaction.
func (d *Daemon) DelSpend(txid chainhash.Hash) error {
	storedOpt, err := d.store.SpendTx(txid)
	if err != nil {
		return err
	}
	if storedOpt.IsNone() {
		return fmt.Errorf("%w: %s", ErrUnknownSpend, txid)
	}

	log.Infof("Deleting spend transaction '%s'", txid)
	return d.store.DeleteSpendTx(txid)
}

// BroadcastSpend finalizes a stored spend transaction and submits it to
// the network. The observation of the spend is left to the reconciliation
// engine's next pass.
func (d *Daemon) BroadcastSpend(txid chainhash.Hash) error {
	storedOpt, err := d.store.SpendTx(txid)
	if err != nil {
		return err
	}
	blob := storedOpt.UnwrapOr(nil)
	if blob == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSpend, txid)
	}
	packet, err := decodePsbt(blob)
	if err != nil {
		return err
	}

	tx, err := d.finalizeSpend(packet)
	if err != nil {
		return err
	}

	log.Infof("Broadcasting spend transaction '%s'", txid)
	return d.backend.BroadcastTx(tx)
}

// StartRescan triggers a rescan of the blockchain for the policy's
// historical deposits from the given date.
func (d *Daemon) StartRescan(timestamp uint32) error {
	ongoing, err := d.store.RescanTimestamp()
	if err != nil {
		return err
	}
	if ongoing.IsSome() {
		return ErrRescanInProgress
	}

	// Before the genesis block, or after the current tip time, there is
	// nothing to scan.
	tipTimeOpt, err := d.backend.TipTime()
	if err != nil {
		return err
	}
	tipTime := tipTimeOpt.UnwrapOr(0)
	if tipTime > 0 && timestamp > tipTime {
		return fmt.Errorf("%w: got %d, tip is at %d",
			ErrInvalidTimestamp, timestamp, tipTime)
	}
	beforeOpt, err := d.backend.BlockBeforeDate(timestamp)
	if err != nil {
		return err
	}
	if beforeOpt.IsNone() {
		return fmt.Errorf("%w: got %d, before the genesis block",
			ErrInvalidTimestamp, timestamp)
	}

	log.Infof("Starting rescan from timestamp %d", timestamp)
	if err := d.store.StartRescan(timestamp); err != nil {
		return err
	}
	return d.backend.StartRescan(d.policy, timestamp)
}

func decodePsbt(blob []byte) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(blob), false)
}

func encodePsbt(packet *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mergePsbtSigs folds the signatures of src into dst. Both must commit to
// the same unsigned transaction.
func mergePsbtSigs(dst, src *psbt.Packet) error {
	if dst.UnsignedTx.TxHash() != src.UnsignedTx.TxHash() {
		return errors.New("psbt to merge commits to a different " +
			"transaction")
	}

	for i := range src.Inputs {
		srcIn := &src.Inputs[i]
		dstIn := &dst.Inputs[i]

		for _, sig := range srcIn.PartialSigs {
			if !havePartialSig(dstIn.PartialSigs, sig) {
				dstIn.PartialSigs = append(dstIn.PartialSigs,
					sig)
			}
		}
		for _, sig := range srcIn.TaprootScriptSpendSig {
			if !haveTaprootSig(dstIn.TaprootScriptSpendSig, sig) {
				dstIn.TaprootScriptSpendSig = append(
					dstIn.TaprootScriptSpendSig, sig)
			}
		}
	}
	return nil
}

func havePartialSig(sigs []*psbt.PartialSig, sig *psbt.PartialSig) bool {
	for _, have := range sigs {
		if bytes.Equal(have.PubKey, sig.PubKey) {
			return true
		}
	}
	return false
}

func haveTaprootSig(sigs []*psbt.TaprootScriptSpendSig,
	sig *psbt.TaprootScriptSpendSig) bool {

	for _, have := range sigs {
		if bytes.Equal(have.XOnlyPubKey, sig.XOnlyPubKey) &&
			bytes.Equal(have.LeafHash, sig.LeafHash) {

			return true
		}
	}
	return false
}
