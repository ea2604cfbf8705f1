// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// CoinStatus is the position of a coin in its lifecycle.
type CoinStatus uint8

const (
	// StatusUnconfirmed is a deposit observed in the mempool, or an
	// immature coinbase deposit, not yet settled in a block.
	StatusUnconfirmed CoinStatus = iota

	// StatusConfirmed is a settled deposit with no known spender.
	StatusConfirmed

	// StatusSpending is a coin with a known spending transaction that
	// has not confirmed yet.
	StatusSpending

	// StatusSpent is a coin whose spending transaction confirmed.
	StatusSpent
)

// String returns a human readable name for the status.
func (s CoinStatus) String() string {
	switch s {
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusConfirmed:
		return "confirmed"
	case StatusSpending:
		return "spending"
	case StatusSpent:
		return "spent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// CoinStatusFromString parses a status name, the inverse of String.
func CoinStatusFromString(s string) (CoinStatus, error) {
	switch s {
	case "unconfirmed":
		return StatusUnconfirmed, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "spending":
		return StatusSpending, nil
	case "spent":
		return StatusSpent, nil
	default:
		return 0, fmt.Errorf("unknown coin status '%s'", s)
	}
}

// ErrInvalidTransition is returned by coin transition methods when the
// requested transition is not allowed from the coin's current status.
var ErrInvalidTransition = errors.New("invalid coin state transition")

// Confirmation is the block inclusion info of a transaction.
type Confirmation struct {
	Height int32
	Time   uint32
}

// SpendInfo describes the transaction spending a coin. The spending txid is
// only ever set once a spending transaction was observed in the mempool or
// in a block; its confirmation is set once that transaction is included in
// the best chain.
type SpendInfo struct {
	Txid         chainhash.Hash
	Confirmation *Confirmation
}

// Coin is a transaction output paid to one of the wallet's addresses. It is
// the central entity tracked by the daemon: created by the reconciliation
// engine on first observation, mutated exclusively by it, and deleted only
// once expired or spent beyond the retention horizon.
type Coin struct {
	OutPoint        wire.OutPoint
	Amount          btcutil.Amount
	Address         string
	DerivationIndex uint32
	IsChange        bool

	// IsImmature is true while the coin descends from a coinbase
	// transaction that has not reached maturity. Immature coins are
	// withheld from the confirmed status.
	IsImmature bool

	Confirmation *Confirmation
	Spend        *SpendInfo
}

// Status derives the coin's lifecycle status from its fields.
func (c *Coin) Status() CoinStatus {
	switch {
	case c.Spend != nil && c.Spend.Confirmation != nil:
		return StatusSpent
	case c.Spend != nil:
		return StatusSpending
	case c.Confirmation != nil:
		return StatusConfirmed
	default:
		return StatusUnconfirmed
	}
}

// Confirm transitions the coin to the confirmed status. Confirming also
// settles coinbase maturity: the backend only reports a confirmation for a
// coinbase-descended coin once it matured.
func (c *Coin) Confirm(height int32, time uint32) error {
	if c.Confirmation != nil {
		return fmt.Errorf("%w: coin %s is already confirmed",
			ErrInvalidTransition, c.OutPoint)
	}
	c.Confirmation = &Confirmation{Height: height, Time: time}
	c.IsImmature = false
	return nil
}

// Unconfirm reverts a confirmed coin to the unconfirmed status after its
// confirming block was reorged out.
func (c *Coin) Unconfirm() error {
	if c.Confirmation == nil {
		return fmt.Errorf("%w: coin %s is not confirmed",
			ErrInvalidTransition, c.OutPoint)
	}
	c.Confirmation = nil
	return nil
}

// MarkSpending records the transaction observed to be spending the coin.
func (c *Coin) MarkSpending(txid chainhash.Hash) error {
	if c.Spend != nil {
		return fmt.Errorf("%w: coin %s is already being spent by %s",
			ErrInvalidTransition, c.OutPoint, c.Spend.Txid)
	}
	c.Spend = &SpendInfo{Txid: txid}
	return nil
}

// ConfirmSpend records the confirmation of the coin's spend. The confirmed
// txid may differ from the recorded one if a conflicting transaction
// spending the same outpoint confirmed instead, in which case it replaces
// the recorded spender.
func (c *Coin) ConfirmSpend(txid chainhash.Hash, height int32,
	time uint32) error {

	if c.Spend == nil {
		return fmt.Errorf("%w: coin %s has no spender",
			ErrInvalidTransition, c.OutPoint)
	}
	if c.Spend.Confirmation != nil {
		return fmt.Errorf("%w: spend of coin %s is already confirmed",
			ErrInvalidTransition, c.OutPoint)
	}
	c.Spend = &SpendInfo{
		Txid:         txid,
		Confirmation: &Confirmation{Height: height, Time: time},
	}
	return nil
}

// DropSpend reverts a coin whose unconfirmed spending transaction was
// evicted from the mempool, making the coin spendable again.
func (c *Coin) DropSpend() error {
	if c.Spend == nil {
		return fmt.Errorf("%w: coin %s has no spender",
			ErrInvalidTransition, c.OutPoint)
	}
	if c.Spend.Confirmation != nil {
		return fmt.Errorf("%w: spend of coin %s is confirmed",
			ErrInvalidTransition, c.OutPoint)
	}
	c.Spend = nil
	return nil
}

// UnconfirmSpend reverts the coin's spend to the unconfirmed state after
// the block confirming the spender was reorged out. The spending txid is
// kept: the transaction is assumed to be back in the mempool.
func (c *Coin) UnconfirmSpend() error {
	if c.Spend == nil || c.Spend.Confirmation == nil {
		return fmt.Errorf("%w: coin %s has no confirmed spend",
			ErrInvalidTransition, c.OutPoint)
	}
	c.Spend.Confirmation = nil
	return nil
}
