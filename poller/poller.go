// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package poller implements the reconciliation engine. At a fixed interval
// it compares the blockchain backend's view of the policy's coins with the
// one persisted in the database, and commits the difference as a single
// atomic state update.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/revault/minisafe/chain"
	"github.com/revault/minisafe/database"
	"github.com/revault/minisafe/descriptor"
)

const (
	// DefaultInterval is the default delay between two reconciliation
	// ticks.
	DefaultInterval = 30 * time.Second

	// addressLookahead is how many derivation indexes past the highest
	// used one we watch for deposits.
	addressLookahead = 200
)

// ErrNoCommonAncestor is returned when a reorg unwound the chain past any
// block we ever considered part of it. There is no sane way to reconcile
// from that, so the poller halts.
var ErrNoCommonAncestor = errors.New(
	"no common ancestor found between our view of the chain and the " +
		"node's")

// Config holds the dependencies and tuning knobs of a Poller.
type Config struct {
	// Backend is the view of the blockchain we reconcile against.
	Backend chain.Interface

	// Store persists the reconciled wallet state.
	Store database.Store

	// Policy is the wallet's spending policy.
	Policy *descriptor.Policy

	Params *chaincfg.Params

	// Ticker paces the reconciliation. Mainly useful to override in
	// tests; if nil a default ticker firing every DefaultInterval is
	// used.
	Ticker ticker.Ticker

	// PruneAfter is the number of blocks a fully spent coin is kept
	// after its spend confirmed. Zero keeps spent coins forever.
	PruneAfter int32
}

// Poller periodically reconciles the database with the blockchain
// backend's view. All database mutations of the daemon's lifetime flow
// through its tick, as one transaction per tick.
type Poller struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	// addrs caches derived deposit addresses across ticks.
	addrs *addressCache

	mtx      sync.Mutex
	lastTick time.Time
	fatalErr error

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPoller creates a Poller from the given config.
func NewPoller(cfg *Config) *Poller {
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultInterval)
	}
	return &Poller{
		cfg:   cfg,
		addrs: newAddressCache(cfg.Policy, cfg.Params),
		quit:  make(chan struct{}),
	}
}

// Start launches the reconciliation loop. An initial tick is performed
// synchronously so callers observe an up-to-date state right away.
func (p *Poller) Start() error {
	var startErr error
	p.started.Do(func() {
		log.Infof("Starting blockchain poller")

		if err := p.tick(); err != nil {
			startErr = err
			return
		}

		p.cfg.Ticker.Resume()
		p.wg.Add(1)
		go p.pollLoop()
	})
	return startErr
}

// Stop terminates the reconciliation loop. An in-flight tick is left to
// finish, the database is never left mid-tick.
func (p *Poller) Stop() error {
	p.stopped.Do(func() {
		log.Infof("Stopping blockchain poller")

		close(p.quit)
		p.wg.Wait()
		p.cfg.Ticker.Stop()
	})
	return nil
}

// LastTick returns the time the last successful tick completed. Callers
// use it to detect a stale view of the chain.
func (p *Poller) LastTick() time.Time {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastTick
}

// Err returns the fatal error that halted the poller, if any.
func (p *Poller) Err() error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.fatalErr
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cfg.Ticker.Ticks():
			if err := p.tick(); err != nil {
				log.Criticalf("Halting poller: %v", err)
				p.mtx.Lock()
				p.fatalErr = err
				p.mtx.Unlock()
				return
			}

		case <-p.quit:
			return
		}
	}
}

// tick performs one reconciliation pass. A returned error is fatal: the
// database cannot be trusted to make progress anymore. Transient backend
// errors only abandon the pass, which is retried whole on the next tick.
func (p *Poller) tick() error {
	tipOpt, err := p.cfg.Store.ChainTip()
	if err != nil {
		return fmt.Errorf("querying stored tip: %w", err)
	}

	// A fresh database has no tip yet. Anchor it at the current chain
	// tip, deposits are picked up starting from the next pass.
	if tipOpt.IsNone() {
		newTip, err := p.cfg.Backend.ChainTip()
		if err != nil {
			log.Errorf("Abandoning poll, could not query chain "+
				"tip: %v", err)
			return nil
		}
		return p.commit(&database.StateUpdate{NewTip: &newTip})
	}
	prevTip := tipOpt.UnwrapOr(chain.BlockChainTip{})

	// First reconcile our tip with the chain: if a reorg unwound blocks
	// we considered settled, roll back to the common ancestor and let
	// the next pass reconstruct the state from there.
	inChain, err := p.cfg.Backend.IsInChain(prevTip)
	if err != nil {
		log.Errorf("Abandoning poll, could not check tip '%v': %v",
			prevTip, err)
		return nil
	}
	if !inChain {
		return p.rollback(prevTip)
	}

	newTip, err := p.cfg.Backend.ChainTip()
	if err != nil {
		log.Errorf("Abandoning poll, could not query chain tip: %v",
			err)
		return nil
	}
	if newTip.Height < prevTip.Height {
		log.Warnf("Node's tip '%v' is behind ours '%v', abandoning "+
			"poll", newTip, prevTip)
		return nil
	}

	update := &database.StateUpdate{NewTip: &newTip}

	coins, err := p.cfg.Store.Coins()
	if err != nil {
		return fmt.Errorf("querying coins: %w", err)
	}

	// Every step below is computed against the start-of-tick snapshot,
	// so a coin goes through at most one transition per pass.
	if ok := p.stepReceived(update, prevTip, coins); !ok {
		return nil
	}
	if ok := p.stepConfirmed(update, coins); !ok {
		return nil
	}
	if ok := p.stepSpending(update, coins); !ok {
		return nil
	}
	if ok := p.stepSpent(update, coins); !ok {
		return nil
	}
	if ok, err := p.stepRescan(update); err != nil {
		return err
	} else if !ok {
		return nil
	}

	if p.cfg.PruneAfter > 0 {
		update.PruneSpendsBelow = fn.Some(
			newTip.Height - p.cfg.PruneAfter + 1)
	}

	return p.commit(update)
}

// rollback commits a tip rollback to the reorg's common ancestor,
// unconfirming everything above it. The remainder of the reconciliation
// resumes from there on the next pass.
func (p *Poller) rollback(prevTip chain.BlockChainTip) error {
	ancestorOpt, err := p.cfg.Backend.CommonAncestor(prevTip)
	if err != nil {
		log.Errorf("Abandoning poll, could not look for a common "+
			"ancestor of '%v': %v", prevTip, err)
		return nil
	}
	if ancestorOpt.IsNone() {
		return ErrNoCommonAncestor
	}
	ancestor := ancestorOpt.UnwrapOr(chain.BlockChainTip{})

	log.Warnf("Block chain reorganization detected. Rolling back our "+
		"state from '%v' down to the common ancestor '%v'.", prevTip,
		ancestor)
	return p.commit(&database.StateUpdate{
		RollbackTo: &ancestor,
		NewTip:     &ancestor,
	})
}

// stepReceived folds newly observed deposits into the update. It returns
// false if the pass must be abandoned on a backend error.
func (p *Poller) stepReceived(update *database.StateUpdate,
	prevTip chain.BlockChainTip, coins []database.Coin) bool {

	utxos, err := p.cfg.Backend.ReceivedCoins(prevTip,
		p.cfg.Policy.SinglePathDescriptors())
	if err != nil {
		log.Errorf("Abandoning poll, could not list received coins: "+
			"%v", err)
		return false
	}

	known := make(map[wire.OutPoint]struct{}, len(coins))
	for _, coin := range coins {
		known[coin.OutPoint] = struct{}{}
	}

	receiveIndex, err := p.cfg.Store.ReceiveIndex()
	if err != nil {
		log.Errorf("Abandoning poll, could not query receive "+
			"index: %v", err)
		return false
	}
	changeIndex, err := p.cfg.Store.ChangeIndex()
	if err != nil {
		log.Errorf("Abandoning poll, could not query change "+
			"index: %v", err)
		return false
	}

	var maxReceive, maxChange fn.Option[uint32]
	for _, utxo := range utxos {
		if _, ok := known[utxo.OutPoint]; ok {
			continue
		}

		info, ok, err := p.addrs.lookup(utxo.Address, receiveIndex,
			changeIndex)
		if err != nil {
			log.Errorf("Abandoning poll, could not derive "+
				"addresses: %v", err)
			return false
		}
		if !ok {
			log.Warnf("Deposit at '%s' pays address '%s' not "+
				"derivable within the lookahead window, "+
				"ignoring it", utxo.OutPoint, utxo.Address)
			continue
		}

		log.Infof("Found new coin at '%s' for %v (address %s, "+
			"derivation index %d)", utxo.OutPoint, utxo.Amount,
			utxo.Address, info.index)
		update.NewCoins = append(update.NewCoins, database.Coin{
			OutPoint:        utxo.OutPoint,
			Amount:          utxo.Amount,
			Address:         utxo.Address.EncodeAddress(),
			DerivationIndex: info.index,
			IsChange:        info.isChange,
			IsImmature:      utxo.IsImmature,
		})

		// Advance the derivation watermark past any used index.
		if info.isChange {
			if info.index >= maxChange.UnwrapOr(0) {
				maxChange = fn.Some(info.index + 1)
			}
		} else {
			if info.index >= maxReceive.UnwrapOr(0) {
				maxReceive = fn.Some(info.index + 1)
			}
		}
	}
	update.ReceiveIndex = maxReceive
	update.ChangeIndex = maxChange

	return true
}

// stepConfirmed advances unconfirmed coins that settled in a block, and
// drops the ones whose deposit was evicted from the mempool.
func (p *Poller) stepConfirmed(update *database.StateUpdate,
	coins []database.Coin) bool {

	var unconfirmed []wire.OutPoint
	for _, coin := range coins {
		if coin.Status() == database.StatusUnconfirmed {
			unconfirmed = append(unconfirmed, coin.OutPoint)
		}
	}
	if len(unconfirmed) == 0 {
		return true
	}

	confirmed, expired, err := p.cfg.Backend.ConfirmedCoins(unconfirmed)
	if err != nil {
		log.Errorf("Abandoning poll, could not check coin "+
			"confirmations: %v", err)
		return false
	}

	for _, conf := range confirmed {
		log.Infof("Coin at '%s' is now confirmed at height %d",
			conf.OutPoint, conf.Height)
		update.Confirmed = append(update.Confirmed,
			database.CoinConfirmation{
				OutPoint: conf.OutPoint,
				Height:   conf.Height,
				Time:     conf.Time,
			})
	}
	for _, op := range expired {
		log.Infof("Coin at '%s' was dropped from the mempool, "+
			"forgetting it", op)
	}
	update.Expired = expired

	return true
}

// stepSpending records newly observed spending transactions for coins not
// yet known to be spent.
func (p *Poller) stepSpending(update *database.StateUpdate,
	coins []database.Coin) bool {

	var unspent []wire.OutPoint
	for _, coin := range coins {
		if coin.Spend == nil {
			unspent = append(unspent, coin.OutPoint)
		}
	}
	if len(unspent) == 0 {
		return true
	}

	spending, err := p.cfg.Backend.SpendingCoins(unspent)
	if err != nil {
		log.Errorf("Abandoning poll, could not check for spending "+
			"transactions: %v", err)
		return false
	}

	for _, spend := range spending {
		log.Infof("Coin at '%s' is being spent by '%s'",
			spend.OutPoint, spend.SpendTxid)
		update.Spending = append(update.Spending, database.CoinSpend{
			OutPoint: spend.OutPoint,
			Txid:     spend.SpendTxid,
		})
	}

	return true
}

// stepSpent settles the spends of coins with an unconfirmed spending
// transaction: confirmation, replacement by a confirmed conflict, or drop
// from the mempool.
func (p *Poller) stepSpent(update *database.StateUpdate,
	coins []database.Coin) bool {

	var spends []chain.SpendingCoin
	recorded := make(map[wire.OutPoint]database.Coin)
	for _, coin := range coins {
		if coin.Status() != database.StatusSpending {
			continue
		}
		spends = append(spends, chain.SpendingCoin{
			OutPoint:  coin.OutPoint,
			SpendTxid: coin.Spend.Txid,
		})
		recorded[coin.OutPoint] = coin
	}
	if len(spends) == 0 {
		return true
	}

	spent, dropped, err := p.cfg.Backend.SpentCoins(spends)
	if err != nil {
		log.Errorf("Abandoning poll, could not check for spent "+
			"coins: %v", err)
		return false
	}

	for _, s := range spent {
		if coin, ok := recorded[s.OutPoint]; ok &&
			coin.Spend.Txid != s.SpendTxid {

			log.Infof("Coin at '%s' was spent by '%s', a "+
				"conflict of the previously recorded "+
				"spender '%s'", s.OutPoint, s.SpendTxid,
				coin.Spend.Txid)
		} else {
			log.Infof("Spend of coin at '%s' by '%s' confirmed "+
				"at height %d", s.OutPoint, s.SpendTxid,
				s.Block.Height)
		}
		update.SpentConfirmed = append(update.SpentConfirmed,
			database.CoinSpendConfirmation{
				OutPoint: s.OutPoint,
				Txid:     s.SpendTxid,
				Height:   s.Block.Height,
				Time:     s.Block.Time,
			})
	}
	for _, op := range dropped {
		log.Infof("Spending transaction of coin at '%s' was dropped "+
			"from the mempool, marking the coin as unspent "+
			"again", op)
	}
	update.SpendDropped = dropped

	return true
}

// stepRescan tracks the progress of an ongoing watchonly wallet rescan.
// When it completes, the stored tip is moved back before the rescan's
// start date so the next passes pick up the historical deposits. The bool
// return is false when the pass must be abandoned.
func (p *Poller) stepRescan(update *database.StateUpdate) (bool, error) {
	tsOpt, err := p.cfg.Store.RescanTimestamp()
	if err != nil {
		return false, fmt.Errorf("querying rescan state: %w", err)
	}
	if tsOpt.IsNone() {
		return true, nil
	}
	timestamp := tsOpt.UnwrapOr(0)

	progress, err := p.cfg.Backend.RescanProgress()
	if err != nil {
		log.Errorf("Abandoning poll, could not query rescan "+
			"progress: %v", err)
		return false, nil
	}
	if progress.IsSome() {
		log.Debugf("Rescan progress: %.2f%%",
			progress.UnwrapOr(0)*100)
		update.RescanProgress = progress
		return true, nil
	}

	// The node finished scanning. Rewind the synchronization tip to the
	// last block before the rescan's start date: the deposits found by
	// the scan are folded in by the next passes as if they were new.
	rescanTip, err := p.cfg.Backend.BlockBeforeDate(timestamp)
	if err != nil {
		log.Errorf("Abandoning poll, could not look up the block "+
			"before the rescan date: %v", err)
		return false, nil
	}
	tip, err := p.cfg.Backend.GenesisBlock()
	if err != nil {
		log.Errorf("Abandoning poll, could not query the genesis "+
			"block: %v", err)
		return false, nil
	}
	tip = rescanTip.UnwrapOr(tip)

	log.Infof("Rescan from timestamp %d completed, resuming "+
		"synchronization from '%v'", timestamp, tip)
	update.CompleteRescan = true
	update.NewTip = &tip

	return true, nil
}

// commit applies the update and records the pass completion time.
func (p *Poller) commit(update *database.StateUpdate) error {
	if err := p.cfg.Store.Apply(update); err != nil {
		return fmt.Errorf("applying state update: %w", err)
	}

	p.mtx.Lock()
	p.lastTick = time.Now()
	p.mtx.Unlock()
	return nil
}
