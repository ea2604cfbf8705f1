// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// txGetter fetches a wallet transaction by txid.
type txGetter interface {
	getTransaction(txid chainhash.Hash) (walletTxResult, error)
}

// cachedTxGetter memoizes gettransaction results for the duration of a
// single poll step. The same deposit or spend transaction often backs
// several coins, and the conflict resolution may fetch the same candidate
// repeatedly.
type cachedTxGetter struct {
	source txGetter
	cache  map[chainhash.Hash]walletTxResult
}

func newCachedTxGetter(source txGetter) *cachedTxGetter {
	return &cachedTxGetter{
		source: source,
		cache:  make(map[chainhash.Hash]walletTxResult),
	}
}

func (g *cachedTxGetter) getTransaction(
	txid chainhash.Hash) (walletTxResult, error) {

	if res, ok := g.cache[txid]; ok {
		return res, nil
	}
	res, err := g.source.getTransaction(txid)
	if err != nil {
		return walletTxResult{}, err
	}
	g.cache[txid] = res
	return res, nil
}
