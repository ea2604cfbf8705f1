// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/revault/minisafe/descriptor"
)

const (
	// minNodeVersion is the minimum bitcoind version we support. We rely
	// on gettxspendingprevout and the parent_descs field of
	// listsinceblock, both introduced in 24.0.
	minNodeVersion = 240000

	// defaultWatchonlyName is the name of the descriptor wallet we
	// create on bitcoind to watch the policy's addresses.
	defaultWatchonlyName = "minisafed_watchonly"
)

var (
	// ErrUnsupportedVersion is returned when the bitcoind node is too
	// old for us.
	ErrUnsupportedVersion = fmt.Errorf(
		"bitcoind version is too old, need at least %d",
		minNodeVersion)

	// ErrNetworkMismatch is returned when the bitcoind node runs on a
	// different network than the daemon is configured for.
	ErrNetworkMismatch = errors.New(
		"bitcoind is running on a different network")

	// ErrWatchonlyMissing is returned when the watchonly wallet does not
	// carry the descriptors of the configured policy.
	ErrWatchonlyMissing = errors.New(
		"watchonly wallet does not watch the configured policy")
)

// BitcoindConfig describes how to reach a bitcoind node's RPC interface.
type BitcoindConfig struct {
	// Host is the RPC address of the node, without scheme.
	Host string

	// User and Pass authenticate against the node. They are ignored if
	// CookiePath is set.
	User string
	Pass string

	// CookiePath is the path to the node's RPC cookie file.
	CookiePath string

	// WalletName overrides the name of the watchonly wallet.
	WalletName string

	Params *chaincfg.Params
}

// rawRequester is the part of rpcclient we consume. It is an interface so
// backend logic can be exercised against a fake node in tests.
type rawRequester interface {
	RawRequest(method string,
		params []json.RawMessage) (json.RawMessage, error)
}

// BitcoindBackend talks to a bitcoind node over its JSONRPC interface,
// using a watchonly descriptor wallet to recognize the policy's coins. It
// implements the chain.Interface contract.
type BitcoindBackend struct {
	node   rawRequester
	wallet rawRequester

	params     *chaincfg.Params
	walletName string
}

// A compile-time check that BitcoindBackend satisfies the Interface
// contract.
var _ Interface = (*BitcoindBackend)(nil)

// NewBitcoindBackend connects to bitcoind. Two RPC clients are maintained,
// one against the node itself and one against the watchonly wallet
// endpoint.
func NewBitcoindBackend(cfg *BitcoindConfig) (*BitcoindBackend, error) {
	walletName := cfg.WalletName
	if walletName == "" {
		walletName = defaultWatchonlyName
	}

	newClient := func(host string) (*rpcclient.Client, error) {
		return rpcclient.New(&rpcclient.ConnConfig{
			Host:         host,
			User:         cfg.User,
			Pass:         cfg.Pass,
			CookiePath:   cfg.CookiePath,
			HTTPPostMode: true,
			DisableTLS:   true,
		}, nil)
	}

	node, err := newClient(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("connecting to bitcoind: %w", err)
	}
	wallet, err := newClient(cfg.Host + "/wallet/" + walletName)
	if err != nil {
		return nil, fmt.Errorf("connecting to watchonly wallet: %w",
			err)
	}

	return &BitcoindBackend{
		node:       node,
		wallet:     wallet,
		params:     cfg.Params,
		walletName: walletName,
	}, nil
}

// call performs an RPC with Go-native parameters against the given
// endpoint.
func call(r rawRequester, result interface{}, method string,
	params ...interface{}) error {

	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return err
		}
		rawParams = append(rawParams, raw)
	}

	resp, err := r.RawRequest(method, rawParams)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp, result); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	return nil
}

// rpcErrCode extracts the JSONRPC error code from an error, if any.
func rpcErrCode(err error) (btcjson.RPCErrorCode, bool) {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}

type blockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int32   `json:"blocks"`
	Headers              int32   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	VerificationProgress float64 `json:"verificationprogress"`
}

func (b *BitcoindBackend) blockchainInfo() (*blockchainInfo, error) {
	var info blockchainInfo
	if err := call(b.node, &info, "getblockchaininfo"); err != nil {
		return nil, err
	}
	return &info, nil
}

type blockHeaderInfo struct {
	Hash          chainhash.Hash
	Confirmations int64
	Height        int32
	Time          uint32
	PreviousHash  fn.Option[chainhash.Hash]
}

func (b *BitcoindBackend) blockHeader(
	hash chainhash.Hash) (fn.Option[blockHeaderInfo], error) {

	var res struct {
		Confirmations     int64  `json:"confirmations"`
		Height            int32  `json:"height"`
		Time              uint32 `json:"time"`
		PreviousBlockHash string `json:"previousblockhash"`
	}
	err := call(b.node, &res, "getblockheader", hash.String())
	if err != nil {
		if code, ok := rpcErrCode(err); ok &&
			code == btcjson.ErrRPCInvalidAddressOrKey {

			return fn.None[blockHeaderInfo](), nil
		}
		return fn.None[blockHeaderInfo](), err
	}

	info := blockHeaderInfo{
		Hash:          hash,
		Confirmations: res.Confirmations,
		Height:        res.Height,
		Time:          res.Time,
	}
	if res.PreviousBlockHash != "" {
		prev, err := chainhash.NewHashFromStr(res.PreviousBlockHash)
		if err != nil {
			return fn.None[blockHeaderInfo](), err
		}
		info.PreviousHash = fn.Some(*prev)
	}
	return fn.Some(info), nil
}

func (b *BitcoindBackend) blockHashAtHeight(
	height int32) (fn.Option[chainhash.Hash], error) {

	var hashStr string
	err := call(b.node, &hashStr, "getblockhash", height)
	if err != nil {
		if code, ok := rpcErrCode(err); ok &&
			code == btcjson.ErrRPCInvalidParameter {

			return fn.None[chainhash.Hash](), nil
		}
		return fn.None[chainhash.Hash](), err
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}
	return fn.Some(*hash), nil
}

// ChainTip returns the node's best block.
func (b *BitcoindBackend) ChainTip() (BlockChainTip, error) {
	info, err := b.blockchainInfo()
	if err != nil {
		return BlockChainTip{}, err
	}
	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return BlockChainTip{}, err
	}
	return BlockChainTip{Hash: *hash, Height: info.Blocks}, nil
}

// GenesisBlock returns the first block of the chain.
func (b *BitcoindBackend) GenesisBlock() (BlockChainTip, error) {
	hash, err := b.blockHashAtHeight(0)
	if err != nil {
		return BlockChainTip{}, err
	}
	genesis, err := hash.UnwrapOrErr(errors.New(
		"genesis block hash must always be there"))
	if err != nil {
		return BlockChainTip{}, err
	}
	return BlockChainTip{Hash: genesis, Height: 0}, nil
}

// TipTime returns the timestamp of the best block's header.
func (b *BitcoindBackend) TipTime() (fn.Option[uint32], error) {
	tip, err := b.ChainTip()
	if err != nil {
		return fn.None[uint32](), err
	}
	header, err := b.blockHeader(tip.Hash)
	if err != nil {
		return fn.None[uint32](), err
	}
	return fn.MapOption(func(h blockHeaderInfo) uint32 {
		return h.Time
	})(header), nil
}

// SyncProgress returns the node's verification progress, rounded up to a
// percentage between 0 and 1.
func (b *BitcoindBackend) SyncProgress() (SyncProgress, error) {
	info, err := b.blockchainInfo()
	if err != nil {
		return SyncProgress{}, err
	}

	// Round up to the fourth decimal so a long-synced node reports a
	// clean 100%.
	progress := float64(int(info.VerificationProgress*10000)+1) / 10000
	if progress > 1.0 {
		progress = 1.0
	}
	return SyncProgress{
		Percentage: progress,
		Headers:    info.Headers,
		Blocks:     info.Blocks,
	}, nil
}

// IsInChain returns whether the given former tip is still part of the best
// chain.
func (b *BitcoindBackend) IsInChain(tip BlockChainTip) (bool, error) {
	hash, err := b.blockHashAtHeight(tip.Height)
	if err != nil {
		return false, err
	}
	return hash.UnwrapOr(chainhash.Hash{}) == tip.Hash, nil
}

// CommonAncestor walks backwards from the given former tip while it is not
// part of the best chain, returning the first ancestor that is.
func (b *BitcoindBackend) CommonAncestor(
	tip BlockChainTip) (fn.Option[BlockChainTip], error) {

	headerOpt, err := b.blockHeader(tip.Hash)
	if err != nil {
		return fn.None[BlockChainTip](), err
	}
	if headerOpt.IsNone() {
		return fn.None[BlockChainTip](), nil
	}
	info := headerOpt.UnwrapOr(blockHeaderInfo{})

	// A header with -1 confirmations is not part of the best chain.
	for info.Confirmations == -1 {
		if info.PreviousHash.IsNone() {
			return fn.None[BlockChainTip](), nil
		}
		prev := info.PreviousHash.UnwrapOr(chainhash.Hash{})

		headerOpt, err = b.blockHeader(prev)
		if err != nil {
			return fn.None[BlockChainTip](), err
		}
		if headerOpt.IsNone() {
			return fn.None[BlockChainTip](), nil
		}
		info = headerOpt.UnwrapOr(blockHeaderInfo{})
	}

	return fn.Some(BlockChainTip{
		Hash:   info.Hash,
		Height: info.Height,
	}), nil
}

// lsbEntry is a single entry of a listsinceblock result.
type lsbEntry struct {
	Txid        string   `json:"txid"`
	Vout        uint32   `json:"vout"`
	Address     string   `json:"address"`
	Category    string   `json:"category"`
	Amount      float64  `json:"amount"`
	BlockHeight *int32   `json:"blockheight"`
	ParentDescs []string `json:"parent_descs"`
}

// ReceivedCoins lists the deposits to addresses of the given single-path
// descriptors observed since the given tip.
func (b *BitcoindBackend) ReceivedCoins(tip BlockChainTip,
	descs []descriptor.SinglePathDescriptor) ([]UTxO, error) {

	var res struct {
		Transactions []lsbEntry `json:"transactions"`
	}
	err := call(b.wallet, &res, "listsinceblock", tip.Hash.String(), 1,
		true, false)
	if err != nil {
		return nil, err
	}
	log.Tracef("listsinceblock since %v: %v", tip,
		newLogClosure(func() string { return spew.Sdump(res) }))

	wanted := make(map[string]struct{}, len(descs))
	for _, desc := range descs {
		wanted[desc.BitcoindDescriptor()] = struct{}{}
	}

	var utxos []UTxO
	for _, entry := range res.Transactions {
		switch entry.Category {
		case "receive", "generate", "immature":
		default:
			continue
		}
		if !parentDescsMatch(entry.ParentDescs, wanted) {
			continue
		}

		txid, err := chainhash.NewHashFromStr(entry.Txid)
		if err != nil {
			return nil, err
		}
		amount, err := btcutil.NewAmount(entry.Amount)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.DecodeAddress(entry.Address, b.params)
		if err != nil {
			return nil, fmt.Errorf("decoding address '%s': %w",
				entry.Address, err)
		}

		utxo := UTxO{
			OutPoint: wire.OutPoint{
				Hash:  *txid,
				Index: entry.Vout,
			},
			Amount:     amount,
			Address:    addr,
			IsImmature: entry.Category == "immature",
		}
		if entry.BlockHeight != nil {
			utxo.BlockHeight = fn.Some(*entry.BlockHeight)
		}
		utxos = append(utxos, utxo)
	}

	return utxos, nil
}

// parentDescsMatch reports whether any of the parent descriptors, stripped
// of their checksum, belongs to the wanted set.
func parentDescsMatch(parents []string, wanted map[string]struct{}) bool {
	for _, parent := range parents {
		if idx := strings.LastIndexByte(parent, '#'); idx >= 0 {
			parent = parent[:idx]
		}
		if _, ok := wanted[parent]; ok {
			return true
		}
	}
	return false
}

// ConfirmedCoins reports which previously-unconfirmed coins now have a
// confirming block, withholding immature coinbase deposits, and which were
// dropped from the mempool and must be treated as expired.
func (b *BitcoindBackend) ConfirmedCoins(
	outpoints []wire.OutPoint) ([]ConfirmedCoin, []wire.OutPoint, error) {

	confirmed := make([]ConfirmedCoin, 0, len(outpoints))
	var expired []wire.OutPoint
	txGetter := newCachedTxGetter(b)

	for _, op := range outpoints {
		res, err := txGetter.getTransaction(op.Hash)
		if err != nil {
			return nil, nil, err
		}
		tx, ok := res.get()
		if !ok {
			log.Errorf("Transaction not in wallet for coin '%s'",
				op)
			continue
		}

		if tx.block != nil {
			// Do not mark immature coinbase deposits as confirmed
			// until they become mature.
			if tx.isCoinbase &&
				tx.confirmations < CoinbaseMaturity {

				log.Debugf("Coin at '%s' comes from an "+
					"immature coinbase transaction with "+
					"%d confirmations, not marking as "+
					"confirmed for now", op,
					tx.confirmations)
				continue
			}
			confirmed = append(confirmed, ConfirmedCoin{
				OutPoint: op,
				Height:   tx.block.Height,
				Time:     tx.block.Time,
			})
			continue
		}

		// If the deposit transaction was dropped from the mempool,
		// the coin expired.
		inMempool, err := b.isInMempool(op.Hash)
		if err != nil {
			return nil, nil, err
		}
		if !inMempool {
			expired = append(expired, op)
		}
	}

	return confirmed, expired, nil
}

// SpendingCoins reports which of the given coins now have a known spending
// transaction.
func (b *BitcoindBackend) SpendingCoins(
	outpoints []wire.OutPoint) ([]SpendingCoin, error) {

	spenders, err := b.txSpendingPrevout(outpoints)
	if err != nil {
		return nil, err
	}

	spending := make([]SpendingCoin, 0, len(spenders))
	for op, txid := range spenders {
		spending = append(spending, SpendingCoin{
			OutPoint:  op,
			SpendTxid: txid,
		})
	}
	// Map iteration order is random; keep the result deterministic for
	// callers and tests.
	sort.Slice(spending, func(i, j int) bool {
		opA, opB := spending[i].OutPoint, spending[j].OutPoint
		if opA.Hash != opB.Hash {
			return bytes.Compare(opA.Hash[:], opB.Hash[:]) < 0
		}
		return opA.Index < opB.Index
	})
	return spending, nil
}

// SpentCoins reports which recorded spends are now confirmed, following
// conflicting-transaction substitution, and which spending transactions
// disappeared from the mempool without a confirmed conflict.
func (b *BitcoindBackend) SpentCoins(
	spends []SpendingCoin) ([]SpentCoin, []wire.OutPoint, error) {

	txGetter := newCachedTxGetter(b)
	return resolveSpentCoins(txGetter, b, spends)
}

// mempoolProber is the mempool part of the backend consumed by the spend
// resolution, split out so it can be faked in tests.
type mempoolProber interface {
	isInMempool(txid chainhash.Hash) (bool, error)
}

// resolveSpentCoins contains the actual spend-settlement logic of
// SpentCoins. If the recorded spender is not confirmed, its known
// conflicting transactions are searched for a confirmed one that spends
// the exact same outpoint, in which case it replaces the recorded spender.
func resolveSpentCoins(txGetter *cachedTxGetter, mempool mempoolProber,
	spends []SpendingCoin) ([]SpentCoin, []wire.OutPoint, error) {

	spent := make([]SpentCoin, 0, len(spends))
	var expired []wire.OutPoint

	for _, spend := range spends {
		res, err := txGetter.getTransaction(spend.SpendTxid)
		if err != nil {
			return nil, nil, err
		}
		tx, ok := res.get()
		if !ok {
			log.Errorf("Could not get tx %s spending coin %s",
				spend.SpendTxid, spend.OutPoint)
			continue
		}

		// The recorded spender confirmed.
		if tx.block != nil {
			spent = append(spent, SpentCoin{
				OutPoint:  spend.OutPoint,
				SpendTxid: spend.SpendTxid,
				Block:     *tx.block,
			})
			continue
		}

		// If a conflicting transaction confirmed instead, and it does
		// actually spend this coin, substitute it as the canonical
		// spender. Being a wallet conflict isn't enough: a conflict
		// may spend a different set of coins.
		conflict, err := findConfirmedConflict(txGetter, tx.conflicts,
			spend.OutPoint)
		if err != nil {
			return nil, nil, err
		}
		if conflict != nil {
			spent = append(spent, *conflict)
			continue
		}

		// No confirmed spender at all. If the recorded one also left
		// the mempool, consider the spend dropped.
		inMempool, err := mempool.isInMempool(spend.SpendTxid)
		if err != nil {
			return nil, nil, err
		}
		if !inMempool {
			expired = append(expired, spend.OutPoint)
		}
	}

	return spent, expired, nil
}

// findConfirmedConflict scans the conflicting transactions for a confirmed
// one spending the given outpoint. More than one confirmed conflict for a
// single outpoint should be impossible on a single chain; if it happens the
// first one found wins and a warning is logged.
func findConfirmedConflict(txGetter *cachedTxGetter,
	conflicts []chainhash.Hash, op wire.OutPoint) (*SpentCoin, error) {

	var found *SpentCoin
	for _, txid := range conflicts {
		res, err := txGetter.getTransaction(txid)
		if err != nil {
			return nil, err
		}
		tx, ok := res.get()
		if !ok || tx.block == nil {
			continue
		}
		spendsCoin := false
		for _, txIn := range tx.tx.TxIn {
			if txIn.PreviousOutPoint == op {
				spendsCoin = true
				break
			}
		}
		if !spendsCoin {
			continue
		}
		if found != nil {
			log.Warnf("Multiple confirmed conflicts spend coin "+
				"%s: keeping %s, ignoring %s", op,
				found.SpendTxid, txid)
			continue
		}
		found = &SpentCoin{
			OutPoint:  op,
			SpendTxid: txid,
			Block:     *tx.block,
		}
	}
	return found, nil
}

// BroadcastTx submits the transaction to the network through the node. A
// transaction already in the chain is not an error.
func (b *BitcoindBackend) BroadcastTx(tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	var txid string
	err := call(b.node, &txid, "sendrawtransaction",
		hex.EncodeToString(buf.Bytes()))
	if err != nil {
		if code, ok := rpcErrCode(err); ok &&
			code == btcjson.ErrRPCTxAlreadyInChain {

			return nil
		}
		return err
	}
	return nil
}

// StartRescan triggers a blockchain rescan on the watchonly wallet for the
// policy's descriptors since the given date.
func (b *BitcoindBackend) StartRescan(policy *descriptor.Policy,
	timestamp uint32) error {

	return b.importDescriptors(policy, int64(timestamp))
}

// RescanProgress returns the progress of an ongoing watchonly wallet scan.
func (b *BitcoindBackend) RescanProgress() (fn.Option[float64], error) {
	var res struct {
		Scanning json.RawMessage `json:"scanning"`
	}
	if err := call(b.wallet, &res, "getwalletinfo"); err != nil {
		return fn.None[float64](), err
	}

	// The field is `false` when no scan is in progress, and an object
	// with the progress otherwise.
	var scanning struct {
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(res.Scanning, &scanning); err != nil {
		return fn.None[float64](), nil
	}
	return fn.Some(scanning.Progress), nil
}

// BlockBeforeDate looks up the last block with a timestamp strictly below
// the given one through a binary search over the chain.
func (b *BitcoindBackend) BlockBeforeDate(
	timestamp uint32) (fn.Option[BlockChainTip], error) {

	tip, err := b.ChainTip()
	if err != nil {
		return fn.None[BlockChainTip](), err
	}

	timeAt := func(height int32) (uint32, chainhash.Hash, error) {
		hashOpt, err := b.blockHashAtHeight(height)
		if err != nil {
			return 0, chainhash.Hash{}, err
		}
		hash, err := hashOpt.UnwrapOrErr(fmt.Errorf(
			"no block at height %d", height))
		if err != nil {
			return 0, chainhash.Hash{}, err
		}
		headerOpt, err := b.blockHeader(hash)
		if err != nil {
			return 0, chainhash.Hash{}, err
		}
		header, err := headerOpt.UnwrapOrErr(fmt.Errorf(
			"no header for block %s", hash))
		if err != nil {
			return 0, chainhash.Hash{}, err
		}
		return header.Time, hash, nil
	}

	genesisTime, genesisHash, err := timeAt(0)
	if err != nil {
		return fn.None[BlockChainTip](), err
	}
	if genesisTime >= timestamp {
		return fn.None[BlockChainTip](), nil
	}

	// Invariant: the block at lo has a timestamp below the target.
	lo, hi := int32(0), tip.Height
	best := BlockChainTip{Hash: genesisHash, Height: 0}
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		blockTime, hash, err := timeAt(mid)
		if err != nil {
			return fn.None[BlockChainTip](), err
		}
		if blockTime < timestamp {
			best = BlockChainTip{Hash: hash, Height: mid}
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return fn.Some(best), nil
}

// MempoolSpenders returns the details of the unconfirmed transactions
// spending any of these outpoints.
func (b *BitcoindBackend) MempoolSpenders(
	outpoints []wire.OutPoint) ([]MempoolEntry, error) {

	spenders, err := b.txSpendingPrevout(outpoints)
	if err != nil {
		return nil, err
	}

	seen := make(map[chainhash.Hash]struct{}, len(spenders))
	var entries []MempoolEntry
	for _, txid := range spenders {
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}

		entry, err := b.mempoolEntry(txid)
		if err != nil {
			return nil, err
		}
		entry.WhenSome(func(e MempoolEntry) {
			entries = append(entries, e)
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Txid[:],
			entries[j].Txid[:]) < 0
	})
	return entries, nil
}

// WalletTransaction returns a transaction related to the watchonly wallet
// along with its confirmation info, if the node knows about it.
func (b *BitcoindBackend) WalletTransaction(
	txid chainhash.Hash) (fn.Option[WalletTx], error) {

	res, err := b.getTransaction(txid)
	if err != nil {
		return fn.None[WalletTx](), err
	}
	tx, ok := res.get()
	if !ok {
		return fn.None[WalletTx](), nil
	}

	walletTx := WalletTx{Tx: tx.tx}
	if tx.block != nil {
		walletTx.Block = fn.Some(*tx.block)
	}
	return fn.Some(walletTx), nil
}

// walletTxInfo is a gettransaction result, reduced to what we consume.
type walletTxInfo struct {
	tx            *wire.MsgTx
	block         *Block
	conflicts     []chainhash.Hash
	isCoinbase    bool
	confirmations int64
}

// walletTxResult distinguishes "not a wallet transaction" from a present
// result.
type walletTxResult struct {
	info *walletTxInfo
}

func (r walletTxResult) get() (*walletTxInfo, bool) {
	return r.info, r.info != nil
}

func (b *BitcoindBackend) getTransaction(
	txid chainhash.Hash) (walletTxResult, error) {

	var res struct {
		Hex             string   `json:"hex"`
		Confirmations   int64    `json:"confirmations"`
		Generated       bool     `json:"generated"`
		BlockHash       string   `json:"blockhash"`
		BlockHeight     int32    `json:"blockheight"`
		BlockTime       uint32   `json:"blocktime"`
		WalletConflicts []string `json:"walletconflicts"`
	}
	err := call(b.wallet, &res, "gettransaction", txid.String())
	if err != nil {
		if code, ok := rpcErrCode(err); ok &&
			code == btcjson.ErrRPCInvalidAddressOrKey {

			return walletTxResult{}, nil
		}
		return walletTxResult{}, err
	}

	rawTx, err := hex.DecodeString(res.Hex)
	if err != nil {
		return walletTxResult{}, err
	}
	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return walletTxResult{}, err
	}

	info := &walletTxInfo{
		tx:            msgTx,
		isCoinbase:    res.Generated,
		confirmations: res.Confirmations,
	}
	if res.BlockHash != "" && res.Confirmations > 0 {
		hash, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return walletTxResult{}, err
		}
		info.block = &Block{
			Hash:   *hash,
			Height: res.BlockHeight,
			Time:   res.BlockTime,
		}
	}
	for _, conflict := range res.WalletConflicts {
		hash, err := chainhash.NewHashFromStr(conflict)
		if err != nil {
			return walletTxResult{}, err
		}
		info.conflicts = append(info.conflicts, *hash)
	}

	return walletTxResult{info: info}, nil
}

func (b *BitcoindBackend) isInMempool(txid chainhash.Hash) (bool, error) {
	err := call(b.node, nil, "getmempoolentry", txid.String())
	if err != nil {
		if code, ok := rpcErrCode(err); ok &&
			code == btcjson.ErrRPCInvalidAddressOrKey {

			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *BitcoindBackend) mempoolEntry(
	txid chainhash.Hash) (fn.Option[MempoolEntry], error) {

	var res struct {
		Vsize        uint64 `json:"vsize"`
		AncestorSize uint64 `json:"ancestorsize"`
		Fees         struct {
			Base     float64 `json:"base"`
			Ancestor float64 `json:"ancestor"`
		} `json:"fees"`
	}
	err := call(b.node, &res, "getmempoolentry", txid.String())
	if err != nil {
		if code, ok := rpcErrCode(err); ok &&
			code == btcjson.ErrRPCInvalidAddressOrKey {

			return fn.None[MempoolEntry](), nil
		}
		return fn.None[MempoolEntry](), err
	}

	fee, err := btcutil.NewAmount(res.Fees.Base)
	if err != nil {
		return fn.None[MempoolEntry](), err
	}
	ancestorFee, err := btcutil.NewAmount(res.Fees.Ancestor)
	if err != nil {
		return fn.None[MempoolEntry](), err
	}
	return fn.Some(MempoolEntry{
		Txid:          txid,
		Vsize:         res.Vsize,
		Fee:           fee,
		AncestorVsize: res.AncestorSize,
		AncestorFee:   ancestorFee,
	}), nil
}

// txSpendingPrevout returns, for each given outpoint with a known spender,
// the txid of the spending transaction.
func (b *BitcoindBackend) txSpendingPrevout(
	outpoints []wire.OutPoint) (map[wire.OutPoint]chainhash.Hash, error) {

	if len(outpoints) == 0 {
		return nil, nil
	}

	type prevout struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	}
	prevouts := make([]prevout, 0, len(outpoints))
	for _, op := range outpoints {
		prevouts = append(prevouts, prevout{
			Txid: op.Hash.String(),
			Vout: op.Index,
		})
	}

	var res []struct {
		Txid         string `json:"txid"`
		Vout         uint32 `json:"vout"`
		SpendingTxid string `json:"spendingtxid"`
	}
	err := call(b.wallet, &res, "gettxspendingprevout", prevouts)
	if err != nil {
		return nil, err
	}

	spenders := make(map[wire.OutPoint]chainhash.Hash)
	for _, entry := range res {
		if entry.SpendingTxid == "" {
			continue
		}
		txid, err := chainhash.NewHashFromStr(entry.Txid)
		if err != nil {
			return nil, err
		}
		spendingTxid, err := chainhash.NewHashFromStr(
			entry.SpendingTxid)
		if err != nil {
			return nil, err
		}
		op := wire.OutPoint{Hash: *txid, Index: entry.Vout}
		spenders[op] = *spendingTxid
	}

	return spenders, nil
}

// NodeSanityChecks verifies the node is recent enough and runs on the
// expected network.
func (b *BitcoindBackend) NodeSanityChecks() error {
	var netInfo struct {
		Version int64 `json:"version"`
	}
	if err := call(b.node, &netInfo, "getnetworkinfo"); err != nil {
		return err
	}
	if netInfo.Version < minNodeVersion {
		return fmt.Errorf("%w: node runs %d", ErrUnsupportedVersion,
			netInfo.Version)
	}

	info, err := b.blockchainInfo()
	if err != nil {
		return err
	}
	if info.Chain != b.params.Name &&
		!(info.Chain == "main" && b.params.Name == "mainnet") &&
		!(info.Chain == "test" && b.params.Name == "testnet3") {

		return fmt.Errorf("%w: node is on '%s', daemon configured "+
			"for '%s'", ErrNetworkMismatch, info.Chain,
			b.params.Name)
	}

	return nil
}

// CreateWatchonlyWallet creates the descriptor wallet on bitcoind and
// imports the policy's receive and change descriptors with the given birth
// date.
func (b *BitcoindBackend) CreateWatchonlyWallet(policy *descriptor.Policy,
	birthdate time.Time) error {

	// createwallet(name, disable_private_keys, blank, passphrase,
	// avoid_reuse, descriptors, load_on_startup)
	var res struct {
		Name string `json:"name"`
	}
	err := call(b.node, &res, "createwallet", b.walletName, true, true,
		"", false, true, true)
	if err != nil {
		return err
	}

	return b.importDescriptors(policy, birthdate.Unix())
}

func (b *BitcoindBackend) importDescriptors(policy *descriptor.Policy,
	timestamp int64) error {

	type request struct {
		Desc      string `json:"desc"`
		Timestamp int64  `json:"timestamp"`
		Active    bool   `json:"active"`
		Internal  bool   `json:"internal"`
		Range     int64  `json:"range"`
	}

	requests := make([]request, 0, 2)
	for _, desc := range policy.SinglePathDescriptors() {
		body := desc.BitcoindDescriptor()
		sum, err := descriptor.Checksum(body)
		if err != nil {
			return err
		}
		requests = append(requests, request{
			Desc:      body + "#" + sum,
			Timestamp: timestamp,
			Internal:  desc.IsChange(),
			Range:     10_000,
		})
	}

	var res []struct {
		Success bool              `json:"success"`
		Error   *btcjson.RPCError `json:"error"`
	}
	err := call(b.wallet, &res, "importdescriptors", requests)
	if err != nil {
		return err
	}
	for _, imported := range res {
		if !imported.Success {
			return fmt.Errorf("importing descriptor: %v",
				imported.Error)
		}
	}
	return nil
}

// MaybeLoadWallet loads the watchonly wallet on bitcoind if it isn't
// already.
func (b *BitcoindBackend) MaybeLoadWallet() error {
	var wallets []string
	if err := call(b.node, &wallets, "listwallets"); err != nil {
		return err
	}
	for _, name := range wallets {
		if name == b.walletName {
			return nil
		}
	}

	return call(b.node, nil, "loadwallet", b.walletName)
}

// WalletSanityChecks verifies the watchonly wallet watches the configured
// policy's descriptors.
func (b *BitcoindBackend) WalletSanityChecks(
	policy *descriptor.Policy) error {

	var res struct {
		Descriptors []struct {
			Desc string `json:"desc"`
		} `json:"descriptors"`
	}
	if err := call(b.wallet, &res, "listdescriptors"); err != nil {
		return err
	}

	imported := make(map[string]struct{}, len(res.Descriptors))
	for _, entry := range res.Descriptors {
		body := entry.Desc
		if idx := strings.LastIndexByte(body, '#'); idx >= 0 {
			body = body[:idx]
		}
		imported[body] = struct{}{}
	}
	for _, desc := range policy.SinglePathDescriptors() {
		if _, ok := imported[desc.BitcoindDescriptor()]; !ok {
			return ErrWatchonlyMissing
		}
	}
	return nil
}
