// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package minisafe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/revault/minisafe/database"
	"github.com/revault/minisafe/descriptor"
)

const (
	// dustOutputSats is the minimum value for any output we create.
	dustOutputSats = btcutil.Amount(5_000)

	// spendTxVersion is the transaction version of created spends. The
	// recovery paths rely on OP_CHECKSEQUENCEVERIFY, which requires v2.
	spendTxVersion = 2

	// rbfSequence opts created spends into replace-by-fee.
	rbfSequence = wire.MaxTxInSequenceNum - 2
)

var (
	// ErrNoDestination is returned when creating a spend paying nobody.
	ErrNoDestination = errors.New("no destination for spend")

	// ErrInvalidFeeRate is returned for a zero feerate.
	ErrInvalidFeeRate = errors.New("feerate must be at least 1 sat/vb")

	// ErrDustOutput is returned when a destination amount is below the
	// dust threshold.
	ErrDustOutput = fmt.Errorf("output amount below the dust "+
		"threshold of %d sats", dustOutputSats)

	// ErrCoinNotSpendable is returned when an explicitly selected coin
	// is not a mature confirmed unspent coin.
	ErrCoinNotSpendable = errors.New(
		"coin is not a confirmed, mature, unspent coin")

	// ErrInsufficientFunds is returned when the spendable coins do not
	// cover the destinations plus the fee.
	ErrInsufficientFunds = errors.New("not enough spendable coins to " +
		"cover the destinations and the fee")

	// ErrSpendNotSigned is returned when finalizing a spend transaction
	// missing signatures for its primary path.
	ErrSpendNotSigned = errors.New(
		"spend transaction is missing primary path signatures")
)

// SpendDestination is a payment made by a spend transaction.
type SpendDestination struct {
	Address btcutil.Address
	Amount  btcutil.Amount
}

// spendInput couples a coin with its derived spending information.
type spendInput struct {
	coin    database.Coin
	derived *descriptor.DerivedPath
}

// CreateSpend creates a PSBT paying the given destinations at the given
// feerate, in sats per virtual byte. If outpoints are given, exactly these
// coins fund the transaction; otherwise mature confirmed coins are
// selected, largest first. A change output to our own change chain is
// appended unless it would be dust. The packet is returned to be signed,
// it is not stored nor broadcast.
func (d *Daemon) CreateSpend(destinations []SpendDestination,
	outpoints []wire.OutPoint, feeRateVb uint64) (*psbt.Packet, error) {

	if len(destinations) == 0 {
		return nil, ErrNoDestination
	}
	if feeRateVb == 0 {
		return nil, ErrInvalidFeeRate
	}

	var outValue btcutil.Amount
	txOuts := make([]*wire.TxOut, 0, len(destinations)+1)
	for _, dest := range destinations {
		if dest.Amount < dustOutputSats {
			return nil, fmt.Errorf("%w: %v to %s", ErrDustOutput,
				dest.Amount, dest.Address)
		}
		pkScript, err := txscript.PayToAddrScript(dest.Address)
		if err != nil {
			return nil, err
		}
		txOuts = append(txOuts, wire.NewTxOut(int64(dest.Amount),
			pkScript))
		outValue += dest.Amount
	}

	var (
		inputs []spendInput
		err    error
	)
	if len(outpoints) > 0 {
		inputs, err = d.fundWithCoins(outpoints)
	} else {
		inputs, err = d.selectCoins(outValue, txOuts, feeRateVb)
	}
	if err != nil {
		return nil, err
	}

	var inValue btcutil.Amount
	for _, input := range inputs {
		inValue += input.coin.Amount
	}

	// Give the surplus back to our change chain, unless it would be
	// dust. Fees absorb dusty change.
	fee := btcutil.Amount(
		estimateVsize(d.policy, inputs, txOuts) * feeRateVb)
	if inValue < outValue+fee {
		return nil, fmt.Errorf("%w: have %v, need %v",
			ErrInsufficientFunds, inValue, outValue+fee)
	}

	changeIndex, err := d.store.ChangeIndex()
	if err != nil {
		return nil, err
	}
	changeDesc := d.policy.ChangeDescriptor()
	changeDerived, err := changeDesc.Derive(changeIndex, d.params)
	if err != nil {
		return nil, err
	}
	withChange := append(append([]*wire.TxOut{}, txOuts...),
		wire.NewTxOut(0, changeDerived.PkScript))
	feeWithChange := btcutil.Amount(
		estimateVsize(d.policy, inputs, withChange) * feeRateVb)

	change := inValue - outValue - feeWithChange
	if change >= dustOutputSats {
		txOuts = append(txOuts, wire.NewTxOut(int64(change),
			changeDerived.PkScript))
		err = d.store.Apply(&database.StateUpdate{
			ChangeIndex: fn.Some(changeIndex + 1),
		})
		if err != nil {
			return nil, err
		}
		log.Debugf("Spend gets a change output of %v at index %d",
			change, changeIndex)
	}

	unsignedTx := wire.NewMsgTx(spendTxVersion)
	for _, input := range inputs {
		unsignedTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: input.coin.OutPoint,
			Sequence:         rbfSequence,
		})
	}
	for _, txOut := range txOuts {
		unsignedTx.AddTxOut(txOut)
	}

	packet, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return nil, err
	}
	for i, input := range inputs {
		err := d.fillPsbtInput(&packet.Inputs[i], input)
		if err != nil {
			return nil, err
		}
	}

	log.Infof("Created spend transaction '%s' spending %d coin(s) "+
		"for %v at %d sat/vb", unsignedTx.TxHash(), len(inputs),
		outValue, feeRateVb)
	return packet, nil
}

// fundWithCoins resolves explicitly selected coins, requiring each to be
// mature, confirmed and unspent.
func (d *Daemon) fundWithCoins(
	outpoints []wire.OutPoint) ([]spendInput, error) {

	byOutpoint, err := d.store.CoinsByOutPoints(outpoints)
	if err != nil {
		return nil, err
	}

	inputs := make([]spendInput, 0, len(outpoints))
	for _, op := range outpoints {
		coin, ok := byOutpoint[op]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOutpoint,
				op)
		}
		if coin.Status() != database.StatusConfirmed ||
			coin.IsImmature {

			return nil, fmt.Errorf("%w: %s", ErrCoinNotSpendable,
				op)
		}
		derived, err := d.deriveCoin(coin)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, spendInput{
			coin:    coin,
			derived: derived,
		})
	}
	return inputs, nil
}

// selectCoins picks mature confirmed coins, largest first, until they
// cover the destinations plus the fee at the given feerate.
func (d *Daemon) selectCoins(outValue btcutil.Amount, txOuts []*wire.TxOut,
	feeRateVb uint64) ([]spendInput, error) {

	coins, err := d.store.Coins(database.StatusConfirmed)
	if err != nil {
		return nil, err
	}
	candidates := coins[:0]
	for _, coin := range coins {
		if !coin.IsImmature {
			candidates = append(candidates, coin)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Amount > candidates[j].Amount
	})

	var (
		inputs  []spendInput
		inValue btcutil.Amount
	)
	for _, coin := range candidates {
		derived, err := d.deriveCoin(coin)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, spendInput{
			coin:    coin,
			derived: derived,
		})
		inValue += coin.Amount

		fee := btcutil.Amount(
			estimateVsize(d.policy, inputs, txOuts) * feeRateVb)
		if inValue >= outValue+fee {
			return inputs, nil
		}
	}

	return nil, fmt.Errorf("%w: have %v spendable, need %v plus fees",
		ErrInsufficientFunds, inValue, outValue)
}

// deriveCoin recomputes the spending information of a tracked coin from
// its derivation index and chain.
func (d *Daemon) deriveCoin(
	coin database.Coin) (*descriptor.DerivedPath, error) {

	desc := d.policy.ReceiveDescriptor()
	if coin.IsChange {
		desc = d.policy.ChangeDescriptor()
	}
	return desc.Derive(coin.DerivationIndex, d.params)
}

// fillPsbtInput populates a PSBT input with everything a signing device
// needs: the spent output, the spending scripts and the derivation of
// every key able to sign, across all spending paths.
func (d *Daemon) fillPsbtInput(in *psbt.PInput, input spendInput) error {
	in.WitnessUtxo = wire.NewTxOut(int64(input.coin.Amount),
		input.derived.PkScript)

	chainIndex := descriptor.ReceiveChain
	if input.coin.IsChange {
		chainIndex = descriptor.ChangeChain
	}
	path := []uint32{chainIndex, input.coin.DerivationIndex}

	if d.policy.Form == descriptor.Taproot {
		return fillTaprootInput(in, d.policy, input.derived, path)
	}
	return fillWitnessInput(in, d.policy, input.derived, path)
}

func fillWitnessInput(in *psbt.PInput, policy *descriptor.Policy,
	derived *descriptor.DerivedPath, path []uint32) error {

	in.WitnessScript = derived.WitnessScript

	seen := make(map[string]struct{})
	forEachPolicyKey(policy, derived, func(key descriptor.Key,
		pubKey []byte) {

		if _, ok := seen[string(pubKey)]; ok {
			return
		}
		seen[string(pubKey)] = struct{}{}
		in.Bip32Derivation = append(in.Bip32Derivation,
			&psbt.Bip32Derivation{
				PubKey:               pubKey,
				MasterKeyFingerprint: keyFingerprint(key),
				Bip32Path:            path,
			})
	})
	return nil
}

func fillTaprootInput(in *psbt.PInput, policy *descriptor.Policy,
	derived *descriptor.DerivedPath, path []uint32) error {

	in.TaprootInternalKey = schnorr.SerializePubKey(
		derived.TapInternalKey)

	leafHashes := make([][]byte, len(derived.TapLeaves))
	for i, leaf := range derived.TapLeaves {
		controlBlock, err := derived.ControlBlocks[i].ToBytes()
		if err != nil {
			return err
		}
		in.TaprootLeafScript = append(in.TaprootLeafScript,
			&psbt.TaprootTapLeafScript{
				ControlBlock: controlBlock,
				Script:       leaf.Script,
				LeafVersion:  leaf.LeafVersion,
			})
		hash := leaf.TapHash()
		leafHashes[i] = hash[:]
	}

	// Each spending path is one tapscript leaf, in the same order as
	// the policy's paths.
	seen := make(map[string]*psbt.TaprootBip32Derivation)
	forEachPolicyKeyIndexed(policy, derived, func(pi int,
		key descriptor.Key, pubKey []byte) {

		xOnly := pubKey[1:]
		deriv, ok := seen[string(xOnly)]
		if !ok {
			deriv = &psbt.TaprootBip32Derivation{
				XOnlyPubKey:          xOnly,
				MasterKeyFingerprint: keyFingerprint(key),
				Bip32Path:            path,
			}
			seen[string(xOnly)] = deriv
			in.TaprootBip32Derivation = append(
				in.TaprootBip32Derivation, deriv)
		}
		deriv.LeafHashes = append(deriv.LeafHashes, leafHashes[pi])
	})

	return nil
}

// forEachPolicyKey visits every key of every spending path along with its
// derived public key, serialized compressed.
func forEachPolicyKey(policy *descriptor.Policy,
	derived *descriptor.DerivedPath,
	visit func(key descriptor.Key, pubKey []byte)) {

	forEachPolicyKeyIndexed(policy, derived,
		func(_ int, key descriptor.Key, pubKey []byte) {
			visit(key, pubKey)
		})
}

func forEachPolicyKeyIndexed(policy *descriptor.Policy,
	derived *descriptor.DerivedPath,
	visit func(pathIdx int, key descriptor.Key, pubKey []byte)) {

	paths := make([]descriptor.PathInfo, 0, len(policy.Recovery)+1)
	paths = append(paths, policy.Primary)
	for _, rec := range policy.Recovery {
		paths = append(paths, rec.PathInfo)
	}

	for pi, info := range paths {
		for ki, key := range info.Keys {
			pubKey := derived.PathPubKeys[pi][ki]
			visit(pi, key, pubKey.SerializeCompressed())
		}
	}
}

// keyFingerprint returns the master fingerprint of a policy key the way
// PSBT derivation entries encode it. Keys without an origin use the
// fingerprint of the extended key itself.
func keyFingerprint(key descriptor.Key) uint32 {
	fingerprint := key.Fingerprint
	if fingerprint == nil {
		pubKey, err := key.XPub.ECPubKey()
		if err != nil {
			return 0
		}
		fingerprint = btcutil.Hash160(
			pubKey.SerializeCompressed())[:4]
	}
	return binary.LittleEndian.Uint32(fingerprint)
}

// estimateVsize gives a conservative virtual size of the transaction once
// fully signed through its primary path.
func estimateVsize(policy *descriptor.Policy, inputs []spendInput,
	txOuts []*wire.TxOut) uint64 {

	// Version, locktime, segwit marker and flag, in/out counts.
	size := uint64(11)

	for _, txOut := range txOuts {
		size += 8 + 1 + uint64(len(txOut.PkScript))
	}

	for _, input := range inputs {
		// Outpoint, empty script sig, sequence.
		size += 36 + 1 + 4
		size += (witnessWeight(policy, input.derived) + 3) / 4
	}

	return size
}

// witnessWeight estimates the weight of a primary path witness.
func witnessWeight(policy *descriptor.Policy,
	derived *descriptor.DerivedPath) uint64 {

	threshold := len(policy.Primary.Keys)
	if !policy.Primary.IsSingle() {
		threshold = policy.Primary.Threshold
	}

	if policy.Form == descriptor.Taproot {
		script := derived.TapLeaves[0].Script
		// The primary leaf heads the right-leaning tree: its
		// inclusion proof is a single sibling hash whenever there is
		// a recovery leaf.
		controlBlock := 33
		if len(derived.TapLeaves) > 1 {
			controlBlock += 32
		}
		// One 64-byte signature per needed key, an empty item per
		// unneeded one.
		weight := 2 + 66*uint64(threshold) +
			uint64(len(policy.Primary.Keys)-threshold)
		weight += uint64(1+len(script)) + uint64(1+controlBlock)
		return weight
	}

	// Items count, one 73-byte signature per needed key, the script
	// itself, and the CHECKMULTISIG dummy.
	weight := 2 + 74*uint64(threshold) +
		uint64(1+len(derived.WitnessScript))
	if !policy.Primary.IsSingle() {
		weight++
	}
	return weight
}

// finalizeSpend builds the final primary path witness of every input from
// the packet's partial signatures and extracts the network-ready
// transaction.
func (d *Daemon) finalizeSpend(packet *psbt.Packet) (*wire.MsgTx, error) {
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if in.FinalScriptWitness != nil {
			continue
		}

		derived, err := d.derivedFromInput(in)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		var witness [][]byte
		if d.policy.Form == descriptor.Taproot {
			witness, err = taprootPrimaryWitness(d.policy,
				derived, in)
		} else {
			witness, err = wshPrimaryWitness(d.policy, derived,
				in)
		}
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		in.FinalScriptWitness, err = serializeWitness(witness)
		if err != nil {
			return nil, err
		}
	}

	return psbt.Extract(packet)
}

// derivedFromInput recomputes an input's spending information from its
// derivation entries.
func (d *Daemon) derivedFromInput(
	in *psbt.PInput) (*descriptor.DerivedPath, error) {

	var path []uint32
	if len(in.TaprootBip32Derivation) > 0 {
		path = in.TaprootBip32Derivation[0].Bip32Path
	} else if len(in.Bip32Derivation) > 0 {
		path = in.Bip32Derivation[0].Bip32Path
	}
	if len(path) < 2 {
		return nil, errors.New("input carries no usable derivation " +
			"entry")
	}
	chainIndex, index := path[len(path)-2], path[len(path)-1]

	desc := d.policy.ReceiveDescriptor()
	if chainIndex == descriptor.ChangeChain {
		desc = d.policy.ChangeDescriptor()
	}
	return desc.Derive(index, d.params)
}

// wshPrimaryWitness assembles the witness stack spending a P2WSH input
// through its primary path.
func wshPrimaryWitness(policy *descriptor.Policy,
	derived *descriptor.DerivedPath,
	in *psbt.PInput) ([][]byte, error) {

	sigByPubKey := make(map[string][]byte, len(in.PartialSigs))
	for _, sig := range in.PartialSigs {
		sigByPubKey[string(sig.PubKey)] = sig.Signature
	}

	var sigs [][]byte
	threshold := 1
	if !policy.Primary.IsSingle() {
		threshold = policy.Primary.Threshold
	}
	for _, pubKey := range derived.PathPubKeys[0] {
		sig, ok := sigByPubKey[string(pubKey.SerializeCompressed())]
		if !ok {
			continue
		}
		sigs = append(sigs, sig)
		if len(sigs) == threshold {
			break
		}
	}
	if len(sigs) < threshold {
		return nil, fmt.Errorf("%w: have %d of %d",
			ErrSpendNotSigned, len(sigs), threshold)
	}

	// The primary fragment runs first in the witness script, so its
	// satisfaction is the whole stack: IFDUP NOTIF skips the recovery
	// branches on success.
	var witness [][]byte
	if !policy.Primary.IsSingle() {
		// The extra CHECKMULTISIG stack item.
		witness = append(witness, nil)
	}
	witness = append(witness, sigs...)
	witness = append(witness, derived.WitnessScript)
	return witness, nil
}

// taprootPrimaryWitness assembles the witness stack spending a Taproot
// input through its primary leaf.
func taprootPrimaryWitness(policy *descriptor.Policy,
	derived *descriptor.DerivedPath,
	in *psbt.PInput) ([][]byte, error) {

	leaf := derived.TapLeaves[0]
	leafHash := leaf.TapHash()

	sigByKey := make(map[string][]byte, len(in.TaprootScriptSpendSig))
	for _, sig := range in.TaprootScriptSpendSig {
		if !bytes.Equal(sig.LeafHash, leafHash[:]) {
			continue
		}
		fullSig := sig.Signature
		if sig.SigHash != txscript.SigHashDefault {
			fullSig = append(append([]byte{}, fullSig...),
				byte(sig.SigHash))
		}
		sigByKey[string(sig.XOnlyPubKey)] = fullSig
	}

	threshold := 1
	if !policy.Primary.IsSingle() {
		threshold = policy.Primary.Threshold
	}

	// Keys are checked in script order, so their signatures are pushed
	// in reverse: the first key's signature ends up on top of the
	// stack. A threshold miss is an empty item.
	keys := derived.PathPubKeys[0]
	haveSigs := 0
	witness := make([][]byte, 0, len(keys)+2)
	for i := len(keys) - 1; i >= 0; i-- {
		xOnly := schnorr.SerializePubKey(keys[i])
		sig, ok := sigByKey[string(xOnly)]
		if ok && haveSigs < threshold {
			witness = append(witness, sig)
			haveSigs++
		} else {
			witness = append(witness, nil)
		}
	}
	if haveSigs < threshold {
		return nil, fmt.Errorf("%w: have %d of %d",
			ErrSpendNotSigned, haveSigs, threshold)
	}
	if policy.Primary.IsSingle() {
		// A lone CHECKSIG leaf has exactly one witness item.
		witness = witness[:1]
	}

	controlBlock, err := derived.ControlBlocks[0].ToBytes()
	if err != nil {
		return nil, err
	}
	witness = append(witness, leaf.Script, controlBlock)
	return witness, nil
}

// serializeWitness encodes a witness stack in the wire format expected by
// a PSBT's final witness field.
func serializeWitness(witness [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
