// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signer

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

// A fixed valid seed phrase, the all-zero entropy BIP39 vector.
const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

func testSigner(t *testing.T) *SoftwareSigner {
	t.Helper()

	signer, err := NewSoftwareSigner(testMnemonic,
		&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return signer
}

func TestGenerateMnemonic(t *testing.T) {
	t.Parallel()

	mnemonic, err := GenerateMnemonic()
	require.NoError(t, err)
	require.Len(t, strings.Fields(mnemonic), 12)
	require.True(t, bip39.IsMnemonicValid(mnemonic))

	other, err := GenerateMnemonic()
	require.NoError(t, err)
	require.NotEqual(t, mnemonic, other)

	_, err = NewSoftwareSigner(mnemonic, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
}

func TestNewSoftwareSignerInvalidMnemonic(t *testing.T) {
	t.Parallel()

	_, err := NewSoftwareSigner("this is not a valid seed phrase at all "+
		"no sir", &chaincfg.RegressionNetParams)
	require.ErrorIs(t, err, ErrInvalidMnemonic)

	_, err = NewSoftwareSigner("", &chaincfg.RegressionNetParams)
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	again := testSigner(t)
	require.Equal(t, signer.Fingerprint(), again.Fingerprint())

	// The fingerprint is the first four bytes of the hash160 of the
	// master public key, read little-endian as PSBT derivation entries
	// carry it.
	master, err := signer.DeriveExtendedPubKey(nil)
	require.NoError(t, err)
	pubKey, err := master.ECPubKey()
	require.NoError(t, err)
	expected := binary.LittleEndian.Uint32(
		btcutil.Hash160(pubKey.SerializeCompressed())[:4])
	require.Equal(t, expected, signer.Fingerprint())
}

func TestDeriveExtendedPubKey(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)

	key, err := signer.DeriveExtendedPubKey([]uint32{0, 7})
	require.NoError(t, err)
	require.False(t, key.IsPrivate())

	// Deriving step by step gives the same key.
	master, err := signer.DeriveExtendedPubKey(nil)
	require.NoError(t, err)
	chainKey, err := master.Derive(0)
	require.NoError(t, err)
	childKey, err := chainKey.Derive(7)
	require.NoError(t, err)
	keyPub, err := key.ECPubKey()
	require.NoError(t, err)
	childPub, err := childKey.ECPubKey()
	require.NoError(t, err)
	require.True(t, keyPub.IsEqual(childPub))
}

// witnessPacket builds a single-input PSBT spending a P2WSH output locked
// by a bare checksig on the key at the given path.
func witnessPacket(t *testing.T, signer *SoftwareSigner,
	path []uint32) (*psbt.Packet, []byte) {

	t.Helper()

	xpub, err := signer.DeriveExtendedPubKey(path)
	require.NoError(t, err)
	pubKey, err := xpub.ECPubKey()
	require.NoError(t, err)

	witnessScript, err := txscript.NewScriptBuilder().
		AddData(pubKey.SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)
	scriptHash := sha256.Sum256(witnessScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(scriptHash[:]).Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, pkScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(100_000, pkScript)
	packet.Inputs[0].WitnessScript = witnessScript
	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               pubKey.SerializeCompressed(),
		MasterKeyFingerprint: signer.Fingerprint(),
		Bip32Path:            path,
	}}

	return packet, witnessScript
}

func TestSignWitnessInput(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	path := []uint32{0, 7}
	packet, witnessScript := witnessPacket(t, signer, path)

	added, err := signer.SignPsbt(packet)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	sigs := packet.Inputs[0].PartialSigs
	require.Len(t, sigs, 1)
	require.Equal(t, packet.Inputs[0].Bip32Derivation[0].PubKey,
		sigs[0].PubKey)

	// The signature must verify against the input's bip143 digest.
	rawSig := sigs[0].Signature
	require.Equal(t, byte(txscript.SigHashAll), rawSig[len(rawSig)-1])
	sig, err := ecdsa.ParseDERSignature(rawSig[:len(rawSig)-1])
	require.NoError(t, err)

	prevOuts := txscript.NewMultiPrevOutFetcher(
		map[wire.OutPoint]*wire.TxOut{
			packet.UnsignedTx.TxIn[0].PreviousOutPoint: packet.
				Inputs[0].WitnessUtxo,
		})
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, prevOuts)
	digest, err := txscript.CalcWitnessSigHash(witnessScript, sigHashes,
		txscript.SigHashAll, packet.UnsignedTx, 0,
		packet.Inputs[0].WitnessUtxo.Value)
	require.NoError(t, err)

	xpub, err := signer.DeriveExtendedPubKey(path)
	require.NoError(t, err)
	pubKey, err := xpub.ECPubKey()
	require.NoError(t, err)
	require.True(t, sig.Verify(digest, pubKey))

	// Signing again adds nothing.
	added, err = signer.SignPsbt(packet)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, packet.Inputs[0].PartialSigs, 1)
}

func TestSignIgnoresForeignFingerprint(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	packet, _ := witnessPacket(t, signer, []uint32{0, 7})
	packet.Inputs[0].Bip32Derivation[0].MasterKeyFingerprint++

	added, err := signer.SignPsbt(packet)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Empty(t, packet.Inputs[0].PartialSigs)
}

func TestSignMissingWitnessUtxo(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	packet, _ := witnessPacket(t, signer, []uint32{0, 7})
	packet.Inputs[0].WitnessUtxo = nil

	_, err := signer.SignPsbt(packet)
	require.ErrorIs(t, err, ErrMissingWitnessUtxo)
}

func TestSignTaprootInput(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	path := []uint32{1, 3}

	xpub, err := signer.DeriveExtendedPubKey(path)
	require.NoError(t, err)
	pubKey, err := xpub.ECPubKey()
	require.NoError(t, err)
	xOnlyPub := schnorr.SerializePubKey(pubKey)

	leafScript, err := txscript.NewScriptBuilder().
		AddData(xOnlyPub).AddOp(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)
	tapLeaf := txscript.NewBaseTapLeaf(leafScript)
	leafHash := tapLeaf.TapHash()

	// The prevout script only feeds the signature hash here, a dummy
	// taproot output will do.
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).AddData(xOnlyPub).Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, pkScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(100_000, pkScript)
	packet.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: make([]byte, 33),
		Script:       leafScript,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	packet.Inputs[0].TaprootBip32Derivation = []*psbt.
		TaprootBip32Derivation{{
		XOnlyPubKey:          xOnlyPub,
		MasterKeyFingerprint: signer.Fingerprint(),
		Bip32Path:            path,
		LeafHashes:           [][]byte{leafHash[:]},
	}}

	added, err := signer.SignPsbt(packet)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	sigs := packet.Inputs[0].TaprootScriptSpendSig
	require.Len(t, sigs, 1)
	require.Equal(t, xOnlyPub, sigs[0].XOnlyPubKey)
	require.Equal(t, leafHash[:], sigs[0].LeafHash)
	require.Equal(t, txscript.SigHashDefault, sigs[0].SigHash)

	// The schnorr signature must verify against the tapscript digest.
	prevOuts := txscript.NewMultiPrevOutFetcher(
		map[wire.OutPoint]*wire.TxOut{
			packet.UnsignedTx.TxIn[0].PreviousOutPoint: packet.
				Inputs[0].WitnessUtxo,
		})
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, prevOuts)
	digest, err := txscript.CalcTapscriptSignaturehash(sigHashes,
		txscript.SigHashDefault, packet.UnsignedTx, 0, prevOuts,
		tapLeaf)
	require.NoError(t, err)

	sig, err := schnorr.ParseSignature(sigs[0].Signature)
	require.NoError(t, err)
	verifyKey, err := schnorr.ParsePubKey(xOnlyPub)
	require.NoError(t, err)
	require.True(t, sig.Verify(digest, verifyKey))

	// Signing again adds nothing.
	added, err = signer.SignPsbt(packet)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Len(t, packet.Inputs[0].TaprootScriptSpendSig, 1)
}

// TestSignTaprootKeyNotInLeaf checks that a derivation entry whose
// LeafHashes do not reference any present leaf produces no signature.
func TestSignTaprootKeyNotInLeaf(t *testing.T) {
	t.Parallel()

	signer := testSigner(t)
	path := []uint32{1, 3}

	xpub, err := signer.DeriveExtendedPubKey(path)
	require.NoError(t, err)
	pubKey, err := xpub.ECPubKey()
	require.NoError(t, err)
	xOnlyPub := schnorr.SerializePubKey(pubKey)

	leafScript, err := txscript.NewScriptBuilder().
		AddData(xOnlyPub).AddOp(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).AddData(xOnlyPub).Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, pkScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(100_000, pkScript)
	packet.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: make([]byte, 33),
		Script:       leafScript,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	otherLeafHash := make([]byte, 32)
	packet.Inputs[0].TaprootBip32Derivation = []*psbt.
		TaprootBip32Derivation{{
		XOnlyPubKey:          xOnlyPub,
		MasterKeyFingerprint: signer.Fingerprint(),
		Bip32Path:            path,
		LeafHashes:           [][]byte{otherLeafHash},
	}}

	added, err := signer.SignPsbt(packet)
	require.NoError(t, err)
	require.Zero(t, added)
	require.Empty(t, packet.Inputs[0].TaprootScriptSpendSig)
}
