// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer implements a "hot" signing device holding its key
// material in memory. It fills in signatures for the inputs of a partially
// signed transaction whose derivation entries reference its seed.
package signer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrMissingWitnessUtxo is returned when an input to sign lacks its
	// witness UTXO, which we require to compute the signature hash.
	ErrMissingWitnessUtxo = errors.New(
		"input is missing its witness utxo")

	// ErrInvalidMnemonic is returned for a seed phrase that does not
	// pass BIP39 validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// Device is a signing device. It may be backed by in-memory key material
// or by a hardware wallet.
type Device interface {
	// Fingerprint returns the BIP32 fingerprint of the device's master
	// key, as found in the derivation entries of a PSBT.
	Fingerprint() uint32

	// DeriveExtendedPubKey derives the public key at the given path from
	// the device's master key.
	DeriveExtendedPubKey(path []uint32) (*hdkeychain.ExtendedKey, error)

	// SignPsbt adds signatures to the packet's inputs for every
	// derivation entry referencing the device, returning how many were
	// added. The packet is modified in place.
	SignPsbt(packet *psbt.Packet) (int, error)

	// RegisterWallet makes the device aware of the wallet's spending
	// policy. Hardware devices display and persist it; for in-memory
	// signers this is a no-op.
	RegisterWallet(name, policyStr string) error
}

// SoftwareSigner signs with a BIP32 master key derived from a BIP39 seed
// phrase. It never persists the key material.
type SoftwareSigner struct {
	master      *hdkeychain.ExtendedKey
	fingerprint uint32
}

// A compile-time check that SoftwareSigner is a valid Device.
var _ Device = (*SoftwareSigner)(nil)

// GenerateMnemonic returns a fresh random 12-word BIP39 seed phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// NewSoftwareSigner creates a signer from a BIP39 seed phrase. An empty
// BIP39 passphrase is used.
func NewSoftwareSigner(mnemonic string,
	params *chaincfg.Params) (*SoftwareSigner, error) {

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	pubKey, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fingerprint := btcutil.Hash160(pubKey.SerializeCompressed())[:4]

	return &SoftwareSigner{
		master:      master,
		fingerprint: binary.LittleEndian.Uint32(fingerprint),
	}, nil
}

// Fingerprint returns the BIP32 fingerprint of the master key.
func (s *SoftwareSigner) Fingerprint() uint32 {
	return s.fingerprint
}

// RegisterWallet is a no-op for an in-memory signer.
func (s *SoftwareSigner) RegisterWallet(name, policyStr string) error {
	return nil
}

// DeriveExtendedPubKey derives the public key at the given path from the
// master key.
func (s *SoftwareSigner) DeriveExtendedPubKey(
	path []uint32) (*hdkeychain.ExtendedKey, error) {

	key, err := s.derive(path)
	if err != nil {
		return nil, err
	}
	return key.Neuter()
}

func (s *SoftwareSigner) derive(
	path []uint32) (*hdkeychain.ExtendedKey, error) {

	key := s.master
	for _, childIndex := range path {
		var err error
		key, err = key.Derive(childIndex)
		if err != nil {
			return nil, fmt.Errorf("deriving child %d: %w",
				childIndex, err)
		}
	}
	return key, nil
}

// SignPsbt adds a partial signature to every input with a derivation entry
// matching our fingerprint. Both P2WSH and Taproot script path inputs are
// handled. It returns the number of signatures added.
func (s *SoftwareSigner) SignPsbt(packet *psbt.Packet) (int, error) {
	// The signature hashes commit to all the spent prevouts.
	prevOuts := make(map[wire.OutPoint]*wire.TxOut,
		len(packet.Inputs))
	for i := range packet.Inputs {
		input := &packet.Inputs[i]
		if input.WitnessUtxo == nil {
			return 0, fmt.Errorf("%w: input %d",
				ErrMissingWitnessUtxo, i)
		}
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		prevOuts[op] = input.WitnessUtxo
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	var sigsAdded int
	for i := range packet.Inputs {
		added, err := s.signInput(packet, i, sigHashes)
		if err != nil {
			return sigsAdded, fmt.Errorf("signing input %d: %w",
				i, err)
		}
		sigsAdded += added
	}

	log.Debugf("Added %d signature(s) to PSBT for tx %s", sigsAdded,
		packet.UnsignedTx.TxHash())
	return sigsAdded, nil
}

func (s *SoftwareSigner) signInput(packet *psbt.Packet, idx int,
	sigHashes *txscript.TxSigHashes) (int, error) {

	input := &packet.Inputs[idx]
	if len(input.TaprootLeafScript) > 0 {
		return s.signTaprootInput(packet, idx, sigHashes)
	}
	if input.WitnessScript != nil {
		return s.signWitnessInput(packet, idx, sigHashes)
	}
	return 0, nil
}

func (s *SoftwareSigner) signWitnessInput(packet *psbt.Packet, idx int,
	sigHashes *txscript.TxSigHashes) (int, error) {

	input := &packet.Inputs[idx]
	sigHashType := input.SighashType
	if sigHashType == 0 {
		sigHashType = txscript.SigHashAll
	}

	var sigsAdded int
	for _, deriv := range input.Bip32Derivation {
		if deriv.MasterKeyFingerprint != s.fingerprint {
			continue
		}
		if haveSigFor(input.PartialSigs, deriv.PubKey) {
			continue
		}

		key, err := s.derive(deriv.Bip32Path)
		if err != nil {
			return sigsAdded, err
		}
		privKey, err := key.ECPrivKey()
		if err != nil {
			return sigsAdded, err
		}
		if !matchesPubKey(privKey, deriv.PubKey) {
			return sigsAdded, fmt.Errorf("derived key at path "+
				"%v does not match the derivation entry",
				deriv.Bip32Path)
		}

		sig, err := txscript.RawTxInWitnessSignature(
			packet.UnsignedTx, sigHashes, idx,
			input.WitnessUtxo.Value, input.WitnessScript,
			sigHashType, privKey,
		)
		if err != nil {
			return sigsAdded, err
		}

		input.PartialSigs = append(input.PartialSigs,
			&psbt.PartialSig{
				PubKey:    deriv.PubKey,
				Signature: sig,
			})
		sigsAdded++
	}

	return sigsAdded, nil
}

func (s *SoftwareSigner) signTaprootInput(packet *psbt.Packet, idx int,
	sigHashes *txscript.TxSigHashes) (int, error) {

	input := &packet.Inputs[idx]
	sigHashType := input.SighashType
	if sigHashType == 0 {
		sigHashType = txscript.SigHashDefault
	}

	var sigsAdded int
	for _, deriv := range input.TaprootBip32Derivation {
		if deriv.MasterKeyFingerprint != s.fingerprint {
			continue
		}

		key, err := s.derive(deriv.Bip32Path)
		if err != nil {
			return sigsAdded, err
		}
		privKey, err := key.ECPrivKey()
		if err != nil {
			return sigsAdded, err
		}
		xOnlyPub := schnorr.SerializePubKey(privKey.PubKey())
		if !bytes.Equal(xOnlyPub, deriv.XOnlyPubKey) {
			return sigsAdded, fmt.Errorf("derived key at path "+
				"%v does not match the derivation entry",
				deriv.Bip32Path)
		}

		// Sign every leaf this key takes part in.
		for _, leaf := range input.TaprootLeafScript {
			tapLeaf := txscript.NewTapLeaf(leaf.LeafVersion,
				leaf.Script)
			leafHash := tapLeaf.TapHash()
			if !derivationHasLeaf(deriv.LeafHashes, leafHash[:]) {
				continue
			}
			if haveLeafSigFor(input.TaprootScriptSpendSig,
				xOnlyPub, leafHash[:]) {

				continue
			}

			sig, err := txscript.RawTxInTapscriptSignature(
				packet.UnsignedTx, sigHashes, idx,
				input.WitnessUtxo.Value,
				input.WitnessUtxo.PkScript, tapLeaf,
				sigHashType, privKey,
			)
			if err != nil {
				return sigsAdded, err
			}

			input.TaprootScriptSpendSig = append(
				input.TaprootScriptSpendSig,
				&psbt.TaprootScriptSpendSig{
					XOnlyPubKey: xOnlyPub,
					LeafHash:    leafHash[:],
					Signature:   sig,
					SigHash:     sigHashType,
				})
			sigsAdded++
		}
	}

	return sigsAdded, nil
}

func haveSigFor(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}
	return false
}

func haveLeafSigFor(sigs []*psbt.TaprootScriptSpendSig, xOnlyPub,
	leafHash []byte) bool {

	for _, sig := range sigs {
		if bytes.Equal(sig.XOnlyPubKey, xOnlyPub) &&
			bytes.Equal(sig.LeafHash, leafHash) {

			return true
		}
	}
	return false
}

func derivationHasLeaf(leafHashes [][]byte, leafHash []byte) bool {
	for _, hash := range leafHashes {
		if bytes.Equal(hash, leafHash) {
			return true
		}
	}
	return false
}

func matchesPubKey(privKey *btcec.PrivateKey, pubKey []byte) bool {
	return bytes.Equal(privKey.PubKey().SerializeCompressed(), pubKey)
}
