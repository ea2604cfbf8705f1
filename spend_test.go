// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package minisafe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/revault/minisafe/chain"
	"github.com/revault/minisafe/database"
	"github.com/revault/minisafe/descriptor"
	"github.com/revault/minisafe/signer"
)

var testParams = &chaincfg.RegressionNetParams

func testKey(t *testing.T, seed byte) descriptor.Key {
	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{seed}, 32), testParams)
	require.NoError(t, err)
	xpub, err := master.Neuter()
	require.NoError(t, err)
	key, err := descriptor.ParseKey(fmt.Sprintf("%s/<0;1>/*", xpub))
	require.NoError(t, err)
	return key
}

func testPolicy(t *testing.T) *descriptor.Policy {
	t.Helper()

	policy, err := descriptor.NewPolicy(descriptor.P2WSH,
		descriptor.SinglePath(testKey(t, 1)),
		[]descriptor.RecoveryPath{{
			Sequence: 1000,
			PathInfo: descriptor.SinglePath(testKey(t, 2)),
		}})
	require.NoError(t, err)
	return policy
}

func newTestDaemon(t *testing.T, policy *descriptor.Policy) *Daemon {
	t.Helper()

	store, err := database.OpenSQLite(
		filepath.Join(t.TempDir(), walletDbName),
		&database.FreshStoreOptions{
			Network:   testParams.Name,
			Policy:    policy,
			Timestamp: time.Unix(1700000000, 0),
		})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return &Daemon{
		cfg:    &Config{Params: testParams},
		params: testParams,
		policy: policy,
		store:  store,
	}
}

func testOutPoint(b byte) wire.OutPoint {
	var txid chainhash.Hash
	txid[0] = b
	return wire.OutPoint{Hash: txid, Index: 0}
}

func testTip(height int32) *chain.BlockChainTip {
	var hash chainhash.Hash
	hash[0] = byte(height)
	return &chain.BlockChainTip{Hash: hash, Height: height}
}

// seedCoin inserts a deposit to the receive chain at the given derivation
// index and, if height is non-zero, confirms it there.
func seedCoin(t *testing.T, d *Daemon, op wire.OutPoint, index uint32,
	amount btcutil.Amount, height int32) {

	t.Helper()

	derived, err := d.policy.ReceiveDescriptor().Derive(index, d.params)
	require.NoError(t, err)

	require.NoError(t, d.store.Apply(&database.StateUpdate{
		NewCoins: []database.Coin{{
			OutPoint:        op,
			Amount:          amount,
			Address:         derived.Address.String(),
			DerivationIndex: index,
		}},
	}))
	if height != 0 {
		require.NoError(t, d.store.Apply(&database.StateUpdate{
			Confirmed: []database.CoinConfirmation{{
				OutPoint: op,
				Height:   height,
				Time:     1700000000,
			}},
		}))
	}
}

func destinationAddr(t *testing.T) btcutil.Address {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{0x11}, 20), testParams)
	require.NoError(t, err)
	return addr
}

func TestCreateSpendValidation(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	addr := destinationAddr(t)

	_, err := d.CreateSpend(nil, nil, 1)
	require.ErrorIs(t, err, ErrNoDestination)

	_, err = d.CreateSpend([]SpendDestination{
		{Address: addr, Amount: 10_000},
	}, nil, 0)
	require.ErrorIs(t, err, ErrInvalidFeeRate)

	_, err = d.CreateSpend([]SpendDestination{
		{Address: addr, Amount: dustOutputSats - 1},
	}, nil, 1)
	require.ErrorIs(t, err, ErrDustOutput)
}

func TestCreateSpendExplicitCoins(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	confirmedOp := testOutPoint(1)
	unconfirmedOp := testOutPoint(2)
	seedCoin(t, d, confirmedOp, 0, 100_000, 50)
	seedCoin(t, d, unconfirmedOp, 1, 100_000, 0)

	destinations := []SpendDestination{
		{Address: destinationAddr(t), Amount: 50_000},
	}

	// Unknown and unconfirmed coins cannot fund a spend.
	_, err := d.CreateSpend(destinations,
		[]wire.OutPoint{testOutPoint(9)}, 1)
	require.ErrorIs(t, err, ErrUnknownOutpoint)
	_, err = d.CreateSpend(destinations,
		[]wire.OutPoint{unconfirmedOp}, 1)
	require.ErrorIs(t, err, ErrCoinNotSpendable)

	packet, err := d.CreateSpend(destinations,
		[]wire.OutPoint{confirmedOp}, 1)
	require.NoError(t, err)

	tx := packet.UnsignedTx
	require.EqualValues(t, spendTxVersion, tx.Version)
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, confirmedOp, tx.TxIn[0].PreviousOutPoint)
	require.EqualValues(t, rbfSequence, tx.TxIn[0].Sequence)

	derived, err := d.policy.ReceiveDescriptor().Derive(0, d.params)
	require.NoError(t, err)
	in := packet.Inputs[0]
	require.NotNil(t, in.WitnessUtxo)
	require.EqualValues(t, 100_000, in.WitnessUtxo.Value)
	require.Equal(t, derived.PkScript, in.WitnessUtxo.PkScript)
	require.Equal(t, derived.WitnessScript, in.WitnessScript)

	// One derivation entry per policy key, primary and recovery.
	require.Len(t, in.Bip32Derivation, 2)
	for _, deriv := range in.Bip32Derivation {
		require.Equal(t, []uint32{descriptor.ReceiveChain, 0},
			deriv.Bip32Path)
	}
}

func TestCreateSpendCoinSelection(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	seedCoin(t, d, testOutPoint(1), 0, 10_000_000, 50)
	seedCoin(t, d, testOutPoint(2), 1, 20_000_000, 50)
	seedCoin(t, d, testOutPoint(3), 2, 30_000_000, 50)

	outValue := btcutil.Amount(45_000_000)
	packet, err := d.CreateSpend([]SpendDestination{
		{Address: destinationAddr(t), Amount: outValue},
	}, nil, 2)
	require.NoError(t, err)

	// The two largest coins cover the destination, the smallest is left
	// alone.
	tx := packet.UnsignedTx
	require.Len(t, tx.TxIn, 2)
	spent := map[wire.OutPoint]struct{}{
		tx.TxIn[0].PreviousOutPoint: {},
		tx.TxIn[1].PreviousOutPoint: {},
	}
	require.Contains(t, spent, testOutPoint(2))
	require.Contains(t, spent, testOutPoint(3))

	// The surplus went back to our change chain at the first unused
	// index, which is now marked as used.
	changeDerived, err := d.policy.ChangeDescriptor().Derive(0, d.params)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)
	change := tx.TxOut[1]
	require.Equal(t, changeDerived.PkScript, change.PkScript)
	require.Greater(t, change.Value, int64(0))
	require.Less(t, btcutil.Amount(change.Value),
		50_000_000-outValue)

	changeIndex, err := d.store.ChangeIndex()
	require.NoError(t, err)
	require.EqualValues(t, 1, changeIndex)
}

func TestCreateSpendInsufficientFunds(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	seedCoin(t, d, testOutPoint(1), 0, 100_000, 50)

	_, err := d.CreateSpend([]SpendDestination{
		{Address: destinationAddr(t), Amount: 200_000},
	}, nil, 1)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Explicitly selected coins must cover the fee too.
	_, err = d.CreateSpend([]SpendDestination{
		{Address: destinationAddr(t), Amount: 100_000},
	}, []wire.OutPoint{testOutPoint(1)}, 1)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCreateSpendDustyChange(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	seedCoin(t, d, testOutPoint(1), 0, 100_000, 50)

	// The surplus once the fee is paid is below the dust threshold. It
	// is absorbed by the fee instead of creating a change output.
	packet, err := d.CreateSpend([]SpendDestination{
		{Address: destinationAddr(t), Amount: 94_900},
	}, []wire.OutPoint{testOutPoint(1)}, 1)
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 1)

	changeIndex, err := d.store.ChangeIndex()
	require.NoError(t, err)
	require.Zero(t, changeIndex)
}

func TestUpdateSpendStoresAndMerges(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	seedCoin(t, d, testOutPoint(1), 0, 100_000, 50)

	packet, err := d.CreateSpend([]SpendDestination{
		{Address: destinationAddr(t), Amount: 50_000},
	}, []wire.OutPoint{testOutPoint(1)}, 1)
	require.NoError(t, err)
	txid := packet.UnsignedTx.TxHash()

	require.NoError(t, d.UpdateSpend(packet))
	entries, err := d.ListSpendTxs()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, txid, entries[0].Txid)
	require.Empty(t, entries[0].Packet.Inputs[0].PartialSigs)

	// A copy of the same packet carrying a signature merges it into the
	// stored one.
	blob, err := encodePsbt(packet)
	require.NoError(t, err)
	signed, err := decodePsbt(blob)
	require.NoError(t, err)

	privKey, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{3}, 32))
	digest := chainhash.HashB([]byte("digest"))
	sig := append(ecdsa.Sign(privKey, digest).Serialize(),
		byte(txscript.SigHashAll))
	signed.Inputs[0].PartialSigs = []*psbt.PartialSig{{
		PubKey:    privKey.PubKey().SerializeCompressed(),
		Signature: sig,
	}}
	require.NoError(t, d.UpdateSpend(signed))

	// Merging the same signature again does not duplicate it.
	require.NoError(t, d.UpdateSpend(signed))

	entries, err = d.ListSpendTxs()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Packet.Inputs[0].PartialSigs, 1)
	require.Equal(t, sig,
		entries[0].Packet.Inputs[0].PartialSigs[0].Signature)

	require.NoError(t, d.DelSpend(txid))
	require.ErrorIs(t, d.DelSpend(txid), ErrUnknownSpend)
	entries, err = d.ListSpendTxs()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestGetNewAddress(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))

	addr, index, err := d.GetNewAddress()
	require.NoError(t, err)
	require.Zero(t, index)

	expected, err := d.policy.ReceiveDescriptor().Address(0, d.params)
	require.NoError(t, err)
	require.Equal(t, expected.String(), addr.String())

	next, index, err := d.GetNewAddress()
	require.NoError(t, err)
	require.EqualValues(t, 1, index)
	require.NotEqual(t, addr.String(), next.String())

	receiveIndex, err := d.store.ReceiveIndex()
	require.NoError(t, err)
	require.EqualValues(t, 2, receiveIndex)
}

func TestListCoins(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, testPolicy(t))
	confirmedOp := testOutPoint(1)
	unconfirmedOp := testOutPoint(2)
	seedCoin(t, d, confirmedOp, 0, 100_000, 50)
	seedCoin(t, d, unconfirmedOp, 1, 200_000, 0)
	require.NoError(t, d.store.Apply(&database.StateUpdate{
		NewTip: testTip(150),
	}))

	infos, err := d.ListCoins(nil, nil)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byOutpoint := make(map[wire.OutPoint]CoinInfo, len(infos))
	for _, info := range infos {
		byOutpoint[info.OutPoint] = info
	}

	// 100 of the recovery path's 1000 blocks elapsed since the coin
	// confirmed. An unconfirmed coin reports the full sequence.
	require.Equal(t, []uint32{900},
		byOutpoint[confirmedOp].RemainingSequences)
	require.Equal(t, []uint32{1000},
		byOutpoint[unconfirmedOp].RemainingSequences)

	confirmed, err := d.ListCoins(
		[]database.CoinStatus{database.StatusConfirmed}, nil)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	require.Equal(t, confirmedOp, confirmed[0].OutPoint)

	byOp, err := d.ListCoins(nil, []wire.OutPoint{unconfirmedOp})
	require.NoError(t, err)
	require.Len(t, byOp, 1)
	require.Equal(t, unconfirmedOp, byOp[0].OutPoint)

	none, err := d.ListCoins(
		[]database.CoinStatus{database.StatusSpent},
		[]wire.OutPoint{confirmedOp})
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = d.ListCoins(nil, []wire.OutPoint{testOutPoint(9)})
	require.ErrorIs(t, err, ErrUnknownOutpoint)
}

// The all-zero entropy vector from the BIP39 reference tests.
const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

// signerPolicy builds a policy whose primary path belongs to the given
// software signer, keys derived straight under its master.
func signerPolicy(t *testing.T,
	s *signer.SoftwareSigner) *descriptor.Policy {

	t.Helper()

	xpub, err := s.DeriveExtendedPubKey(nil)
	require.NoError(t, err)

	var fingerprint [4]byte
	binary.LittleEndian.PutUint32(fingerprint[:], s.Fingerprint())
	key, err := descriptor.ParseKey(fmt.Sprintf("[%x]%s/<0;1>/*",
		fingerprint, xpub))
	require.NoError(t, err)

	policy, err := descriptor.NewPolicy(descriptor.P2WSH,
		descriptor.SinglePath(key), []descriptor.RecoveryPath{{
			Sequence: 1000,
			PathInfo: descriptor.SinglePath(testKey(t, 9)),
		}})
	require.NoError(t, err)
	return policy
}

func TestSignAndFinalizeSpend(t *testing.T) {
	t.Parallel()

	s, err := signer.NewSoftwareSigner(testMnemonic, testParams)
	require.NoError(t, err)
	d := newTestDaemon(t, signerPolicy(t, s))

	op := testOutPoint(1)
	seedCoin(t, d, op, 0, 100_000, 50)

	packet, err := d.CreateSpend([]SpendDestination{
		{Address: destinationAddr(t), Amount: 50_000},
	}, []wire.OutPoint{op}, 1)
	require.NoError(t, err)

	// Finalizing before signing must fail.
	_, err = d.finalizeSpend(packet)
	require.ErrorIs(t, err, ErrSpendNotSigned)

	count, err := s.SignPsbt(packet)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	tx, err := d.finalizeSpend(packet)
	require.NoError(t, err)

	// A single-key primary path spends with just the signature and the
	// witness script.
	derived, err := d.policy.ReceiveDescriptor().Derive(0, d.params)
	require.NoError(t, err)
	witness := tx.TxIn[0].Witness
	require.Len(t, witness, 2)
	require.Equal(t, derived.WitnessScript, witness[1])

	// The finalized transaction passes script verification against the
	// spent output.
	fetcher := txscript.NewCannedPrevOutputFetcher(
		derived.PkScript, 100_000)
	vm, err := txscript.NewEngine(derived.PkScript, tx, 0,
		txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), 100_000, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	_, err := cfg.Validate()
	require.ErrorIs(t, err, ErrNoPolicy)
	require.Equal(t, &chaincfg.MainNetParams, cfg.Params)
	require.NotZero(t, cfg.PollInterval)
	require.NotEmpty(t, cfg.Datadir)

	policy := testPolicy(t)
	cfg = &Config{
		Params: testParams,
		Policy: policy.String(),
	}
	parsed, err := cfg.Validate()
	require.NoError(t, err)
	require.Equal(t, policy.WalletID(), parsed.WalletID())

	cfg.PruneAfter = -1
	_, err = cfg.Validate()
	require.Error(t, err)
}
