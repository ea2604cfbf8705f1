// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// unspendableInternalKey is the BIP341 "nothing up my sleeve" point. Using
// it as the taproot internal key commits to there being no key-path spend,
// leaving the tapscript leaves as the only spending conditions.
const unspendableInternalKey = "0250929b74c1a04954b78b4b6035e97a5e078a5a" +
	"0f28ec96d547bfee9ace803ac0"

// NumsPointKey returns the unspendable internal key used by taproot form
// policies.
func NumsPointKey() *btcec.PublicKey {
	raw, err := hex.DecodeString(unspendableInternalKey)
	if err != nil {
		panic(err)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// SinglePathDescriptor is a view of a policy restricted to one derivation
// sub-path, either the receive or the change chain. It is what gets handed
// to the node backend to recognize which received outputs belong to the
// wallet.
type SinglePathDescriptor struct {
	policy *Policy
	chain  uint32
}

// Policy returns the policy this descriptor derives from.
func (d SinglePathDescriptor) Policy() *Policy {
	return d.policy
}

// IsChange reports whether the descriptor derives the change chain.
func (d SinglePathDescriptor) IsChange() bool {
	return d.chain == ChangeChain
}

// DerivedPath holds everything needed to spend an output derived at a given
// index: its script pubkey and, depending on the script form, the witness
// script or the tapscript leaves with their control blocks.
type DerivedPath struct {
	Address  btcutil.Address
	PkScript []byte

	// WitnessScript is set for the P2WSH form only.
	WitnessScript []byte

	// TapInternalKey and TapLeaves are set for the Taproot form only.
	// ControlBlocks[i] is the control block proving TapLeaves[i].
	TapInternalKey *btcec.PublicKey
	TapLeaves      []txscript.TapLeaf
	ControlBlocks  []txscript.ControlBlock

	// PathPubKeys holds the derived public key of every key of the
	// policy, primary path first then recovery paths in sequence order.
	PathPubKeys [][]*btcec.PublicKey
}

// Address derives the address at the given index.
func (d SinglePathDescriptor) Address(index uint32,
	params *chaincfg.Params) (btcutil.Address, error) {

	derived, err := d.Derive(index, params)
	if err != nil {
		return nil, err
	}
	return derived.Address, nil
}

// Derive derives the full spending information for the given index.
func (d SinglePathDescriptor) Derive(index uint32,
	params *chaincfg.Params) (*DerivedPath, error) {

	pathKeys, err := d.derivePathKeys(index)
	if err != nil {
		return nil, err
	}

	if d.policy.Form == Taproot {
		return d.deriveTaproot(pathKeys, params)
	}
	return d.deriveWsh(pathKeys, params)
}

// derivePathKeys derives the public key of every policy key at the given
// index, primary path first.
func (d SinglePathDescriptor) derivePathKeys(
	index uint32) ([][]*btcec.PublicKey, error) {

	paths := make([][]*btcec.PublicKey, 0, len(d.policy.Recovery)+1)

	deriveAll := func(info PathInfo) ([]*btcec.PublicKey, error) {
		pubs := make([]*btcec.PublicKey, 0, len(info.Keys))
		for _, key := range info.Keys {
			pub, err := key.DerivePubKey(d.chain, index)
			if err != nil {
				return nil, fmt.Errorf("deriving key %s at "+
					"%d/%d: %w", key, d.chain, index, err)
			}
			pubs = append(pubs, pub)
		}
		return pubs, nil
	}

	pubs, err := deriveAll(d.policy.Primary)
	if err != nil {
		return nil, err
	}
	paths = append(paths, pubs)

	for _, rec := range d.policy.Recovery {
		pubs, err := deriveAll(rec.PathInfo)
		if err != nil {
			return nil, err
		}
		paths = append(paths, pubs)
	}

	return paths, nil
}

func (d SinglePathDescriptor) deriveWsh(pathKeys [][]*btcec.PublicKey,
	params *chaincfg.Params) (*DerivedPath, error) {

	script, err := d.wshWitnessScript(pathKeys)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &DerivedPath{
		Address:       addr,
		PkScript:      pkScript,
		WitnessScript: script,
		PathPubKeys:   pathKeys,
	}, nil
}

// wshWitnessScript builds the version 0 witness script: the miniscript
// compilation of the or_d descriptor handed to the node. The primary
// fragment runs first and leaves its result on the stack; IFDUP NOTIF
// enters the recovery branches only when it failed, with several recovery
// paths chained as or_i IF/ELSE arms, each behind its CSV.
func (d SinglePathDescriptor) wshWitnessScript(
	pathKeys [][]*btcec.PublicKey) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	addPathFragment := func(info PathInfo, pubs []*btcec.PublicKey) {
		if info.IsSingle() {
			builder.AddData(pubs[0].SerializeCompressed())
			builder.AddOp(txscript.OP_CHECKSIG)
			return
		}
		builder.AddInt64(int64(info.Threshold))
		for _, pub := range pubs {
			builder.AddData(pub.SerializeCompressed())
		}
		builder.AddInt64(int64(len(pubs)))
		builder.AddOp(txscript.OP_CHECKMULTISIG)
	}

	addPathFragment(d.policy.Primary, pathKeys[0])
	builder.AddOp(txscript.OP_IFDUP)
	builder.AddOp(txscript.OP_NOTIF)

	last := len(d.policy.Recovery) - 1
	for i, rec := range d.policy.Recovery {
		if i < last {
			builder.AddOp(txscript.OP_IF)
		}
		builder.AddInt64(int64(rec.Sequence))
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
		builder.AddOp(txscript.OP_VERIFY)
		addPathFragment(rec.PathInfo, pathKeys[i+1])
		if i < last {
			builder.AddOp(txscript.OP_ELSE)
		}
	}
	for i := 0; i < last; i++ {
		builder.AddOp(txscript.OP_ENDIF)
	}
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

func (d SinglePathDescriptor) deriveTaproot(pathKeys [][]*btcec.PublicKey,
	params *chaincfg.Params) (*DerivedPath, error) {

	leafScript := func(info PathInfo, pubs []*btcec.PublicKey,
		sequence uint16) ([]byte, error) {

		builder := txscript.NewScriptBuilder()
		if sequence != 0 {
			// and_v(v:older(N), ...): the timelock check runs
			// ahead of the key checks.
			builder.AddInt64(int64(sequence))
			builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
			builder.AddOp(txscript.OP_VERIFY)
		}
		if info.IsSingle() {
			builder.AddData(schnorr.SerializePubKey(pubs[0]))
			builder.AddOp(txscript.OP_CHECKSIG)
			return builder.Script()
		}
		for i, pub := range pubs {
			builder.AddData(schnorr.SerializePubKey(pub))
			if i == 0 {
				builder.AddOp(txscript.OP_CHECKSIG)
			} else {
				builder.AddOp(txscript.OP_CHECKSIGADD)
			}
		}
		builder.AddInt64(int64(info.Threshold))
		builder.AddOp(txscript.OP_NUMEQUAL)
		return builder.Script()
	}

	leaves := make([]txscript.TapLeaf, 0, len(d.policy.Recovery)+1)
	script, err := leafScript(d.policy.Primary, pathKeys[0], 0)
	if err != nil {
		return nil, err
	}
	leaves = append(leaves, txscript.NewBaseTapLeaf(script))
	for i, rec := range d.policy.Recovery {
		script, err := leafScript(rec.PathInfo, pathKeys[i+1],
			rec.Sequence)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, txscript.NewBaseTapLeaf(script))
	}

	internalKey := NumsPointKey()

	// The descriptor nests the leaves as a right-leaning tree
	// ({a,{b,c}}), so the branches must pair up the same way. Subtree i
	// covers leaves i..n-1.
	n := len(leaves)
	subtrees := make([]txscript.TapNode, n)
	subtrees[n-1] = leaves[n-1]
	for i := n - 2; i >= 0; i-- {
		subtrees[i] = txscript.NewTapBranch(leaves[i], subtrees[i+1])
	}
	rootHash := subtrees[0].TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, rootHash[:])
	outputKeyYIsOdd := outputKey.SerializeCompressed()[0] ==
		secp.PubKeyFormatCompressedOdd

	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(outputKey), params,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	leafHashes := make([]chainhash.Hash, n)
	for i, leaf := range leaves {
		leafHashes[i] = leaf.TapHash()
	}

	// Leaf i sits in the branch pairing it with subtree i+1, itself the
	// right child of every branch above it. Its inclusion proof is thus
	// the hash of subtree i+1 followed by the hashes of the leaves above
	// it, bottom up.
	controlBlocks := make([]txscript.ControlBlock, n)
	for i := range leaves {
		var proof []byte
		if i < n-1 {
			sibling := subtrees[i+1].TapHash()
			proof = append(proof, sibling[:]...)
		}
		for j := i - 1; j >= 0; j-- {
			proof = append(proof, leafHashes[j][:]...)
		}
		controlBlocks[i] = txscript.ControlBlock{
			InternalKey:     internalKey,
			OutputKeyYIsOdd: outputKeyYIsOdd,
			LeafVersion:     txscript.BaseLeafVersion,
			InclusionProof:  proof,
		}
	}

	return &DerivedPath{
		Address:        addr,
		PkScript:       pkScript,
		TapInternalKey: internalKey,
		TapLeaves:      leaves,
		ControlBlocks:  controlBlocks,
		PathPubKeys:    pathKeys,
	}, nil
}

// BitcoindDescriptor returns the output descriptor, in the syntax bitcoind
// understands, to import in the watchonly wallet for this derivation chain.
// The returned string carries no checksum.
func (d SinglePathDescriptor) BitcoindDescriptor() string {
	keyStr := func(key Key) string {
		var sb strings.Builder
		if key.Fingerprint != nil {
			fmt.Fprintf(&sb, "[%s]",
				hex.EncodeToString(key.Fingerprint))
		}
		fmt.Fprintf(&sb, "%s/%d/*", key.XPub, d.chain)
		return sb.String()
	}

	if d.policy.Form == Taproot {
		frag := func(info PathInfo) string {
			if info.IsSingle() {
				return fmt.Sprintf("pk(%s)",
					keyStr(info.Keys[0]))
			}
			keys := make([]string, 0, len(info.Keys))
			for _, key := range info.Keys {
				keys = append(keys, keyStr(key))
			}
			return fmt.Sprintf("multi_a(%d,%s)", info.Threshold,
				strings.Join(keys, ","))
		}

		leaves := make([]string, 0, len(d.policy.Recovery)+1)
		leaves = append(leaves, frag(d.policy.Primary))
		for _, rec := range d.policy.Recovery {
			leaves = append(leaves, fmt.Sprintf(
				"and_v(v:older(%d),%s)", rec.Sequence,
				frag(rec.PathInfo)))
		}

		// Nest leaves as a right-leaning tree: {a,{b,c}}.
		tree := leaves[len(leaves)-1]
		for i := len(leaves) - 2; i >= 0; i-- {
			tree = fmt.Sprintf("{%s,%s}", leaves[i], tree)
		}
		if len(leaves) == 1 {
			tree = leaves[0]
		}
		nums := unspendableInternalKey[2:]
		return fmt.Sprintf("tr(%s,%s)", nums, tree)
	}

	frag := func(info PathInfo) string {
		if info.IsSingle() {
			return fmt.Sprintf("pk(%s)", keyStr(info.Keys[0]))
		}
		keys := make([]string, 0, len(info.Keys))
		for _, key := range info.Keys {
			keys = append(keys, keyStr(key))
		}
		return fmt.Sprintf("multi(%d,%s)", info.Threshold,
			strings.Join(keys, ","))
	}

	recovery := fmt.Sprintf("and_v(v:older(%d),%s)",
		d.policy.Recovery[0].Sequence, frag(d.policy.Recovery[0].PathInfo))
	if len(d.policy.Recovery) > 1 {
		branches := make([]string, 0, len(d.policy.Recovery))
		for _, rec := range d.policy.Recovery {
			branches = append(branches, fmt.Sprintf(
				"and_v(v:older(%d),%s)", rec.Sequence,
				frag(rec.PathInfo)))
		}
		recovery = branches[len(branches)-1]
		for i := len(branches) - 2; i >= 0; i-- {
			recovery = fmt.Sprintf("or_i(%s,%s)", branches[i],
				recovery)
		}
	}

	return fmt.Sprintf("wsh(or_d(%s,%s))", frag(d.policy.Primary),
		recovery)
}

// Equal reports whether two single-path descriptors describe the same
// derivation chain of the same policy.
func (d SinglePathDescriptor) Equal(other SinglePathDescriptor) bool {
	return d.chain == other.chain &&
		d.policy.String() == other.policy.String()
}
