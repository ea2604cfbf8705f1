// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	// ReceiveChain is the derivation sub-path for deposit addresses.
	ReceiveChain uint32 = 0

	// ChangeChain is the derivation sub-path for change addresses.
	ChangeChain uint32 = 1

	// multipathSuffix is the only derivation suffix we accept on keys. A
	// single extended public key yields both the receive and change
	// address chains.
	multipathSuffix = "/<0;1>/*"
)

var (
	// ErrInvalidKey is returned when a key in a policy string cannot be
	// parsed.
	ErrInvalidKey = errors.New("invalid descriptor key")

	// ErrMissingMultipath is returned when a key does not carry the
	// receive/change multipath suffix.
	ErrMissingMultipath = errors.New(
		"descriptor key must end with '/<0;1>/*'")
)

// Key is an extended public key used in a spending path, with an optional
// master key fingerprint identifying its origin. Each key is expanded at
// address derivation time into a receive and a change sub-path.
type Key struct {
	// Fingerprint is the BIP32 fingerprint of the master this key was
	// derived from, or nil if no origin was provided.
	Fingerprint []byte

	// XPub is the extended public key itself.
	XPub *hdkeychain.ExtendedKey
}

// ParseKey parses a key of the form "[aabbccdd]xpub.../<0;1>/*". The origin
// fingerprint is optional.
func ParseKey(s string) (Key, error) {
	var key Key

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return key, fmt.Errorf("%w: unterminated origin in "+
				"'%s'", ErrInvalidKey, s)
		}
		fg, err := hex.DecodeString(s[1:end])
		if err != nil || len(fg) != 4 {
			return key, fmt.Errorf("%w: bad origin fingerprint "+
				"in '%s'", ErrInvalidKey, s)
		}
		key.Fingerprint = fg
		s = s[end+1:]
	}

	if !strings.HasSuffix(s, multipathSuffix) {
		return key, ErrMissingMultipath
	}
	s = strings.TrimSuffix(s, multipathSuffix)

	xpub, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return key, fmt.Errorf("%w: '%s': %v", ErrInvalidKey, s, err)
	}
	if xpub.IsPrivate() {
		return key, fmt.Errorf("%w: private keys are not accepted",
			ErrInvalidKey)
	}
	key.XPub = xpub

	return key, nil
}

// String returns the canonical encoding of the key, the inverse of ParseKey.
func (k Key) String() string {
	var sb strings.Builder
	if k.Fingerprint != nil {
		sb.WriteByte('[')
		sb.WriteString(hex.EncodeToString(k.Fingerprint))
		sb.WriteByte(']')
	}
	sb.WriteString(k.XPub.String())
	sb.WriteString(multipathSuffix)
	return sb.String()
}

// DerivePubKey derives the public key at the given chain (receive or
// change) and index.
func (k Key) DerivePubKey(chain, index uint32) (*btcec.PublicKey, error) {
	chainKey, err := k.XPub.Derive(chain)
	if err != nil {
		return nil, err
	}
	childKey, err := chainKey.Derive(index)
	if err != nil {
		return nil, err
	}
	return childKey.ECPubKey()
}

// Equal reports whether two keys have the same origin and extended public
// key.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}
