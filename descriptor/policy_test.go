// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testKey derives a deterministic extended public key from the given seed
// byte, with a matching dummy origin fingerprint.
func testKey(t *testing.T, seed byte) Key {
	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{seed}, 32), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)
	xpub, err := master.Neuter()
	require.NoError(t, err)

	key, err := ParseKey(fmt.Sprintf("[%02x%02x%02x%02x]%s/<0;1>/*",
		seed, seed, seed, seed, xpub))
	require.NoError(t, err)
	return key
}

// testKeys derives count distinct keys.
func testKeys(t *testing.T, count int) []Key {
	t.Helper()

	keys := make([]Key, 0, count)
	for i := 0; i < count; i++ {
		keys = append(keys, testKey(t, byte(i+1)))
	}
	return keys
}

func testPolicy(t *testing.T, form ScriptForm) *Policy {
	t.Helper()

	keys := testKeys(t, 4)
	policy, err := NewPolicy(form, SinglePath(keys[0]), []RecoveryPath{
		{
			Sequence: 25920,
			PathInfo: MultiPath(2, keys[1:4]),
		},
	})
	require.NoError(t, err)
	return policy
}

func TestNewPolicyValidation(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 25)
	recovery := []RecoveryPath{{
		Sequence: 1000,
		PathInfo: SinglePath(keys[1]),
	}}

	// A policy needs at least one recovery path.
	_, err := NewPolicy(P2WSH, SinglePath(keys[0]), nil)
	require.ErrorIs(t, err, ErrNoRecoveryPath)

	// A zero sequence would make the recovery path immediately
	// available.
	_, err = NewPolicy(P2WSH, SinglePath(keys[0]), []RecoveryPath{{
		Sequence: 0,
		PathInfo: SinglePath(keys[1]),
	}})
	require.ErrorIs(t, err, ErrZeroSequence)

	// Two recovery paths may not share a sequence.
	_, err = NewPolicy(P2WSH, SinglePath(keys[0]), []RecoveryPath{
		{Sequence: 500, PathInfo: SinglePath(keys[1])},
		{Sequence: 500, PathInfo: SinglePath(keys[2])},
	})
	require.ErrorIs(t, err, ErrDuplicateSequence)

	// Paths must carry at least one key.
	_, err = NewPolicy(P2WSH, PathInfo{}, recovery)
	require.ErrorIs(t, err, ErrEmptyPath)

	// Thresholds are bounded by the key count.
	_, err = NewPolicy(P2WSH, MultiPath(0, keys[:3]), recovery)
	require.ErrorIs(t, err, ErrInvalidThreshold)
	_, err = NewPolicy(P2WSH, MultiPath(4, keys[:3]), recovery)
	require.ErrorIs(t, err, ErrInvalidThreshold)

	// The same key can't appear twice within a path.
	_, err = NewPolicy(P2WSH,
		MultiPath(2, []Key{keys[0], keys[0]}), recovery)
	require.ErrorIs(t, err, ErrDuplicateKey)

	// The wsh form is bounded by the CHECKMULTISIG key limit, the
	// taproot form is not.
	_, err = NewPolicy(P2WSH, MultiPath(2, keys[:21]), recovery)
	require.ErrorIs(t, err, ErrTooManyKeys)
	_, err = NewPolicy(Taproot, MultiPath(2, keys[:21]), recovery)
	require.NoError(t, err)

	// The same key may be reused across paths.
	policy, err := NewPolicy(P2WSH, SinglePath(keys[0]), []RecoveryPath{{
		Sequence: 1000,
		PathInfo: SinglePath(keys[0]),
	}})
	require.NoError(t, err)
	require.NotNil(t, policy)
}

func TestPolicyRecoveryOrdering(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 4)
	policy, err := NewPolicy(Taproot, SinglePath(keys[0]),
		[]RecoveryPath{
			{Sequence: 52560, PathInfo: SinglePath(keys[1])},
			{Sequence: 1000, PathInfo: SinglePath(keys[2])},
			{Sequence: 25920, PathInfo: SinglePath(keys[3])},
		})
	require.NoError(t, err)

	require.Equal(t, uint16(1000), policy.Recovery[0].Sequence)
	require.Equal(t, uint16(25920), policy.Recovery[1].Sequence)
	require.Equal(t, uint16(52560), policy.Recovery[2].Sequence)
	require.Equal(t, uint16(52560), policy.MaxSequence())
}

func TestPolicyStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, form := range []ScriptForm{P2WSH, Taproot} {
		policy := testPolicy(t, form)
		s := policy.String()

		// The string carries an 8 character checksum.
		idx := strings.LastIndexByte(s, '#')
		require.Greater(t, idx, 0)
		require.Len(t, s[idx+1:], 8)

		parsed, err := ParsePolicy(s)
		require.NoError(t, err)
		require.Equal(t, s, parsed.String())
		require.Equal(t, policy.Form, parsed.Form)
		require.Equal(t, len(policy.Recovery), len(parsed.Recovery))

		// The wallet id is the checksum.
		require.Equal(t, s[idx+1:], policy.WalletID())

		// A policy string without a checksum is accepted too.
		parsed, err = ParsePolicy(s[:idx])
		require.NoError(t, err)
		require.Equal(t, s, parsed.String())
	}
}

func TestParsePolicyChecksumMismatch(t *testing.T) {
	t.Parallel()

	policy := testPolicy(t, P2WSH)
	s := policy.String()

	// Corrupt the checksum.
	corrupted := s[:len(s)-1] + flipChecksumChar(s[len(s)-1])
	_, err := ParsePolicy(corrupted)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// Corrupt the body while keeping the old checksum.
	corrupted = strings.Replace(s, "recovery(25920", "recovery(25921", 1)
	_, err = ParsePolicy(corrupted)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func flipChecksumChar(c byte) string {
	if c == 'q' {
		return "p"
	}
	return "q"
}

func TestParsePolicyErrors(t *testing.T) {
	t.Parallel()

	key := testKey(t, 1).String()

	for _, invalid := range []string{
		"",
		"garbage",
		"sh(primary(pk(" + key + ")))",
		"wsh(primary(pk(" + key + ")))",
		"wsh(recovery(1000,pk(" + key + ")))",
		"wsh(primary(pk(" + key + ")),unknown(pk(" + key + ")))",
		"wsh(primary(pk(" + key + ")),recovery(pk(" + key + ")))",
		"wsh(primary(pk(" + key + ")),recovery(100000000,pk(" + key +
			")))",
		"wsh(primary(pk(" + key + ")),primary(pk(" + key +
			")),recovery(10,pk(" + key + ")))",
	} {
		_, err := ParsePolicy(invalid)
		require.Error(t, err, "expected an error for '%s'", invalid)
	}

	// Private keys are rejected at the key level.
	_, err := ParseKey("xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq" +
		"3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi" +
		"/<0;1>/*")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRemainingSequence(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		sequence   uint16
		confHeight int32
		tipHeight  int32
		expected   uint32
	}{
		{
			name:       "just confirmed",
			sequence:   1000,
			confHeight: 100,
			tipHeight:  100,
			expected:   1000,
		},
		{
			name:       "halfway there",
			sequence:   1000,
			confHeight: 100,
			tipHeight:  600,
			expected:   500,
		},
		{
			name:       "one block short",
			sequence:   1000,
			confHeight: 100,
			tipHeight:  1099,
			expected:   1,
		},
		{
			name:       "exactly elapsed",
			sequence:   1000,
			confHeight: 100,
			tipHeight:  1100,
			expected:   0,
		},
		{
			name:       "long elapsed",
			sequence:   1000,
			confHeight: 100,
			tipHeight:  500000,
			expected:   0,
		},
		{
			name:       "tip behind confirmation",
			sequence:   1000,
			confHeight: 100,
			tipHeight:  50,
			expected:   1000,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, RemainingSequence(
				tc.sequence, tc.confHeight, tc.tipHeight,
			))
		})
	}
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	sum, err := Checksum("wsh(primary(pk(abc)))")
	require.NoError(t, err)
	require.Len(t, sum, 8)

	// Deterministic.
	again, err := Checksum("wsh(primary(pk(abc)))")
	require.NoError(t, err)
	require.Equal(t, sum, again)

	// Sensitive to the body.
	other, err := Checksum("wsh(primary(pk(abd)))")
	require.NoError(t, err)
	require.NotEqual(t, sum, other)

	// Characters outside the descriptor charset are rejected.
	_, err = Checksum("wsh(primary(pk(é)))")
	require.Error(t, err)
}
