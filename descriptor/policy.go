// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements the wallet's spending policy model: a
// primary path and any number of recovery paths, each a threshold of keys
// and each recovery path unlocked after a path-specific relative timelock.
// The policy is pure data and derivation logic, it performs no I/O.
package descriptor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ScriptForm selects the script encoding of the policy. The P2WSH form is
// compatible with older script semantics, the Taproot form supports a
// broader key-type range and cheaper spends on the primary path.
type ScriptForm uint8

const (
	// P2WSH encodes the policy as a version 0 witness script.
	P2WSH ScriptForm = iota

	// Taproot encodes each spending path as a tapscript leaf under an
	// unspendable internal key.
	Taproot
)

// String returns the policy-string prefix for the form.
func (f ScriptForm) String() string {
	if f == Taproot {
		return "tr"
	}
	return "wsh"
}

// maxWshPathKeys is the OP_CHECKMULTISIG key limit, which bounds the number
// of keys a P2WSH spending path can carry.
const maxWshPathKeys = 20

var (
	// ErrEmptyPath is returned when constructing a policy with a
	// spending path that has no keys.
	ErrEmptyPath = errors.New("spending path must contain at least one key")

	// ErrInvalidThreshold is returned when a threshold is zero or larger
	// than the number of keys of its path.
	ErrInvalidThreshold = errors.New(
		"threshold must be in [1, number of keys]")

	// ErrDuplicateKey is returned when the same key appears twice in a
	// spending path.
	ErrDuplicateKey = errors.New("duplicate key in spending path")

	// ErrTooManyKeys is returned when a P2WSH path exceeds the
	// OP_CHECKMULTISIG key limit.
	ErrTooManyKeys = fmt.Errorf(
		"a wsh spending path supports at most %d keys", maxWshPathKeys)

	// ErrNoRecoveryPath is returned when constructing a policy without
	// any recovery path.
	ErrNoRecoveryPath = errors.New(
		"policy must have at least one recovery path")

	// ErrZeroSequence is returned when a recovery path carries a zero
	// relative timelock.
	ErrZeroSequence = errors.New(
		"recovery path sequence must be non-zero")

	// ErrDuplicateSequence is returned when two recovery paths share the
	// same relative timelock, which would make both simultaneously
	// eligible.
	ErrDuplicateSequence = errors.New(
		"recovery path sequences must be distinct")

	// ErrInvalidPolicy is returned when a policy string cannot be
	// parsed.
	ErrInvalidPolicy = errors.New("invalid policy string")

	// ErrChecksumMismatch is returned when the checksum appended to a
	// policy string does not match its body.
	ErrChecksumMismatch = errors.New("policy checksum mismatch")
)

// PathInfo describes one spending path: a threshold of keys. It is never
// empty.
type PathInfo struct {
	Threshold int
	Keys      []Key
}

// SinglePath returns a path spendable by a single key.
func SinglePath(key Key) PathInfo {
	return PathInfo{Threshold: 1, Keys: []Key{key}}
}

// MultiPath returns a path spendable by a threshold of the given keys.
func MultiPath(threshold int, keys []Key) PathInfo {
	return PathInfo{Threshold: threshold, Keys: keys}
}

// IsSingle reports whether the path is a plain single-key path.
func (p PathInfo) IsSingle() bool {
	return len(p.Keys) == 1 && p.Threshold == 1
}

func (p PathInfo) validate(form ScriptForm) error {
	if len(p.Keys) == 0 {
		return ErrEmptyPath
	}
	if p.Threshold < 1 || p.Threshold > len(p.Keys) {
		return fmt.Errorf("%w: got %d of %d", ErrInvalidThreshold,
			p.Threshold, len(p.Keys))
	}
	if form == P2WSH && len(p.Keys) > maxWshPathKeys {
		return ErrTooManyKeys
	}
	seen := make(map[string]struct{}, len(p.Keys))
	for _, key := range p.Keys {
		s := key.String()
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// String encodes the path as "pk(KEY)" or "thresh(k,KEY,...)".
func (p PathInfo) String() string {
	if p.IsSingle() {
		return fmt.Sprintf("pk(%s)", p.Keys[0])
	}
	parts := make([]string, 0, len(p.Keys)+1)
	parts = append(parts, strconv.Itoa(p.Threshold))
	for _, key := range p.Keys {
		parts = append(parts, key.String())
	}
	return fmt.Sprintf("thresh(%s)", strings.Join(parts, ","))
}

// RecoveryPath is a spending path that only becomes exercisable on a coin
// once its relative timelock has elapsed since the coin's confirmation.
type RecoveryPath struct {
	// Sequence is the relative timelock, in blocks.
	Sequence uint16

	PathInfo
}

// Policy is the wallet's spending conditions: one primary path, always
// spendable, and one or more timelocked recovery paths. Recovery paths are
// kept ordered by ascending sequence. A Policy is immutable for the
// lifetime of a wallet instance.
type Policy struct {
	Form     ScriptForm
	Primary  PathInfo
	Recovery []RecoveryPath
}

// NewPolicy validates and constructs a policy. Construction is the only
// place policy errors can surface: a policy that loaded is safe to derive
// from for the rest of the process lifetime.
func NewPolicy(form ScriptForm, primary PathInfo,
	recovery []RecoveryPath) (*Policy, error) {

	if err := primary.validate(form); err != nil {
		return nil, fmt.Errorf("primary path: %w", err)
	}
	if len(recovery) == 0 {
		return nil, ErrNoRecoveryPath
	}

	seqs := make(map[uint16]struct{}, len(recovery))
	for _, rec := range recovery {
		if err := rec.validate(form); err != nil {
			return nil, fmt.Errorf("recovery path %d: %w",
				rec.Sequence, err)
		}
		if rec.Sequence == 0 {
			return nil, ErrZeroSequence
		}
		if _, ok := seqs[rec.Sequence]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateSequence,
				rec.Sequence)
		}
		seqs[rec.Sequence] = struct{}{}
	}

	sorted := make([]RecoveryPath, len(recovery))
	copy(sorted, recovery)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	return &Policy{Form: form, Primary: primary, Recovery: sorted}, nil
}

// body returns the policy string without its checksum.
func (p *Policy) body() string {
	var sb strings.Builder
	sb.WriteString(p.Form.String())
	sb.WriteString("(primary(")
	sb.WriteString(p.Primary.String())
	sb.WriteByte(')')
	for _, rec := range p.Recovery {
		fmt.Fprintf(&sb, ",recovery(%d,%s)", rec.Sequence,
			rec.PathInfo)
	}
	sb.WriteByte(')')
	return sb.String()
}

// String returns the canonical policy string with its checksum appended.
func (p *Policy) String() string {
	body := p.body()
	sum, err := Checksum(body)
	if err != nil {
		// The canonical encoding only emits charset characters.
		panic(fmt.Sprintf("unencodable policy body: %v", err))
	}
	return body + "#" + sum
}

// WalletID returns the checksum of the policy string. It is the wallet's
// stable identifier across configuration files and datadirs.
func (p *Policy) WalletID() string {
	s := p.String()
	return s[strings.LastIndexByte(s, '#')+1:]
}

// ReceiveDescriptor returns the single-path view of the policy deriving
// deposit addresses.
func (p *Policy) ReceiveDescriptor() SinglePathDescriptor {
	return SinglePathDescriptor{policy: p, chain: ReceiveChain}
}

// ChangeDescriptor returns the single-path view of the policy deriving
// change addresses.
func (p *Policy) ChangeDescriptor() SinglePathDescriptor {
	return SinglePathDescriptor{policy: p, chain: ChangeChain}
}

// SinglePathDescriptors returns the receive and change views of the policy,
// in that order.
func (p *Policy) SinglePathDescriptors() []SinglePathDescriptor {
	return []SinglePathDescriptor{
		p.ReceiveDescriptor(), p.ChangeDescriptor(),
	}
}

// MaxSequence returns the largest relative timelock across recovery paths,
// after which every spending path of a confirmed coin is exercisable.
func (p *Policy) MaxSequence() uint16 {
	return p.Recovery[len(p.Recovery)-1].Sequence
}

// RemainingSequence returns the number of blocks that still have to elapse
// before a path with the given relative timelock can spend a coin confirmed
// at confHeight, as seen from tipHeight. It is never negative. Unconfirmed
// coins have no defined remaining sequence and must not be passed here.
func RemainingSequence(sequence uint16, confHeight, tipHeight int32) uint32 {
	elapsed := int64(tipHeight) - int64(confHeight)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= int64(sequence) {
		return 0
	}
	return uint32(int64(sequence) - elapsed)
}

// ParsePolicy parses a canonical policy string, verifying its checksum if
// one is present.
func ParsePolicy(s string) (*Policy, error) {
	body := s
	if idx := strings.LastIndexByte(s, '#'); idx >= 0 {
		body, expected := s[:idx], s[idx+1:]
		sum, err := Checksum(body)
		if err != nil {
			return nil, err
		}
		if sum != expected {
			return nil, fmt.Errorf("%w: expected %s, got %s",
				ErrChecksumMismatch, sum, expected)
		}
		return parsePolicyBody(body)
	}
	return parsePolicyBody(body)
}

func parsePolicyBody(s string) (*Policy, error) {
	var form ScriptForm
	switch {
	case strings.HasPrefix(s, "wsh(") && strings.HasSuffix(s, ")"):
		form = P2WSH
		s = s[len("wsh(") : len(s)-1]
	case strings.HasPrefix(s, "tr(") && strings.HasSuffix(s, ")"):
		form = Taproot
		s = s[len("tr(") : len(s)-1]
	default:
		return nil, fmt.Errorf("%w: unknown script form",
			ErrInvalidPolicy)
	}

	var (
		primary    *PathInfo
		recoveries []RecoveryPath
	)
	for _, frag := range splitTopLevel(s) {
		switch {
		case strings.HasPrefix(frag, "primary(") &&
			strings.HasSuffix(frag, ")"):

			if primary != nil {
				return nil, fmt.Errorf("%w: duplicate "+
					"primary path", ErrInvalidPolicy)
			}
			inner := frag[len("primary(") : len(frag)-1]
			info, err := parsePathInfo(inner)
			if err != nil {
				return nil, err
			}
			primary = &info

		case strings.HasPrefix(frag, "recovery(") &&
			strings.HasSuffix(frag, ")"):

			inner := frag[len("recovery(") : len(frag)-1]
			comma := strings.IndexByte(inner, ',')
			if comma < 0 {
				return nil, fmt.Errorf("%w: recovery "+
					"fragment without sequence",
					ErrInvalidPolicy)
			}
			seq, err := strconv.ParseUint(inner[:comma], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: bad sequence "+
					"'%s'", ErrInvalidPolicy,
					inner[:comma])
			}
			info, err := parsePathInfo(inner[comma+1:])
			if err != nil {
				return nil, err
			}
			recoveries = append(recoveries, RecoveryPath{
				Sequence: uint16(seq),
				PathInfo: info,
			})

		default:
			return nil, fmt.Errorf("%w: unknown fragment '%s'",
				ErrInvalidPolicy, frag)
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("%w: missing primary path",
			ErrInvalidPolicy)
	}

	return NewPolicy(form, *primary, recoveries)
}

func parsePathInfo(s string) (PathInfo, error) {
	switch {
	case strings.HasPrefix(s, "pk(") && strings.HasSuffix(s, ")"):
		key, err := ParseKey(s[len("pk(") : len(s)-1])
		if err != nil {
			return PathInfo{}, err
		}
		return SinglePath(key), nil

	case strings.HasPrefix(s, "thresh(") && strings.HasSuffix(s, ")"):
		parts := splitTopLevel(s[len("thresh(") : len(s)-1])
		if len(parts) < 2 {
			return PathInfo{}, fmt.Errorf("%w: thresh needs a "+
				"threshold and at least one key",
				ErrInvalidPolicy)
		}
		thresh, err := strconv.Atoi(parts[0])
		if err != nil {
			return PathInfo{}, fmt.Errorf("%w: bad threshold "+
				"'%s'", ErrInvalidPolicy, parts[0])
		}
		keys := make([]Key, 0, len(parts)-1)
		for _, part := range parts[1:] {
			key, err := ParseKey(part)
			if err != nil {
				return PathInfo{}, err
			}
			keys = append(keys, key)
		}
		return MultiPath(thresh, keys), nil
	}

	return PathInfo{}, fmt.Errorf("%w: unknown path fragment '%s'",
		ErrInvalidPolicy, s)
}

// splitTopLevel splits s at commas that are not nested inside parentheses
// or brackets.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '<':
			depth++
		case ')', ']', '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}
