// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"strings"
)

// The character set used in the policy string body, ordered so that the
// checksum catches the most likely character-level errors. It is the same
// set output descriptors use, which keeps our checksums compatible with
// external tooling that computes descriptor checksums.
const inputCharset = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

// The character set of the checksum itself.
const checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// ErrInvalidChecksumChar is returned when the policy body contains a
// character outside the checksum input alphabet.
var ErrInvalidChecksumChar = errors.New("invalid character in policy string")

var checksumGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func checksumPolymod(symbols []int) uint64 {
	chk := uint64(1)
	for _, value := range symbols {
		top := chk >> 35
		chk = (chk&0x7ffffffff)<<5 ^ uint64(value)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= checksumGenerator[i]
			}
		}
	}
	return chk
}

func checksumExpand(s string) ([]int, error) {
	var symbols, groups []int
	for _, c := range s {
		pos := strings.IndexRune(inputCharset, c)
		if pos < 0 {
			return nil, ErrInvalidChecksumChar
		}
		symbols = append(symbols, pos&31)
		groups = append(groups, pos>>5)
		if len(groups) == 3 {
			symbols = append(symbols,
				groups[0]*9+groups[1]*3+groups[2])
			groups = nil
		}
	}
	switch len(groups) {
	case 1:
		symbols = append(symbols, groups[0])
	case 2:
		symbols = append(symbols, groups[0]*3+groups[1])
	}
	return symbols, nil
}

// Checksum computes the 8-character checksum of a policy string body (the
// part before the '#').
func Checksum(body string) (string, error) {
	symbols, err := checksumExpand(body)
	if err != nil {
		return "", err
	}
	symbols = append(symbols, make([]int, 8)...)
	chk := checksumPolymod(symbols) ^ 1

	var sb strings.Builder
	for i := 0; i < 8; i++ {
		sb.WriteByte(checksumCharset[(chk>>uint(5*(7-i)))&31])
	}
	return sb.String(), nil
}
