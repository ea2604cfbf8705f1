// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package poller

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/revault/minisafe/descriptor"
)

// addrInfo locates a deposit address within the policy's descriptors.
type addrInfo struct {
	index    uint32
	isChange bool
}

// addressCache maps deposit addresses back to their derivation index. It
// keeps both chains derived up to the watermark plus the lookahead window,
// extending lazily as the watermarks advance.
type addressCache struct {
	policy *descriptor.Policy
	params *chaincfg.Params

	byAddr map[string]addrInfo

	// nextReceive and nextChange are the first underived indexes.
	nextReceive uint32
	nextChange  uint32
}

func newAddressCache(policy *descriptor.Policy,
	params *chaincfg.Params) *addressCache {

	return &addressCache{
		policy: policy,
		params: params,
		byAddr: make(map[string]addrInfo),
	}
}

// lookup resolves a deposit address to its derivation index, given the
// current watermarks. The bool return is false for addresses beyond the
// lookahead window.
func (c *addressCache) lookup(addr btcutil.Address, receiveIndex,
	changeIndex uint32) (addrInfo, bool, error) {

	if err := c.extend(receiveIndex, changeIndex); err != nil {
		return addrInfo{}, false, err
	}

	info, ok := c.byAddr[addr.EncodeAddress()]
	return info, ok, nil
}

func (c *addressCache) extend(receiveIndex, changeIndex uint32) error {
	derive := func(desc descriptor.SinglePathDescriptor, from,
		to uint32, isChange bool) error {

		for index := from; index < to; index++ {
			addr, err := desc.Address(index, c.params)
			if err != nil {
				return err
			}
			c.byAddr[addr.EncodeAddress()] = addrInfo{
				index:    index,
				isChange: isChange,
			}
		}
		return nil
	}

	if target := receiveIndex + addressLookahead; target > c.nextReceive {
		err := derive(c.policy.ReceiveDescriptor(), c.nextReceive,
			target, false)
		if err != nil {
			return err
		}
		c.nextReceive = target
	}
	if target := changeIndex + addressLookahead; target > c.nextChange {
		err := derive(c.policy.ChangeDescriptor(), c.nextChange,
			target, true)
		if err != nil {
			return err
		}
		c.nextChange = target
	}

	return nil
}
