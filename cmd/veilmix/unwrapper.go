// unwrapper.go - Sphinx unwrap collaborator.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"github.com/katzenpost/hpqc/nike"

	kpsphinx "github.com/katzenpost/katzenpost/core/sphinx"
	"github.com/katzenpost/katzenpost/core/sphinx/commands"

	"github.com/veilmix/veilmix/core/sphinx"
)

// sphinxUnwrapper adapts the Katzenpost Sphinx implementation to the
// node's unwrap collaborator interface.  Safe for concurrent use, the
// underlying Sphinx instance is stateless.
type sphinxUnwrapper struct {
	sphinx     *kpsphinx.Sphinx
	privateKey nike.PrivateKey
}

func (u *sphinxUnwrapper) Unwrap(raw []byte) (*sphinx.UnwrapResult, error) {
	// Unwrap operates on the packet in place, the re-encrypted inner
	// packet for forward results is the mutated buffer itself.
	buf := make([]byte, len(raw))
	copy(buf, raw)

	payload, tag, cmds, err := u.sphinx.Unwrap(u.privateKey, buf)
	if err != nil {
		return nil, err
	}

	res := &sphinx.UnwrapResult{Tag: tag}
	for _, cmd := range cmds {
		if nextHop, ok := cmd.(*commands.NextNodeHop); ok {
			hop := new([sphinx.NodeIDLength]byte)
			copy(hop[:], nextHop.ID[:])
			res.NextHop = hop
		}
	}
	if res.IsForward() {
		res.Payload = buf
	} else {
		res.Payload = payload
	}
	return res, nil
}
