// sphinx.go - Layered packet unwrap collaborator interface.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package sphinx defines the interface to the Sphinx-style layered packet
// cryptography, along with the packet geometry shared by the whole mix
// network.  The actual group element and stream cipher operations live in
// an external implementation of the Unwrapper interface; this node only
// cares about the shape of the result.
package sphinx

import (
	"errors"
	"fmt"
)

const (
	// NodeIDLength is the length of a node identifier in bytes.
	NodeIDLength = 32

	// TagLength is the length of a replay tag in bytes.
	TagLength = 32
)

// Geometry describes the fixed wire geometry of the network's packets.
// Every packet on the wire is exactly PacketLength bytes so that packets
// are indistinguishable by size.
type Geometry struct {
	// PacketLength is the length of a packet in bytes.
	PacketLength int
}

// Validate returns an error iff the geometry is invalid.
func (g *Geometry) Validate() error {
	if g == nil {
		return errors.New("sphinx: no geometry provided")
	}
	if g.PacketLength <= 0 {
		return fmt.Errorf("sphinx: invalid packet length: %v", g.PacketLength)
	}
	return nil
}

// String returns a human readable representation of the geometry.
func (g *Geometry) String() string {
	return fmt.Sprintf("sphinx geometry: PacketLength: %v", g.PacketLength)
}

// DefaultGeometry returns the geometry used by the test network.
func DefaultGeometry() *Geometry {
	return &Geometry{
		PacketLength: 3082,
	}
}

// UnwrapResult is the output of a successful single layer unwrap.
type UnwrapResult struct {
	// NextHop is the identifier of the next hop iff the packet is to be
	// forwarded, nil iff this node is the packet's final destination.
	NextHop *[NodeIDLength]byte

	// Payload is the re-encrypted inner packet (for forward results,
	// exactly PacketLength bytes), or the final delivery payload.
	Payload []byte

	// Tag is the replay tag deterministically derived from the packet's
	// cryptographic material, exactly TagLength bytes.
	Tag []byte
}

// IsForward returns true iff the result instructs this node to relay the
// payload to another hop.
func (r *UnwrapResult) IsForward() bool {
	return r.NextHop != nil
}

// Unwrapper removes a single encryption layer from a packet using the
// node's static private key, which is held by the implementation.  An
// implementation MUST reject malformed and integrity-check-failed packets
// with an error, and MUST be safe for concurrent use.
type Unwrapper interface {
	Unwrap(raw []byte) (*UnwrapResult, error)
}
