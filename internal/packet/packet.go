// packet.go - Mix node packet structure.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the pipeline's packet structure.  A Packet is
// owned by exactly one pipeline stage at a time and moves stage to stage
// until it reaches a terminal outcome.
package packet

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilmix/veilmix/core/sphinx"
)

var (
	// ErrWrongSize is the decode failure for a buffer that does not match
	// the network's fixed packet size.
	ErrWrongSize = errors.New("packet: wrong packet size")

	// ErrTruncated is the decode failure for a partial frame.
	ErrTruncated = errors.New("packet: truncated packet")

	pktPool = sync.Pool{
		New: func() interface{} {
			return new(Packet)
		},
	}
	pktID uint64
)

// Packet is a packet moving through the processing pipeline.
type Packet struct {
	Geometry *sphinx.Geometry

	// Raw is the fixed wire-size packet body.  After a successful unwrap
	// of a forward packet it holds the re-encrypted inner packet.
	Raw []byte

	// Payload is the final delivery payload, set only when this node is
	// the packet's destination.
	Payload []byte

	// NextNodeHop is the forwarding destination, nil for delivery
	// packets.
	NextNodeHop *[sphinx.NodeIDLength]byte

	ID         uint64
	Delay      time.Duration
	RecvAt     time.Time
	DispatchAt time.Time
}

// IsForward returns true iff the packet is destined for another hop.
func (pkt *Packet) IsForward() bool {
	return pkt.NextNodeHop != nil
}

// SetForward marks the packet as a forward packet to the given hop,
// replacing the raw body with the re-encrypted inner packet.
func (pkt *Packet) SetForward(nextHop *[sphinx.NodeIDLength]byte, inner []byte) error {
	if len(inner) != pkt.Geometry.PacketLength {
		return ErrWrongSize
	}
	hop := new([sphinx.NodeIDLength]byte)
	copy(hop[:], nextHop[:])
	pkt.NextNodeHop = hop
	copy(pkt.Raw, inner)
	pkt.Payload = nil
	return nil
}

// SetDeliver marks the packet as terminating at this node with the given
// delivery payload.
func (pkt *Packet) SetDeliver(payload []byte) {
	pkt.NextNodeHop = nil
	pkt.Payload = payload
}

// Dispose clears the packet structure and returns it to the allocation
// pool.  The raw body is zeroed first since it may still hold key
// dependent material.
func (pkt *Packet) Dispose() {
	if pkt.Raw != nil {
		clear(pkt.Raw)
		pkt.Raw = nil
	}
	pkt.Payload = nil
	pkt.NextNodeHop = nil
	pkt.Geometry = nil
	pkt.ID = 0
	pkt.Delay = 0
	pkt.RecvAt = time.Time{}
	pkt.DispatchAt = time.Time{}

	pktPool.Put(pkt)
}

// New decodes raw into a freshly allocated Packet.  This is the one place
// size validation happens; all further validation is cryptographic and
// happens at unwrap.
func New(raw []byte, g *sphinx.Geometry) (*Packet, error) {
	switch {
	case len(raw) == g.PacketLength:
	case len(raw) < g.PacketLength:
		return nil, ErrTruncated
	default:
		return nil, ErrWrongSize
	}

	pkt := pktPool.Get().(*Packet)
	pkt.Geometry = g
	pkt.ID = atomic.AddUint64(&pktID, 1)
	pkt.Raw = make([]byte, g.PacketLength)
	copy(pkt.Raw, raw)
	return pkt, nil
}

// NewWithID reconstitutes a packet that round-tripped through external
// storage, preserving its original pipeline identifier.
func NewWithID(raw []byte, id uint64, g *sphinx.Geometry) (*Packet, error) {
	pkt, err := New(raw, g)
	if err != nil {
		return nil, err
	}
	pkt.ID = id
	return pkt, nil
}
