// outgoing_conn.go - Mix node outgoing connection handler.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package outgoing

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/core/wire"
	"github.com/veilmix/veilmix/internal/constants"
	"github.com/veilmix/veilmix/internal/debug"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/packet"
)

const (
	retryIncrement = 5 * time.Second
	maxRetryDelay  = 2 * time.Minute
)

var outgoingConnID uint64

type outgoingConn struct {
	co  *connector
	log *logging.Logger

	dstID [sphinx.NodeIDLength]byte
	ch    chan *packet.Packet

	id         uint64
	retryDelay time.Duration

	// A packet whose send failed mid-connection, carried across the
	// reconnect so its attempt budget can be spent.
	unsentPkt      *packet.Packet
	unsentAttempts int
}

func (c *outgoingConn) dispatchPacket(pkt *packet.Packet) {
	select {
	case c.ch <- pkt:
	default:
		// Drop-tail.  The drops here should basically only happen if the
		// link is down, since the connection worker will handle dropping
		// packets when the link is congested.
		//
		// Note: Not logging here because this would get spammy, and we may
		// be under catastrophic load, in which case we can't afford to log.
		instrument.PacketsDropped()
		c.co.glue.Admission().Release()
		pkt.Dispose()
	}
}

func (c *outgoingConn) dropPkt(pkt *packet.Packet) {
	instrument.PacketsDropped()
	c.co.glue.Admission().Release()
	pkt.Dispose()
}

func (c *outgoingConn) worker() {
	defer func() {
		c.log.Debugf("Halting connect worker.")
		c.co.onClosedConn(c)
		if c.unsentPkt != nil {
			c.dropPkt(c.unsentPkt)
			c.unsentPkt = nil
		}
		// Release the in-flight slots of anything still queued.
		for {
			select {
			case pkt := <-c.ch:
				c.dropPkt(pkt)
			default:
				return
			}
		}
	}()

	dialCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	dialer := net.Dialer{
		KeepAlive: constants.KeepAliveInterval,
		Timeout:   time.Duration(c.co.glue.Config().Debug.ConnectTimeout) * time.Millisecond,
	}
	go func() {
		// Bolt the halt channel to the dial canceler, such that closing
		// either results in the dial context being canceled.
		select {
		case <-c.co.closeAllCh:
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	// Establish the outgoing connection.
	for {
		// Check to see if the connection should be made in the first place
		// by seeing if the peer is in the topology.  Without something like
		// this, stale connections can get stuck in the dialing state since
		// the connector relies on outgoingConn objects to remove themselves
		// from the connection table.
		doc := c.co.glue.Topology()
		if doc == nil {
			c.log.Debugf("Bailing out of Dial loop, no topology.")
			return
		}
		desc, ok := doc.GetNode(&c.dstID)
		if !ok {
			c.log.Debugf("Bailing out of Dial loop, no longer in topology.")
			return
		}

		// The list of addresses could have changed, the descriptor from the
		// most current topology is authoritative.
		dstAddrs := desc.Addresses
		if len(dstAddrs) == 0 {
			// Should *NEVER* happen because descriptors MUST have at least
			// one address to be considered valid.
			c.log.Warningf("Bailing out of Dial loop, no suitable addresses found.")
			return
		}

		for _, addr := range dstAddrs {
			select {
			case <-time.After(c.retryDelay):
				// Back off incrementally on reconnects.
				c.retryDelay += retryIncrement
				if c.retryDelay > maxRetryDelay {
					c.retryDelay = maxRetryDelay
				}
			case <-dialCtx.Done():
				// Canceled mid-retry delay.
				c.log.Debugf("(Re)connection attempts canceled.")
				return
			}

			// Dial.
			c.log.Debugf("Dialing: %v", addr)
			conn, err := dialer.DialContext(dialCtx, "tcp", addr)
			select {
			case <-dialCtx.Done():
				// Canceled.
				if conn != nil {
					conn.Close()
				}
				return
			default:
				if err != nil {
					c.log.Warningf("Failed to connect to '%v': %v", addr, err)
					continue
				}
			}
			c.log.Debugf("Connection established.")
			instrument.Outgoing()
			start := time.Now()

			// Handle the new connection.
			if c.onConnEstablished(conn, dialCtx.Done()) {
				// Canceled with a connection established.
				c.log.Debugf("Existing connection canceled.")
				return
			}

			// That's odd, the connection died, reconnect.
			c.log.Debugf("Connection terminated, will reconnect.")
			if time.Since(start) < retryIncrement {
				// If the connection was not alive for a sensible amount of
				// time, re-impose a reconnect delay.
				c.retryDelay = retryIncrement
			}
			break
		}
	}
}

func (c *outgoingConn) onConnEstablished(conn net.Conn, closeCh <-chan struct{}) (wasHalted bool) {
	defer func() {
		c.log.Debugf("TCP connection closed. (wasHalted: %v)", wasHalted)
		conn.Close()
	}()

	c.retryDelay = 0 // Reset the retry delay on successful connects.

	sendSlack := time.Duration(c.co.glue.Config().Debug.SendSlack) * time.Millisecond
	sendTimeout := time.Duration(c.co.glue.Config().Debug.SendTimeout) * time.Millisecond
	sendAttempts := c.co.glue.Config().Debug.SendAttempts

	// Since outgoing connections have no reverse traffic, read from the
	// reverse path to detect that the connection has been closed.
	//
	// Incoming connections do not need similar treatment by virtue of
	// the fact that they are constantly reading.
	peerClosedCh := make(chan interface{})
	go func() {
		var oneByte [1]byte
		if n, err := conn.Read(oneByte[:]); n != 0 || err == nil {
			// This should *NEVER* happen, and is an invariant violation
			// that will force close the connection.
			c.log.Warningf("Peer sent reverse traffic.")
		}
		close(peerClosedCh)
	}()

	// Shuffle packets from the send queue out to the peer.
	for {
		var pkt *packet.Packet
		attempts := 0
		if c.unsentPkt != nil {
			// Re-attempt the packet that was pending when the previous
			// connection died.
			pkt, c.unsentPkt = c.unsentPkt, nil
			attempts = c.unsentAttempts
		} else {
			select {
			case <-peerClosedCh:
				c.log.Debugf("Connection closed by peer.")
				return
			case <-closeCh:
				wasHalted = true
				return
			case pkt = <-c.ch:
			}

			// Check the packet queue dwell time and drop it if it is
			// excessive.
			now := time.Now()
			if now.Sub(pkt.DispatchAt) > sendSlack {
				c.log.Debugf("Dropping packet: %v (Deadline blown by %v)", pkt.ID, now.Sub(pkt.DispatchAt))
				instrument.DeadlineBlownPacketsDropped()
				c.dropPkt(pkt)
				continue
			}
		}

		if err := wire.SendFrame(conn, pkt.Raw, time.Now().Add(sendTimeout)); err != nil {
			attempts++
			if attempts >= sendAttempts {
				c.log.Debugf("Dropping packet: %v (Send attempts exhausted: %v)", pkt.ID, err)
				instrument.UnreachablePacketsDropped()
				c.dropPkt(pkt)
				return
			}
			// Stash the packet for a retry over the next connection.
			c.log.Debugf("Send failed: %v (Attempt %d of %d: %v)", pkt.ID, attempts, sendAttempts, err)
			c.unsentPkt = pkt
			c.unsentAttempts = attempts
			return
		}
		c.log.Debugf("Sent packet: %v", pkt.ID)
		instrument.PacketsForwarded()
		c.co.glue.Admission().Release()
		pkt.Dispose()
	}
}

func newOutgoingConn(co *connector, dstID [sphinx.NodeIDLength]byte) *outgoingConn {
	const maxQueueSize = 64 // TODO/perf: Tune this.

	c := &outgoingConn{
		co:    co,
		dstID: dstID,
		ch:    make(chan *packet.Packet, maxQueueSize),
		id:    atomic.AddUint64(&outgoingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = co.glue.LogBackend().GetLogger(fmt.Sprintf("outgoing:%d", c.id))

	c.log.Debugf("New outgoing connection: %v", debug.NodeIDToPrintString(&dstID))

	// Note: Unlike most other things, this does not spawn the worker here,
	// because the worker needs to be spawned after the struct is added to
	// the connection map.

	return c
}
