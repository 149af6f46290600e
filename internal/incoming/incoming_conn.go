// incoming_conn.go - Mix node incoming connection handler.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/wire"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/packet"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c net.Conn
	e *list.Element

	id uint64
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Bolt the close channel to the conn, so a halt tears down a read in
	// progress.
	doneCh := make(chan interface{})
	defer close(doneCh)
	go func() {
		select {
		case <-c.l.closeAllCh:
			c.c.Close()
		case <-doneCh:
		}
	}()

	geo := c.l.glue.Config().SphinxGeometry

	for {
		// Admission control.  Past the high water mark of in-flight
		// packets this blocks, the kernel socket buffer fills, and the
		// backpressure propagates to the peer.  The in-flight slot is
		// only taken once a frame has actually arrived, so idle
		// connections hold nothing.
		if !c.l.glue.Admission().Wait(c.l.closeAllCh) {
			return
		}

		rawPkt, err := wire.RecvFrame(c.c, geo.PacketLength)
		if err != nil {
			c.log.Debugf("Failed to receive frame: %v", err)
			return
		}
		if !c.l.glue.Admission().Acquire(c.l.closeAllCh) {
			return
		}

		pkt, err := packet.New(rawPkt, geo)
		if err != nil {
			// Malformed packets are dropped without a response, the sender
			// learns nothing about why.
			c.log.Debugf("Dropping malformed packet: %v", err)
			instrument.PacketsDropped()
			c.l.glue.Admission().Release()
			continue
		}
		pkt.RecvAt = time.Now()
		instrument.PacketsDecoded()

		select {
		case c.l.incomingCh <- pkt:
		case <-c.l.closeAllCh:
			instrument.PacketsDropped()
			c.l.glue.Admission().Release()
			pkt.Dispose()
			return
		}
	}
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	// Note: Unlike most other things, this does not spawn the worker here,
	// because the worker needs to be spawned after the struct is added to
	// the connection list.

	return c
}
