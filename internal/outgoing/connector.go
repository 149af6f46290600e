// connector.go - Mix node connector.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package outgoing implements the outgoing connection support.
package outgoing

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/core/worker"
	"github.com/veilmix/veilmix/internal/debug"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/packet"
)

type connector struct {
	sync.RWMutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	conns         map[[sphinx.NodeIDLength]byte]*outgoingConn
	forceUpdateCh chan interface{}

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (co *connector) Halt() {
	co.Worker.Halt()

	// Close all outgoing connections.
	close(co.closeAllCh)
	co.closeAllWg.Wait()
}

func (co *connector) ForceUpdate() {
	// This deliberately uses a non-blocking write to a buffered channel so
	// that the resweeps happen reliably.  Since the resweep is comprehensive,
	// there's no benefit to queueing more than one resweep request, and the
	// periodic timer serves as a fallback.
	select {
	case co.forceUpdateCh <- true:
	default:
	}
}

func (co *connector) DispatchPacket(pkt *packet.Packet) {
	co.RLock()
	defer co.RUnlock()

	if pkt == nil || pkt.NextNodeHop == nil {
		co.log.Debug("Dropping packet: no forwarding destination, wtf")
		instrument.InvalidPacketsDropped()
		instrument.PacketsDropped()
		co.glue.Admission().Release()
		if pkt != nil {
			pkt.Dispose()
		}
		return
	}
	c, ok := co.conns[*pkt.NextNodeHop]
	if !ok {
		// The hop was valid at enqueue time but the topology has moved on
		// underneath the queue.  Fail closed.
		co.log.Debugf("Dropping packet: %v (No connection for destination)", pkt.ID)
		instrument.UnknownHopPacketsDropped()
		instrument.PacketsDropped()
		co.glue.Admission().Release()
		pkt.Dispose()
		return
	}

	c.dispatchPacket(pkt)
}

func (co *connector) worker() {
	initialSpawnDelay := 1 * time.Second
	resweepInterval := time.Duration(co.glue.Config().Debug.TopologySweepInterval) * time.Millisecond

	timer := time.NewTimer(initialSpawnDelay)
	defer timer.Stop()

	for {
		timerFired := false
		select {
		case <-co.HaltCh():
			co.log.Debugf("Terminating gracefully.")
			return
		case <-co.forceUpdateCh:
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		// Start outgoing connections as needed, based on the current
		// topology.  Stale connections reap themselves when their peer
		// drops out of the topology.
		co.spawnNewConns()

		timer.Reset(resweepInterval)
	}

	// NOTREACHED
}

func (co *connector) spawnNewConns() {
	doc := co.glue.Topology()
	if doc == nil {
		co.log.Debugf("Skipping sweep: no topology.")
		return
	}

	// Traverse the connection table, to figure out which peers are actually
	// new.  Each outgoingConn object is responsible for determining when
	// the connection is stale.
	newPeers := make(map[[sphinx.NodeIDLength]byte]struct{})
	selfIdentifier := co.glue.Config().Server.Identifier
	co.RLock()
	for _, desc := range doc.Nodes() {
		if desc.Name == selfIdentifier {
			continue
		}
		id := desc.NodeID()
		if _, ok := co.conns[id]; !ok {
			newPeers[id] = struct{}{}
		}
	}
	co.RUnlock()

	// Spawn the new outgoingConn objects.
	for id := range newPeers {
		co.log.Debugf("Spawning connection to: '%x'.", id)
		c := newOutgoingConn(co, id)
		co.onNewConn(c)
	}
}

func (co *connector) onNewConn(c *outgoingConn) {
	co.closeAllWg.Add(1)
	co.Lock()
	defer func() {
		co.Unlock()
		go c.worker()
	}()
	if _, ok := co.conns[c.dstID]; ok {
		// This should NEVER happen.  Not sure what the sensible thing to do is.
		co.log.Warningf("Connection to peer: '%v' already exists.", debug.NodeIDToPrintString(&c.dstID))
	}
	co.conns[c.dstID] = c
}

func (co *connector) onClosedConn(c *outgoingConn) {
	co.Lock()
	defer func() {
		co.Unlock()
		co.closeAllWg.Done()
	}()
	delete(co.conns, c.dstID)
}

func (co *connector) IsValidForwardDest(id *[sphinx.NodeIDLength]byte) bool {
	// This doesn't need to be super accurate, just enough to prevent packets
	// destined to la-la land from being scheduled.
	co.RLock()
	defer co.RUnlock()
	_, ok := co.conns[*id]
	return ok
}

// New creates a new connector.
func New(glue glue.Glue) glue.Connector {
	co := &connector{
		glue:          glue,
		log:           glue.LogBackend().GetLogger("connector"),
		conns:         make(map[[sphinx.NodeIDLength]byte]*outgoingConn),
		forceUpdateCh: make(chan interface{}, 1), // See ForceUpdate().
		closeAllCh:    make(chan interface{}),
	}

	co.Go(co.worker)
	return co
}
