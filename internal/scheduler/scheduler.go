// scheduler.go - Mix delay scheduler.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package scheduler implements the veilmix mix delay scheduler.
package scheduler

import (
	"math"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/worker"
	"github.com/veilmix/veilmix/internal/constants"
	"github.com/veilmix/veilmix/internal/debug"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/packet"
)

type queueImpl interface {
	Halt()
	Peek() (time.Time, *packet.Packet)
	Pop()
	Len() int
	Enqueue(time.Time, *packet.Packet) bool
}

type scheduler struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	q    queueImpl
	inCh chan *packet.Packet
}

func (sch *scheduler) Halt() {
	sch.Worker.Halt()
	sch.q.Halt()
}

func (sch *scheduler) OnPacket(pkt *packet.Packet) {
	sch.inCh <- pkt
}

func (sch *scheduler) doEnqueue(pkt *packet.Packet) {
	maxDelay := time.Duration(sch.glue.Config().Mix.MaxDelay) * time.Millisecond

	// Ensure that the packet's delay is not pathologically malformed.
	if pkt.Delay > maxDelay {
		sch.log.Debugf("Dropping packet: %v (Delay exceeds max: %v)", pkt.ID, pkt.Delay)
		instrument.PacketsDropped()
		sch.glue.Admission().Release()
		pkt.Dispose()
		return
	}

	// Ensure the peer is valid by querying the outgoing connection table.
	if !sch.glue.Connector().IsValidForwardDest(pkt.NextNodeHop) {
		sID := debug.NodeIDToPrintString(pkt.NextNodeHop)
		sch.log.Debugf("Dropping packet: %v (Next hop is invalid: %v)", pkt.ID, sID)
		instrument.UnknownHopPacketsDropped()
		instrument.PacketsDropped()
		sch.glue.Admission().Release()
		pkt.Dispose()
		return
	}

	// The release time is fixed at admission to the queue.  Queue
	// occupancy only ever rejects new arrivals, packets already scheduled
	// keep their release times.
	releaseAt := time.Now().Add(pkt.Delay)
	if !sch.q.Enqueue(releaseAt, pkt) {
		sch.log.Debugf("Dropping packet: %v (Queue at capacity)", pkt.ID)
		instrument.AdmissionPacketsDropped()
		instrument.PacketsDropped()
		sch.glue.Admission().Release()
		pkt.Dispose()
		return
	}
	sch.log.Debugf("Enqueueing packet: %v delta-t: %v", pkt.ID, pkt.Delay)
}

func (sch *scheduler) worker() {
	timerSlack := time.Duration(sch.glue.Config().Debug.SchedulerSlack) * time.Millisecond
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	for {
		var timerFired bool
		// The vast majority of the time the scheduler will be idle waiting on
		// new packets or for a packet in the priority queue to be eligible
		// for dispatch.  This is where the actual "mix" part of the mix
		// network happens.
		//
		// There's only a single go routine responsible for packet scheduling
		// under the assumption that this isn't CPU intensive in the slightest,
		// and that the main performance gains come from parallelizing the
		// crypto, and being clever about congestion management.
		select {
		case <-sch.HaltCh():
			sch.log.Debugf("Terminating gracefully.")
			return
		case pkt := <-sch.inCh:
			// New packet from the crypto workers.
			//
			// Note: This assumes that pkt.Delay has already been adjusted
			// to account for the packet processing time up to the point
			// where the packet was enqueued.
			sch.doEnqueue(pkt)
		case <-timer.C:
			// Packet delay probably passed, packet dispatch handled as
			// part of rescheduling the timer.
			timerFired = true
		}

		// Dispatch packets if possible and reschedule the next wakeup.
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		nrBurst, maxBurst := 0, sch.glue.Config().Debug.SchedulerMaxBurst
		for {
			// Peek at the next packet in the queue.
			dispatchAt, pkt := sch.q.Peek()
			if pkt == nil {
				// The queue is empty, just reschedule for the max duration,
				// when there are packets to schedule, we'll get woken up.
				timer.Reset(math.MaxInt64)
				break
			}

			// Figure out if the packet needs to be handled now.  Packets
			// are never dispatched before their release time, releasing
			// early would let an observer correlate arrivals and departures.
			now := time.Now()
			if dispatchAt.After(now) {
				// Packet dispatch will happen at a later time, so schedule
				// the next timer tick, and go back to waiting for something
				// interesting to happen.
				timer.Reset(dispatchAt.Sub(now))
				break
			}
			if nrBurst = nrBurst + 1; nrBurst > maxBurst {
				// Packet dispatch is supposed to happen "now", but we've
				// already sent up to the max burst size.
				//
				// Note: This is primarily to prevent the inbound scheduler
				// queue from encountering pathological backlog.
				timer.Reset(1 * time.Microsecond)
				break
			}

			// The packet will be dispatched somehow, so remove it from the
			// queue.
			sch.q.Pop()

			// Packet dispatch time is now or in the past, so it needs to be
			// forwarded to the appropriate hop.
			if now.Sub(dispatchAt) > timerSlack {
				// ... unless the deadline has been blown by more than the
				// configured slack time.
				sch.log.Debugf("Dropping packet: %v (Deadline blown by %v)", pkt.ID, now.Sub(dispatchAt))
				instrument.DeadlineBlownPacketsDropped()
				instrument.PacketsDropped()
				sch.glue.Admission().Release()
				pkt.Dispose()
			} else {
				// Dispatch the packet to the next hop.  Note that the callee
				// may still drop the packet, for example if there isn't a
				// link established to the peer, or if the link is overloaded.
				//
				// Note: Callee takes ownership.
				pkt.DispatchAt = now
				sch.glue.Connector().DispatchPacket(pkt)
			}
		}

		instrument.MixQueueSize(uint64(sch.q.Len()))
	}

	// NOTREACHED
}

// New constructs a new scheduler instance.
func New(glue glue.Glue) (glue.Scheduler, error) {
	sch := &scheduler{
		glue: glue,
		log:  glue.LogBackend().GetLogger("scheduler"),
		inCh: make(chan *packet.Packet, constants.InboundPacketsChannelSize),
	}

	if glue.Config().Debug.SchedulerExternalMemoryQueue {
		sch.log.Noticef("Initializing external memory queue.")
		var err error
		sch.q, err = newBoltQueue(glue, glue.LogBackend().GetLogger("scheduler/bolt"))
		if err != nil {
			return nil, err
		}
	} else {
		sch.log.Noticef("Initializing memory queue.")
		sch.q = newMemoryQueue(glue, sch.log)
	}

	sch.Go(sch.worker)
	return sch, nil
}
