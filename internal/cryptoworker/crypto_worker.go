// crypto_worker.go - Mix node crypto worker.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package cryptoworker implements the inbound packet unwrap worker.
package cryptoworker

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/worker"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/packet"
)

var errReplayedPacket = errors.New("crypto: packet is a replay")

// Worker is a packet unwrap worker instance.
type Worker struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	rng *mrand.Rand

	incomingCh <-chan *packet.Packet
}

func (w *Worker) doUnwrap(pkt *packet.Packet) error {
	startAt := time.Now()

	res, err := w.glue.Unwrapper().Unwrap(pkt.Raw)
	unwrapAt := time.Now()

	w.log.Debugf("Packet: %v (Unwrap took: %v)", pkt.ID, unwrapAt.Sub(startAt))

	if err != nil {
		return err
	}

	// Check for replayed packets.  A replay decrypted successfully and the
	// MAC was valid, but the tag was seen before, so the packet is dropped
	// on the exact same path as a decryption failure.
	if w.glue.Replay().IsReplay(res.Tag) {
		return errReplayedPacket
	}

	w.log.Debugf("Packet: %v (IsReplay took: %v)", pkt.ID, time.Since(unwrapAt))

	if res.IsForward() {
		return pkt.SetForward(res.NextHop, res.Payload)
	}
	pkt.SetDeliver(res.Payload)
	return nil
}

// sampleDelay draws the packet's mix delay from the exponential
// distribution, clamped to the configured maximum.  The node samples the
// delay itself, the packet carries no timing information.
func (w *Worker) sampleDelay() time.Duration {
	mixCfg := w.glue.Config().Mix
	msec := rand.Exp(w.rng, 1.0/float64(mixCfg.AverageDelay))
	delay := time.Duration(msec * float64(time.Millisecond))
	if maxDelay := time.Duration(mixCfg.MaxDelay) * time.Millisecond; delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (w *Worker) worker() {
	unwrapSlack := time.Duration(w.glue.Config().Debug.UnwrapDelay) * time.Millisecond

	for {
		// This is where the bulk of the inbound packet processing happens,
		// and the only significant source of parallelism.
		var pkt *packet.Packet

		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case pkt = <-w.incomingCh:
		}

		// This deliberately ignores the cryptographic processing time, since
		// it (should) be constant across packets.
		now := time.Now()

		// Drop the packet if it has been sitting in the queue waiting to
		// be unwrapped for way too long.
		if unwrapDelay := now.Sub(pkt.RecvAt); unwrapDelay > unwrapSlack {
			w.log.Debugf("Dropping packet: %v (Spent %v waiting for Unwrap())", pkt.ID, unwrapDelay)
			instrument.PacketsDropped()
			w.glue.Admission().Release()
			pkt.Dispose()
			continue
		} else {
			w.log.Debugf("Packet: %v (Unwrap queue delay: %v)", pkt.ID, unwrapDelay)
		}

		// Attempt to unwrap the packet.
		w.log.Debugf("Attempting to unwrap packet: %v", pkt.ID)
		if err := w.doUnwrap(pkt); err != nil {
			w.log.Debugf("Dropping packet: %v (%v)", pkt.ID, err)
			if errors.Is(err, errReplayedPacket) {
				instrument.PacketsReplayed()
			} else {
				instrument.InvalidPacketsDropped()
			}
			instrument.PacketsDropped()
			w.glue.Admission().Release()
			pkt.Dispose()
			continue
		}
		w.log.Debugf("Packet: %v (doUnwrap took: %v)", pkt.ID, time.Since(now))
		instrument.PacketsProcessed()

		// The common case is that the packet is destined for another node.
		if pkt.IsForward() {
			// Sample the mix delay, and adjust it for the unwrap queue
			// dwell time so the observed delay tracks the distribution.
			pkt.Delay = w.sampleDelay()
			if dwellTime := now.Sub(pkt.RecvAt); pkt.Delay > dwellTime {
				pkt.Delay -= dwellTime
			} else {
				pkt.Delay = 0
			}

			// Hand off to the scheduler.
			// Note: Callee takes ownership.
			w.log.Debugf("Dispatching packet: %v", pkt.ID)
			w.glue.Scheduler().OnPacket(pkt)
			continue
		}

		// The packet terminates here.
		w.log.Debugf("Delivering packet: %v", pkt.ID)
		w.glue.Delivery().OnPayload(pkt.Payload)
		instrument.PacketsDelivered()
		w.glue.Admission().Release()
		pkt.Dispose()
	}

	// NOTREACHED
}

// New constructs a new Worker instance.
func New(glue glue.Glue, incomingCh <-chan *packet.Packet, id int) *Worker {
	w := &Worker{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("crypto:%d", id)),
		rng:        rand.NewMath(),
		incomingCh: incomingCh,
	}

	w.Go(w.worker)
	return w
}
