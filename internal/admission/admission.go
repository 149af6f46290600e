// admission.go - Ingress admission control.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package admission bounds the number of packets in flight across the
// whole pipeline.  It is a pressure relief valve, not a queue: it never
// holds, reorders or inspects packets, it only pauses the ingress.
package admission

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/internal/instrument"
)

// Control is the pipeline-wide in-flight packet gauge.  A packet is in
// flight from successful decode until its terminal outcome.
type Control struct {
	mu  sync.Mutex
	log *logging.Logger

	count  int
	high   int
	low    int
	paused bool

	// gate is replaced on each pause and closed on resume, waking all
	// readers blocked in Acquire.
	gate chan struct{}
}

// Acquire blocks while the ingress is paused, then accounts for one new
// in-flight packet.  It returns false iff haltCh was closed while
// waiting.
func (c *Control) Acquire(haltCh <-chan interface{}) bool {
	for {
		c.mu.Lock()
		if !c.paused {
			c.count++
			if c.count >= c.high {
				c.paused = true
				c.gate = make(chan struct{})
				c.log.Debugf("Pausing ingress: %v packets in flight.", c.count)
			}
			instrument.InFlightPackets(c.count)
			c.mu.Unlock()
			return true
		}
		gate := c.gate
		c.mu.Unlock()

		select {
		case <-gate:
		case <-haltCh:
			return false
		}
	}
}

// Wait blocks while the ingress is paused, without taking a slot.  It
// returns false iff haltCh was closed while waiting.
func (c *Control) Wait(haltCh <-chan interface{}) bool {
	for {
		c.mu.Lock()
		if !c.paused {
			c.mu.Unlock()
			return true
		}
		gate := c.gate
		c.mu.Unlock()

		select {
		case <-gate:
		case <-haltCh:
			return false
		}
	}
}

// Release accounts for one packet reaching a terminal outcome.  Every
// acquired packet MUST be released exactly once, no matter how it dies.
func (c *Control) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count--
	if c.count < 0 {
		panic("BUG: admission: Release() without Acquire()")
	}
	instrument.InFlightPackets(c.count)
	if c.paused && c.count < c.low {
		c.paused = false
		close(c.gate)
		c.log.Debugf("Resuming ingress: %v packets in flight.", c.count)
	}
}

// InFlight returns the current in-flight packet count.
func (c *Control) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// New constructs a Control with the given high and low water marks.
func New(log *logging.Logger, highWater, lowWater int) *Control {
	if lowWater >= highWater {
		panic("BUG: admission: low water mark must be below high water mark")
	}
	return &Control{
		log:  log,
		high: highWater,
		low:  lowWater,
	}
}
