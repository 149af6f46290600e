// replay.go - Replay tag cache.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay implements the bounded replay tag cache used to detect
// duplicate packet submissions.
package replay

import (
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"

	"github.com/veilmix/veilmix/core/sphinx"
)

// Bloom filter sizing: 2^25 bits is 4 MiB per filter, good for roughly
// 2.3 million tags at the configured false positive rate, which comfortably
// covers a full replay window at line rate.
const (
	defaultFilterMLn2 = 25
	falsePositiveRate = 0.001
)

// Cache is a capacity and time bounded set of previously seen replay
// tags.  Tags age out after at most two rotation windows.
type Cache struct {
	sync.Mutex

	current  *bloom.Filter
	previous *bloom.Filter

	window    time.Duration
	mLn2      int
	rotatedAt time.Time
}

// IsReplay marks the given replay tag as seen, and returns true iff the
// tag has been seen within the replay window (test and set).  The check
// and insert are atomic with respect to concurrent callers.
func (c *Cache) IsReplay(rawTag []byte) bool {
	// Treat all pathologically malformed tags as replays.
	if len(rawTag) != sphinx.TagLength {
		return true
	}
	var tag [sphinx.TagLength]byte
	copy(tag[:], rawTag)

	c.Lock()
	defer c.Unlock()

	c.maybeRotate(time.Now())

	if c.previous.Test(tag[:]) {
		return true
	}
	return c.current.TestAndSet(tag[:])
}

// maybeRotate ages out the previous window.  A saturated current filter
// forces an early rotation so that inserts never silently degrade into
// false replays; the shortened window weakens dedup strictly uniformly,
// independent of packet content.
func (c *Cache) maybeRotate(now time.Time) {
	saturated := c.current.Entries() >= c.current.MaxEntries()
	if now.Sub(c.rotatedAt) < c.window && !saturated {
		return
	}

	c.previous = c.current
	f, err := bloom.New(rand.Reader, c.mLn2, falsePositiveRate)
	if err != nil {
		// Only reachable on entropy failure at runtime.
		panic("replay: failed to allocate bloom filter: " + err.Error())
	}
	c.current = f
	c.rotatedAt = now
}

// New constructs a Cache whose tags age out after at most 2*window.
func New(window time.Duration) (*Cache, error) {
	return newWithSize(window, defaultFilterMLn2)
}

func newWithSize(window time.Duration, mLn2 int) (*Cache, error) {
	current, err := bloom.New(rand.Reader, mLn2, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	previous, err := bloom.New(rand.Reader, mLn2, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &Cache{
		current:   current,
		previous:  previous,
		window:    window,
		mLn2:      mLn2,
		rotatedAt: time.Now(),
	}, nil
}
