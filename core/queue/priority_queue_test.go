// priority_queue_test.go - Tests for the priority queue.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	require := require.New(t)

	q := New()
	priorities := []uint64{500, 30, 70, 9000, 2, 70, 41}
	for i, prio := range priorities {
		q.Enqueue(prio, i)
	}
	require.Equal(len(priorities), q.Len())

	var last uint64
	for q.Len() > 0 {
		ent := q.Pop()
		require.True(ent.Priority >= last)
		last = ent.Priority
	}
}

func TestPriorityQueueTieBreak(t *testing.T) {
	require := require.New(t)

	q := New()

	// All entries share one priority, so they must dequeue in insertion
	// order.
	const nrEntries = 100
	for i := 0; i < nrEntries; i++ {
		q.Enqueue(42, i)
	}
	for i := 0; i < nrEntries; i++ {
		ent := q.Pop()
		require.Equal(i, ent.Value.(int))
	}

	require.Nil(q.Pop())
	require.Nil(q.Peek())
}

func TestPriorityQueueTieBreakInterleaved(t *testing.T) {
	require := require.New(t)

	q := New()
	q.Enqueue(10, "a")
	q.Enqueue(5, "b")
	q.Enqueue(10, "c")
	q.Enqueue(5, "d")
	q.Enqueue(10, "e")

	expected := []string{"b", "d", "a", "c", "e"}
	for _, v := range expected {
		require.Equal(v, q.Pop().Value.(string))
	}
}
