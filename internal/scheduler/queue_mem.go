// queue_mem.go - In-memory mix queue.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/queue"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/packet"
)

type memoryQueue struct {
	glue glue.Glue
	log  *logging.Logger

	q *queue.PriorityQueue
}

func (q *memoryQueue) Halt() {
	// No cleanup to be done.
}

func (q *memoryQueue) Peek() (time.Time, *packet.Packet) {
	e := q.q.Peek()
	if e == nil {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(e.Priority)), e.Value.(*packet.Packet)
}

func (q *memoryQueue) Pop() {
	q.q.Pop()
}

func (q *memoryQueue) Len() int {
	return q.q.Len()
}

// Enqueue inserts the packet keyed by its release time, or rejects it if
// the queue is at capacity.  Rejection depends only on the queue's
// occupancy at arrival, never on the packet's content.
func (q *memoryQueue) Enqueue(releaseAt time.Time, pkt *packet.Packet) bool {
	maxCapacity := q.glue.Config().Debug.SchedulerQueueSize
	if maxCapacity > 0 && q.q.Len() >= maxCapacity {
		return false
	}
	q.q.Enqueue(uint64(releaseAt.UnixNano()), pkt)
	return true
}

func newMemoryQueue(glue glue.Glue, log *logging.Logger) queueImpl {
	return &memoryQueue{
		glue: glue,
		log:  log,
		q:    queue.New(),
	}
}
