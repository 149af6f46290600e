// queue_bolt.go - External-memory mix queue.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package scheduler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/instrument"
	"github.com/veilmix/veilmix/internal/packet"
)

const (
	boltQueuePath = "external_queue.db"

	boltPacketKeySize = 8 + 8

	boltPacketsBucket = "packets"
	boltPacketRawKey  = "raw"
	boltPacketMetaKey = "meta"
)

var (
	errNotForward    = errors.New("packet is not forward")
	errMalformedMeta = errors.New("packet has malformed metadata")
)

type boltPacketMeta struct {
	ID         uint64 `cbor:"1,keyasint"`
	NextHop    []byte `cbor:"2,keyasint"`
	Delay      int64  `cbor:"3,keyasint"`
	RecvAt     int64  `cbor:"4,keyasint"`
	DispatchAt int64  `cbor:"5,keyasint"`
}

func packetToBoltBkt(parentBkt *bolt.Bucket, pkt *packet.Packet, prio time.Time, seq uint64) error {
	// Only forward packets enter the mix queue, delivery packets terminate
	// at the crypto worker.  Ensure this invariant is true.
	if !pkt.IsForward() {
		return errNotForward
	}

	// Use `prio || seq` as the key, where seq is the queue insertion
	// sequence.  Priority collisions thus release in insertion order,
	// matching the in-core queue.
	var pktKey [boltPacketKeySize]byte
	binary.BigEndian.PutUint64(pktKey[0:], uint64(prio.UnixNano()))
	binary.BigEndian.PutUint64(pktKey[8:], seq)
	bkt, err := parentBkt.CreateBucket(pktKey[:])
	if err != nil {
		return err
	}
	rawBuf := make([]byte, 0, len(pkt.Raw))
	rawBuf = append(rawBuf, pkt.Raw...)
	if err = bkt.Put([]byte(boltPacketRawKey), rawBuf); err != nil {
		return err
	}

	meta := boltPacketMeta{
		ID:         pkt.ID,
		NextHop:    pkt.NextNodeHop[:],
		Delay:      int64(pkt.Delay),
		RecvAt:     pkt.RecvAt.UnixNano(),
		DispatchAt: pkt.DispatchAt.UnixNano(),
	}
	metaBuf, err := cbor.Marshal(&meta)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(boltPacketMetaKey), metaBuf)
}

func packetFromBoltBkt(parentBkt *bolt.Bucket, k []byte, g glue.Glue) (*packet.Packet, error) {
	bkt := parentBkt.Bucket(k)
	if bkt == nil {
		panic("BUG: packet does not exist")
	}

	var meta boltPacketMeta
	if err := cbor.Unmarshal(bkt.Get([]byte(boltPacketMetaKey)), &meta); err != nil {
		return nil, err
	}
	if len(meta.NextHop) != sphinx.NodeIDLength {
		return nil, errMalformedMeta
	}

	pkt, err := packet.NewWithID(
		bkt.Get([]byte(boltPacketRawKey)),
		meta.ID,
		g.Config().SphinxGeometry,
	)
	if err != nil {
		return nil, err
	}
	hop := new([sphinx.NodeIDLength]byte)
	copy(hop[:], meta.NextHop)
	pkt.NextNodeHop = hop
	pkt.Delay = time.Duration(meta.Delay)
	pkt.RecvAt = time.Unix(0, meta.RecvAt)
	pkt.DispatchAt = time.Unix(0, meta.DispatchAt)

	return pkt, nil
}

type boltQueue struct {
	glue glue.Glue
	log  *logging.Logger

	db *bolt.DB

	headPkt  *packet.Packet
	headPrio time.Time
	headSeq  uint64

	seq     uint64
	dbCount uint64
}

func (q *boltQueue) Halt() {
	if q.db != nil {
		f := q.db.Path()
		q.db.Close()
		os.Remove(f)
		q.db = nil
	}
}

func (q *boltQueue) Peek() (time.Time, *packet.Packet) {
	return q.headPrio, q.headPkt
}

func (q *boltQueue) Len() int {
	l := int(q.dbCount)
	if q.headPkt != nil {
		l++
	}
	return l
}

func (q *boltQueue) Pop() {
	if q.headPkt != nil {
		q.headPkt = nil
		q.headPrio = time.Time{}
		if q.dbCount == 0 {
			return
		}
	} else {
		panic("BUG: Pop() called on empty queue")
	}

	now := time.Now()
	timerSlack := time.Duration(q.glue.Config().Debug.SchedulerSlack) * time.Millisecond

	var removed uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		packetsBkt := tx.Bucket([]byte(boltPacketsBucket))

		cur := packetsBkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if v != nil {
				continue
			}
			if len(k) != boltPacketKeySize {
				panic("BUG: serialized packet has invalid key")
			}

			// Figure out if the packet's deadline is blown.  This
			// replicates some code from scheduler.worker(), but dropping
			// en-mass in a single transaction is the sensible thing to do.
			prio := time.Unix(0, int64(binary.BigEndian.Uint64(k[0:])))
			seq := binary.BigEndian.Uint64(k[8:])
			var pkt *packet.Packet
			var err error
			if deltaT := now.Sub(prio); deltaT > timerSlack {
				q.log.Debugf("Dropping packet: seq %v (Deadline blown by %v)", seq, deltaT)
				instrument.DeadlineBlownPacketsDropped()
				instrument.PacketsDropped()
				q.glue.Admission().Release()
			} else if pkt, err = packetFromBoltBkt(packetsBkt, k, q.glue); err != nil {
				q.log.Debugf("Dropping packet: seq %v (s11n failure: %v)", seq, err)
				instrument.PacketsDropped()
				q.glue.Admission().Release()
			}

			// Regardless of what happened, obliterate the bucket.
			err = packetsBkt.DeleteBucket(k)
			if err != nil {
				return err
			}

			removed++

			if pkt != nil {
				q.headPkt = pkt
				q.headPrio = prio
				q.headSeq = seq
				return nil
			}
		}

		return nil
	})
	if err != nil {
		q.log.Errorf("Pop(): Transaction failed: %v", err)
		panic("Pop() failed.")
	}
	q.dbCount -= removed
	q.log.Debugf("Pop(): Count %v (Removed %v, Elapsed: %v).", q.dbCount, removed, time.Since(now))
}

// Enqueue inserts the packet keyed by its release time.  The packet is
// serialized to external storage and disposed, unless it displaces or
// becomes the cached head.
func (q *boltQueue) Enqueue(releaseAt time.Time, pkt *packet.Packet) bool {
	maxCapacity := q.glue.Config().Debug.SchedulerQueueSize
	if maxCapacity > 0 && q.Len() >= maxCapacity {
		return false
	}

	seq := q.seq
	q.seq++

	// Special case enqueuing into a totally empty queue.
	if q.dbCount == 0 && q.headPkt == nil {
		q.headPkt = pkt
		q.headPrio = releaseAt
		q.headSeq = seq
		return true
	}

	// A displaced head is serialized under its original insertion
	// sequence, so priority ties keep releasing in insertion order.
	prio := releaseAt
	if q.headPrio.After(prio) {
		pkt, q.headPkt = q.headPkt, pkt
		prio, q.headPrio = q.headPrio, prio
		seq, q.headSeq = q.headSeq, seq
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		packetsBkt := tx.Bucket([]byte(boltPacketsBucket))
		return packetToBoltBkt(packetsBkt, pkt, prio, seq)
	})
	if err != nil {
		q.log.Warningf("Failed to enqueue packet: %v (%v)", pkt.ID, err)
		instrument.PacketsDropped()
		q.glue.Admission().Release()
	} else {
		q.dbCount++
	}
	pkt.Dispose()
	return true
}

func newBoltQueue(glue glue.Glue, log *logging.Logger) (queueImpl, error) {
	q := &boltQueue{
		glue: glue,
		log:  log,
	}

	f := filepath.Join(glue.Config().Server.DataDir, boltQueuePath)
	if _, err := os.Lstat(f); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("scheduler/bolt: failed to stat() db: %v", err)
		}
	} else if err = os.Remove(f); err != nil {
		return nil, fmt.Errorf("scheduler/bolt: failed to remove old db: %v", err)
	}

	var err error
	dbOptions := &bolt.Options{
		// The documentation has dire warnings about setting this, because
		// write reordering can leave the database in a trashed state on a
		// crash.  But we explicitly re-create the db on each startup.
		NoSync:         true,
		NoFreelistSync: true,
	}
	q.db, err = bolt.Open(f, 0600, dbOptions)
	if err != nil {
		return nil, err
	}
	if err = q.db.Update(func(tx *bolt.Tx) error {
		_, err = tx.CreateBucketIfNotExists([]byte(boltPacketsBucket))
		return err
	}); err != nil {
		q.Halt()
		return nil, err
	}

	return q, nil
}
