// incoming_test.go - Incoming connection tests.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmix/veilmix/config"
	"github.com/veilmix/veilmix/core/log"
	"github.com/veilmix/veilmix/core/pki"
	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/core/wire"
	"github.com/veilmix/veilmix/internal/admission"
	"github.com/veilmix/veilmix/internal/glue"
	"github.com/veilmix/veilmix/internal/packet"
	"github.com/veilmix/veilmix/internal/replay"
)

type testGlue struct {
	cfg  *config.Config
	logB *log.Backend
	adm  *admission.Control
}

func (g *testGlue) Config() *config.Config        { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend      { return g.logB }
func (g *testGlue) Unwrapper() sphinx.Unwrapper   { return nil }
func (g *testGlue) Topology() *pki.Document       { return nil }
func (g *testGlue) Replay() *replay.Cache         { return nil }
func (g *testGlue) Admission() *admission.Control { return g.adm }
func (g *testGlue) Scheduler() glue.Scheduler     { return nil }
func (g *testGlue) Connector() glue.Connector     { return nil }
func (g *testGlue) Listeners() []glue.Listener    { return nil }
func (g *testGlue) Delivery() glue.Delivery       { return nil }

func newTestGlue(t *testing.T, highWater, lowWater int) *testGlue {
	logB, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	g := &testGlue{
		cfg: &config.Config{
			Server: &config.Server{
				Identifier: "test",
				Addresses:  []string{"127.0.0.1:0"},
				DataDir:    t.TempDir(),
			},
			SphinxGeometry: sphinx.DefaultGeometry(),
		},
		logB: logB,
	}
	require.NoError(t, g.cfg.FixupAndValidate())
	g.adm = admission.New(logB.GetLogger("admission"), highWater, lowWater)
	return g
}

func TestListenerReceivesPackets(t *testing.T) {
	g := newTestGlue(t, 64, 32)
	incomingCh := make(chan *packet.Packet, 8)

	l, err := New(g, incomingCh, 0, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Halt()
	addr := l.(*listener).l.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw := make([]byte, g.cfg.SphinxGeometry.PacketLength)
	for i := range raw {
		raw[i] = byte(i)
	}
	require.NoError(t, wire.SendFrame(conn, raw, time.Now().Add(5*time.Second)))

	select {
	case pkt := <-incomingCh:
		require.Equal(t, raw, pkt.Raw)
		require.False(t, pkt.RecvAt.IsZero())
		require.Equal(t, 1, g.adm.InFlight())
		g.adm.Release()
		pkt.Dispose()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestListenerDropsMalformed(t *testing.T) {
	g := newTestGlue(t, 64, 32)
	incomingCh := make(chan *packet.Packet, 8)

	l, err := New(g, incomingCh, 0, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Halt()
	addr := l.(*listener).l.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// A truncated packet, followed by a valid one on the same connection.
	require.NoError(t, wire.SendFrame(conn, make([]byte, 10), time.Now().Add(5*time.Second)))
	raw := make([]byte, g.cfg.SphinxGeometry.PacketLength)
	require.NoError(t, wire.SendFrame(conn, raw, time.Now().Add(5*time.Second)))

	select {
	case pkt := <-incomingCh:
		// Only the valid packet came through, and the slot taken by the
		// malformed one was released.
		require.Equal(t, raw, pkt.Raw)
		require.Equal(t, 1, g.adm.InFlight())
		g.adm.Release()
		pkt.Dispose()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestListenerBackpressure(t *testing.T) {
	g := newTestGlue(t, 2, 1)
	incomingCh := make(chan *packet.Packet, 8)

	l, err := New(g, incomingCh, 0, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Halt()
	addr := l.(*listener).l.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw := make([]byte, g.cfg.SphinxGeometry.PacketLength)
	for i := 0; i < 3; i++ {
		require.NoError(t, wire.SendFrame(conn, raw, time.Now().Add(5*time.Second)))
	}

	// The first two packets fill the in-flight budget, the third is left
	// sitting in the socket.
	for i := 0; i < 2; i++ {
		select {
		case pkt := <-incomingCh:
			pkt.Dispose()
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for packet")
		}
	}
	select {
	case <-incomingCh:
		t.Fatal("read past the high water mark")
	case <-time.After(200 * time.Millisecond):
	}

	// Draining below the low water mark resumes the reads.
	g.adm.Release()
	g.adm.Release()
	select {
	case pkt := <-incomingCh:
		g.adm.Release()
		pkt.Dispose()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resumed read")
	}
}

func TestListenerIdleConnectionsHoldNoSlots(t *testing.T) {
	g := newTestGlue(t, 2, 1)
	incomingCh := make(chan *packet.Packet, 8)

	l, err := New(g, incomingCh, 0, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Halt()
	addr := l.(*listener).l.Addr().String()

	// More idle connections than the in-flight budget.
	var conns []net.Conn
	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		conns = append(conns, conn)
	}

	// Connections that have not delivered a frame take no slots.
	require.Never(t, func() bool {
		return g.adm.InFlight() != 0
	}, 200*time.Millisecond, 10*time.Millisecond)

	// And the ingress is not paused by their mere presence.
	raw := make([]byte, g.cfg.SphinxGeometry.PacketLength)
	require.NoError(t, wire.SendFrame(conns[3], raw, time.Now().Add(5*time.Second)))
	select {
	case pkt := <-incomingCh:
		require.Equal(t, 1, g.adm.InFlight())
		g.adm.Release()
		pkt.Dispose()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}
