// outgoing_test.go - Outgoing connection tests.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package outgoing

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
	doc  *pki.Document
}

func (g *testGlue) Config() *config.Config        { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend      { return g.logB }
func (g *testGlue) Unwrapper() sphinx.Unwrapper   { return nil }
func (g *testGlue) Topology() *pki.Document       { return g.doc }
func (g *testGlue) Replay() *replay.Cache         { return nil }
func (g *testGlue) Admission() *admission.Control { return g.adm }
func (g *testGlue) Scheduler() glue.Scheduler     { return nil }
func (g *testGlue) Connector() glue.Connector     { return nil }
func (g *testGlue) Listeners() []glue.Listener    { return nil }
func (g *testGlue) Delivery() glue.Delivery       { return nil }

func newTestGlue(t *testing.T) *testGlue {
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
	g.adm = admission.New(logB.GetLogger("admission"), g.cfg.Debug.InFlightHighWater, g.cfg.Debug.InFlightLowWater)
	return g
}

func testDocument(t *testing.T, name, addr string) (*pki.Document, [sphinx.NodeIDLength]byte) {
	desc := &pki.MixDescriptor{
		Name:        name,
		IdentityKey: []byte(name + "-identity-key"),
		Addresses:   []string{addr},
	}
	doc := &pki.Document{
		GeneratedAt: time.Now(),
		Topology:    []*pki.MixDescriptor{desc},
	}
	require.NoError(t, doc.Validate())
	return doc, desc.NodeID()
}

func testForwardPacket(t *testing.T, g *testGlue, hop [sphinx.NodeIDLength]byte) *packet.Packet {
	raw := make([]byte, g.cfg.SphinxGeometry.PacketLength)
	for i := range raw {
		raw[i] = byte(i)
	}
	pkt, err := packet.New(raw, g.cfg.SphinxGeometry)
	require.NoError(t, err)
	require.NoError(t, pkt.SetForward(&hop, raw))
	pkt.RecvAt = time.Now()
	pkt.DispatchAt = time.Now()
	return pkt
}

func TestConnectorDispatchAndSend(t *testing.T) {
	g := newTestGlue(t)
	// Generous slack, the dial happens between dispatch and send.
	g.cfg.Debug.SendSlack = 10000

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	doc, peerID := testDocument(t, "peer", l.Addr().String())
	g.doc = doc

	recvCh := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, err := wire.RecvFrame(conn, g.cfg.SphinxGeometry.PacketLength)
		if err != nil {
			return
		}
		recvCh <- b
	}()

	co := New(g)
	defer co.Halt()
	co.ForceUpdate()

	require.Eventually(t, func() bool {
		return co.IsValidForwardDest(&peerID)
	}, 10*time.Second, 10*time.Millisecond)

	haltCh := make(chan interface{})
	require.True(t, g.adm.Acquire(haltCh))
	pkt := testForwardPacket(t, g, peerID)
	wantRaw := make([]byte, len(pkt.Raw))
	copy(wantRaw, pkt.Raw)
	pkt.DispatchAt = time.Now()
	co.DispatchPacket(pkt)

	select {
	case b := <-recvCh:
		require.Equal(t, wantRaw, b)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for forwarded packet")
	}

	// The in-flight slot is released once the send completes.
	require.Eventually(t, func() bool {
		return g.adm.InFlight() == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestConnectorSendRetryExhaustion(t *testing.T) {
	g := newTestGlue(t)

	co := New(g).(*connector)
	defer co.Halt()

	var peerID [sphinx.NodeIDLength]byte
	peerID[0] = 0x17
	c := newOutgoingConn(co, peerID)

	haltCh := make(chan interface{})
	require.True(t, g.adm.Acquire(haltCh))
	pkt := testForwardPacket(t, g, peerID)

	// The packet already burned all but one attempt on previous
	// connections, so a single send failure exhausts its budget.
	c.unsentPkt = pkt
	c.unsentAttempts = g.cfg.Debug.SendAttempts - 1

	local, remote := net.Pipe()
	remote.Close()

	closeCh := make(chan struct{})
	require.False(t, c.onConnEstablished(local, closeCh))
	require.Nil(t, c.unsentPkt)
	require.Equal(t, 0, g.adm.InFlight())
}

func TestConnectorUnknownHopFailsClosed(t *testing.T) {
	g := newTestGlue(t)

	co := New(g)
	defer co.Halt()

	haltCh := make(chan interface{})
	require.True(t, g.adm.Acquire(haltCh))

	var hop [sphinx.NodeIDLength]byte
	hop[0] = 0x42
	require.False(t, co.IsValidForwardDest(&hop))

	pkt := testForwardPacket(t, g, hop)
	co.DispatchPacket(pkt)

	// No connection for the hop, the packet is dropped and its in-flight
	// slot released.
	require.Equal(t, 0, g.adm.InFlight())
}
