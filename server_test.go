// server_test.go - Veilmix server tests.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package veilmix

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmix/veilmix/config"
	"github.com/veilmix/veilmix/core/pki"
	"github.com/veilmix/veilmix/core/sphinx"
	"github.com/veilmix/veilmix/core/wire"
)

// testUnwrapper forwards every packet to a fixed next hop, with the inner
// packet being the raw packet with the first byte cleared.  The replay tag
// is derived from the second byte.
type testUnwrapper struct {
	geo     *sphinx.Geometry
	nextHop [sphinx.NodeIDLength]byte
}

func (u *testUnwrapper) Unwrap(raw []byte) (*sphinx.UnwrapResult, error) {
	tag := make([]byte, sphinx.TagLength)
	tag[0] = raw[1]

	hop := new([sphinx.NodeIDLength]byte)
	copy(hop[:], u.nextHop[:])
	inner := make([]byte, u.geo.PacketLength)
	copy(inner, raw)
	inner[0] = 0x00
	return &sphinx.UnwrapResult{NextHop: hop, Payload: inner, Tag: tag}, nil
}

// pickPort reserves an ephemeral port.  There's an inherent race between
// closing the probe listener and the server binding it, which is tolerable
// in tests.
func pickPort(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T, addr string) *config.Config {
	// t.TempDir() inherits the umask, the server wants 0700 exactly.
	dataDir := t.TempDir()
	require.NoError(t, os.Chmod(dataDir, 0700))

	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "testnode",
			Addresses:  []string{addr},
			DataDir:    dataDir,
		},
		Logging: &config.Logging{
			Disable: true,
			Level:   "DEBUG",
		},
		Mix: &config.Mix{
			AverageDelay: 5,
			MaxDelay:     100,
		},
		SphinxGeometry: sphinx.DefaultGeometry(),
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func TestServerStartShutdown(t *testing.T) {
	cfg := testConfig(t, pickPort(t))
	unwrapper := &testUnwrapper{geo: cfg.SphinxGeometry}

	s, err := New(cfg, unwrapper)
	require.NoError(t, err)

	desc := &pki.MixDescriptor{
		Name:        "peer",
		IdentityKey: []byte("peer-identity-key"),
		Addresses:   []string{"127.0.0.1:12345"},
	}
	doc := &pki.Document{
		GeneratedAt: time.Now(),
		Topology:    []*pki.MixDescriptor{desc},
	}
	require.NoError(t, s.SetTopology(doc))

	s.Shutdown()
	s.Wait()

	// Repeated shutdowns are harmless.
	s.Shutdown()
}

func TestServerForwardsPacket(t *testing.T) {
	// The next hop is a bare framed-TCP sink rather than a second node.
	sink, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	cfg := testConfig(t, pickPort(t))
	// The dial to the sink happens between dispatch and send.
	cfg.Debug.SendSlack = 10000

	desc := &pki.MixDescriptor{
		Name:        "sink",
		IdentityKey: []byte("sink-identity-key"),
		Addresses:   []string{sink.Addr().String()},
	}
	doc := &pki.Document{
		GeneratedAt: time.Now(),
		Topology:    []*pki.MixDescriptor{desc},
	}

	unwrapper := &testUnwrapper{geo: cfg.SphinxGeometry, nextHop: desc.NodeID()}

	s, err := New(cfg, unwrapper)
	require.NoError(t, err)
	defer func() {
		s.Shutdown()
		s.Wait()
	}()
	require.NoError(t, s.SetTopology(doc))

	recvCh := make(chan []byte, 1)
	go func() {
		conn, err := sink.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, err := wire.RecvFrame(conn, cfg.SphinxGeometry.PacketLength)
		if err != nil {
			return
		}
		recvCh <- b
	}()

	conn, err := net.Dial("tcp", cfg.Server.Addresses[0])
	require.NoError(t, err)
	defer conn.Close()

	// The outgoing connection to the sink is established asynchronously,
	// packets sent before that are dropped as having an invalid hop.  Keep
	// sending fresh packets (distinct replay tags) until one makes it.
	raw := make([]byte, cfg.SphinxGeometry.PacketLength)
	raw[0] = 0x01
	for i := 0; i < 100; i++ {
		raw[1] = byte(i)
		require.NoError(t, wire.SendFrame(conn, raw, time.Now().Add(5*time.Second)))

		select {
		case b := <-recvCh:
			// The received packet may be from any of the attempts, its
			// second byte is whichever tag made it through.
			require.Len(t, b, len(raw))
			require.Equal(t, byte(0x00), b[0])
			require.Equal(t, raw[2:], b[2:])
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	t.Fatal("timed out waiting for forwarded packet")
}

func TestServerRotateLogAfterShutdown(t *testing.T) {
	cfg := testConfig(t, pickPort(t))
	cfg.Logging.Disable = false
	cfg.Logging.File = "veilmix.log"
	unwrapper := &testUnwrapper{geo: cfg.SphinxGeometry}

	s, err := New(cfg, unwrapper)
	require.NoError(t, err)

	s.Shutdown()
	s.Wait()

	// Make the reopen fail, the way it would if the log file went away.
	require.NoError(t, os.RemoveAll(cfg.Server.DataDir))

	// A rotation failure racing shutdown must neither block nor panic.
	require.NotPanics(t, s.RotateLog)
}
