// wire_test.go - Frame codec tests.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	payload := make([]byte, 3082)
	for i := range payload {
		payload[i] = byte(i)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- SendFrame(a, payload, time.Time{})
	}()

	got, err := RecvFrame(b, len(payload))
	require.NoError(err)
	require.Equal(payload, got)
	require.NoError(<-errCh)
}

func TestFrameOversize(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		// 64 byte frame, against a 32 byte bound on the reader side.
		SendFrame(a, make([]byte, 64), time.Time{})
	}()

	_, err := RecvFrame(b, 32)
	require.ErrorIs(err, ErrFrameTooLarge)
}

func TestFrameTruncated(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()

	go func() {
		// A header promising 128 bytes, then the link dies.
		a.Write([]byte{0x00, 0x00, 0x00, 0x80})
		a.Write([]byte("partial"))
		a.Close()
	}()
	defer b.Close()

	_, err := RecvFrame(b, 1024)
	require.ErrorIs(err, ErrTruncated)
}
