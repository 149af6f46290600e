// wire.go - Length-delimited frame codec.
// SPDX-FileCopyrightText: Copyright (C) 2026  The veilmix authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the length-delimited framing used on node to
// node links.  The link transport delivers opaque byte buffers; all
// content validation is cryptographic and happens downstream.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

const (
	// FrameOverhead is the per-frame framing overhead in bytes.
	FrameOverhead = 4

	// MaxFrameLength is the largest frame the codec will accept,
	// irrespective of the caller supplied bound.
	MaxFrameLength = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame header specifies a length
	// in excess of the bound.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")

	// ErrTruncated is returned when the link delivered a partial frame.
	ErrTruncated = errors.New("wire: truncated frame")
)

// SendFrame writes b to c as a single length-delimited frame, with the
// provided write deadline.  A zero deadline disables the timeout.
func SendFrame(c net.Conn, b []byte, deadline time.Time) error {
	if len(b) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}

	var hdr [FrameOverhead]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := c.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.Write(b)
	return err
}

// RecvFrame reads a single length-delimited frame from c, rejecting
// frames larger than maxLength.
func RecvFrame(c net.Conn, maxLength int) ([]byte, error) {
	if maxLength <= 0 || maxLength > MaxFrameLength {
		maxLength = MaxFrameLength
	}

	var hdr [FrameOverhead]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return nil, recvErr(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > maxLength {
		return nil, ErrFrameTooLarge
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(c, b); err != nil {
		return nil, recvErr(err)
	}
	return b, nil
}

func recvErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
